package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/coordinator"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/gateway"
	"github.com/basket/go-fleet/internal/persistence"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// seedHome points FLEET_HOME at a temp dir and records a short history.
func seedHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FLEET_HOME", home)
	t.Setenv("FLEET_DB_PATH", "")

	store, err := persistence.Open(filepath.Join(home, "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	eng, err := coordinator.New(coordinator.Config{Log: store, Router: bus.New()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx := context.Background()
	if _, err := eng.CreateAgent(ctx, coordinator.CreateAgentInput{ID: "a1", Name: "Ada"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := eng.CreateIssue(ctx, coordinator.CreateIssueInput{ID: "i1", Title: "Fix login"}); err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if _, err := eng.AssignIssue(ctx, "i1", "a1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	return home
}

func TestRun_Dispatch(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"version"}, &out, &errOut); code != 0 || !strings.Contains(out.String(), Version) {
		t.Fatalf("version: code=%d out=%q", code, out.String())
	}
	out.Reset()
	if code := run(context.Background(), []string{"help"}, &out, &errOut); code != 0 || !strings.Contains(out.String(), "fleetd [command]") {
		t.Fatalf("help: code=%d out=%q", code, out.String())
	}
	errOut.Reset()
	if code := run(context.Background(), []string{"launch"}, &out, &errOut); code != 2 || !strings.Contains(errOut.String(), `unknown command "launch"`) {
		t.Fatalf("unknown: code=%d err=%q", code, errOut.String())
	}
	if code := run(context.Background(), []string{"events", "--bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("bad flag: expected 2, got %d", code)
	}
	if code := run(context.Background(), []string{"doctor", "--help"}, &out, &errOut); code != 0 {
		t.Fatalf("--help: expected 0, got %d", code)
	}
}

func TestRunEvents_JSON(t *testing.T) {
	seedHome(t)
	var out, errOut bytes.Buffer
	if code := runEvents(context.Background(), []string{"--since", "1", "--json"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	var seqs []int64
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var env events.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		seqs = append(seqs, env.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("expected seqs [2 3], got %v", seqs)
	}
}

func TestRunEvents_Text(t *testing.T) {
	seedHome(t)
	var out, errOut bytes.Buffer
	if code := runEvents(context.Background(), []string{"--limit", "2"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 2 events and a summary, got %q", out.String())
	}
	if !strings.Contains(lines[1], "issue.created") || !strings.Contains(lines[2], "2 events (last seq 2") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunEvents_Validation(t *testing.T) {
	seedHome(t)
	var out, errOut bytes.Buffer
	if code := runEvents(context.Background(), []string{"--since", "-1"}, &out, &errOut); code != 2 {
		t.Fatalf("expected 2 for negative since, got %d", code)
	}
	if code := runEvents(context.Background(), []string{"--db", filepath.Join(t.TempDir(), "none.db")}, &out, &errOut); code != 1 {
		t.Fatalf("expected 1 for a missing database, got %d", code)
	}
}

func TestRunBackup(t *testing.T) {
	seedHome(t)
	dest := filepath.Join(t.TempDir(), "copy.db")
	var out, errOut bytes.Buffer
	if code := runBackup(context.Background(), []string{dest}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "(seq 3)") {
		t.Fatalf("unexpected output %q", out.String())
	}

	copyStore, err := persistence.Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	if seq, _ := copyStore.CurrentSeq(context.Background()); seq != 3 {
		t.Fatalf("backup should hold seq 3, got %d", seq)
	}

	if code := runBackup(context.Background(), []string{dest}, &out, &errOut); code != 1 {
		t.Fatalf("existing destination must fail, got %d", code)
	}
	if code := runBackup(context.Background(), nil, &out, &errOut); code != 2 {
		t.Fatalf("missing destination must be a usage error, got %d", code)
	}
}

func TestRunDoctor_JSON(t *testing.T) {
	home := seedHome(t)
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_addr: 127.0.0.1:0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	if code := runDoctor(context.Background(), []string{"--json"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, r := range diag.Results {
		if r.Name == "Sequence" && r.Status != "PASS" {
			t.Fatalf("sequence check should pass, got %s", r.Status)
		}
	}
}

func TestRunDoctor_Text(t *testing.T) {
	seedHome(t)
	var out, errOut bytes.Buffer
	runDoctor(context.Background(), nil, &out, &errOut)
	if !strings.Contains(out.String(), "fleetd doctor report") || !strings.Contains(out.String(), "Database") {
		t.Fatalf("unexpected report %q", out.String())
	}
}

func TestRunTail_FollowsLiveAndReplay(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	router := bus.New()
	eng, err := coordinator.New(coordinator.Config{Log: store, Router: router})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	gw, err := gateway.New(gateway.Config{Engine: eng, Store: store, Router: router})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if _, err := eng.CreateIssue(ctx, coordinator.CreateIssueInput{ID: "old", Title: "Before tail", ProjectID: "p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out, errOut syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- runTail(tailCtx, []string{"--url", "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", "--since", "0", "--topic", "project:p1"}, &out, &errOut)
	}()

	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "Before tail") })
	waitFor(t, 3*time.Second, func() bool { return router.Stats().Connections == 1 })

	if _, err := eng.CreateIssue(ctx, coordinator.CreateIssueInput{Title: "Elsewhere", ProjectID: "p2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateIssue(ctx, coordinator.CreateIssueInput{Title: "Live one", ProjectID: "p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "Live one") })

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("tail exit %d: %s", code, errOut.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop")
	}
	if strings.Contains(out.String(), "Elsewhere") {
		t.Fatalf("p2 envelope leaked into a p1 tail: %q", out.String())
	}
	if strings.Count(out.String(), "Before tail") != 1 {
		t.Fatalf("replayed envelope printed more than once: %q", out.String())
	}
	if !strings.Contains(out.String(), "2 events") {
		t.Fatalf("missing summary: %q", out.String())
	}
}

func TestRunTail_PagesReplayPastServerLimit(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	router := bus.New()
	eng, err := coordinator.New(coordinator.Config{Log: store, Router: router})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	gw, err := gateway.New(gateway.Config{Engine: eng, Store: store, Router: router, ReplayLimit: 2})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	titles := []string{"Backlog one", "Backlog two", "Backlog three", "Backlog four", "Backlog five"}
	for _, title := range titles {
		if _, err := eng.CreateIssue(ctx, coordinator.CreateIssueInput{Title: title, ProjectID: "p1"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out, errOut syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- runTail(tailCtx, []string{"--url", "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", "--since", "0"}, &out, &errOut)
	}()

	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "Backlog five") })
	if _, err := eng.CreateIssue(ctx, coordinator.CreateIssueInput{Title: "Live after backlog", ProjectID: "p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "Live after backlog") })

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("tail exit %d: %s", code, errOut.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop")
	}
	got := out.String()
	last := -1
	for _, title := range append(titles, "Live after backlog") {
		if strings.Count(got, title) != 1 {
			t.Fatalf("%q printed %d times: %q", title, strings.Count(got, title), got)
		}
		at := strings.Index(got, title)
		if at < last {
			t.Fatalf("%q printed out of seq order: %q", title, got)
		}
		last = at
	}
	if !strings.Contains(got, "6 events") {
		t.Fatalf("missing summary: %q", got)
	}
}

func TestRunTail_RejectsUnknownTopic(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runTail(context.Background(), []string{"--url", "ws://127.0.0.1:1/ws", "--topic", "gossip"}, &out, &errOut); code != 2 {
		t.Fatalf("expected 2, got %d", code)
	}
}

func TestRunTail_NoReconnectFails(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runTail(context.Background(), []string{"--url", "ws://127.0.0.1:1/ws", "--no-reconnect"}, &out, &errOut); code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:18790": "ws://127.0.0.1:18790/ws",
		"0.0.0.0:9000":    "ws://127.0.0.1:9000/ws",
		":9000":           "ws://127.0.0.1:9000/ws",
		"[::1]:9000":      "ws://[::1]:9000/ws",
		"ws://fleet:1/ws": "ws://fleet:1/ws",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Fatalf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunServe_StartsAndDrains(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FLEET_HOME", home)
	t.Setenv("FLEET_DB_PATH", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var errOut syncBuffer
	done := make(chan int, 1)
	go func() { done <- runServe(ctx, []string{"--bind", "127.0.0.1:0", "--quiet"}, &errOut) }()

	waitFor(t, 5*time.Second, func() bool {
		data, err := os.ReadFile(filepath.Join(home, "logs", "fleetd.jsonl"))
		return err == nil && strings.Contains(string(data), `"phase":"ready"`)
	})
	if _, err := os.Stat(config.ConfigPath(home)); err != nil {
		t.Fatalf("starter config not written: %v", err)
	}
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("serve exit %d: %s", code, errOut.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestRunServe_BadConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FLEET_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: chatty\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var errOut syncBuffer
	if code := runServe(context.Background(), nil, &errOut); code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_CONFIG_LOAD") {
		t.Fatalf("missing reason code: %q", errOut.String())
	}
}
