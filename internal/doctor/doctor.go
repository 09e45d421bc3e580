package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/cron"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/relay"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// env is shared by the checks of one run; store is nil until the database
// check opens it.
type env struct {
	cfg   *config.Config
	store *persistence.Store
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	e := &env{cfg: cfg}
	defer func() {
		if e.store != nil {
			_ = e.store.Close()
		}
	}()

	checks := []func(context.Context, *env) CheckResult{
		checkConfig,
		checkDatabase,
		checkSequence,
		checkPermissions,
		checkSchedule,
		checkRelay,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, e))
	}
	return d
}

func checkConfig(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if e.cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, defaults in use",
			Detail: fmt.Sprintf("fleetd serve writes a starter file to %s", config.ConfigPath(e.cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", e.cfg.HomeDir),
		Detail: e.cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(e.cfg.DBPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: fmt.Sprintf("%s does not exist yet", e.cfg.DBPath)}
	}

	store, err := persistence.Open(e.cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	e.store = store

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema lookup failed: %v", err)}
	}
	seq, err := store.CurrentSeq(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, current seq %d", version, seq),
		Detail:  fmt.Sprintf("path=%s checksum=%s", e.cfg.DBPath, checksum),
	}
}

func checkSequence(ctx context.Context, e *env) CheckResult {
	if e.store == nil {
		return CheckResult{Name: "Sequence", Status: StatusSkip, Message: "Database not open"}
	}
	rep, err := e.store.CheckSequence(ctx)
	if err != nil {
		return CheckResult{Name: "Sequence", Status: StatusFail, Message: fmt.Sprintf("Check failed: %v", err)}
	}
	detail := fmt.Sprintf("counter=%d max_seq=%d records=%d gaps=%d", rep.Counter, rep.MaxSeq, rep.Count, rep.Gaps)
	if !rep.OK() {
		return CheckResult{Name: "Sequence", Status: StatusFail, Message: "Event log is not contiguous", Detail: detail}
	}
	return CheckResult{Name: "Sequence", Status: StatusPass, Message: fmt.Sprintf("%d events, no gaps", rep.Count), Detail: detail}
}

func checkPermissions(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(e.cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Snapshots", Status: StatusSkip, Message: "Config missing"}
	}
	if e.cfg.SnapshotSchedule == "" {
		return CheckResult{Name: "Snapshots", Status: StatusSkip, Message: "No snapshot schedule"}
	}
	next, err := cron.NextRunTime(e.cfg.SnapshotSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Snapshots", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q", e.cfg.SnapshotSchedule), Detail: err.Error()}
	}
	return CheckResult{Name: "Snapshots", Status: StatusPass, Message: fmt.Sprintf("Next snapshot at %s", next.UTC().Format(time.RFC3339))}
}

func checkRelay(ctx context.Context, e *env) CheckResult {
	if e.cfg == nil || !e.cfg.Relay.Enabled {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "Relay disabled"}
	}
	client := relay.NewClient(e.cfg.Relay)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("Redis at %s unreachable", e.cfg.Relay.RedisAddr), Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Relay",
		Status:  StatusPass,
		Message: fmt.Sprintf("Redis at %s reachable (%dms)", e.cfg.Relay.RedisAddr, time.Since(start).Milliseconds()),
		Detail:  "stream=" + e.cfg.Relay.Stream,
	}
}

func checkBindAddr(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", e.cfg.BindAddr)
	if err != nil {
		// Usually a running fleetd.
		return CheckResult{Name: "Bind Address", Status: StatusWarn, Message: fmt.Sprintf("%s is in use", e.cfg.BindAddr), Detail: err.Error()}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", e.cfg.BindAddr)}
}
