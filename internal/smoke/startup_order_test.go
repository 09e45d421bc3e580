package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildFleetdBinary(t)
	home := t.TempDir()

	d := startDaemon(t, bin, home)
	d.waitReady(0)
	d.stop()

	data, err := os.ReadFile(logPath(home))
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	shutdownLine := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "shutdown complete" {
			shutdownLine = lineNo
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"state_restored",
		"ready",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, d.out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
	if shutdownLine <= phases["ready"] {
		t.Fatalf("expected shutdown complete after ready, got line %d", shutdownLine)
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("first start should write a starter config: %v", err)
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildFleetdBinary(t)
	home := t.TempDir()

	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: chatty\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(bin, "serve")
	cmd.Env = fleetEnv(home, pickFreeAddr(t))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected startup failure for invalid log level")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}

	combined := out.String()
	for _, want := range []string{
		`"reason_code":"E_CONFIG_LOAD"`,
		`"msg":"startup failure"`,
		`"component":"fleetd"`,
		`"level":"ERROR"`,
	} {
		if !strings.Contains(combined, want) {
			t.Fatalf("expected %s in startup output\ncombined=%s", want, combined)
		}
	}
}

func TestSmoke_StartupFailsWhenAddressTaken(t *testing.T) {
	bin := buildFleetdBinary(t)
	first := startDaemon(t, bin, t.TempDir())
	first.waitReady(0)
	defer first.stop()

	home := t.TempDir()
	cmd := exec.Command(bin, "serve", "--bind", first.addr)
	cmd.Env = fleetEnv(home, first.addr)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected bind failure")
	}
	data, _ := os.ReadFile(logPath(home))
	if !strings.Contains(string(data)+out.String(), `"reason_code":"E_LISTENER_BIND"`) {
		t.Fatalf("expected E_LISTENER_BIND\nlogs=%s\noutput=%s", data, out.String())
	}
}
