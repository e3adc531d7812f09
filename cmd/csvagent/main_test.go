package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/state"
)

// execute runs the CLI with args and returns stdout and the exit code
func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), exitCode(err)
}

type workspace struct {
	data   string
	state  string
	events string
	config string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	base := t.TempDir()
	ws := workspace{
		data:   filepath.Join(base, "data"),
		state:  filepath.Join(base, "state"),
		events: filepath.Join(base, "events.ndjson"),
		config: filepath.Join(base, "config.yaml"),
	}
	if err := os.Mkdir(ws.data, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := "logging:\n  level: error\noutput:\n  type: file\n  file:\n    path: " + ws.events + "\n"
	if err := os.WriteFile(ws.config, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func (ws workspace) run(t *testing.T) int {
	t.Helper()
	_, code := execute(t, "run", "--once", "-c", ws.config, "--data-dir", ws.data, "--state-dir", ws.state)
	return code
}

func readEvents(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		t.Fatal(err)
	}
	defer f.Close()

	var events []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid event line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != exitOK {
		t.Error("nil error should exit 0")
	}
	if exitCode(errors.New("boom")) != exitStartup {
		t.Error("plain error should exit 1")
	}
	if exitCode(&exitError{code: exitCycleError, err: errors.New("sink")}) != exitCycleError {
		t.Error("cycle error should exit 2")
	}
}

func TestVersion(t *testing.T) {
	out, code := execute(t, "version")
	if code != exitOK || !strings.Contains(out, version) {
		t.Errorf("version = %q, code %d", out, code)
	}
}

func TestRunOnceEmitsAppendedRows(t *testing.T) {
	ws := newWorkspace(t)
	csvPath := filepath.Join(ws.data, "a.csv")
	os.WriteFile(csvPath, []byte("id,val\n1,x\n2,y\n"), 0644)

	if code := ws.run(t); code != exitOK {
		t.Fatalf("first run exit code = %d", code)
	}
	if events := readEvents(t, ws.events); len(events) != 2 {
		t.Fatalf("first run emitted %d events, want 2", len(events))
	}

	f, _ := os.OpenFile(csvPath, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("3,z\n")
	f.Close()

	if code := ws.run(t); code != exitOK {
		t.Fatalf("second run exit code = %d", code)
	}
	events := readEvents(t, ws.events)
	if len(events) != 3 {
		t.Fatalf("total events = %d, want 3", len(events))
	}
	last := events[2]
	if last["id"] != "3" || last["val"] != "z" || last["sourcetype"] != "csv_data" {
		t.Errorf("last event = %v", last)
	}

	out, code := execute(t, "state", "show", "-c", ws.config, "--state-dir", ws.state, "--data-dir", ws.data)
	if code != exitOK || !strings.Contains(out, "a.csv") {
		t.Errorf("state show = %q, code %d", out, code)
	}
}

func TestRunStartupFailures(t *testing.T) {
	ws := newWorkspace(t)

	_, code := execute(t, "run", "--once", "-c", ws.config,
		"--data-dir", filepath.Join(ws.data, "missing"), "--state-dir", ws.state)
	if code != exitStartup {
		t.Errorf("missing data dir exit code = %d, want 1", code)
	}

	_, code = execute(t, "run", "--once", "-c", filepath.Join(ws.data, "nope.yaml"))
	if code != exitStartup {
		t.Errorf("missing config exit code = %d, want 1", code)
	}

	os.MkdirAll(ws.state, 0755)
	lock, err := state.AcquireLock(ws.state)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()
	if code := ws.run(t); code != exitStartup {
		t.Errorf("locked state dir exit code = %d, want 1", code)
	}
}

func TestRunOnceSinkErrorExitsTwo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"text":"Server is busy","code":9}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	ws := newWorkspace(t)
	os.WriteFile(filepath.Join(ws.data, "a.csv"), []byte("id\n1\n"), 0644)
	cfg := fmt.Sprintf(`logging:
  level: error
output:
  type: hec
  hec:
    host: %s
    port: %s
    token: test-token
    max_retries: 1
    retry_backoff: 1ms
`, u.Hostname(), u.Port())
	os.WriteFile(ws.config, []byte(cfg), 0644)

	if code := ws.run(t); code != exitCycleError {
		t.Errorf("exit code = %d, want 2", code)
	}
	files, err := state.Inspect(ws.state)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("failed file should not be recorded: %v", files)
	}
}

func TestStateReset(t *testing.T) {
	ws := newWorkspace(t)
	os.WriteFile(filepath.Join(ws.data, "a.csv"), []byte("id\n1\n"), 0644)
	if code := ws.run(t); code != exitOK {
		t.Fatalf("run exit code = %d", code)
	}

	lock, err := state.AcquireLock(ws.state)
	if err != nil {
		t.Fatal(err)
	}
	_, code := execute(t, "state", "reset", "-c", ws.config, "--state-dir", ws.state, "--data-dir", ws.data)
	if code != exitStartup {
		t.Errorf("reset while locked exit code = %d, want 1", code)
	}
	lock.Release()

	_, code = execute(t, "state", "reset", "-c", ws.config, "--state-dir", ws.state, "--data-dir", ws.data)
	if code != exitOK {
		t.Fatalf("reset exit code = %d", code)
	}
	files, err := state.Inspect(ws.state)
	if err != nil || len(files) != 0 {
		t.Errorf("state after reset = %v, %v", files, err)
	}

	if code := ws.run(t); code != exitOK {
		t.Fatalf("run after reset exit code = %d", code)
	}
	if events := readEvents(t, ws.events); len(events) != 2 {
		t.Errorf("events after reset = %d, want the row emitted twice", len(events))
	}
}
