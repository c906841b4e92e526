package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, h Handle, timeout time.Duration) int {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if code, done := h.Poll(); done {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process did not finish in time")
	return -1
}

func TestStartScriptSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "task.sh", "#!/bin/sh\necho rendered > out.txt\n")
	p, err := StartScript(dir, path)
	if err != nil {
		t.Fatal(err)
	}
	if code := waitFor(t, p, 5*time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("script did not run in its working directory: %v", err)
	}
}

func TestStartScriptFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "task.sh", "#!/bin/sh\nexit 2\n")
	p, err := StartScript(dir, path)
	if err != nil {
		t.Fatal(err)
	}
	if code := waitFor(t, p, 5*time.Second); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestStartScriptPollWhileRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "task.sh", "#!/bin/sh\nsleep 5\n")
	p, err := StartScript(dir, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, done := p.Poll(); done {
		t.Error("process reported done immediately")
	}
	if _, err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, done := p.Poll(); !done {
		t.Error("process not done after Stop")
	}
}

func TestStartScriptStopTerminates(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "task.sh", "#!/bin/sh\nsleep 30\n")
	p, err := StartScript(dir, path)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	code, err := p.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Stop took longer than the signal should need")
	}
	if code == 0 {
		t.Errorf("terminated process reported exit code 0")
	}
}

func TestInProcessSuccess(t *testing.T) {
	p := Start(func(ctx context.Context) error { return nil })
	if code := waitFor(t, p, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestInProcessFailure(t *testing.T) {
	p := Start(func(ctx context.Context) error { return errors.New("upload failed") })
	if code := waitFor(t, p, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestInProcessStopCancels(t *testing.T) {
	started := make(chan struct{})
	p := Start(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	code, err := p.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if code != 1 {
		t.Errorf("cancelled worker reported exit code %d, want 1", code)
	}
}
