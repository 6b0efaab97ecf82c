package wrapper

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/psantana5/warden/internal/observe"
)

func shSpec(t *testing.T, script string, mode string) Spec {
	t.Helper()
	return Spec{
		Command:  "/bin/sh",
		Args:     []string{"-c", script},
		Mode:     mode,
		LogPath:  filepath.Join(t.TempDir(), "state", "crash.log"),
		LogLimit: 4096,
		Stdout:   &bytes.Buffer{},
		Stderr:   &bytes.Buffer{},
	}
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantCode   int
		wantReason ExitReason
		wantSignal string
	}{
		{"graceful", "exit 0", 0, ExitReasonSuccess, ""},
		{"restart request", "exit 1", 1, ExitReasonError, ""},
		{"crash", "exit 3", 3, ExitReasonError, ""},
		{"sigkill", "kill -9 $$", 137, ExitReasonOOM, "SIGKILL"},
		{"sigterm", "kill -15 $$", 143, ExitReasonSignal, "SIGTERM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exit, err := Run(context.Background(), shSpec(t, tt.script, ModeCaptured), nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if exit.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", exit.Code, tt.wantCode)
			}
			if exit.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", exit.Reason, tt.wantReason)
			}
			if exit.Signal != tt.wantSignal {
				t.Errorf("signal = %q, want %q", exit.Signal, tt.wantSignal)
			}
			if exit.PID <= 0 {
				t.Errorf("pid = %d", exit.PID)
			}
		})
	}
}

func TestCapturedModeLog(t *testing.T) {
	spec := shSpec(t, `echo "Traceback (most recent call last):" >&2; echo "ModuleNotFoundError: No module named 'requests'" >&2; echo to-stdout; exit 1`, ModeCaptured)

	exit, err := Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Contains(exit.Log, []byte("No module named 'requests'")) {
		t.Errorf("log missing stderr: %q", exit.Log)
	}
	if bytes.Contains(exit.Log, []byte("to-stdout")) {
		t.Errorf("stdout leaked into failure log: %q", exit.Log)
	}
	if got := spec.Stdout.(*bytes.Buffer).String(); !strings.Contains(got, "to-stdout") {
		t.Errorf("stdout not inherited: %q", got)
	}
}

func TestCapturedLogResetEachRun(t *testing.T) {
	spec := shSpec(t, "echo first-run >&2; exit 2", ModeCaptured)
	if _, err := Run(context.Background(), spec, nil); err != nil {
		t.Fatal(err)
	}

	spec.Args = []string{"-c", "echo second-run >&2; exit 2"}
	exit, err := Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(exit.Log, []byte("first-run")) {
		t.Errorf("log straddles runs: %q", exit.Log)
	}
	if !bytes.Contains(exit.Log, []byte("second-run")) {
		t.Errorf("log missing current run: %q", exit.Log)
	}
}

func TestCapturedLogTailBounded(t *testing.T) {
	spec := shSpec(t, `i=0; while [ $i -lt 500 ]; do echo "noise line $i" >&2; i=$((i+1)); done; echo "Cannot find module 'express'" >&2; exit 1`, ModeCaptured)
	spec.LogLimit = 64

	exit, err := Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(exit.Log) != 64 {
		t.Errorf("log length = %d, want 64", len(exit.Log))
	}
	if !bytes.Contains(exit.Log, []byte("Cannot find module")) {
		t.Errorf("tail lost the last line: %q", exit.Log)
	}
}

func TestPassthroughMode(t *testing.T) {
	spec := shSpec(t, "echo oops >&2; exit 5", ModePassthrough)
	exit, err := Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exit.Log != nil {
		t.Errorf("passthrough should not capture, got %q", exit.Log)
	}
	if got := spec.Stderr.(*bytes.Buffer).String(); got != "oops\n" {
		t.Errorf("stderr = %q", got)
	}
	if _, err := os.Stat(spec.LogPath); !os.IsNotExist(err) {
		t.Errorf("passthrough should not create the failure log")
	}
}

func TestSpawnFailure(t *testing.T) {
	spec := shSpec(t, "", ModeCaptured)
	spec.Command = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := Run(context.Background(), spec, nil)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestCancellationKillsTree(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	spec := shSpec(t, "sleep 60 & echo $! > "+pidFile+"; wait", ModeCaptured)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan int, 1)
	go func() {
		// Cancel once the grandchild has written its pid.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if data, err := os.ReadFile(pidFile); err == nil && len(bytes.TrimSpace(data)) > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	exit, err := Run(ctx, spec, func(pid int) { started <- pid })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("cancellation did not stop the worker promptly")
	}
	if exit.Reason != ExitReasonInterrupted {
		t.Errorf("reason = %s, want interrupted", exit.Reason)
	}
	if pid := <-started; pid != exit.PID {
		t.Errorf("onStart pid %d != exit pid %d", pid, exit.PID)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	gc, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && observe.Alive(int32(gc)) {
		time.Sleep(20 * time.Millisecond)
	}
	if observe.Alive(int32(gc)) {
		syscall.Kill(gc, syscall.SIGKILL)
		t.Errorf("grandchild %d survived cancellation", gc)
	}
}

func TestLeftoversReapedAfterExit(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "orphan.pid")
	spec := shSpec(t, "sleep 60 >/dev/null 2>&1 & echo $! > "+pidFile+"; exit 4", ModeCaptured)

	exit, err := Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exit.Code != 4 {
		t.Errorf("code = %d", exit.Code)
	}

	data, _ := os.ReadFile(pidFile)
	orphan, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("orphan pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && observe.Alive(int32(orphan)) {
		time.Sleep(20 * time.Millisecond)
	}
	if observe.Alive(int32(orphan)) {
		syscall.Kill(orphan, syscall.SIGKILL)
		t.Errorf("orphan %d survived worker exit", orphan)
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		limit int64
		want  string
	}{
		{0, "0123456789"},
		{4, "6789"},
		{100, "0123456789"},
	}
	for _, tt := range tests {
		got, err := ReadTail(path, tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("ReadTail(%d) = %q, want %q", tt.limit, got, tt.want)
		}
	}
}
