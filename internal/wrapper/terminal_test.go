package wrapper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const ttyHelperEnv = "WARDEN_WRAPPER_TTY_WORKER"

// openPTY returns the master and slave ends of a fresh pseudo-terminal.
func openPTY(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		t.Skipf("no pseudo-terminal support: %v", err)
	}
	fd := int(master.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		t.Fatalf("unlock pty: %v", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		t.Fatalf("pty number: %v", err)
	}
	slave, err := os.OpenFile(fmt.Sprintf("/dev/pts/%d", n), os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		t.Fatalf("open pty slave: %v", err)
	}
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave
}

func TestIsTerminal(t *testing.T) {
	_, slave := openPTY(t)
	if !isTerminal(slave) {
		t.Error("pty slave not detected as a terminal")
	}

	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if isTerminal(f) {
		t.Error("regular file detected as a terminal")
	}
	if isTerminal(&bytes.Buffer{}) {
		t.Error("buffer detected as a terminal")
	}
}

// TestTerminalWorker runs Run inside a process whose controlling terminal
// is the pty, so the worker reads from it like an interactive session.
func TestTerminalWorker(t *testing.T) {
	if os.Getenv(ttyHelperEnv) == "1" {
		exit, err := Run(context.Background(), Spec{
			Command: "/bin/sh",
			Args:    []string{"-c", "read x; echo got:$x"},
			Mode:    ModePassthrough,
		}, nil)
		if err != nil || exit.Code != 0 {
			fmt.Fprintf(os.Stderr, "worker failed: %v %+v\n", err, exit)
			os.Exit(3)
		}
		os.Exit(0)
	}

	master, slave := openPTY(t)
	cmd := exec.Command(os.Args[0], "-test.run=^TestTerminalWorker$")
	cmd.Env = append(os.Environ(), ttyHelperEnv+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	slave.Close()

	output := make(chan string, 1)
	go func() {
		var out strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := master.Read(buf)
			out.Write(buf[:n])
			if strings.Contains(out.String(), "got:hello") || err != nil {
				output <- out.String()
				return
			}
		}
	}()

	if _, err := master.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-output:
		if !strings.Contains(out, "got:hello") {
			t.Errorf("worker never read the terminal, output %q", out)
		}
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		cmd.Wait()
		t.Fatal("worker blocked reading from its terminal")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("helper exited with %v", err)
		}
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("helper did not exit")
	}
}
