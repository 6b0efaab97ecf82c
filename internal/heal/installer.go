package heal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/psantana5/warden/internal/oracle"
)

// ManifestPlaceholder in the install command is replaced with the manifest path.
const ManifestPlaceholder = "{manifest}"

// Installer applies a manifest to the runtime environment.
type Installer interface {
	Install(ctx context.Context, manifestPath string) error
}

// CommandInstaller runs an external command such as "pip install -r {manifest}".
type CommandInstaller struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
	Output  io.Writer // receives the command's combined output; nil discards it
}

// NewCommandInstaller splits command on whitespace.
func NewCommandInstaller(command string, timeout time.Duration) *CommandInstaller {
	return &CommandInstaller{Argv: strings.Fields(command), Timeout: timeout}
}

// Install runs the command and fails on a non-zero exit or timeout.
func (c *CommandInstaller) Install(ctx context.Context, manifestPath string) error {
	if len(c.Argv) == 0 {
		return errors.New("no install command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	argv := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		argv[i] = strings.ReplaceAll(a, ManifestPlaceholder, manifestPath)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second

	var tail bytes.Buffer
	out := io.Writer(&tail)
	if c.Output != nil {
		out = io.MultiWriter(&tail, c.Output)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("install %s: %w", strings.Join(argv, " "), ctx.Err())
		}
		return fmt.Errorf("install %s: %w: %s", strings.Join(argv, " "), err,
			strings.TrimSpace(oracle.Tail(tail.String(), 500)))
	}
	return nil
}
