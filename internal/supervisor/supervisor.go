// Package supervisor spawns shell commands in their own process group so
// that killing a superseded task kills its whole descendant tree (spec
// §4.5 and §5).
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Spec describes a single command invocation.
type Spec struct {
	Command          string
	WorkingDirectory string
	ChangedFilePath  string // substituted for the literal token $FILE
}

// ExitError wraps a non-zero exit with the command's accumulated stderr,
// matching spec §4.5's "Fails with an error containing the accumulated
// stderr when status != 0".
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d: %s", e.ExitCode, e.Stderr)
}

// Run spawns spec.Command through a shell in a fresh process group,
// inheriting stdout, buffering stderr, and resolves when the process
// exits 0. onSpawn/onExit hand the caller a reference to the running
// process so a daemon can track and kill superseded tasks; onSpawn fires
// with the live *os.Process as soon as it's available, before Run
// returns.
func Run(ctx context.Context, spec Spec, onSpawn func(*os.Process), onExit func(error)) error {
	command := spec.Command
	if spec.ChangedFilePath != "" {
		command = strings.ReplaceAll(command, "$FILE", spec.ChangedFilePath)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = spec.WorkingDirectory
	cmd.Stdout = os.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Prevent exec.CommandContext's default behavior of signalling only
	// the direct child on ctx cancellation: we want group kills to go
	// through Kill below, driven explicitly by the daemon.
	cmd.Cancel = func() error { return nil }

	if err := cmd.Start(); err != nil {
		err = errors.Wrap(err, "supervisor: failed to start command")
		if onExit != nil {
			onExit(err)
		}
		return err
	}
	if onSpawn != nil {
		onSpawn(cmd.Process)
	}

	waitErr := cmd.Wait()
	var resultErr error
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			resultErr = &ExitError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		} else {
			resultErr = errors.Wrap(waitErr, "supervisor: command failed")
		}
	}
	if onExit != nil {
		onExit(resultErr)
	}
	return resultErr
}

// Kill sends SIGKILL to the negated pid (the process group), terminating
// every descendant of proc.
func Kill(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	err := syscall.Kill(-proc.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "supervisor: failed to kill process group %d", proc.Pid)
	}
	return nil
}
