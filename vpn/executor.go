package vpn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/yllada/sessionctl/common"
)

// waitDelay bounds how long Run waits for the child's output pipes after
// the process has been killed on timeout.
const waitDelay = 500 * time.Millisecond

// Executor runs the VPN control process. It is the seam between the
// Controller's state machine and the host, and is replaced by fakes in tests.
type Executor interface {
	// Run invokes the control process with args and waits at most timeout
	// for it to exit. A zero timeout leaves only ctx as the bound.
	//
	// A missing binary returns an error matching common.ErrVPNNotInstalled.
	// A non-zero exit or a timeout returns a *CommandError. stderr is
	// returned alongside a nil error when the process exits cleanly.
	Run(ctx context.Context, timeout time.Duration, args ...string) (stdout, stderr string, err error)
}

// ExecExecutor runs a real binary through os/exec.
type ExecExecutor struct {
	// Path is the binary name or path, e.g. "piactl".
	Path string
}

// NewExecExecutor returns an executor for the given binary.
func NewExecExecutor(path string) *ExecExecutor {
	if path == "" {
		path = common.DefaultVPNBinary
	}
	return &ExecExecutor{Path: path}
}

// LookPath resolves the binary, reporting common.ErrVPNNotInstalled when it
// cannot be found.
func (e *ExecExecutor) LookPath() (string, error) {
	path, err := exec.LookPath(e.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", common.ErrVPNNotInstalled, e.Path, err)
	}
	return path, nil
}

// Run implements Executor.
func (e *ExecExecutor) Run(ctx context.Context, timeout time.Duration, args ...string) (string, string, error) {
	path, err := e.LookPath()
	if err != nil {
		return "", "", err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), nil
	}

	// Caller cancellation is not a command failure.
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), ctx.Err()
	}
	if runCtx.Err() != nil {
		return stdout.String(), stderr.String(), &CommandError{
			Args:     args,
			ExitCode: -1,
			Stderr:   stderr.String(),
			Err:      runCtx.Err(),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), &CommandError{
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("%w: %s: %v", common.ErrVPNNotInstalled, path, err)
	}
	return stdout.String(), stderr.String(), &CommandError{Args: args, ExitCode: -1, Stderr: stderr.String(), Err: err}
}

// CommandError reports a control process invocation that exited non-zero,
// timed out, or could not be started.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	// Err is the underlying cause when the process did not exit on its own,
	// e.g. context.DeadlineExceeded.
	Err error
}

func (e *CommandError) Error() string {
	cmd := strings.Join(e.Args, " ")
	switch {
	case e.Err != nil:
		return fmt.Sprintf("vpn command %q: %v", cmd, e.Err)
	case strings.TrimSpace(e.Stderr) != "":
		return fmt.Sprintf("vpn command %q exited %d: %s", cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
	default:
		return fmt.Sprintf("vpn command %q exited %d", cmd, e.ExitCode)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is makes every CommandError match common.ErrVPNCommand.
func (e *CommandError) Is(target error) bool {
	return target == common.ErrVPNCommand
}

// TimeoutError reports that the tunnel did not reach a target state within
// the wait timeout.
type TimeoutError struct {
	Target ConnectionState
	Last   ConnectionState
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vpn did not reach %s within %v (last state: %s)",
		e.Target, e.Waited.Round(time.Millisecond), e.Last)
}

// Is makes every TimeoutError match common.ErrVPNTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == common.ErrVPNTimeout
}
