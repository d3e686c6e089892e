package vpn

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/sessionctl/common"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecExecutor_MissingBinary(t *testing.T) {
	e := NewExecExecutor("sessionctl-no-such-binary")

	_, _, err := e.Run(context.Background(), time.Second, "get", "connectionstate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrVPNNotInstalled))
	assert.False(t, errors.Is(err, common.ErrVPNCommand))
}

func TestExecExecutor_SeparatesStreams(t *testing.T) {
	requireShell(t)
	e := NewExecExecutor("sh")

	stdout, stderr, err := e.Run(context.Background(), 5*time.Second, "-c", "echo Connected; echo slow >&2")
	require.NoError(t, err)
	assert.Equal(t, "Connected\n", stdout)
	assert.Equal(t, "slow\n", stderr)
}

func TestExecExecutor_NonZeroExit(t *testing.T) {
	requireShell(t)
	e := NewExecExecutor("sh")

	_, _, err := e.Run(context.Background(), 5*time.Second, "-c", "echo nope >&2; exit 3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrVPNCommand))

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.ExitCode)
	assert.Equal(t, "nope\n", ce.Stderr)
	assert.Contains(t, ce.Error(), "exited 3")
}

func TestExecExecutor_Timeout(t *testing.T) {
	requireShell(t)
	e := NewExecExecutor("sh")

	start := time.Now()
	_, _, err := e.Run(context.Background(), 50*time.Millisecond, "-c", "exec sleep 5")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, errors.Is(err, common.ErrVPNCommand))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecExecutor_CallerCancel(t *testing.T) {
	requireShell(t)
	e := NewExecExecutor("sh")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, _, err := e.Run(ctx, 5*time.Second, "-c", "exec sleep 5")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, common.ErrVPNCommand))
}
