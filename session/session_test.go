package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/sessionctl/common"
)

func TestCredentials_TOTP(t *testing.T) {
	// RFC 6238 test secret, base32 of "12345678901234567890".
	c := Credentials{TOTPSecret: "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"}
	at := time.Unix(59, 0).UTC()

	code, err := c.TOTP(at)
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	_, err = Credentials{}.TOTP(at)
	assert.Error(t, err)
}

func TestCredentials_StringRedacts(t *testing.T) {
	c := Credentials{Password: "hunter2hunter2", RecoveryCode: "ABCD-EFGH-IJKL", TOTPSecret: "GEZDGNBVGY3TQOJQ"}
	s := c.String()
	assert.NotContains(t, s, "hunter2hunter2")
	assert.NotContains(t, s, "ABCD-EFGH-IJKL")
	assert.NotContains(t, s, "GEZDGNBVGY3TQOJQ")
}

func TestActivityError(t *testing.T) {
	inner := errors.New("timeout waiting for selector")
	err := error(&ActivityError{Err: inner})

	assert.ErrorIs(t, err, common.ErrActivity)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, common.KindActivity, common.KindOf(err))
	assert.Contains(t, err.Error(), "activity failed")

	p := &ActivityError{Err: inner, Panic: "boom"}
	assert.Equal(t, "activity panicked: boom", p.Error())
}

func TestResult_Helpers(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := Result{Started: start, Finished: start.Add(90 * time.Second)}
	assert.True(t, r.OK())
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.False(t, r.Retryable())

	r.Err, r.Kind = errors.New("x"), common.KindVPNTimeout
	assert.False(t, r.OK())
	assert.True(t, r.Retryable())

	r.Kind = common.KindStorage
	assert.False(t, r.Retryable())
}
