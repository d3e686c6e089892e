package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/sessionctl/common"
)

type memTokens map[string]string

func (m memTokens) Store(key, secret string) error {
	m[key] = secret
	return nil
}

func (m memTokens) Delete(key string) error {
	delete(m, key)
	return nil
}

func (m memTokens) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return v, nil
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Machine:        "RIG-07",
		PlatformID:     1,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func TestClient_Accounts(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/accounts.php", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"profile":"acct_42","code":"us_dallas","password":"pw","recovery":"rc","authenticator":"GEZDGNBV"}]}`))
	}))
	defer server.Close()

	c, err := NewClient(testConfig(server.URL+"/api/"), server.Client(), memTokens{TokenKey: "s3cret"}, nil)
	require.NoError(t, err)

	accts, err := c.Accounts(context.Background(), StatusNotSetup)
	require.NoError(t, err)
	require.Len(t, accts, 1)

	assert.Equal(t, "RIG-07", got["computer"])
	assert.Equal(t, float64(1), got["platform_id"])
	assert.Equal(t, "not setup", got["status"])

	id := accts[0].Identity()
	assert.Equal(t, "acct_42", id.AccountID)
	assert.Equal(t, "us_dallas", id.RegionCode)
	assert.Equal(t, "pw", id.Credentials.Password)
	assert.Equal(t, "rc", id.Credentials.RecoveryCode)
	assert.Equal(t, "GEZDGNBV", id.Credentials.TOTPSecret)
}

func TestClient_ChangeStatus(t *testing.T) {
	var got changeStatusRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/change_account_status.php", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c, err := NewClient(testConfig(server.URL), server.Client(), memTokens{}, nil)
	require.NoError(t, err)

	require.NoError(t, c.ChangeStatus(context.Background(), "acct_42", StatusFragile))
	assert.Equal(t, "acct_42", got.Profile)
	assert.Equal(t, StatusFragile, got.Status)
}

func TestClient_StatusErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad machine", http.StatusForbidden)
	}))
	defer server.Close()

	c, err := NewClient(testConfig(server.URL), server.Client(), nil, nil)
	require.NoError(t, err)

	_, err = c.Accounts(context.Background(), StatusReady)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "bad machine", se.Body)
	assert.Equal(t, "accounts.php", se.Fragment)
	assert.Equal(t, int32(1), calls.Load())
}

// flakyServer drops the connection for the first n requests.
func flakyServer(t *testing.T, n int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClient_RetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	server := flakyServer(t, 2, &calls)

	c, err := NewClient(testConfig(server.URL), server.Client(), nil, nil)
	require.NoError(t, err)

	accts, err := c.Accounts(context.Background(), StatusReady)
	require.NoError(t, err)
	assert.Empty(t, accts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	server := flakyServer(t, 100, &calls)

	c, err := NewClient(testConfig(server.URL), server.Client(), nil, nil)
	require.NoError(t, err)

	_, err = c.Accounts(context.Background(), StatusReady)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_CancelStopsRetrying(t *testing.T) {
	// a closed listener guarantees a refused connection
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := testConfig("http://" + ln.Addr().String())
	cfg.RetryAttempts = 10
	cfg.RetryDelay = time.Hour
	ln.Close()

	c, err := NewClient(cfg, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Accounts(ctx, StatusReady)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RateLimit = 20
	cfg.Burst = 1
	c, err := NewClient(cfg, server.Client(), nil, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.ChangeStatus(context.Background(), "a", StatusReady))
	}
	// burst of one, then two waits of 50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no base url", Config{Machine: "m"}},
		{"relative base url", Config{BaseURL: "/api", Machine: "m"}},
		{"no machine", Config{BaseURL: "https://example.com/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, nil, nil, nil)
			assert.Error(t, err)
		})
	}

	c, err := NewClient(Config{BaseURL: "https://example.com/", Machine: "m"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, common.APIRetryAttempts, c.cfg.RetryAttempts)
	assert.Equal(t, common.APIRequestTimeout, c.cfg.RequestTimeout)
	assert.Equal(t, 1, c.cfg.PlatformID)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    AccountStatus
		wantErr bool
	}{
		{"ready", StatusReady, false},
		{"READY", StatusReady, false},
		{"not setup", StatusNotSetup, false},
		{"not_setup", StatusNotSetup, false},
		{"other_problem", StatusOtherProblem, false},
		{"banned", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStatus(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	assert.Len(t, Statuses(), 8)
}
