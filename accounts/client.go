// Package accounts is the client for the remote account API: it lists the
// accounts in a given status for this machine and moves accounts between
// statuses once a session has finished with them.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/session"
)

// TokenKey is the credential store key of the API bearer token.
const TokenKey = "api-token"

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 4 << 10

// AccountStatus is an account's lifecycle status on the server.
type AccountStatus string

const (
	StatusFragile      AccountStatus = "fragile"
	StatusInactive     AccountStatus = "inactive"
	StatusNotSetup     AccountStatus = "not setup"
	StatusOtherProblem AccountStatus = "other_problem"
	StatusReady        AccountStatus = "ready"
	StatusSuspended    AccountStatus = "suspended"
	StatusThawing      AccountStatus = "thawing"
	StatusWarming      AccountStatus = "warming"
)

// Statuses lists every known status.
func Statuses() []AccountStatus {
	return []AccountStatus{
		StatusFragile, StatusInactive, StatusNotSetup, StatusOtherProblem,
		StatusReady, StatusSuspended, StatusThawing, StatusWarming,
	}
}

// ParseStatus accepts a status value; "not_setup" and "not-setup" are
// accepted for "not setup" so it can be typed on a command line.
func ParseStatus(s string) (AccountStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if norm == "not_setup" || norm == "not-setup" {
		norm = string(StatusNotSetup)
	}
	for _, st := range Statuses() {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown account status %q", s)
}

// Account is one account record as returned by the server.
type Account struct {
	Profile       string `json:"profile"`
	Code          string `json:"code"`
	Password      string `json:"password"`
	Recovery      string `json:"recovery"`
	Authenticator string `json:"authenticator"`
}

// Identity converts the record into session input. The region is the
// account's code.
func (a Account) Identity() session.AccountIdentity {
	return session.AccountIdentity{
		AccountID:  a.Profile,
		RegionCode: a.Code,
		Credentials: session.Credentials{
			Password:     a.Password,
			RecoveryCode: a.Recovery,
			TOTPSecret:   a.Authenticator,
		},
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Fragment   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api %s: http %d: %s", e.Fragment, e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Machine    string
	PlatformID int

	RetryAttempts  int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	// RateLimit is requests per second; zero disables throttling.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns the retry policy defaults with no endpoint.
func DefaultConfig() Config {
	return Config{
		PlatformID:     1,
		RetryAttempts:  common.APIRetryAttempts,
		RetryDelay:     common.APIRetryDelay,
		RequestTimeout: common.APIRequestTimeout,
	}
}

// Client calls the account API.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	tokens  common.CredentialStore
	log     *zap.Logger
}

// NewClient creates a client. httpClient, tokens and logger may be nil.
func NewClient(cfg Config, httpClient *http.Client, tokens common.CredentialStore, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("accounts: base url not configured")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("accounts: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Machine == "" {
		return nil, errors.New("accounts: machine name not configured")
	}

	def := DefaultConfig()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PlatformID == 0 {
		cfg.PlatformID = def.PlatformID
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: limiter,
		tokens:  tokens,
		log:     logger.Named("accounts"),
	}, nil
}

type accountsRequest struct {
	Computer   string        `json:"computer"`
	PlatformID int           `json:"platform_id"`
	Status     AccountStatus `json:"status"`
}

type accountsResponse struct {
	Data []Account `json:"data"`
}

// Accounts lists this machine's accounts in status.
func (c *Client) Accounts(ctx context.Context, status AccountStatus) ([]Account, error) {
	var resp accountsResponse
	err := c.Call(ctx, "accounts.php", accountsRequest{
		Computer:   c.cfg.Machine,
		PlatformID: c.cfg.PlatformID,
		Status:     status,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

type changeStatusRequest struct {
	Profile string        `json:"profile"`
	Status  AccountStatus `json:"status"`
}

// ChangeStatus moves an account to status.
func (c *Client) ChangeStatus(ctx context.Context, accountID string, status AccountStatus) error {
	return c.Call(ctx, "change_account_status.php", changeStatusRequest{
		Profile: accountID,
		Status:  status,
	}, nil)
}

// Call POSTs body as JSON to fragment under the base URL and decodes the
// response into out when out is non-nil. Network failures are retried with
// a fixed delay; HTTP error statuses are not.
func (c *Client) Call(ctx context.Context, fragment string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api %s: encode request: %w", fragment, err)
	}
	endpoint := c.base.JoinPath(fragment).String()

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		resp, err = c.do(ctx, endpoint, payload)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.cfg.RetryAttempts {
			return fmt.Errorf("api %s: %d attempts: %w", fragment, attempt, err)
		}
		c.log.Warn("api call failed, retrying",
			zap.String("fragment", fragment),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Fragment: fragment, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api %s: decode response: %w", fragment, err)
	}
	return nil
}

// do sends one request. The response body is fully buffered so the
// per-request timeout can be released before the caller reads it.
func (c *Client) do(ctx context.Context, endpoint string, payload []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Get(TokenKey)
	if err != nil {
		if !errors.Is(err, common.ErrCredentialsNotFound) {
			c.log.Warn("read api token", zap.Error(err))
		}
		return ""
	}
	return token
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
