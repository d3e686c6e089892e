// Package vpn drives the external VPN control process.
// This file contains the HealthChecker for monitoring tunnel health
// while a browsing session is running.
package vpn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/yllada/sessionctl/common"
)

// errNoConnectivity is returned when none of the test hosts answered.
var errNoConnectivity = errors.New("no test host reachable through tunnel")

// HealthState represents the current health state of the tunnel.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check tunnel health.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures before marking unhealthy.
	FailureThreshold int
	// DialTimeout bounds each connectivity probe.
	DialTimeout time.Duration
	// TestHosts are the host:port pairs dialed for health checks.
	TestHosts []string
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    30 * time.Second,
		FailureThreshold: 3,
		DialTimeout:      5 * time.Second,
		TestHosts: []string{
			"1.1.1.1:53", // Cloudflare DNS
			"8.8.8.8:53", // Google DNS
		},
	}
}

// StateQuerier reports the tunnel state. *Controller implements it.
type StateQuerier interface {
	State(ctx context.Context) ConnectionState
}

// TunnelHealth tracks the health of the tunnel for one session.
type TunnelHealth struct {
	AccountID        string
	State            HealthState
	TunnelState      ConnectionState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
}

// HealthChecker monitors the tunnel during a session. It only reports:
// reconnecting mid-session would change the egress address under a live
// browser, so recovery is left to the caller's retry policy.
//
// The host has a single tunnel, so one checker watches one session at a
// time. Start while a watch is running is refused and the running watch
// keeps its account.
type HealthChecker struct {
	mu             sync.RWMutex
	config         HealthConfig
	tunnel         StateQuerier
	dial           func(ctx context.Context, network, address string) (net.Conn, error)
	running        bool
	stopChan       chan struct{}
	done           chan struct{}
	health         *TunnelHealth
	onHealthChange func(accountID string, oldState, newState HealthState)
}

// NewHealthChecker creates a new health checker for the given tunnel.
func NewHealthChecker(tunnel StateQuerier, config HealthConfig) *HealthChecker {
	hc := &HealthChecker{
		config:   config,
		tunnel:   tunnel,
		stopChan: make(chan struct{}),
	}
	d := &net.Dialer{}
	hc.dial = d.DialContext
	return hc
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(accountID string, oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// Start begins the health checking loop for accountID's session. It
// reports false when another session is already being watched; that
// caller must not call Stop.
func (hc *HealthChecker) Start(accountID string) bool {
	hc.mu.Lock()
	if hc.running {
		owner := hc.health.AccountID
		hc.mu.Unlock()
		common.LogDebug("Health checker busy with %s, not watching %s", owner, accountID)
		return false
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	hc.done = make(chan struct{})
	hc.health = &TunnelHealth{AccountID: accountID, State: HealthUnknown}
	interval := hc.config.CheckInterval
	stop, done := hc.stopChan, hc.done
	hc.mu.Unlock()

	common.LogDebug("Health checker started for %s (interval: %v)", accountID, interval)

	go hc.runLoop(interval, stop, done)
	return true
}

// Stop stops the health checking loop and waits for an in-flight check.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	done := hc.done
	hc.mu.Unlock()

	<-done
	common.LogDebug("Health checker stopped")
}

// Health returns a copy of the current tunnel health.
func (hc *HealthChecker) Health() (TunnelHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if hc.health == nil {
		return TunnelHealth{}, false
	}
	return *hc.health, true
}

// runLoop is the main health checking loop.
func (hc *HealthChecker) runLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.Check(ctx)
		}
	}
}

// Check performs one health check synchronously and returns the new state.
func (hc *HealthChecker) Check(ctx context.Context) HealthState {
	hc.mu.Lock()
	if hc.health == nil {
		hc.health = &TunnelHealth{State: HealthUnknown}
	}
	health := hc.health
	hc.mu.Unlock()

	tunnelState := hc.tunnel.State(ctx)
	var latency time.Duration
	var err error
	if tunnelState != StateConnected {
		err = errors.New("tunnel reports " + tunnelState.String())
	} else {
		latency, err = hc.testConnectivity(ctx)
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	health.LastCheck = time.Now()
	health.TunnelState = tunnelState
	oldState := health.State

	if err != nil {
		health.ConsecutiveFails++
		health.Latency = 0
		common.LogWarn("Health check failed for %s (attempt %d/%d): %v",
			health.AccountID, health.ConsecutiveFails, hc.config.FailureThreshold, err)

		if health.ConsecutiveFails >= hc.config.FailureThreshold {
			health.State = HealthUnhealthy
		} else {
			health.State = HealthDegraded
		}
	} else {
		health.ConsecutiveFails = 0
		health.LastSuccess = time.Now()
		health.Latency = latency
		health.State = HealthHealthy
	}

	// Notify on state change
	if oldState != health.State {
		common.LogInfo("Tunnel health changed for %s: %s -> %s",
			health.AccountID, oldState.String(), health.State.String())

		if hc.onHealthChange != nil {
			go hc.onHealthChange(health.AccountID, oldState, health.State)
		}
	}
	return health.State
}

// testConnectivity tests network connectivity through the tunnel.
// Returns latency and error.
func (hc *HealthChecker) testConnectivity(ctx context.Context) (time.Duration, error) {
	hc.mu.RLock()
	hosts := hc.config.TestHosts
	timeout := hc.config.DialTimeout
	hc.mu.RUnlock()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Try each test host until one succeeds
	for _, host := range hosts {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		conn, err := hc.dial(dialCtx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
	}

	return 0, errNoConnectivity
}
