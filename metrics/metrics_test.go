package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/session"
	"github.com/yllada/sessionctl/vpn"
)

func TestCollector_ObserveSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	start := time.Now()

	c.ObserveSession(session.Result{Kind: common.KindNone, Stage: session.StageTornDown, Started: start, Finished: start.Add(time.Minute)})
	c.ObserveSession(session.Result{Kind: common.KindActivity, Stage: session.StageActivityRunning, Started: start, Finished: start.Add(time.Second)})
	c.ObserveSession(session.Result{Kind: common.KindNone, Stage: session.StageTornDown, Started: start, Finished: start.Add(time.Second)})

	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessions.WithLabelValues("ok", "torn_down")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessions.WithLabelValues("activity", "activity_running")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessionDuration))
}

func TestCollector_ObserveConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveConnect("us_dallas", 12*time.Second, nil)
	c.ObserveConnect("us_dallas", time.Minute, &vpn.TimeoutError{Target: vpn.StateConnected})
	c.ObserveConnect("us_dallas", 0, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.connects.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.connects.WithLabelValues("vpn_timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.connects.WithLabelValues("other")))
}

func TestCollector_ObserveHealth(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveHealth("acct", vpn.HealthHealthy, vpn.HealthDegraded)
	assert.Equal(t, float64(vpn.HealthDegraded), testutil.ToFloat64(c.tunnelHealth))
}

func TestHandler_Exposes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveConnect("us", time.Second, nil)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sessionctl_vpn_connects_total{result="ok"} 1`)
}

func TestServe_StopsOnCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	// find a free port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg, nil) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.Contains(body, "sessionctl_tunnel_health"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
