// Package metrics exposes session and tunnel measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/session"
	"github.com/yllada/sessionctl/vpn"
)

// Collector records session outcomes and VPN connect latency.
// It implements session.Observer.
type Collector struct {
	sessions        *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	connects        *prometheus.CounterVec
	connectLatency  prometheus.Histogram
	tunnelHealth    prometheus.Gauge
}

var _ session.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionctl_sessions_total",
			Help: "Finished sessions by outcome kind and last stage.",
		}, []string{"kind", "stage"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionctl_session_duration_seconds",
			Help:    "Wall-clock duration of finished sessions.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionctl_vpn_connects_total",
			Help: "VPN connect attempts by result.",
		}, []string{"result"}),
		connectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionctl_vpn_connect_seconds",
			Help:    "Time from disconnect-first to a settled connection.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90},
		}),
		tunnelHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionctl_tunnel_health",
			Help: "Tunnel health: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy.",
		}),
	}

	reg.MustRegister(
		c.sessions,
		c.sessionDuration,
		c.connects,
		c.connectLatency,
		c.tunnelHealth,
	)
	return c
}

// ObserveSession records a finished session.
func (c *Collector) ObserveSession(r session.Result) {
	c.sessions.WithLabelValues(r.Kind.String(), r.Stage.String()).Inc()
	if !r.Finished.IsZero() {
		c.sessionDuration.Observe(r.Duration().Seconds())
	}
}

// ObserveConnect records one Connect call. Only successful connects feed
// the latency histogram.
func (c *Collector) ObserveConnect(region string, d time.Duration, err error) {
	if err != nil {
		c.connects.WithLabelValues(common.KindOf(err).String()).Inc()
		return
	}
	c.connects.WithLabelValues("ok").Inc()
	c.connectLatency.Observe(d.Seconds())
}

// ObserveHealth records a tunnel health transition. It matches the
// vpn.HealthChecker change callback.
func (c *Collector) ObserveHealth(_ string, _, state vpn.HealthState) {
	c.tunnelHealth.Set(float64(state))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
