package watchd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/pslog"
	"pkt.systems/watchd/internal/svcfields"
)

// telemetry owns the Prometheus registry, the connection-engine metrics, and
// the optional scrape listener. It implements the connection engine's
// Observer contract so every connection reports through it.
type telemetry struct {
	logger pslog.Logger

	registry *prometheus.Registry

	connectionsOpen  prometheus.Gauge
	connectionsTotal prometheus.Counter
	requestsTotal    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	gateWait         prometheus.Histogram

	server   *http.Server
	listener net.Listener
}

func newTelemetry(logger pslog.Logger) *telemetry {
	t := &telemetry{
		logger:   svcfields.WithSubsystem(logger, "telemetry"),
		registry: prometheus.NewRegistry(),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "watchd",
			Subsystem: "api",
			Name:      "connections_open",
			Help:      "Currently open API connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchd",
			Subsystem: "api",
			Name:      "connections_total",
			Help:      "Total accepted API connections.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchd",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Completed API requests by status code.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "watchd",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Wall time from header parse to response write.",
			Buckets:   prometheus.DefBuckets,
		}),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "watchd",
			Subsystem: "api",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for a concurrency-gate permit.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30},
		}),
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.connectionsOpen,
		t.connectionsTotal,
		t.requestsTotal,
		t.requestDuration,
		t.gateWait,
	)
	return t
}

func (t *telemetry) ConnectionOpened() {
	t.connectionsOpen.Inc()
	t.connectionsTotal.Inc()
}

func (t *telemetry) ConnectionClosed() {
	t.connectionsOpen.Dec()
}

func (t *telemetry) RequestCompleted(status int, duration time.Duration) {
	t.requestsTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	t.requestDuration.Observe(duration.Seconds())
}

func (t *telemetry) GateWaited(d time.Duration) {
	t.gateWait.Observe(d.Seconds())
}

// serve binds the scrape endpoint and serves it until shutdown.
func (t *telemetry) serve(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("telemetry: listen %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	t.listener = ln
	t.server = &http.Server{Handler: mux}
	t.logger.Info("watchd.telemetry.listening", "address", ln.Addr().String())
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("watchd.telemetry.serve_failed", "error", err)
		}
	}()
	return nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	if err := t.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	return nil
}
