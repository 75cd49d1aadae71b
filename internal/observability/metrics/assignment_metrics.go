package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AssignmentCollector exposes the assignment engine as Prometheus metrics.
// A nil collector discards every observation.
type AssignmentCollector struct {
	regionsInTransition prometheus.Gauge
	onlineServers       prometheus.Gauge
	deadServers         prometheus.Gauge
	transitions         *prometheus.CounterVec
	staleTransitions    prometheus.Counter
	assigns             prometheus.Counter
	unassigns           prometheus.Counter
	timeouts            prometheus.Counter
	serverShutdowns     prometheus.Counter
}

// NewAssignmentCollector creates a collector registered on the provided registry (default if nil).
func NewAssignmentCollector(reg prometheus.Registerer, namespace string) *AssignmentCollector {
	if namespace == "" {
		namespace = "regionmaster"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &AssignmentCollector{
		regionsInTransition: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "regions_in_transition",
			Help:      "Regions currently in transition.",
		}),
		onlineServers: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "servers",
			Name:      "online",
			Help:      "Region servers currently online.",
		}),
		deadServers: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "servers",
			Name:      "dead",
			Help:      "Region servers expired since this master started.",
		}),
		transitions: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "transitions_total",
			Help:      "Transition records applied, by record type.",
		}, []string{"type"}),
		staleTransitions: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "stale_transitions_total",
			Help:      "Transition records dropped as stale or out of order.",
		}),
		assigns: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "assigns_total",
			Help:      "Open directives issued.",
		}),
		unassigns: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "unassigns_total",
			Help:      "Close directives issued.",
		}),
		timeouts: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "timeouts_total",
			Help:      "Regions re-driven by the timeout monitor.",
		}),
		serverShutdowns: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "server_shutdowns_total",
			Help:      "Dead servers whose regions were recovered.",
		}),
	}
}

func (c *AssignmentCollector) SetRegionsInTransition(n int) {
	if c != nil {
		c.regionsInTransition.Set(float64(n))
	}
}

func (c *AssignmentCollector) SetServers(online, dead int) {
	if c != nil {
		c.onlineServers.Set(float64(online))
		c.deadServers.Set(float64(dead))
	}
}

func (c *AssignmentCollector) Transition(recordType string) {
	if c != nil {
		c.transitions.WithLabelValues(recordType).Inc()
	}
}

func (c *AssignmentCollector) StaleTransition() {
	if c != nil {
		c.staleTransitions.Inc()
	}
}

func (c *AssignmentCollector) Assign() {
	if c != nil {
		c.assigns.Inc()
	}
}

func (c *AssignmentCollector) Unassign() {
	if c != nil {
		c.unassigns.Inc()
	}
}

func (c *AssignmentCollector) Timeout() {
	if c != nil {
		c.timeouts.Inc()
	}
}

func (c *AssignmentCollector) ServerShutdown() {
	if c != nil {
		c.serverShutdowns.Inc()
	}
}

// StartServer serves Prometheus metrics from gatherer (default if nil) on
// the provided address until the context is canceled.
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}
