// Package metrics exposes pwgraph's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/log"
)

const namespace = "pwgraph"

// Collectors holds every pwgraph metric on its own registry.
// It satisfies session.Recorder and registry.Recorder.
type Collectors struct {
	reg *prometheus.Registry

	events            *prometheus.CounterVec
	translateFailures *prometheus.CounterVec
	objects           *prometheus.GaugeVec
	rpcRequests       *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Collectors {
	c := &Collectors{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session events forwarded to the registry.",
		}, []string{"kind"}),
		translateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translate_failures_total",
			Help:      "Globals dropped because a required property was missing.",
		}, []string{"kind"}),
		objects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_objects",
			Help:      "Objects held by the registry.",
		}, []string{"kind"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC calls by method and status code.",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "RPC call duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
	}
	c.reg.MustRegister(
		c.events,
		c.translateFailures,
		c.objects,
		c.rpcRequests,
		c.rpcDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.reg
}

func (c *Collectors) EventForwarded(kind graph.Kind) {
	c.events.WithLabelValues(string(kind)).Inc()
}

func (c *Collectors) TranslateFailed(kind graph.Kind) {
	c.translateFailures.WithLabelValues(string(kind)).Inc()
}

func (c *Collectors) ObjectCount(kind graph.Kind, n int) {
	c.objects.WithLabelValues(string(kind)).Set(float64(n))
}

// ObserveRPC records one finished call.
func (c *Collectors) ObserveRPC(method, code string, elapsed time.Duration) {
	c.rpcRequests.WithLabelValues(method, code).Inc()
	c.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Serve listens on addr and serves Handler until ctx is cancelled.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.ServeListener(ctx, lis)
}

// ServeListener serves Handler on lis until ctx is cancelled.
func (c *Collectors) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	log.Info(log.CatMetrics, "metrics endpoint listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatMetrics, "metrics shutdown failed", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
