// Package metrics exposes gateway counters and latencies to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatgate/internal/llm"
)

const namespace = "chatgate"

// Collector records generation metrics. It implements session.Observer.
type Collector struct {
	registry *prometheus.Registry

	generationsStarted *prometheus.CounterVec
	generationsTotal   *prometheus.CounterVec
	inFlight           *prometheus.GaugeVec
	duration           *prometheus.HistogramVec
	tokens             *prometheus.CounterVec
	retries            *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	streamedTokens     *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		generationsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "started_total",
			Help:      "Generations accepted by the gateway.",
		}, []string{"provider"}),
		generationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "finished_total",
			Help:      "Generations finished, by outcome.",
		}, []string{"provider", "outcome"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "in_flight",
			Help:      "Generations currently running.",
		}, []string{"provider"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Time from submit to outcome.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Tokens consumed by successful generations.",
		}, []string{"provider", "kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Retried provider attempts, by error category.",
		}, []string{"provider", "category"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the per-provider rate limiter.",
		}, []string{"provider"}),
		streamedTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Streamed chunks applied to in-progress messages.",
		}, []string{"provider"}),
	}
}

func (c *Collector) GenerationStarted(provider string) {
	c.generationsStarted.WithLabelValues(provider).Inc()
	c.inFlight.WithLabelValues(provider).Inc()
}

func (c *Collector) GenerationFinished(provider, outcome string, elapsed time.Duration, usage llm.Usage) {
	c.inFlight.WithLabelValues(provider).Dec()
	c.generationsTotal.WithLabelValues(provider, outcome).Inc()
	c.duration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
	if usage.PromptTokens > 0 {
		c.tokens.WithLabelValues(provider, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.tokens.WithLabelValues(provider, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (c *Collector) Retried(provider string, category llm.Category) {
	c.retries.WithLabelValues(provider, string(category)).Inc()
}

func (c *Collector) RateLimited(provider string) {
	c.rateLimited.WithLabelValues(provider).Inc()
}

func (c *Collector) TokenStreamed(provider string) {
	c.streamedTokens.WithLabelValues(provider).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[metrics] serving on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
