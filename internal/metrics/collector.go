package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contentcache/contentcache/internal/config"
	"github.com/contentcache/contentcache/pkg/types"
)

// Collector gathers cache events into Prometheus metrics and optionally
// serves the exposition endpoint.
type Collector struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry
	logger   *slog.Logger

	hitCounter        *prometheus.CounterVec
	missCounter       prometheus.Counter
	evictionCounter   *prometheus.CounterVec
	evictionBytes     *prometheus.CounterVec
	tierSizeGauge     *prometheus.GaugeVec
	tierCapGauge      *prometheus.GaugeVec
	arcTargetGauge    prometheus.Gauge
	prefetchPredict   prometheus.Counter
	prefetchFetched   prometheus.Counter
	prefetchRedundant prometheus.Counter

	server *http.Server
}

// NewCollector registers the cache metric families on a fresh registry.
func NewCollector(cfg config.MetricsConfig) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "contentcache"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default().With("component", "metrics"),

		hitCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier",
		}, []string{"tier"}),
		missCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses across all tiers",
		}),
		evictionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "cache_evictions_total",
			Help:      "Evictions by tier",
		}, []string{"tier"}),
		evictionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes evicted by tier",
		}, []string{"tier"}),
		tierSizeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "cache_tier_size_bytes",
			Help:      "Current tier occupancy in bytes",
		}, []string{"tier"}),
		tierCapGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "cache_tier_capacity_bytes",
			Help:      "Tier capacity in bytes",
		}, []string{"tier"}),
		arcTargetGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "arc_target_bytes",
			Help:      "Adaptive target size p for the recency list",
		}),
		prefetchPredict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "prefetch_predicted_total",
			Help:      "Prefetch candidates predicted",
		}),
		prefetchFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "prefetch_fetched_total",
			Help:      "Prefetch candidates actually fetched",
		}),
		prefetchRedundant: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "prefetch_already_cached_total",
			Help:      "Prefetch candidates already resident in memory",
		}),
	}

	registry.MustRegister(
		c.hitCounter, c.missCounter,
		c.evictionCounter, c.evictionBytes,
		c.tierSizeGauge, c.tierCapGauge,
		c.arcTargetGauge,
		c.prefetchPredict, c.prefetchFetched, c.prefetchRedundant,
	)
	return c
}

// RecordHit implements types.MetricsRecorder.
func (c *Collector) RecordHit(tier types.Tier) {
	c.hitCounter.WithLabelValues(string(tier)).Inc()
}

// RecordMiss implements types.MetricsRecorder.
func (c *Collector) RecordMiss() {
	c.missCounter.Inc()
}

// RecordEviction implements types.MetricsRecorder.
func (c *Collector) RecordEviction(tier types.Tier, bytes int64) {
	c.evictionCounter.WithLabelValues(string(tier)).Inc()
	c.evictionBytes.WithLabelValues(string(tier)).Add(float64(bytes))
}

// RecordPrefetch implements types.MetricsRecorder.
func (c *Collector) RecordPrefetch(predicted, fetched, alreadyCached int) {
	c.prefetchPredict.Add(float64(predicted))
	c.prefetchFetched.Add(float64(fetched))
	c.prefetchRedundant.Add(float64(alreadyCached))
}

// SetTierSize implements types.MetricsRecorder.
func (c *Collector) SetTierSize(tier types.Tier, size, capacity int64) {
	c.tierSizeGauge.WithLabelValues(string(tier)).Set(float64(size))
	c.tierCapGauge.WithLabelValues(string(tier)).Set(float64(capacity))
}

// SetARCTarget implements types.MetricsRecorder.
func (c *Collector) SetARCTarget(p int64) {
	c.arcTargetGauge.Set(float64(p))
}

// Registry exposes the underlying registry for embedding in an existing
// metrics surface.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Serve starts the exposition endpoint on the configured port. It
// returns immediately; the server runs until Close.
func (c *Collector) Serve() error {
	if !c.cfg.Enabled {
		return nil
	}
	if c.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	mux := http.NewServeMux()
	mux.Handle(c.cfg.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Close shuts the exposition endpoint down.
func (c *Collector) Close() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.server.Shutdown(ctx)
	c.server = nil
	return err
}
