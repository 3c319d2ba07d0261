// Package prom exports buffer cache metrics to Prometheus.
package prom

import (
	"time"

	"github.com/IvanBrykalov/blockcache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evicts    prometheus.Counter
	transfers *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inUse     prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Block lookups served by a cached buffer",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Block lookups that needed a free buffer",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evictions_total",
			Help:        "Buffers reassigned away from a cached block",
			ConstLabels: constLabels,
		}),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "transfers_total",
				Help:        "Device transfers by direction and outcome",
				ConstLabels: constLabels,
			},
			[]string{"op", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "transfer_seconds",
				Help:        "Device transfer latency",
				Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 12),
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "buffers_in_use",
			Help:        "Buffers with a non-zero reference count",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.transfers, a.latency, a.inUse)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter.
func (a *Adapter) Evict() { a.evicts.Inc() }

// Transfer counts a device round trip and observes its latency.
func (a *Adapter) Transfer(op cache.Op, d time.Duration, err error) {
	a.transfers.WithLabelValues(op.String(), result(err)).Inc()
	a.latency.WithLabelValues(op.String()).Observe(d.Seconds())
}

// InUse updates the buffers-in-use gauge.
func (a *Adapter) InUse(n int) { a.inUse.Set(float64(n)) }

// result maps a transfer error to a stable label value.
func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
