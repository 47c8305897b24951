package bannercache

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	stale     prometheus.Counter
	evictions prometheus.Counter
	loads     prometheus.Counter
	shared    prometheus.Counter
	size      prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "banners",
		Subsystem: "cache",
		Name:      name,
		Help:      help,
	})
}

// newCacheMetrics registers the cache collectors with reg. A nil reg leaves
// them unregistered. Collectors already registered by another cache are reused.
func newCacheMetrics(reg prometheus.Registerer) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits:      counter("hits_total", "Lookups answered by a fresh cached entry."),
		misses:    counter("misses_total", "Lookups that found no fresh cached entry."),
		stale:     counter("stale_served_total", "Last known good entries handed out while the store was unavailable."),
		evictions: counter("evictions_total", "Entries evicted by the LRU policy."),
		loads:     counter("loads_total", "Store fetches started by the cache."),
		shared:    counter("shared_loads_total", "Callers that received a fetch result shared with other callers."),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "banners",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held in process.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []*prometheus.Counter{&m.hits, &m.misses, &m.stale, &m.evictions, &m.loads, &m.shared} {
		registered, err := register(reg, *c)
		if err != nil {
			return nil, err
		}

		*c = registered.(prometheus.Counter) //nolint:forcetypeassert
	}

	registered, err := register(reg, m.size)
	if err != nil {
		return nil, err
	}

	m.size = registered.(prometheus.Gauge) //nolint:forcetypeassert

	return m, nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}

		return nil, fmt.Errorf("register collector error: %w", err)
	}

	return c, nil
}

func (m *cacheMetrics) resize(delta int) {
	m.size.Add(float64(delta))
}
