package prometheus

import (
	"net/http"

	"github.com/brandshop/authcore"
	"github.com/brandshop/authcore/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type counterDesc struct {
	id   authcore.MetricID
	desc *prometheus.Desc
}

type histogramDesc struct {
	id   authcore.MetricID
	desc *prometheus.Desc
}

type stateDesc struct {
	read func(internaldefs.Source) uint64
	desc *prometheus.Desc
}

// Collector is a prometheus.Collector reading engine snapshots at scrape
// time.
type Collector struct {
	source     internaldefs.Source
	counters   []counterDesc
	histograms []histogramDesc
	states     []stateDesc
}

// NewCollector reads from engine.
func NewCollector(engine *authcore.Engine) *Collector {
	return NewCollectorFromSource(engine)
}

// NewCollectorFromSource reads from any Source, e.g. a test double.
func NewCollectorFromSource(source internaldefs.Source) *Collector {
	c := &Collector{
		source:     source,
		counters:   make([]counterDesc, 0, len(internaldefs.CounterDefs)),
		histograms: make([]histogramDesc, 0, len(internaldefs.HistogramDefs)),
		states:     make([]stateDesc, 0, len(internaldefs.StateDefs)),
	}
	for _, def := range internaldefs.StateDefs {
		c.states = append(c.states, stateDesc{
			read: def.Read,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	for _, def := range internaldefs.CounterDefs {
		c.counters = append(c.counters, counterDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histograms = append(c.histograms, histogramDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, h := range c.histograms {
		ch <- h.desc
	}
	for _, s := range c.states {
		ch <- s.desc
	}
}

// Collect emits nothing when the engine has metrics disabled and every
// state total is still zero.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}

	snapshot := c.source.MetricsSnapshot()
	states := make([]uint64, len(c.states))
	var anyState bool
	for i, s := range c.states {
		states[i] = s.read(c.source)
		anyState = anyState || states[i] != 0
	}
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && !anyState {
		return
	}

	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(snapshot.Counters[d.id]))
	}

	for _, h := range c.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for i, bound := range internaldefs.HistogramUpperBounds {
			buckets[bound] = cumulative[i]
		}
		// The engine does not keep a latency sum.
		ch <- prometheus.MustNewConstHistogram(h.desc, cumulative[len(cumulative)-1], 0, buckets)
	}

	for i, s := range c.states {
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.CounterValue, float64(states[i]))
	}
}

// Handler serves the collector from a private registry, leaving the global
// default registry untouched.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
