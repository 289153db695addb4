package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/brandshop/authcore"
	"github.com/brandshop/authcore/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNoMeter  = errors.New("otel exporter: meter is nil")
	ErrNoSource = errors.New("otel exporter: source is nil")
)

type counterInstrument struct {
	id  authcore.MetricID
	obs metric.Int64ObservableCounter
}

// latencyInstrument reports one engine histogram as a cumulative gauge
// with an "le" attribute per bucket plus a sample counter.
type latencyInstrument struct {
	id      authcore.MetricID
	buckets metric.Int64ObservableGauge
	samples metric.Int64ObservableCounter
}

type stateInstrument struct {
	read  func(internaldefs.Source) uint64
	gauge metric.Int64ObservableGauge
}

// Exporter mirrors an engine's counters, latency buckets and state totals
// on a caller-owned meter.
type Exporter struct {
	source   internaldefs.Source
	reg      metric.Registration
	counters []counterInstrument
	latency  []latencyInstrument
	states   []stateInstrument
}

// bucketAttrs holds one "le" attribute option per engine bucket.
var bucketAttrs = func() []metric.ObserveOption {
	out := make([]metric.ObserveOption, 0, len(internaldefs.HistogramUpperBounds)+1)
	for _, bound := range internaldefs.HistogramUpperBounds {
		le := strconv.FormatFloat(bound, 'g', -1, 64)
		out = append(out, metric.WithAttributeSet(attribute.NewSet(attribute.String("le", le))))
	}
	return append(out, metric.WithAttributeSet(attribute.NewSet(attribute.String("le", "+Inf"))))
}()

// Register creates the instruments on meter and a single callback reading
// source. *authcore.Engine is a Source.
func Register(meter metric.Meter, source internaldefs.Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNoMeter
	}
	if source == nil {
		return nil, ErrNoSource
	}

	x := &Exporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		obs, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		x.counters = append(x.counters, counterInstrument{id: def.ID, obs: obs})
		observables = append(observables, obs)
	}

	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Samples at or below each le bound."))
		if err != nil {
			return nil, fmt.Errorf("latency buckets %s: %w", def.Name, err)
		}
		samples, err := meter.Int64ObservableCounter(def.Name+"_count",
			metric.WithDescription(def.Help+" Samples observed."))
		if err != nil {
			return nil, fmt.Errorf("latency samples %s: %w", def.Name, err)
		}
		x.latency = append(x.latency, latencyInstrument{id: def.ID, buckets: buckets, samples: samples})
		observables = append(observables, buckets, samples)
	}

	for _, def := range internaldefs.StateDefs {
		gauge, err := meter.Int64ObservableGauge(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("state %s: %w", def.Name, err)
		}
		x.states = append(x.states, stateInstrument{read: def.Read, gauge: gauge})
		observables = append(observables, gauge)
	}

	reg, err := meter.RegisterCallback(x.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register authcore callback: %w", err)
	}
	x.reg = reg
	return x, nil
}

func (x *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := x.source.MetricsSnapshot()
	for _, c := range x.counters {
		o.ObserveInt64(c.obs, int64(snap.Counters[c.id]))
	}
	for _, l := range x.latency {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[l.id]))
		for i, n := range cumulative {
			o.ObserveInt64(l.buckets, int64(n), bucketAttrs[i])
		}
		o.ObserveInt64(l.samples, int64(cumulative[len(cumulative)-1]))
	}
	for _, s := range x.states {
		o.ObserveInt64(s.gauge, int64(s.read(x.source)))
	}
	return nil
}

// Close unregisters the callback. Instruments stay with the meter.
func (x *Exporter) Close() error {
	if x == nil || x.reg == nil {
		return nil
	}
	return x.reg.Unregister()
}
