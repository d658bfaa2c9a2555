package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	agendador "github.com/DanielMarcoD/agendador"
	"github.com/DanielMarcoD/agendador/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() agendador.MetricsSnapshot
	AuditDropped() uint64
}

// histogramGauges holds one cumulative gauge per bucket bound and a count.
type histogramGauges struct {
	id      agendador.MetricID
	buckets []metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// Exporter publishes a client's counters as observable instruments. Histograms
// are flattened into one cumulative gauge per bucket plus a count gauge.
type Exporter struct {
	source       metricsSource
	registration metric.Registration

	counters     map[agendador.MetricID]metric.Int64ObservableCounter
	histograms   []histogramGauges
	auditDropped metric.Int64ObservableCounter
}

func NewExporter(meter metric.Meter, client *agendador.Client) (*Exporter, error) {
	if client == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, client)
}

// NewExporterFromSource registers one callback on meter that reads source on
// every collection. Call Close to unregister it.
func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{
		source:   source,
		counters: make(map[agendador.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
	}
	var observables []metric.Observable

	counter := func(name, help string) (metric.Int64ObservableCounter, error) {
		ins, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		observables = append(observables, ins)
		return ins, nil
	}
	gauge := func(name, help string) (metric.Int64ObservableGauge, error) {
		ins, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("create observable gauge %s: %w", name, err)
		}
		observables = append(observables, ins)
		return ins, nil
	}

	for _, def := range internaldefs.CounterDefs {
		ins, err := counter(def.Name, def.Help)
		if err != nil {
			return nil, err
		}
		e.counters[def.ID] = ins
	}

	for _, def := range internaldefs.HistogramDefs {
		h := histogramGauges{id: def.ID}
		for i := 0; i < internaldefs.BucketCount; i++ {
			ins, err := gauge(def.Name+"_bucket_le_"+internaldefs.BucketSuffix(i), "Cumulative bucket count.")
			if err != nil {
				return nil, err
			}
			h.buckets = append(h.buckets, ins)
		}
		var err error
		if h.count, err = gauge(def.Name+"_count", "Total samples."); err != nil {
			return nil, err
		}
		e.histograms = append(e.histograms, h)
	}

	var err error
	e.auditDropped, err = counter(internaldefs.AuditDroppedName,
		"Audit events dropped because the dispatcher buffer was full.")
	if err != nil {
		return nil, err
	}

	if e.registration, err = meter.RegisterCallback(e.observe, observables...); err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

// observe takes a single snapshot so all instruments in one collection agree.
func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()

	for id, ins := range e.counters {
		o.ObserveInt64(ins, int64(snap.Counters[id]))
	}
	for _, h := range e.histograms {
		cum := internaldefs.Cumulative(snap.Histograms[h.id])
		for i, ins := range h.buckets {
			o.ObserveInt64(ins, int64(cum[i]))
		}
		o.ObserveInt64(h.count, int64(cum[internaldefs.BucketCount-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
