package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrNilMeter indicates that a nil meter was provided.
var ErrNilMeter = errors.New("metric meter cannot be nil")

// Metric describes an instrument.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Buckets     []float64
}

var (
	MetricPayments = Metric{
		Name:        "debitguard_payments_total",
		Unit:        "1",
		Description: "Payment creation attempts by outcome.",
	}

	MetricLockContention = Metric{
		Name:        "debitguard_lock_contention_total",
		Unit:        "1",
		Description: "Lock acquisitions that gave up after bounded retry.",
	}

	MetricReversals = Metric{
		Name:        "debitguard_reversals_total",
		Unit:        "1",
		Description: "Reversals created from return files.",
	}

	MetricReturnFiles = Metric{
		Name:        "debitguard_return_files_total",
		Unit:        "1",
		Description: "Return files received, labelled by whether they were applied.",
	}

	MetricSettlements = Metric{
		Name:        "debitguard_settlements_total",
		Unit:        "1",
		Description: "Bank transactions handled by the settler, labelled by match kind.",
	}

	MetricReconcileSearch = Metric{
		Name:        "debitguard_reconcile_search_seconds",
		Unit:        "s",
		Description: "Wall time spent in the combination search.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}
)

// Factory creates instruments lazily and caches them by name.
type Factory struct {
	meter      metric.Meter
	counters   sync.Map // name -> metric.Int64Counter
	histograms sync.Map // name -> metric.Float64Histogram
}

// NewFactory returns a Factory bound to meter.
func NewFactory(meter metric.Meter) (*Factory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	return &Factory{meter: meter}, nil
}

// NewNopFactory returns a Factory backed by the OpenTelemetry no-op meter.
func NewNopFactory() *Factory {
	return &Factory{meter: noop.NewMeterProvider().Meter("nop")}
}

// Counter returns the counter for m.
func (f *Factory) Counter(m Metric) (*Counter, error) {
	if cached, ok := f.counters.Load(m.Name); ok {
		return &Counter{counter: cached.(metric.Int64Counter)}, nil
	}

	c, err := f.meter.Int64Counter(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	if err != nil {
		return nil, fmt.Errorf("create counter %q: %w", m.Name, err)
	}

	actual, _ := f.counters.LoadOrStore(m.Name, c)

	return &Counter{counter: actual.(metric.Int64Counter)}, nil
}

// Histogram returns the histogram for m.
func (f *Factory) Histogram(m Metric) (*Histogram, error) {
	if cached, ok := f.histograms.Load(m.Name); ok {
		return &Histogram{histogram: cached.(metric.Float64Histogram)}, nil
	}

	opts := []metric.Float64HistogramOption{metric.WithDescription(m.Description), metric.WithUnit(m.Unit)}
	if len(m.Buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(m.Buckets...))
	}

	h, err := f.meter.Float64Histogram(m.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("create histogram %q: %w", m.Name, err)
	}

	actual, _ := f.histograms.LoadOrStore(m.Name, h)

	return &Histogram{histogram: actual.(metric.Float64Histogram)}, nil
}

// Count increments the counter for m by one with labels. Instrument creation
// failures are swallowed so metrics never break a business operation.
func (f *Factory) Count(ctx context.Context, m Metric, labels map[string]string) {
	if f == nil {
		return
	}

	c, err := f.Counter(m)
	if err != nil {
		return
	}

	c.WithLabels(labels).AddOne(ctx)
}

// Observe records value on the histogram for m.
func (f *Factory) Observe(ctx context.Context, m Metric, value float64, labels map[string]string) {
	if f == nil {
		return
	}

	h, err := f.Histogram(m)
	if err != nil {
		return
	}

	h.WithLabels(labels).Record(ctx, value)
}

// Counter records increments with an attribute set.
type Counter struct {
	counter metric.Int64Counter
	attrs   []attribute.KeyValue
}

// WithLabels returns a copy of c with labels appended.
func (c *Counter) WithLabels(labels map[string]string) *Counter {
	return &Counter{counter: c.counter, attrs: appendLabels(c.attrs, labels)}
}

// Add increments the counter by value.
func (c *Counter) Add(ctx context.Context, value int64) {
	c.counter.Add(ctx, value, metric.WithAttributes(c.attrs...))
}

// AddOne increments the counter by one.
func (c *Counter) AddOne(ctx context.Context) {
	c.Add(ctx, 1)
}

// Histogram records observations with an attribute set.
type Histogram struct {
	histogram metric.Float64Histogram
	attrs     []attribute.KeyValue
}

// WithLabels returns a copy of h with labels appended.
func (h *Histogram) WithLabels(labels map[string]string) *Histogram {
	return &Histogram{histogram: h.histogram, attrs: appendLabels(h.attrs, labels)}
}

// Record adds an observation.
func (h *Histogram) Record(ctx context.Context, value float64) {
	h.histogram.Record(ctx, value, metric.WithAttributes(h.attrs...))
}

func appendLabels(base []attribute.KeyValue, labels map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(base)+len(labels))
	out = append(out, base...)

	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}

	return out
}
