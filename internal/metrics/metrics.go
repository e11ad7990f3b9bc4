// Package metrics instruments batch sizes, message outcomes, restarts and
// disables with github.com/rcrowley/go-metrics.
package metrics

import "github.com/rcrowley/go-metrics"

// Metrics bundles the handful of gauges the worker and diagnostics surface
// care about. One instance is shared process-wide.
type Metrics struct {
	BatchSize       metrics.Histogram
	MessagesFired   metrics.Counter
	MessagesSkipped metrics.Counter
	Restarts        metrics.Counter
	Disables        metrics.Counter

	registry metrics.Registry
}

func New() *Metrics {
	reg := metrics.NewRegistry()
	m := &Metrics{
		BatchSize:       metrics.NewHistogram(metrics.NewUniformSample(1028)),
		MessagesFired:   metrics.NewCounter(),
		MessagesSkipped: metrics.NewCounter(),
		Restarts:        metrics.NewCounter(),
		Disables:        metrics.NewCounter(),
		registry:        reg,
	}
	reg.Register("batch.bytes", m.BatchSize)
	reg.Register("messages.fired", m.MessagesFired)
	reg.Register("messages.skipped", m.MessagesSkipped)
	reg.Register("triggers.restarts", m.Restarts)
	reg.Register("triggers.disables", m.Disables)
	return m
}

// Snapshot flattens the registry into a JSON-friendly map for the
// diagnostics surface.
func (m *Metrics) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})
	m.registry.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case metrics.Histogram:
			out[name] = map[string]interface{}{"count": v.Count(), "mean": v.Mean(), "max": v.Max()}
		case metrics.Counter:
			out[name] = v.Count()
		}
	})
	return out
}
