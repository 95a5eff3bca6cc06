// Package stats provides a minimal metrics interface backed by go-metrics.
// It exists so engine code can record counters, gauges and latencies through
// a StatsReceiver that can be scoped per component and swapped for a no-op in
// tests, without leaking the go-metrics dependency into callers.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Stats users can either reference this global receiver or construct their own.
var CurrentStatsReceiver = NilStatsReceiver()

// Counter is an event counter.
type Counter interface {
	Inc(int64)
	Count() int64
}

// Gauge holds an int64 value that can be set arbitrarily.
type Gauge interface {
	Update(int64)
	Value() int64
}

// GaugeFloat holds a float64 value that can be set arbitrarily.
type GaugeFloat interface {
	Update(float64)
	Value() float64
}

// Latency records callsite latency into a histogram via a stopwatch:
//
//	defer stat.Latency(SchedStepLatency_ms).Time().Stop()
type Latency interface {
	Time() *Stopwatch
}

// Stopwatch records the elapsed time since Time() when stopped.
type Stopwatch struct {
	start time.Time
	hist  metrics.Histogram
}

func (s *Stopwatch) Stop() {
	if s.hist != nil {
		s.hist.Update(int64(time.Since(s.start) / time.Millisecond))
	}
}

// StatsReceiver creates and registers instruments under a hierarchical name.
// Name elements are joined with '/'.
type StatsReceiver interface {
	// Scope returns a receiver that prefixes all names with the given
	// scope elements.
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat
	Latency(name ...string) Latency

	// Render marshals all current instrument values to JSON.
	Render() []byte
}

// DefaultStatsReceiver returns a receiver over a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) name(name []string) string {
	return strings.Join(append(append([]string{}, s.scope...), name...), "/")
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return metrics.GetOrRegisterCounter(s.name(name), s.registry)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return metrics.GetOrRegisterGauge(s.name(name), s.registry)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return metrics.GetOrRegisterGaugeFloat64(s.name(name), s.registry)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	h := metrics.GetOrRegisterHistogram(s.name(name), s.registry, metrics.NewExpDecaySample(1028, 0.015))
	return &histLatency{hist: h}
}

type histLatency struct {
	hist metrics.Histogram
}

func (l *histLatency) Time() *Stopwatch {
	return &Stopwatch{start: time.Now(), hist: l.hist}
}

func (s *defaultStatsReceiver) Render() []byte {
	out := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.GaugeFloat64:
			out[name] = m.Value()
		case metrics.Histogram:
			snap := m.Snapshot()
			out[name] = map[string]interface{}{
				"count": snap.Count(),
				"mean":  snap.Mean(),
				"p95":   snap.Percentile(0.95),
				"max":   snap.Max(),
			}
		}
	})
	b, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// NilStatsReceiver returns a receiver that ignores everything.
func NilStatsReceiver() StatsReceiver {
	return nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(scope ...string) StatsReceiver  { return s }
func (s nilStatsReceiver) Counter(name ...string) Counter       { return nilCounter{} }
func (s nilStatsReceiver) Gauge(name ...string) Gauge           { return nilGauge{} }
func (s nilStatsReceiver) GaugeFloat(name ...string) GaugeFloat { return nilGaugeFloat{} }
func (s nilStatsReceiver) Latency(name ...string) Latency       { return nilLatency{} }
func (s nilStatsReceiver) Render() []byte                       { return []byte("{}") }

type nilCounter struct{}

func (nilCounter) Inc(int64)   {}
func (nilCounter) Count() int64 { return 0 }

type nilGauge struct{}

func (nilGauge) Update(int64)  {}
func (nilGauge) Value() int64  { return 0 }

type nilGaugeFloat struct{}

func (nilGaugeFloat) Update(float64) {}
func (nilGaugeFloat) Value() float64 { return 0 }

type nilLatency struct{}

func (nilLatency) Time() *Stopwatch { return &Stopwatch{} }
