package stats

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// Trend classifies the recent direction of a sampled resource.
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "increasing"
	case TrendDecreasing:
		return "decreasing"
	}
	return "stable"
}

const (
	DefaultSampleInterval = 1 * time.Second
	DefaultSampleWindow   = 1000

	// trendSpan is how many samples each side of the trend comparison uses.
	trendSpan = 10

	// trendThreshold is the relative change below which the trend is stable.
	trendThreshold = 0.10
)

// ResourceSample is one observation of process resource usage.
type ResourceSample struct {
	Time        time.Time
	MemoryBytes uint64
	CPUPercent  float64
}

// ResourceMonitor periodically samples this process's memory and cpu usage
// and keeps a bounded rolling window of samples. Its only consumer is the
// scheduler's dynamic concurrency adjustment; it has no other side effects
// beyond gauge publication.
type ResourceMonitor struct {
	interval time.Duration
	window   int
	proc     *process.Process
	stat     StatsReceiver

	mu      sync.Mutex
	samples []ResourceSample

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewResourceMonitor returns a monitor for the current process. Pass zero
// values to get the defaults (1s interval, 1000-sample window).
func NewResourceMonitor(interval time.Duration, window int, stat StatsReceiver) *ResourceMonitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if window <= 0 {
		window = DefaultSampleWindow
	}
	if stat == nil {
		stat = NilStatsReceiver()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sampling will be skipped; trend stays stable.
		log.WithFields(log.Fields{"err": err}).Error("Cannot attach resource monitor to own process")
	}
	return &ResourceMonitor{
		interval: interval,
		window:   window,
		proc:     proc,
		stat:     stat,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Call Stop to end it.
func (m *ResourceMonitor) Start() {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

// Stop ends sampling and waits for the goroutine to exit.
func (m *ResourceMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *ResourceMonitor) sampleOnce() {
	if m.proc == nil {
		return
	}
	mem, err := m.proc.MemoryInfo()
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Debug("Memory sample failed")
		return
	}
	cpu, err := m.proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	m.record(ResourceSample{Time: time.Now(), MemoryBytes: mem.RSS, CPUPercent: cpu})
}

// record appends a sample, evicting the oldest once the window is full.
func (m *ResourceMonitor) record(s ResourceSample) {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}
	trend := m.memoryTrendLocked()
	m.mu.Unlock()

	m.stat.Gauge(ResourceMemGauge).Update(int64(s.MemoryBytes))
	m.stat.GaugeFloat(ResourceCPUGauge).Update(s.CPUPercent)
	switch trend {
	case TrendIncreasing:
		m.stat.Gauge(ResourceTrendGauge).Update(1)
	case TrendDecreasing:
		m.stat.Gauge(ResourceTrendGauge).Update(-1)
	default:
		m.stat.Gauge(ResourceTrendGauge).Update(0)
	}
}

// Current returns the most recent sample, if any.
func (m *ResourceMonitor) Current() (ResourceSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return ResourceSample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// MemoryTrend compares the mean of the most recent trendSpan samples to the
// mean of the trendSpan samples before them. Changes within trendThreshold
// are reported stable. With fewer than 2*trendSpan samples the trend is
// stable.
func (m *ResourceMonitor) MemoryTrend() Trend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryTrendLocked()
}

func (m *ResourceMonitor) memoryTrendLocked() Trend {
	if len(m.samples) < 2*trendSpan {
		return TrendStable
	}
	recent := m.samples[len(m.samples)-trendSpan:]
	prior := m.samples[len(m.samples)-2*trendSpan : len(m.samples)-trendSpan]

	mean := func(ss []ResourceSample) float64 {
		var sum float64
		for _, s := range ss {
			sum += float64(s.MemoryBytes)
		}
		return sum / float64(len(ss))
	}
	recentMean, priorMean := mean(recent), mean(prior)
	if priorMean == 0 {
		return TrendStable
	}
	change := (recentMean - priorMean) / priorMean
	if change > trendThreshold {
		return TrendIncreasing
	}
	if change < -trendThreshold {
		return TrendDecreasing
	}
	return TrendStable
}
