// Package server implements the batch scheduling engine: admission control,
// the worker registry, retry handling and the batch control surface, all
// driven by a single-writer scheduler loop.
package server

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openkb/kbatch/async"
	"github.com/openkb/kbatch/batch/domain"
	"github.com/openkb/kbatch/batch/event"
	"github.com/openkb/kbatch/batch/execer"
	"github.com/openkb/kbatch/common/log/hooks"
	"github.com/openkb/kbatch/common/stats"
)

const (
	// Provide defaults for config settings that should never be
	// uninitialized/zero.

	DefaultMaxConcurrentJobs = 3

	DefaultMaxMemory = 256 * 1024 * 1024

	DefaultMaxRetries = 3

	DefaultRetryBaseDelay = 1 * time.Second

	// Ceiling for dynamic concurrency adjustment.
	DefaultMaxDynamicConcurrency = 5

	// How often the scheduler step runs when no messages arrive.
	DefaultTickInterval = 100 * time.Millisecond

	// Minimum spacing of progressUpdated events per batch.
	DefaultProgressInterval = 1000 * time.Millisecond

	// Assumed ingestion throughput for duration estimates, bytes/sec.
	DefaultThroughput = 1024 * 1024

	// Memory fractions steering dynamic concurrency.
	memHighWater = 0.8
	memLowWater  = 0.5
)

// Used to get proper logging from tests.
func init() {
	if loglevel := os.Getenv("KBATCH_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

// SchedulerConfiguration variables read at initialization.
//
// MaxConcurrentJobs - baseline number of worker slots.
//
// MaxMemory - aggregate memory budget (bytes) for processing jobs.
//
// PriorityStrategy - overrides the analysis batching strategy when set.
//
// DynamicConcurrency - enable load-driven resizing of the worker pool
// between 1 and MaxDynamicConcurrency.
//
// RetryFailedJobs / MaxRetries / RetryBaseDelay - retry policy for
// transient job failures.
//
// TickInterval - scheduler poll interval.
//
// ProgressInterval - minimum spacing of progressUpdated events per batch.
//
// ResourceMonitoring - sample process memory/cpu to steer concurrency;
// without it the scheduler falls back to its own reservation counter.
//
// DebugMode - if true, the update loop is not started; it must be advanced
// manually by calling step(). Intended for tests.
type SchedulerConfiguration struct {
	MaxConcurrentJobs     int
	MaxMemory             int64
	PriorityStrategy      domain.Strategy
	DynamicConcurrency    bool
	MaxDynamicConcurrency int
	RetryFailedJobs       bool
	MaxRetries            int
	RetryBaseDelay        time.Duration
	TickInterval          time.Duration
	ProgressInterval      time.Duration
	ResourceMonitoring    bool
	Throughput            int64
	DebugMode             bool
}

func (c *SchedulerConfiguration) String() string {
	return fmt.Sprintf("SchedulerConfiguration: MaxConcurrentJobs: %d, MaxMemory: %d, PriorityStrategy: %s, "+
		"DynamicConcurrency: %t, MaxDynamicConcurrency: %d, RetryFailedJobs: %t, MaxRetries: %d, RetryBaseDelay: %s, "+
		"TickInterval: %s, ResourceMonitoring: %t",
		c.MaxConcurrentJobs, c.MaxMemory, c.PriorityStrategy, c.DynamicConcurrency, c.MaxDynamicConcurrency,
		c.RetryFailedJobs, c.MaxRetries, c.RetryBaseDelay, c.TickInterval, c.ResourceMonitoring)
}

// DefaultConfiguration returns the stock engine settings.
func DefaultConfiguration() SchedulerConfiguration {
	return SchedulerConfiguration{
		MaxConcurrentJobs:     DefaultMaxConcurrentJobs,
		MaxMemory:             DefaultMaxMemory,
		PriorityStrategy:      domain.StrategyAdaptive,
		DynamicConcurrency:    true,
		MaxDynamicConcurrency: DefaultMaxDynamicConcurrency,
		RetryFailedJobs:       true,
		MaxRetries:            DefaultMaxRetries,
		RetryBaseDelay:        DefaultRetryBaseDelay,
		TickInterval:          DefaultTickInterval,
		ProgressInterval:      DefaultProgressInterval,
		ResourceMonitoring:    true,
		Throughput:            DefaultThroughput,
	}
}

// SchedulerStatus is a point-in-time view of the engine.
type SchedulerStatus struct {
	QueueLength      int
	ActiveJobs       int
	IdleWorkers      int
	ConcurrencyLimit int
	ActiveMemory     int64
	TrackedBatches   int
}

// Scheduler is the public batch control surface.
type Scheduler interface {
	// StartBatchProcessing creates jobs from the analysis, enqueues them
	// and returns the batch id (generated when batchID is empty).
	StartBatchProcessing(analysis *domain.FolderAnalysis, batchID string) (string, error)

	// StartBatchJobs enqueues pre-built jobs (with dependencies, custom
	// priorities) under batchID.
	StartBatchJobs(batchID string, jobs []*domain.Job) (string, error)

	// GetBatchProgress returns the latest snapshot, or false if unknown.
	GetBatchProgress(batchID string) (*domain.BatchProgress, bool)

	// PauseBatch suspends the batch. No-op (false) if unknown.
	PauseBatch(batchID string) bool

	// ResumeBatch returns paused jobs to the queue. No-op (false) if unknown.
	ResumeBatch(batchID string) bool

	// CancelBatch evicts the batch's jobs and deletes its progress record.
	// No-op (false) if unknown.
	CancelBatch(batchID string) bool

	// GetSchedulerStatus reports engine-level state.
	GetSchedulerStatus() SchedulerStatus
}

type batchAddedMsg struct {
	batchID    string
	jobs       []*domain.Job
	responseCh chan error
}

type ctrlOp int

const (
	opPause ctrlOp = iota
	opResume
	opCancel
)

type batchCtrlMsg struct {
	op         ctrlOp
	batchID    string
	responseCh chan bool
}

// batchScheduler keeps track of the state of pending, active and completed
// jobs so it can make admission and retry decisions.
//
// Scheduler concurrency: the scheduler runs an update loop in its own
// goroutine. Job execution is offloaded through async.Runner; nothing in the
// offloaded functions reads or modifies scheduler state directly. Their
// callbacks are executed as part of the scheduler loop and can therefore
// safely read and modify scheduler state.
type batchScheduler struct {
	config      *SchedulerConfiguration
	exec        execer.Execer
	bus         *event.Bus
	stat        stats.StatsReceiver
	monitor     *stats.ResourceMonitor
	asyncRunner async.Runner
	stepTicker  *time.Ticker

	addBatchCh chan batchAddedMsg
	ctrlCh     chan batchCtrlMsg

	// Scheduler state, owned exclusively by the loop goroutine.
	pendingQueue     []*jobState
	activeJobs       map[string]*jobState
	results          map[string]*domain.Result // completed-jobs registry
	workers          *workerRegistry
	batches          map[string]*batchState
	concurrencyLimit int
	activeMemory     int64
	wasIdle          bool

	// Read snapshots, refreshed once per tick, readable from any goroutine.
	mu                sync.RWMutex
	progressSnapshots map[string]*domain.BatchProgress
	statusSnapshot    SchedulerStatus
}

// NewBatchScheduler creates a scheduler executing jobs through exec and
// publishing notifications on bus. With config.DebugMode the loop is not
// started and must be advanced by calling step().
func NewBatchScheduler(exec execer.Execer, bus *event.Bus, config SchedulerConfiguration, stat stats.StatsReceiver) *batchScheduler {
	if exec == nil {
		exec = execer.NewSimExecer()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if config.MaxMemory <= 0 {
		config.MaxMemory = DefaultMaxMemory
	}
	if config.MaxDynamicConcurrency <= 0 {
		config.MaxDynamicConcurrency = DefaultMaxDynamicConcurrency
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = DefaultProgressInterval
	}
	if config.Throughput <= 0 {
		config.Throughput = DefaultThroughput
	}
	if !domain.ValidStrategy(config.PriorityStrategy) {
		config.PriorityStrategy = domain.StrategyAdaptive
	}

	s := &batchScheduler{
		config:      &config,
		exec:        exec,
		bus:         bus,
		stat:        stat,
		asyncRunner: async.NewRunner(),
		stepTicker:  time.NewTicker(config.TickInterval),

		addBatchCh: make(chan batchAddedMsg, 1),
		ctrlCh:     make(chan batchCtrlMsg, 1),

		activeJobs:       make(map[string]*jobState),
		results:          make(map[string]*domain.Result),
		workers:          newWorkerRegistry(config.MaxConcurrentJobs),
		batches:          make(map[string]*batchState),
		concurrencyLimit: config.MaxConcurrentJobs,
		wasIdle:          true,

		progressSnapshots: make(map[string]*domain.BatchProgress),
	}

	if config.ResourceMonitoring && !config.DebugMode {
		s.monitor = stats.NewResourceMonitor(0, 0, stat)
		s.monitor.Start()
	}

	log.Info(s.config)

	if !config.DebugMode {
		log.Info("Starting scheduler loop")
		go s.loop()
	}
	return s
}

func (s *batchScheduler) StartBatchProcessing(analysis *domain.FolderAnalysis, batchID string) (string, error) {
	if analysis == nil {
		return "", errors.New("nil analysis")
	}
	if batchID == "" {
		batchID = generateBatchID()
	}
	jobs := domain.CreateJobsFromAnalysis(analysis, batchID, domain.JobFactoryConfig{
		Strategy:   s.config.PriorityStrategy,
		MaxMemory:  s.config.MaxMemory,
		Throughput: s.config.Throughput,
	})
	if len(jobs) == 0 {
		return "", errors.Errorf("batch %s: analysis contains no supported files", batchID)
	}
	return s.StartBatchJobs(batchID, jobs)
}

func (s *batchScheduler) StartBatchJobs(batchID string, jobs []*domain.Job) (string, error) {
	if batchID == "" {
		batchID = generateBatchID()
	}
	if len(jobs) == 0 {
		return "", errors.Errorf("batch %s: no jobs", batchID)
	}
	log.WithFields(log.Fields{
		"batchID":  batchID,
		"numJobs":  len(jobs),
		"strategy": s.config.PriorityStrategy,
	}).Info("New batch request")

	responseCh := make(chan error, 1)
	s.addBatchCh <- batchAddedMsg{batchID: batchID, jobs: jobs, responseCh: responseCh}
	if err := <-responseCh; err != nil {
		return "", err
	}
	return batchID, nil
}

func (s *batchScheduler) GetBatchProgress(batchID string) (*domain.BatchProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progressSnapshots[batchID]
	if !ok {
		return nil, false
	}
	return p.Copy(), true
}

func (s *batchScheduler) PauseBatch(batchID string) bool {
	return s.sendCtrl(opPause, batchID)
}

func (s *batchScheduler) ResumeBatch(batchID string) bool {
	return s.sendCtrl(opResume, batchID)
}

func (s *batchScheduler) CancelBatch(batchID string) bool {
	return s.sendCtrl(opCancel, batchID)
}

func (s *batchScheduler) sendCtrl(op ctrlOp, batchID string) bool {
	responseCh := make(chan bool, 1)
	s.ctrlCh <- batchCtrlMsg{op: op, batchID: batchID, responseCh: responseCh}
	return <-responseCh
}

func (s *batchScheduler) GetSchedulerStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusSnapshot
}

// generateBatchID returns a random uuid batch id. uuid.NewV4 reads from
// rand.Read, which never actually returns an error.
func generateBatchID() string {
	for {
		if id, err := uuid.NewV4(); err == nil {
			return "batch-" + id.String()
		}
	}
}

// loop runs the scheduler update loop indefinitely on its own goroutine. All
// logic lives in step() so tests can drive it deterministically.
func (s *batchScheduler) loop() {
	for {
		s.step()

		// Wait until the tick interval has elapsed or a pending message
		// arrives. Detecting a message means we pulled it off a channel,
		// so put it back asynchronously; it is drained next step().
		select {
		case msg := <-s.addBatchCh:
			go func() {
				s.addBatchCh <- msg
			}()
		case msg := <-s.ctrlCh:
			go func() {
				s.ctrlCh <- msg
			}()
		case <-s.stepTicker.C:
		}
	}
}

// step runs one loop iteration.
func (s *batchScheduler) step() {
	defer s.stat.Latency(stats.SchedStepLatency_ms).Time().Stop()

	s.addBatches()
	s.processCtrlRequests()
	s.asyncRunner.ProcessMessages()
	s.workers.reconcile()
	s.scheduleJobs()
	s.refreshProgress()
	s.adjustConcurrency()
	s.updateStats()
	s.checkIdle()
}

// addBatches drains batches submitted since the last iteration and enqueues
// their jobs.
func (s *batchScheduler) addBatches() {
	for {
		select {
		case msg := <-s.addBatchCh:
			if _, exists := s.batches[msg.batchID]; exists {
				msg.responseCh <- errors.Errorf("batch %s already exists", msg.batchID)
				continue
			}
			// Stable sort keeps submission order across equal priorities,
			// so fifo batches drain in insertion order.
			jobs := append([]*domain.Job{}, msg.jobs...)
			sort.SliceStable(jobs, func(i, j int) bool {
				return jobs[i].Priority > jobs[j].Priority
			})
			jss := make([]*jobState, 0, len(jobs))
			for _, job := range jobs {
				js := newJobState(job, s.config.RetryBaseDelay)
				js.setStatus(domain.Queued)
				jss = append(jss, js)
			}
			bs := newBatchState(msg.batchID, jss)
			s.batches[msg.batchID] = bs
			s.pendingQueue = append(s.pendingQueue, jss...)
			s.wasIdle = false

			s.publishSnapshot(bs.refreshProgress(s.queuedCount(msg.batchID)))
			s.bus.Publish(event.Event{Type: event.BatchStarted, BatchID: msg.batchID})
			log.WithFields(log.Fields{
				"batchID":  msg.batchID,
				"numJobs":  len(msg.jobs),
				"queueLen": len(s.pendingQueue),
			}).Info("Created new batch")
			msg.responseCh <- nil
		default:
			return
		}
	}
}

// processCtrlRequests drains pause/resume/cancel requests.
func (s *batchScheduler) processCtrlRequests() {
	for {
		select {
		case msg := <-s.ctrlCh:
			bs, ok := s.batches[msg.batchID]
			if !ok {
				msg.responseCh <- false
				continue
			}
			switch msg.op {
			case opPause:
				s.pauseBatch(bs)
			case opResume:
				s.resumeBatch(bs)
			case opCancel:
				s.cancelBatch(bs)
			}
			msg.responseCh <- true
		default:
			return
		}
	}
}

// scheduleJobs admits eligible queued jobs up to the concurrency limit.
// One first-fit candidate is considered per pass; if admission rejects it the
// pass ends, since memory or workers are exhausted for this tick.
func (s *batchScheduler) scheduleJobs() {
	for len(s.activeJobs) < s.concurrencyLimit && len(s.pendingQueue) > 0 {
		idx := s.findEligibleJob()
		if idx < 0 {
			return
		}
		js := s.pendingQueue[idx]
		if !s.canStartJob(js) {
			return
		}
		s.pendingQueue = append(s.pendingQueue[:idx], s.pendingQueue[idx+1:]...)
		s.startJob(js)
	}
}

// refreshProgress recomputes every batch's aggregate view, publishes the
// read snapshots and emits throttled progressUpdated events.
func (s *batchScheduler) refreshProgress() {
	now := time.Now()
	for id, bs := range s.batches {
		p := bs.refreshProgress(s.queuedCount(id))
		s.publishSnapshot(p)
		if now.Sub(bs.lastProgressEvent) >= s.config.ProgressInterval {
			bs.lastProgressEvent = now
			s.bus.Publish(event.Event{Type: event.ProgressUpdated, BatchID: id, Progress: p.Copy()})
		}
	}
}

func (s *batchScheduler) queuedCount(batchID string) int {
	n := 0
	for _, js := range s.pendingQueue {
		if js.job.BatchID == batchID {
			n++
		}
	}
	return n
}

func (s *batchScheduler) publishSnapshot(p *domain.BatchProgress) {
	s.mu.Lock()
	s.progressSnapshots[p.BatchID] = p.Copy()
	s.mu.Unlock()
}

// adjustConcurrency resizes the worker pool based on memory pressure: above
// the high water mark shed a slot, below the low water mark add one as long
// as sampled memory isn't trending up. Resizing happens here, on the loop,
// so it is serialized with admission checks.
func (s *batchScheduler) adjustConcurrency() {
	if !s.config.DynamicConcurrency {
		return
	}

	usage := s.activeMemory
	trend := stats.TrendStable
	if s.monitor != nil {
		if sample, ok := s.monitor.Current(); ok {
			usage = int64(sample.MemoryBytes)
		}
		trend = s.monitor.MemoryTrend()
	}
	fraction := float64(usage) / float64(s.config.MaxMemory)

	switch {
	case fraction > memHighWater && s.concurrencyLimit > 1:
		s.concurrencyLimit--
		s.workers.resize(s.concurrencyLimit)
		s.stat.Counter(stats.SchedConcurrencyDownCounter).Inc(1)
		log.WithFields(log.Fields{
			"limit":    s.concurrencyLimit,
			"fraction": fraction,
			"trend":    trend,
		}).Info("Memory pressure, reducing concurrency")
	case fraction < memLowWater && s.concurrencyLimit < s.config.MaxDynamicConcurrency && trend != stats.TrendIncreasing:
		s.concurrencyLimit++
		s.workers.resize(s.concurrencyLimit)
		s.stat.Counter(stats.SchedConcurrencyUpCounter).Inc(1)
	}
}

func (s *batchScheduler) updateStats() {
	s.stat.Gauge(stats.SchedQueueLengthGauge).Update(int64(len(s.pendingQueue)))
	s.stat.Gauge(stats.SchedActiveJobsGauge).Update(int64(len(s.activeJobs)))
	s.stat.Gauge(stats.SchedActiveMemoryGauge).Update(s.activeMemory)
	s.stat.Gauge(stats.SchedConcurrencyLimitGauge).Update(int64(s.concurrencyLimit))
	s.stat.Gauge(stats.SchedIdleWorkersGauge).Update(int64(s.workers.idleCount()))
	s.stat.Gauge(stats.SchedBatchesGauge).Update(int64(len(s.batches)))

	s.mu.Lock()
	s.statusSnapshot = SchedulerStatus{
		QueueLength:      len(s.pendingQueue),
		ActiveJobs:       len(s.activeJobs),
		IdleWorkers:      s.workers.idleCount(),
		ConcurrencyLimit: s.concurrencyLimit,
		ActiveMemory:     s.activeMemory,
		TrackedBatches:   len(s.batches),
	}
	s.mu.Unlock()
}

// checkIdle emits processingCompleted on the transition to a fully drained
// engine: empty queue, no active jobs, no in-flight callbacks.
func (s *batchScheduler) checkIdle() {
	idle := len(s.pendingQueue) == 0 && len(s.activeJobs) == 0 && s.asyncRunner.NumRunning() == 0
	if idle && !s.wasIdle {
		log.Info("Processing completed, queue and active set drained")
		s.bus.Publish(event.Event{Type: event.ProcessingCompleted})
	}
	s.wasIdle = idle
}
