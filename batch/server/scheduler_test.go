package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkb/kbatch/batch/domain"
	"github.com/openkb/kbatch/batch/event"
	"github.com/openkb/kbatch/batch/execer"
	"github.com/openkb/kbatch/common/stats"
)

// Tests construct the scheduler in DebugMode, where the update loop is not
// started, and drive it deterministically with step().

func testConfig() SchedulerConfiguration {
	config := DefaultConfiguration()
	config.DebugMode = true
	config.DynamicConcurrency = false
	config.ResourceMonitoring = false
	config.RetryBaseDelay = time.Millisecond
	config.ProgressInterval = time.Millisecond
	return config
}

func makeTestScheduler(exec execer.Execer, mod func(*SchedulerConfiguration)) (*batchScheduler, *event.Bus) {
	config := testConfig()
	if mod != nil {
		mod(&config)
	}
	bus := event.NewBus()
	return NewBatchScheduler(exec, bus, config, stats.NilStatsReceiver()), bus
}

func makeJob(batchID, name string, priority float64, mem int64, deps ...string) *domain.Job {
	return &domain.Job{
		ID:           batchID + "-" + name,
		BatchID:      batchID,
		FileName:     name + ".md",
		FilePath:     "/tmp/" + name + ".md",
		FileSize:     1024,
		FileType:     "md",
		Priority:     priority,
		DependsOn:    deps,
		MemoryNeeded: mem,
		EstDuration:  10 * time.Millisecond,
		Status:       domain.Pending,
		CreatedAt:    time.Now(),
	}
}

// stepUntil advances the scheduler until cond holds, failing the test on
// timeout. cond runs right after each step, on the test goroutine, which in
// DebugMode also owns the loop state.
func stepUntil(t *testing.T, s *batchScheduler, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.step()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type startResult struct {
	id  string
	err error
}

// startBatch submits jobs from a helper goroutine (StartBatchJobs blocks until
// the loop acks) and steps until the ack arrives.
func startBatch(t *testing.T, s *batchScheduler, batchID string, jobs []*domain.Job) string {
	t.Helper()
	ch := make(chan startResult, 1)
	go func() {
		id, err := s.StartBatchJobs(batchID, jobs)
		ch <- startResult{id: id, err: err}
	}()
	var res startResult
	stepUntil(t, s, "batch ack", func() bool {
		select {
		case res = <-ch:
			return true
		default:
			return false
		}
	})
	require.NoError(t, res.err)
	return res.id
}

// doCtrl runs a blocking control call off-goroutine and steps until it returns.
func doCtrl(t *testing.T, s *batchScheduler, f func(string) bool, batchID string) bool {
	t.Helper()
	ch := make(chan bool, 1)
	go func() { ch <- f(batchID) }()
	var res bool
	stepUntil(t, s, "control ack", func() bool {
		select {
		case res = <-ch:
			return true
		default:
			return false
		}
	})
	return res
}

func drainEvents(sub *event.Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countEvents(events []event.Event, typ event.Type) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// orderExecer records the order jobs reach execution.
type orderExecer struct {
	mu    sync.Mutex
	order []string
}

func (e *orderExecer) Exec(ctx context.Context, job domain.Job, progress execer.ProgressFunc) (*domain.Result, error) {
	e.mu.Lock()
	e.order = append(e.order, job.ID)
	e.mu.Unlock()
	progress(100)
	return &domain.Result{ContentHash: "ordered", SizeBytes: job.FileSize, ProcessedAt: time.Now()}, nil
}

func (e *orderExecer) got() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.order...)
}

// blockingExecer holds every job until release is closed, honoring
// interruption while blocked.
type blockingExecer struct {
	release chan struct{}
}

func newBlockingExecer() *blockingExecer {
	return &blockingExecer{release: make(chan struct{})}
}

func (e *blockingExecer) Exec(ctx context.Context, job domain.Job, progress execer.ProgressFunc) (*domain.Result, error) {
	progress(10)
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-e.release:
		progress(100)
		return &domain.Result{ContentHash: "released", SizeBytes: job.FileSize, ProcessedAt: time.Now()}, nil
	}
}

// failingExecer fails the first failures attempts of each call, counting them.
type failingExecer struct {
	attempts int32
	failures int32 // fail this many attempts, -1 for always
}

func (e *failingExecer) Exec(ctx context.Context, job domain.Job, progress execer.ProgressFunc) (*domain.Result, error) {
	n := atomic.AddInt32(&e.attempts, 1)
	if e.failures < 0 || n <= e.failures {
		return nil, errors.Errorf("extraction failed on attempt %d", n)
	}
	progress(100)
	return &domain.Result{ContentHash: "eventually", SizeBytes: job.FileSize, ProcessedAt: time.Now()}, nil
}

func Test_BatchScheduler_InitialState(t *testing.T) {
	s, _ := makeTestScheduler(execer.NewDoneExecer(), nil)
	s.step()

	status := s.GetSchedulerStatus()
	assert.Equal(t, 0, status.QueueLength)
	assert.Equal(t, 0, status.ActiveJobs)
	assert.Equal(t, DefaultMaxConcurrentJobs, status.IdleWorkers)
	assert.Equal(t, DefaultMaxConcurrentJobs, status.ConcurrencyLimit)
	assert.Equal(t, 0, status.TrackedBatches)

	_, ok := s.GetBatchProgress("no-such-batch")
	assert.False(t, ok)
}

func Test_BatchScheduler_RunsBatchToCompletion(t *testing.T) {
	s, bus := makeTestScheduler(execer.NewDoneExecer(), func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 1
	})
	sub := bus.Subscribe()
	defer sub.Close()

	jobs := []*domain.Job{
		makeJob("b1", "a", 50, 1<<20),
		makeJob("b1", "b", 50, 1<<20),
		makeJob("b1", "c", 50, 1<<20),
	}
	id := startBatch(t, s, "b1", jobs)
	assert.Equal(t, "b1", id)

	stepUntil(t, s, "batch completion", func() bool {
		p, ok := s.GetBatchProgress("b1")
		return ok && p.CompletedJobs == 3
	})

	p, ok := s.GetBatchProgress("b1")
	require.True(t, ok)
	assert.Equal(t, 3, p.TotalJobs)
	assert.Equal(t, 0, p.FailedJobs)
	assert.Equal(t, 0, p.ProcessingJobs)
	assert.Equal(t, 100.0, p.OverallProgress)
	for _, job := range jobs {
		assert.Equal(t, domain.Completed, job.Status)
		assert.Equal(t, 100, job.Progress)
		assert.NotNil(t, job.Result)
	}

	events := drainEvents(sub)
	assert.Equal(t, 1, countEvents(events, event.BatchStarted))
	assert.Equal(t, 3, countEvents(events, event.JobCompleted))
	assert.Equal(t, 1, countEvents(events, event.ProcessingCompleted))
}

func Test_BatchScheduler_RejectsEmptyBatch(t *testing.T) {
	s, _ := makeTestScheduler(execer.NewDoneExecer(), nil)
	_, err := s.StartBatchJobs("b1", nil)
	assert.Error(t, err)
}

func Test_BatchScheduler_RejectsDuplicateBatch(t *testing.T) {
	s, _ := makeTestScheduler(execer.NewDoneExecer(), nil)
	startBatch(t, s, "dup", []*domain.Job{makeJob("dup", "a", 50, 1<<20)})

	ch := make(chan startResult, 1)
	go func() {
		_, err := s.StartBatchJobs("dup", []*domain.Job{makeJob("dup", "b", 50, 1<<20)})
		ch <- startResult{err: err}
	}()
	var res startResult
	stepUntil(t, s, "duplicate rejection", func() bool {
		select {
		case res = <-ch:
			return true
		default:
			return false
		}
	})
	assert.Error(t, res.err)
}

func Test_BatchScheduler_ExecutesInPriorityOrder(t *testing.T) {
	exec := &orderExecer{}
	s, _ := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 1
	})

	// Submitted lowest priority first; the queue must reorder.
	jobs := []*domain.Job{
		makeJob("b1", "low", 10, 1<<20),
		makeJob("b1", "high", 90, 1<<20),
		makeJob("b1", "mid", 50, 1<<20),
	}
	startBatch(t, s, "b1", jobs)
	stepUntil(t, s, "all jobs executed", func() bool { return len(exec.got()) == 3 })

	assert.Equal(t, []string{"b1-high", "b1-mid", "b1-low"}, exec.got())
}

func Test_BatchScheduler_MemoryBoundsAdmission(t *testing.T) {
	exec := newBlockingExecer()
	maxMem := int64(150)
	s, _ := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 3
		c.MaxMemory = maxMem
	})

	jobs := []*domain.Job{
		makeJob("b1", "a", 50, 100),
		makeJob("b1", "b", 50, 100),
		makeJob("b1", "c", 50, 100),
	}
	startBatch(t, s, "b1", jobs)

	// Only one 100-byte job fits under the 150-byte budget even though three
	// worker slots are idle.
	stepUntil(t, s, "first admission", func() bool { return len(s.activeJobs) == 1 })
	for i := 0; i < 5; i++ {
		s.step()
		assert.LessOrEqual(t, s.activeMemory, maxMem)
		assert.Equal(t, 1, len(s.activeJobs))
	}

	close(exec.release)
	stepUntil(t, s, "batch drains", func() bool {
		assert.LessOrEqual(t, s.activeMemory, maxMem)
		p, ok := s.GetBatchProgress("b1")
		return ok && p.CompletedJobs == 3
	})
	assert.Equal(t, int64(0), s.activeMemory)
}

func Test_BatchScheduler_DependenciesGateExecution(t *testing.T) {
	exec := &orderExecer{}
	s, _ := makeTestScheduler(exec, nil)

	// The dependent outranks its dependency, so it sits at the queue head
	// but must be skipped until the dependency's result is recorded.
	child := makeJob("b1", "child", 90, 1<<20, "b1-parent")
	parent := makeJob("b1", "parent", 10, 1<<20)
	startBatch(t, s, "b1", []*domain.Job{child, parent})

	stepUntil(t, s, "both jobs executed", func() bool { return len(exec.got()) == 2 })
	assert.Equal(t, []string{"b1-parent", "b1-child"}, exec.got())
	assert.Equal(t, domain.Completed, child.Status)
}

func Test_BatchScheduler_RetriesUntilExhausted(t *testing.T) {
	exec := &failingExecer{failures: -1}
	s, bus := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.RetryFailedJobs = true
		c.MaxRetries = 2
	})
	sub := bus.Subscribe(event.JobFailed)
	defer sub.Close()

	job := makeJob("b1", "flaky", 50, 1<<20)
	startBatch(t, s, "b1", []*domain.Job{job})
	stepUntil(t, s, "permanent failure", func() bool { return job.Status == domain.Failed })

	// MaxRetries=2 means one initial attempt plus two retries.
	assert.Equal(t, int32(3), atomic.LoadInt32(&exec.attempts))
	assert.Equal(t, 3, job.RetryCount)
	assert.NotEmpty(t, job.LastError)

	p, ok := s.GetBatchProgress("b1")
	require.True(t, ok)
	assert.Equal(t, 1, p.FailedJobs)
	assert.Len(t, p.Errors, 3)

	events := drainEvents(sub)
	assert.Equal(t, 1, countEvents(events, event.JobFailed), "only the permanent failure is published")
}

func Test_BatchScheduler_RetryDisabledFailsFast(t *testing.T) {
	exec := &failingExecer{failures: -1}
	s, _ := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.RetryFailedJobs = false
	})

	job := makeJob("b1", "once", 50, 1<<20)
	startBatch(t, s, "b1", []*domain.Job{job})
	stepUntil(t, s, "failure", func() bool { return job.Status == domain.Failed })
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.attempts))
}

func Test_BatchScheduler_RecoversAfterRetry(t *testing.T) {
	exec := &failingExecer{failures: 2}
	s, _ := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.RetryFailedJobs = true
		c.MaxRetries = 3
	})

	job := makeJob("b1", "flaky", 50, 1<<20)
	startBatch(t, s, "b1", []*domain.Job{job})
	stepUntil(t, s, "recovery", func() bool { return job.Status == domain.Completed })

	assert.Equal(t, int32(3), atomic.LoadInt32(&exec.attempts))
	assert.Equal(t, 2, job.RetryCount)
	p, _ := s.GetBatchProgress("b1")
	assert.Equal(t, 1, p.CompletedJobs)
	assert.Equal(t, 0, p.FailedJobs)
}

func Test_BatchScheduler_PauseAndResume(t *testing.T) {
	exec := newBlockingExecer()
	s, bus := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 1
	})
	sub := bus.Subscribe(event.BatchPaused, event.BatchResumed)
	defer sub.Close()

	running := makeJob("b1", "running", 90, 1<<20)
	waiting := makeJob("b1", "waiting", 10, 1<<20)
	startBatch(t, s, "b1", []*domain.Job{running, waiting})
	stepUntil(t, s, "first job running", func() bool { return running.Status == domain.Processing })

	assert.True(t, doCtrl(t, s, s.PauseBatch, "b1"))
	stepUntil(t, s, "running job paused", func() bool { return running.Status == domain.Paused })

	// A paused batch's queued jobs must not be admitted.
	for i := 0; i < 5; i++ {
		s.step()
		assert.Equal(t, 0, len(s.activeJobs))
	}
	assert.Equal(t, domain.Queued, waiting.Status)
	assert.Equal(t, 0, running.RetryCount, "pause must not consume a retry attempt")

	close(exec.release)
	assert.True(t, doCtrl(t, s, s.ResumeBatch, "b1"))
	stepUntil(t, s, "batch completes after resume", func() bool {
		p, ok := s.GetBatchProgress("b1")
		return ok && p.CompletedJobs == 2
	})
	assert.Equal(t, 0, running.RetryCount)

	events := drainEvents(sub)
	assert.Equal(t, 1, countEvents(events, event.BatchPaused))
	assert.Equal(t, 1, countEvents(events, event.BatchResumed))
}

func Test_BatchScheduler_ControlOpsOnUnknownBatch(t *testing.T) {
	s, _ := makeTestScheduler(execer.NewDoneExecer(), nil)
	assert.False(t, doCtrl(t, s, s.PauseBatch, "ghost"))
	assert.False(t, doCtrl(t, s, s.ResumeBatch, "ghost"))
	assert.False(t, doCtrl(t, s, s.CancelBatch, "ghost"))
}

func Test_BatchScheduler_CancelEvictsEverything(t *testing.T) {
	exec := newBlockingExecer()
	s, bus := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 2
	})
	sub := bus.Subscribe()
	defer sub.Close()

	jobs := []*domain.Job{
		makeJob("b1", "a", 50, 1<<20),
		makeJob("b1", "b", 50, 1<<20),
		makeJob("b1", "c", 50, 1<<20),
	}
	startBatch(t, s, "b1", jobs)
	stepUntil(t, s, "two jobs running", func() bool { return len(s.activeJobs) == 2 })
	drainEvents(sub)

	assert.True(t, doCtrl(t, s, s.CancelBatch, "b1"))

	// The progress record is gone the moment the cancel call returns.
	_, ok := s.GetBatchProgress("b1")
	assert.False(t, ok)
	for _, job := range jobs {
		assert.Equal(t, domain.Cancelled, job.Status)
	}
	assert.Equal(t, 0, len(s.activeJobs))
	assert.Equal(t, int64(0), s.activeMemory)

	// Let the interrupted goroutines wind down; no job-level events may
	// surface for the cancelled batch.
	close(exec.release)
	stepUntil(t, s, "goroutines drained", func() bool { return s.asyncRunner.NumRunning() == 0 })
	for i := 0; i < 5; i++ {
		s.step()
	}
	events := drainEvents(sub)
	assert.Equal(t, 1, countEvents(events, event.BatchCancelled))
	assert.Equal(t, 0, countEvents(events, event.JobCompleted))
	assert.Equal(t, 0, countEvents(events, event.JobFailed))
}

func Test_BatchScheduler_ReadsAreStableBetweenTicks(t *testing.T) {
	s, _ := makeTestScheduler(execer.NewDoneExecer(), nil)
	startBatch(t, s, "b1", []*domain.Job{
		makeJob("b1", "a", 50, 1<<20),
		makeJob("b1", "b", 50, 1<<20),
	})
	s.step()

	p1, ok1 := s.GetBatchProgress("b1")
	p2, ok2 := s.GetBatchProgress("b1")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, p1, p2, "no tick between reads, identical snapshots")
	assert.Equal(t, s.GetSchedulerStatus(), s.GetSchedulerStatus())
}

func Test_BatchScheduler_DynamicConcurrencyScalesUp(t *testing.T) {
	s, _ := makeTestScheduler(execer.NewDoneExecer(), func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 2
		c.DynamicConcurrency = true
		c.MaxDynamicConcurrency = 5
	})

	// No load at all: memory fraction is 0, one slot per step up to the cap.
	for i := 0; i < 6; i++ {
		s.step()
	}
	assert.Equal(t, 5, s.GetSchedulerStatus().ConcurrencyLimit)
	assert.Equal(t, 5, s.workers.size())
}

func Test_BatchScheduler_DynamicConcurrencyShedsUnderMemoryPressure(t *testing.T) {
	exec := newBlockingExecer()
	s, _ := makeTestScheduler(exec, func(c *SchedulerConfiguration) {
		c.MaxConcurrentJobs = 3
		c.MaxMemory = 100
		c.DynamicConcurrency = true
		c.MaxDynamicConcurrency = 5
	})

	// One admitted job holds 90 of the 100-byte budget, past the high water
	// mark; the limit sheds down to its floor of one.
	startBatch(t, s, "b1", []*domain.Job{makeJob("b1", "heavy", 50, 90)})
	stepUntil(t, s, "job running", func() bool { return len(s.activeJobs) == 1 })
	for i := 0; i < 5; i++ {
		s.step()
	}
	assert.Equal(t, 1, s.GetSchedulerStatus().ConcurrencyLimit)

	close(exec.release)
	stepUntil(t, s, "pressure released", func() bool {
		return s.GetSchedulerStatus().ConcurrencyLimit > 1
	})
}

func Test_BatchScheduler_StartBatchProcessingFromAnalysis(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.pdf"), []byte("world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("nope"), 0644))

	analysis, err := domain.AnalyzeDir(dir, domain.StrategyAdaptive, DefaultThroughput)
	require.NoError(t, err)

	s, _ := makeTestScheduler(execer.NewSimExecer(), nil)
	ch := make(chan startResult, 1)
	go func() {
		id, err := s.StartBatchProcessing(analysis, "")
		ch <- startResult{id: id, err: err}
	}()
	var res startResult
	stepUntil(t, s, "batch ack", func() bool {
		select {
		case res = <-ch:
			return true
		default:
			return false
		}
	})
	require.NoError(t, res.err)
	assert.True(t, strings.HasPrefix(res.id, "batch-"))

	stepUntil(t, s, "analysis batch completes", func() bool {
		p, ok := s.GetBatchProgress(res.id)
		return ok && p.CompletedJobs == 2
	})
}
