package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/openkb/kbatch/batch/domain"
)

// jobState wraps a Job with the scheduler's bookkeeping for it. All fields
// except progress are loop-owned; progress is written by the worker goroutine
// and read by the loop, so it goes through atomics.
type jobState struct {
	job      *domain.Job
	progress int64 // atomic, 0-100, monotonic

	cancel   context.CancelCauseFunc
	workerID string
	result   *domain.Result
	bof      backoff.BackOff
}

func newJobState(job *domain.Job, retryBaseDelay time.Duration) *jobState {
	bof := backoff.NewExponentialBackOff()
	bof.InitialInterval = retryBaseDelay
	bof.MaxElapsedTime = 0 // retries are bounded by count, not time
	return &jobState{job: job, progress: int64(job.Progress), bof: bof}
}

// reportProgress is handed to the Execer. It only ever ratchets upward, which
// both enforces the monotonic-progress invariant and keeps a retried job from
// appearing to move backwards.
func (js *jobState) reportProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	for {
		cur := atomic.LoadInt64(&js.progress)
		if int64(percent) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&js.progress, cur, int64(percent)) {
			return
		}
	}
}

func (js *jobState) currentProgress() int {
	return int(atomic.LoadInt64(&js.progress))
}

// setStatus applies a state machine transition. An edge not in the machine is
// a scheduler bug: it is logged and not applied.
func (js *jobState) setStatus(to domain.JobStatus) {
	from := js.job.Status
	if !domain.ValidTransition(from, to) {
		log.WithFields(log.Fields{
			"jobID": js.job.ID,
			"from":  from,
			"to":    to,
		}).Error("Rejecting invalid job status transition")
		return
	}
	js.job.Status = to
}

// batchState tracks one batch: every job created for it, its accumulated
// errors, and its latest aggregate progress.
type batchState struct {
	id      string
	jobs    []*jobState // creation order
	byID    map[string]*jobState
	paused  bool
	started time.Time

	progress          *domain.BatchProgress
	errors            []domain.JobError
	lastProgressEvent time.Time
}

func newBatchState(id string, jobs []*jobState) *batchState {
	bs := &batchState{
		id:      id,
		jobs:    jobs,
		byID:    make(map[string]*jobState, len(jobs)),
		started: time.Now(),
	}
	for _, js := range jobs {
		bs.byID[js.job.ID] = js
	}
	return bs
}

// refreshProgress recomputes the aggregate view from current job state.
// queued counts jobs of this batch sitting on the scheduler's pending queue.
func (bs *batchState) refreshProgress(queued int) *domain.BatchProgress {
	p := &domain.BatchProgress{
		BatchID:     bs.id,
		TotalJobs:   len(bs.jobs),
		QueueLength: queued,
	}

	var progressSum float64
	var completedDur time.Duration
	for _, js := range bs.jobs {
		// Keep the job's visible progress field in sync with what the
		// worker goroutine has reported.
		if js.job.Status == domain.Processing {
			js.job.Progress = js.currentProgress()
		}
		switch js.job.Status {
		case domain.Processing:
			p.ProcessingJobs++
			p.ActiveWorkers++
			p.MemoryUsage += js.job.MemoryNeeded
			progressSum += float64(js.job.Progress)
		case domain.Completed:
			p.CompletedJobs++
			progressSum += 100
			completedDur += js.job.CompletedAt.Sub(js.job.StartedAt)
		case domain.Failed:
			p.FailedJobs++
			progressSum += 100
		case domain.Cancelled:
			progressSum += 100
		default: // pending, queued, retrying, paused
			p.PendingJobs++
			progressSum += float64(js.job.Progress)
		}
	}
	if p.TotalJobs > 0 {
		p.OverallProgress = progressSum / float64(p.TotalJobs)
	}

	elapsed := time.Since(bs.started)
	if p.CompletedJobs > 0 && elapsed > 0 {
		p.Throughput = float64(p.CompletedJobs) / elapsed.Minutes()
	}
	remaining := p.TotalJobs - p.CompletedJobs - p.FailedJobs
	if p.Throughput > 0 && remaining > 0 {
		p.EstTimeLeft = time.Duration(float64(remaining) / p.Throughput * float64(time.Minute))
	}

	p.Errors = append(p.Errors, bs.errors...)
	bs.progress = p
	return p
}
