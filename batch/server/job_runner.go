package server

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/openkb/kbatch/batch/domain"
	"github.com/openkb/kbatch/batch/event"
	"github.com/openkb/kbatch/batch/execer"
	"github.com/openkb/kbatch/common/stats"
)

// startJob assigns a worker slot to an admitted job and offloads its
// execution. The offloaded function touches nothing but its own job copy,
// the progress atomic and the result slot; all state changes happen in the
// completion callback, back on the loop goroutine.
func (s *batchScheduler) startJob(js *jobState) {
	workerID, ok := s.workers.assign(js.job.ID)
	if !ok {
		// canStartJob saw an idle worker, so this is a bookkeeping bug.
		log.WithFields(log.Fields{"jobID": js.job.ID}).Error("No idle worker after admission, re-queueing")
		s.pendingQueue = append([]*jobState{js}, s.pendingQueue...)
		return
	}
	js.workerID = workerID
	js.setStatus(domain.Processing)
	js.job.StartedAt = time.Now()
	s.activeJobs[js.job.ID] = js
	s.activeMemory += js.job.MemoryNeeded
	s.stat.Counter(stats.SchedJobsStartedCounter).Inc(1)

	ctx, cancel := context.WithCancelCause(context.Background())
	js.cancel = cancel
	jobCopy := *js.job

	log.WithFields(log.Fields{
		"jobID":   js.job.ID,
		"batchID": js.job.BatchID,
		"file":    js.job.FileName,
		"worker":  workerID,
		"memory":  js.job.MemoryNeeded,
		"attempt": js.job.RetryCount + 1,
	}).Info("Starting job")

	s.asyncRunner.RunAsync(
		func() error {
			res, err := s.exec.Exec(ctx, jobCopy, js.reportProgress)
			if err != nil {
				return err
			}
			js.result = res
			return nil
		},
		func(err error) {
			s.handleJobDone(js, err)
		})
}

// handleJobDone runs on the loop goroutine once a job's execution goroutine
// finishes, and converts the outcome into a state transition.
func (s *batchScheduler) handleJobDone(js *jobState, err error) {
	elapsed := time.Since(js.job.StartedAt)
	if js.workerID != "" {
		_, interrupted := execer.AsInterrupted(err)
		s.workers.release(js.workerID, elapsed, err == nil || interrupted)
		js.workerID = ""
	}

	if _, active := s.activeJobs[js.job.ID]; !active {
		// Evicted by a batch cancellation while running; the worker is
		// all that needed cleanup.
		return
	}
	delete(s.activeJobs, js.job.ID)
	s.activeMemory -= js.job.MemoryNeeded

	if ie, ok := execer.AsInterrupted(err); ok {
		s.handleInterruption(js, ie)
		return
	}
	if err != nil {
		s.handleJobFailure(js, err)
		return
	}

	js.reportProgress(100)
	js.job.Progress = 100
	js.setStatus(domain.Completed)
	js.job.CompletedAt = time.Now()
	js.job.Result = js.result
	s.results[js.job.ID] = js.result
	s.stat.Counter(stats.SchedJobsCompletedCounter).Inc(1)
	s.bus.Publish(event.Event{Type: event.JobCompleted, BatchID: js.job.BatchID, JobID: js.job.ID})
	log.WithFields(log.Fields{
		"jobID":   js.job.ID,
		"batchID": js.job.BatchID,
		"elapsed": elapsed,
	}).Info("Job completed")
}

// handleInterruption finishes a cooperative pause/cancel abort. Interruption
// is not a failure: it never consumes a retry attempt.
func (s *batchScheduler) handleInterruption(js *jobState, ie *execer.Interrupted) {
	if ie.Reason == execer.ReasonCancelled {
		// Normally the job was already evicted in cancelBatch; getting
		// here means the cancel raced job completion, so just finish the
		// transition.
		js.setStatus(domain.Cancelled)
		return
	}

	js.setStatus(domain.Paused)
	bs, ok := s.batches[js.job.BatchID]
	if ok && !bs.paused {
		// The batch was resumed before this job's goroutine wound down;
		// send it straight back to the queue.
		js.setStatus(domain.Queued)
		s.pendingQueue = append([]*jobState{js}, s.pendingQueue...)
		return
	}
	log.WithFields(log.Fields{
		"jobID":    js.job.ID,
		"batchID":  js.job.BatchID,
		"progress": js.currentProgress(),
	}).Info("Job paused")
}

// handleJobFailure converts a transient execution failure into a retry or a
// permanent failure.
func (s *batchScheduler) handleJobFailure(js *jobState, err error) {
	job := js.job
	job.RetryCount++
	job.LastError = err.Error()
	if bs, ok := s.batches[job.BatchID]; ok {
		bs.errors = append(bs.errors, domain.JobError{
			JobID:    job.ID,
			FileName: job.FileName,
			Message:  err.Error(),
			Time:     time.Now(),
		})
	}

	if s.config.RetryFailedJobs && job.RetryCount <= s.config.MaxRetries {
		js.setStatus(domain.Retrying)
		delay := js.bof.NextBackOff()
		if delay == backoff.Stop {
			delay = s.config.RetryBaseDelay * time.Duration(job.RetryCount)
		}
		s.stat.Counter(stats.SchedJobRetriesCounter).Inc(1)
		log.WithFields(log.Fields{
			"jobID":   job.ID,
			"batchID": job.BatchID,
			"err":     err,
			"retries": job.RetryCount,
			"delay":   delay,
		}).Info("Job failed, will be retried")

		// Wait out the backoff off-loop, then re-queue at the front.
		s.asyncRunner.RunAsync(
			func() error {
				time.Sleep(delay)
				return nil
			},
			func(error) {
				if js.job.Status != domain.Retrying {
					// Cancelled while backing off.
					return
				}
				js.setStatus(domain.Pending)
				js.setStatus(domain.Queued)
				s.pendingQueue = append([]*jobState{js}, s.pendingQueue...)
			})
		return
	}

	js.setStatus(domain.Failed)
	job.CompletedAt = time.Now()
	s.stat.Counter(stats.SchedJobsFailedCounter).Inc(1)
	s.bus.Publish(event.Event{Type: event.JobFailed, BatchID: job.BatchID, JobID: job.ID, Err: err.Error()})
	log.WithFields(log.Fields{
		"jobID":   job.ID,
		"batchID": job.BatchID,
		"err":     err,
		"retries": job.RetryCount - 1,
	}).Info("Job failed permanently, retries exhausted")
}
