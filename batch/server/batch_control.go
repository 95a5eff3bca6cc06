package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/openkb/kbatch/batch/domain"
	"github.com/openkb/kbatch/batch/event"
	"github.com/openkb/kbatch/batch/execer"
	"github.com/openkb/kbatch/common/stats"
)

// pauseBatch suspends a batch: queued jobs stay on the queue but are skipped
// by admission, and running jobs are interrupted cooperatively. Their status
// flips to paused once their goroutines wind down.
func (s *batchScheduler) pauseBatch(bs *batchState) {
	if bs.paused {
		return
	}
	bs.paused = true
	interrupted := 0
	for _, js := range bs.jobs {
		if js.job.Status == domain.Processing && js.cancel != nil {
			s.workers.markPaused(js.job.ID)
			js.cancel(&execer.Interrupted{Reason: execer.ReasonPaused})
			interrupted++
		}
	}
	s.bus.Publish(event.Event{Type: event.BatchPaused, BatchID: bs.id})
	log.WithFields(log.Fields{
		"batchID":     bs.id,
		"interrupted": interrupted,
	}).Info("Batch paused")
}

// resumeBatch returns a batch's paused jobs to the front of the queue.
func (s *batchScheduler) resumeBatch(bs *batchState) {
	if !bs.paused {
		return
	}
	bs.paused = false
	var resumed []*jobState
	for _, js := range bs.jobs {
		if js.job.Status == domain.Paused {
			js.setStatus(domain.Queued)
			resumed = append(resumed, js)
		}
	}
	s.pendingQueue = append(resumed, s.pendingQueue...)
	s.wasIdle = false
	s.bus.Publish(event.Event{Type: event.BatchResumed, BatchID: bs.id})
	log.WithFields(log.Fields{
		"batchID": bs.id,
		"resumed": len(resumed),
	}).Info("Batch resumed")
}

// cancelBatch evicts every job of the batch and deletes its progress record.
// Job-level notifications stop here: completion callbacks for evicted jobs
// find them gone from the active registry and do nothing further.
func (s *batchScheduler) cancelBatch(bs *batchState) {
	cancelled := int64(0)

	var keep []*jobState
	for _, js := range s.pendingQueue {
		if js.job.BatchID != bs.id {
			keep = append(keep, js)
			continue
		}
		js.setStatus(domain.Cancelled)
		cancelled++
	}
	s.pendingQueue = keep

	for _, js := range bs.jobs {
		switch js.job.Status {
		case domain.Processing:
			if js.cancel != nil {
				js.cancel(&execer.Interrupted{Reason: execer.ReasonCancelled})
			}
			js.setStatus(domain.Cancelled)
			delete(s.activeJobs, js.job.ID)
			s.activeMemory -= js.job.MemoryNeeded
			cancelled++
		case domain.Retrying, domain.Paused:
			js.setStatus(domain.Cancelled)
			cancelled++
		}
	}

	delete(s.batches, bs.id)
	s.mu.Lock()
	delete(s.progressSnapshots, bs.id)
	s.mu.Unlock()

	s.stat.Counter(stats.SchedJobsCancelledCounter).Inc(cancelled)
	s.bus.Publish(event.Event{Type: event.BatchCancelled, BatchID: bs.id})
	log.WithFields(log.Fields{
		"batchID":   bs.id,
		"cancelled": cancelled,
	}).Info("Batch cancelled")
}
