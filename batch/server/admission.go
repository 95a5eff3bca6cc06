package server

import (
	"github.com/openkb/kbatch/common/stats"
)

// canStartJob is the admission gate: the job's memory reservation must fit
// under the aggregate budget and an idle worker slot must exist.
func (s *batchScheduler) canStartJob(js *jobState) bool {
	if s.activeMemory+js.job.MemoryNeeded > s.config.MaxMemory {
		s.stat.Counter(stats.SchedAdmissionDeniedMemCounter).Inc(1)
		return false
	}
	if s.workers.idleCount() == 0 {
		s.stat.Counter(stats.SchedAdmissionDeniedWorkerCounter).Inc(1)
		return false
	}
	return true
}

// dependenciesMet reports whether every dependency of js has completed. Only
// jobs recorded in the completed-results registry count; a dependent of a
// failed or cancelled job stays queued until its batch is cancelled.
func (s *batchScheduler) dependenciesMet(js *jobState) bool {
	for _, depID := range js.job.DependsOn {
		if _, ok := s.results[depID]; !ok {
			return false
		}
	}
	return true
}

// findEligibleJob does a first-fit linear scan of the pending queue: the
// queue is priority-ordered, and the first job whose batch is not paused and
// whose dependencies are met is the candidate. Returns its index, or -1.
func (s *batchScheduler) findEligibleJob() int {
	for i, js := range s.pendingQueue {
		if bs, ok := s.batches[js.job.BatchID]; ok && bs.paused {
			continue
		}
		if !s.dependenciesMet(js) {
			continue
		}
		return i
	}
	return -1
}
