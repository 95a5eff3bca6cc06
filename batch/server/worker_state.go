package server

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type workerStatus int

const (
	workerIdle workerStatus = iota
	workerProcessing
	workerPaused
	workerError
)

func (s workerStatus) String() string {
	return [4]string{"idle", "processing", "paused", "error"}[s]
}

// workerState is one concurrent execution slot and its load statistics.
// The runningJob field is a lookup reference only; the scheduler's active-job
// registry owns the job.
type workerState struct {
	id            string
	status        workerStatus
	runningJob    string
	jobsProcessed int
	totalProcTime time.Duration
	lastActivity  time.Time
}

// workerRegistry is the fixed-but-resizable set of execution slots. It is
// loop-owned state: no locking, all access from the scheduler goroutine.
type workerRegistry struct {
	workers []*workerState
	desired int
	nextID  int
}

func newWorkerRegistry(size int) *workerRegistry {
	r := &workerRegistry{desired: size}
	r.grow(size)
	return r
}

func (r *workerRegistry) grow(n int) {
	for i := 0; i < n; i++ {
		r.nextID++
		r.workers = append(r.workers, &workerState{
			id:           fmt.Sprintf("worker-%d", r.nextID),
			status:       workerIdle,
			lastActivity: time.Now(),
		})
	}
}

func (r *workerRegistry) size() int {
	return len(r.workers)
}

func (r *workerRegistry) idleCount() int {
	n := 0
	for _, w := range r.workers {
		if w.status == workerIdle {
			n++
		}
	}
	return n
}

// assign hands the first idle slot to jobID.
func (r *workerRegistry) assign(jobID string) (string, bool) {
	for _, w := range r.workers {
		if w.status == workerIdle {
			w.status = workerProcessing
			w.runningJob = jobID
			w.lastActivity = time.Now()
			return w.id, true
		}
	}
	return "", false
}

// release frees the slot and folds the run into its cumulative statistics.
// A slot that saw a transient job failure is marked error until the next
// reconcile pass so load inspection can spot unhealthy slots.
func (r *workerRegistry) release(workerID string, elapsed time.Duration, ok bool) {
	for _, w := range r.workers {
		if w.id != workerID {
			continue
		}
		w.runningJob = ""
		w.jobsProcessed++
		w.totalProcTime += elapsed
		w.lastActivity = time.Now()
		if ok {
			w.status = workerIdle
		} else {
			w.status = workerError
		}
		return
	}
	log.WithFields(log.Fields{"workerID": workerID}).Error("Releasing unknown worker")
}

// markPaused flags the slot running jobID as paused until release.
func (r *workerRegistry) markPaused(jobID string) {
	for _, w := range r.workers {
		if w.runningJob == jobID && w.status == workerProcessing {
			w.status = workerPaused
			return
		}
	}
}

// resize sets the desired slot count. Growth happens immediately; shrinking
// only ever removes idle slots, deferring the rest to reconcile so busy slots
// drain naturally.
func (r *workerRegistry) resize(n int) {
	if n < 1 {
		n = 1
	}
	r.desired = n
	if n > len(r.workers) {
		r.grow(n - len(r.workers))
	}
	r.reconcile()
}

// reconcile clears transient error markers and applies deferred shrinking.
func (r *workerRegistry) reconcile() {
	for _, w := range r.workers {
		if w.status == workerError {
			w.status = workerIdle
		}
	}
	for len(r.workers) > r.desired {
		removed := false
		for i, w := range r.workers {
			if w.status == workerIdle {
				r.workers = append(r.workers[:i], r.workers[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			break
		}
	}
}
