// Package domain provides definitions for kbatch Batches, Jobs and their
// derived progress views.
package domain

import (
	"fmt"
	"time"
)

// Job is one unit of schedulable work, one per ingested file.
// A Job's identity embeds its batch id as a prefix so that ownership can be
// recovered from the id alone.
type Job struct {
	ID       string
	BatchID  string
	FileName string
	FilePath string
	FileSize int64
	FileType string

	// Scheduling attributes, fixed at creation time.
	Priority     float64
	DependsOn    []string
	MemoryNeeded int64
	EstDuration  time.Duration

	// Lifecycle attributes, mutated only by the scheduler loop and the
	// batch control surface.
	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	Progress    int
	LastError   string
	Result      *Result
}

func (j *Job) String() string {
	return fmt.Sprintf("job:%s file:%s size:%d status:%s priority:%.1f retries:%d",
		j.ID, j.FileName, j.FileSize, j.Status, j.Priority, j.RetryCount)
}

// Result holds the output metadata recorded when a job completes.
type Result struct {
	ContentHash string
	SizeBytes   int64
	Output      map[string]string
	ProcessedAt time.Time
	Elapsed     time.Duration
}

// JobStatus for jobs moving through the scheduling lifecycle.
type JobStatus int

const (
	// Created, waiting to be placed on the pending queue
	Pending JobStatus = iota

	// On the pending queue, eligible for admission
	Queued

	// Admitted and running on a worker
	Processing

	// Finished successfully; terminal
	Completed

	// Retries exhausted (or retry disabled); terminal
	Failed

	// Failed but waiting out a backoff delay before re-queueing
	Retrying

	// Suspended by a batch pause, resumable
	Paused

	// Evicted by a batch cancellation; terminal
	Cancelled
)

func (s JobStatus) String() string {
	asString := [8]string{"pending", "queued", "processing", "completed", "failed", "retrying", "paused", "cancelled"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return asString[s]
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// statusEdges is the job state machine. A transition not listed here is a
// scheduler bug and is rejected by ValidTransition.
var statusEdges = map[JobStatus][]JobStatus{
	Pending:    {Queued},
	Queued:     {Processing, Cancelled},
	Processing: {Completed, Failed, Retrying, Paused, Cancelled},
	Retrying:   {Pending, Cancelled},
	Paused:     {Queued, Cancelled},
}

// ValidTransition reports whether from -> to is an edge of the job state
// machine. Terminal states have no outgoing edges.
func ValidTransition(from, to JobStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobError is one entry in a batch's accumulated error list.
type JobError struct {
	JobID    string
	FileName string
	Message  string
	Time     time.Time
}

// BatchProgress is the aggregate view of one batch, recomputed from job state
// on every scheduler tick. Callers only ever see copies.
type BatchProgress struct {
	BatchID        string
	TotalJobs      int
	PendingJobs    int
	ProcessingJobs int
	CompletedJobs  int
	FailedJobs     int

	OverallProgress float64 // 0-100
	EstTimeLeft     time.Duration
	Throughput      float64 // jobs per minute
	MemoryUsage     int64   // bytes held by this batch's processing jobs
	ActiveWorkers   int
	QueueLength     int

	Errors []JobError
}

// Copy returns a deep copy safe to hand to callers.
func (p *BatchProgress) Copy() *BatchProgress {
	c := *p
	c.Errors = make([]JobError, len(p.Errors))
	copy(c.Errors, p.Errors)
	return &c
}
