package execer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/openkb/kbatch/batch/domain"
)

const defaultSimSteps = 10

// NewSimExecer returns an Execer that simulates ingestion work: it advances
// progress in fixed increments, sleeping estimated-duration/steps between
// them, and checks for cooperative interruption at every step. Real content
// extraction replaces this at the same interface.
func NewSimExecer() *SimExecer {
	return &SimExecer{steps: defaultSimSteps}
}

type SimExecer struct {
	steps int
}

func (e *SimExecer) Exec(ctx context.Context, job domain.Job, progress ProgressFunc) (*domain.Result, error) {
	start := time.Now()
	interval := job.EstDuration / time.Duration(e.steps)
	if interval <= 0 {
		interval = time.Millisecond
	}

	for i := 0; i <= e.steps; i++ {
		progress(i * 100 / e.steps)
		if i == e.steps {
			break
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(interval):
		}
	}

	// No real content to hash, so derive a stable pseudo-hash from identity.
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", job.FilePath, job.FileSize)))
	return &domain.Result{
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   job.FileSize,
		Output: map[string]string{
			"source": job.FilePath,
			"type":   job.FileType,
		},
		ProcessedAt: time.Now(),
		Elapsed:     time.Since(start),
	}, nil
}

// NewDoneExecer returns an Execer that completes immediately, for tests that
// only care about scheduling decisions.
func NewDoneExecer() *DoneExecer {
	return &DoneExecer{}
}

type DoneExecer struct{}

func (e *DoneExecer) Exec(ctx context.Context, job domain.Job, progress ProgressFunc) (*domain.Result, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	progress(100)
	return &domain.Result{
		ContentHash: "done",
		SizeBytes:   job.FileSize,
		ProcessedAt: time.Now(),
	}, nil
}
