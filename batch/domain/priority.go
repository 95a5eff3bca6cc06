package domain

import (
	"fmt"
	"sort"
	"time"
)

// JobFactoryConfig carries the knobs CreateJobsFromAnalysis needs from the
// scheduler configuration.
type JobFactoryConfig struct {
	// Strategy overrides the analysis strategy when non-empty.
	Strategy Strategy

	// MaxMemory caps a single job's memory requirement at MaxMemory/10.
	MaxMemory int64

	// Throughput (bytes/sec) used to estimate per-job processing duration.
	Throughput int64
}

const (
	// Cap for the size-based score. Files at or under a megabyte score
	// maxSizeScore; each further megabyte shaves a point off, floored.
	maxSizeScore = 100
	minSizeScore = 5
)

// sizeScore favors smaller files: they finish fast and free memory quickly.
func sizeScore(size int64) float64 {
	score := maxSizeScore - float64(size)/(1<<20)
	if score < minSizeScore {
		return minSizeScore
	}
	return score
}

// ComputePriority scores one file under the given strategy.
// Higher is more urgent.
func ComputePriority(strategy Strategy, name string, size int64) float64 {
	switch strategy {
	case StrategySize:
		return sizeScore(size)
	case StrategyType:
		return TypeWeight(fileExt(name))
	case StrategyFifo:
		return DefaultTypeWeight
	default: // adaptive
		return 0.6*sizeScore(size) + 0.4*TypeWeight(fileExt(name))
	}
}

// CreateJobsFromAnalysis walks the analyzed file tree and produces one Job
// per supported file, priced and prioritized per the configured strategy.
// The returned slice is sorted by descending priority; ties keep tree walk
// order so fifo degenerates to insertion order.
func CreateJobsFromAnalysis(analysis *FolderAnalysis, batchID string, cfg JobFactoryConfig) []*Job {
	strategy := analysis.Strategy
	if cfg.Strategy != "" {
		strategy = cfg.Strategy
	}
	if !ValidStrategy(strategy) {
		strategy = StrategyAdaptive
	}

	memCap := cfg.MaxMemory / 10
	now := time.Now()

	var jobs []*Job
	for i, f := range analysis.Files() {
		mem := 2 * f.Size
		if mem > memCap {
			mem = memCap
		}
		var est time.Duration
		if cfg.Throughput > 0 {
			est = time.Duration(float64(f.Size) / float64(cfg.Throughput) * float64(time.Second))
		}
		jobs = append(jobs, &Job{
			ID:           fmt.Sprintf("%s-%04d", batchID, i),
			BatchID:      batchID,
			FileName:     f.Name,
			FilePath:     f.Path,
			FileSize:     f.Size,
			FileType:     fileExt(f.Name),
			Priority:     ComputePriority(strategy, f.Name, f.Size),
			MemoryNeeded: mem,
			EstDuration:  est,
			Status:       Pending,
			CreatedAt:    now,
		})
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Priority > jobs[j].Priority
	})
	return jobs
}
