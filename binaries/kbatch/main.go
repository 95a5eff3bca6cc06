// Binary kbatch runs the batch ingestion engine over a local directory and
// streams progress to the terminal. It is both a demo and a smoke test of
// the engine wiring; real deployments embed the scheduler as a library.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openkb/kbatch/batch/domain"
	"github.com/openkb/kbatch/batch/event"
	"github.com/openkb/kbatch/batch/execer"
	"github.com/openkb/kbatch/batch/server"
	"github.com/openkb/kbatch/common/log/hooks"
	"github.com/openkb/kbatch/common/stats"
	"github.com/openkb/kbatch/config"
)

func main() {
	var configPath string
	var strategy string
	var batchID string
	var dumpStats bool

	rootCmd := &cobra.Command{
		Use:   "kbatch <dir>",
		Short: "Ingest a directory of documents as one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], configPath, strategy, batchID, dumpStats)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to kbatch.yaml")
	rootCmd.Flags().StringVar(&strategy, "strategy", "", "priority strategy override (size|type|fifo|adaptive)")
	rootCmd.Flags().StringVar(&batchID, "batch-id", "", "batch id (generated when empty)")
	rootCmd.Flags().BoolVar(&dumpStats, "stats", false, "dump engine stats on completion")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(dir, configPath, strategy, batchID string, dumpStats bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	}

	schedConfig := cfg.SchedulerConfiguration()
	if strategy != "" {
		if !domain.ValidStrategy(domain.Strategy(strategy)) {
			return fmt.Errorf("unknown strategy %q", strategy)
		}
		schedConfig.PriorityStrategy = domain.Strategy(strategy)
	}

	analysis, err := domain.AnalyzeDir(dir, schedConfig.PriorityStrategy, schedConfig.Throughput)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dir":       dir,
		"total":     analysis.TotalFiles,
		"supported": analysis.SupportedFiles,
		"estimated": analysis.EstTotalTime,
	}).Info("Analyzed directory")
	if analysis.SupportedFiles == 0 {
		return fmt.Errorf("%s contains no supported files", dir)
	}

	bus := event.NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	stat := stats.DefaultStatsReceiver().Scope("kbatch")
	sched := server.NewBatchScheduler(execer.NewSimExecer(), bus, schedConfig, stat)

	id, err := sched.StartBatchProcessing(analysis, batchID)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"batchID": id}).Info("Batch started")

	for e := range sub.C {
		switch e.Type {
		case event.ProgressUpdated:
			if e.Progress != nil {
				fmt.Printf("\r%s: %.1f%% (%d/%d done, %d failed, %d running)",
					e.BatchID, e.Progress.OverallProgress, e.Progress.CompletedJobs,
					e.Progress.TotalJobs, e.Progress.FailedJobs, e.Progress.ProcessingJobs)
			}
		case event.JobFailed:
			log.WithFields(log.Fields{"jobID": e.JobID, "err": e.Err}).Warn("Job failed")
		case event.ProcessingCompleted:
			fmt.Println()
			if p, ok := sched.GetBatchProgress(id); ok {
				fmt.Printf("completed=%d failed=%d errors=%d\n",
					p.CompletedJobs, p.FailedJobs, len(p.Errors))
			}
			if dumpStats {
				fmt.Println(string(stat.Render()))
			}
			return nil
		}
	}
	return nil
}
