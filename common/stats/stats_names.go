package stats

/*
This file defines all the metrics being collected.  As new metrics are added
please follow this pattern.
*/

const (
	/************************* Scheduler metrics ****************************/

	/*
		latency of one scheduler loop iteration
	*/
	SchedStepLatency_ms = "stepLatency_ms"

	/*
		number of jobs waiting on the pending queue
	*/
	SchedQueueLengthGauge = "queueLengthGauge"

	/*
		number of jobs currently processing
	*/
	SchedActiveJobsGauge = "activeJobsGauge"

	/*
		aggregate memory reserved by processing jobs, in bytes
	*/
	SchedActiveMemoryGauge = "activeMemoryGauge"

	/*
		current dynamic concurrency limit
	*/
	SchedConcurrencyLimitGauge = "concurrencyLimitGauge"

	/*
		number of idle worker slots
	*/
	SchedIdleWorkersGauge = "idleWorkersGauge"

	/*
		number of batches being tracked
	*/
	SchedBatchesGauge = "batchesGauge"

	/*
		jobs started (admitted to a worker)
	*/
	SchedJobsStartedCounter = "jobsStartedCounter"

	/*
		jobs completed successfully
	*/
	SchedJobsCompletedCounter = "jobsCompletedCounter"

	/*
		jobs that exhausted retries (or had retry disabled) and failed
	*/
	SchedJobsFailedCounter = "jobsFailedCounter"

	/*
		jobs re-enqueued for retry after a transient failure
	*/
	SchedJobRetriesCounter = "jobRetriesCounter"

	/*
		jobs evicted by a batch cancellation
	*/
	SchedJobsCancelledCounter = "jobsCancelledCounter"

	/*
		admissions denied because the memory budget was exhausted
	*/
	SchedAdmissionDeniedMemCounter = "admissionDeniedMemCounter"

	/*
		admissions denied because no worker slot was idle
	*/
	SchedAdmissionDeniedWorkerCounter = "admissionDeniedWorkerCounter"

	/*
		dynamic concurrency limit increments
	*/
	SchedConcurrencyUpCounter = "concurrencyUpCounter"

	/*
		dynamic concurrency limit decrements
	*/
	SchedConcurrencyDownCounter = "concurrencyDownCounter"

	/************************* Resource monitor metrics *********************/

	/*
		last sampled process resident memory, in bytes
	*/
	ResourceMemGauge = "resourceMemGauge"

	/*
		last sampled process cpu percent
	*/
	ResourceCPUGauge = "resourceCpuGauge"

	/*
		memory trend: -1 decreasing, 0 stable, 1 increasing
	*/
	ResourceTrendGauge = "resourceTrendGauge"
)
