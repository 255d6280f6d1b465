package monitoring

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// JobSummary is a point-in-time view of a background job.
type JobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	TotalRuns           uint64        `json:"total_runs"`
}

// JobTracker remembers the outcome of maintenance runs for the health probes.
type JobTracker struct {
	jobs sync.Map // string -> *jobStats
	now  func() time.Time
}

func NewJobTracker(now func() time.Time) *JobTracker {
	if now == nil {
		now = time.Now
	}
	return &JobTracker{now: now}
}

// Register makes a job visible before its first run.
func (t *JobTracker) Register(job string) {
	t.entry(job)
}

// Record stores the result ("success" or anything else for failure) of a run.
func (t *JobTracker) Record(job, result, message string, duration time.Duration) {
	t.entry(job).record(t.now(), result, strings.TrimSpace(message), duration)
}

// Jobs returns summaries sorted by job name.
func (t *JobTracker) Jobs() []JobSummary {
	var out []JobSummary
	t.jobs.Range(func(key, value any) bool {
		out = append(out, value.(*jobStats).snapshot(key.(string)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func (t *JobTracker) entry(job string) *jobStats {
	job = strings.TrimSpace(job)
	if job == "" {
		job = "unknown"
	}
	if value, ok := t.jobs.Load(job); ok {
		return value.(*jobStats)
	}
	actual, _ := t.jobs.LoadOrStore(job, &jobStats{})
	return actual.(*jobStats)
}

type jobStats struct {
	lastStatus          atomic.Value // string
	lastError           atomic.Value // string
	lastRun             atomic.Int64 // unix nano
	lastDuration        atomic.Int64
	lastSuccessfulRun   atomic.Int64
	consecutiveFailures atomic.Uint64
	totalRuns           atomic.Uint64
}

func (j *jobStats) record(now time.Time, result, message string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	j.lastStatus.Store(result)
	j.lastError.Store(message)
	j.lastRun.Store(now.UnixNano())
	j.lastDuration.Store(int64(duration))
	j.totalRuns.Add(1)

	if result == "success" {
		j.consecutiveFailures.Store(0)
		j.lastSuccessfulRun.Store(now.UnixNano())
		return
	}
	j.consecutiveFailures.Add(1)
}

func (j *jobStats) snapshot(job string) JobSummary {
	status, _ := j.lastStatus.Load().(string)
	errMsg, _ := j.lastError.Load().(string)

	summary := JobSummary{
		Job:                 job,
		LastStatus:          status,
		LastDuration:        time.Duration(j.lastDuration.Load()),
		LastError:           errMsg,
		ConsecutiveFailures: j.consecutiveFailures.Load(),
		TotalRuns:           j.totalRuns.Load(),
	}
	if ns := j.lastRun.Load(); ns != 0 {
		summary.LastRunAt = time.Unix(0, ns)
	}
	if ns := j.lastSuccessfulRun.Load(); ns != 0 {
		summary.LastSuccessAt = time.Unix(0, ns)
	}
	return summary
}
