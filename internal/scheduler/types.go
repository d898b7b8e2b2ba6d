// Package scheduler runs named jobs on fixed intervals. Each job's last
// run time is persisted so a restart resumes the cadence instead of
// firing everything at once or skipping a run that came due while the
// process was down.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunFunc is the body of a job.
type RunFunc func(ctx context.Context) error

// Job is a recurring unit of work.
type Job struct {
	Name  string
	Every time.Duration
	// Timeout bounds a single run. Zero uses DefaultJobTimeout.
	Timeout time.Duration
	Run     RunFunc
}

// DefaultJobTimeout bounds a job run when Job.Timeout is unset.
const DefaultJobTimeout = 5 * time.Minute

// historySize is the number of executions kept per job.
const historySize = 20

// Execution records a single run of a job.
type Execution struct {
	ID          string          `json:"id"` // UUIDv7
	Job         string          `json:"job"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Error text on failure
}

// ExecutionStatus indicates how an execution ended.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// NextRun returns when a job last run at last should run again. A job
// that has never run is due immediately.
func (j Job) NextRun(last, now time.Time) time.Time {
	if last.IsZero() {
		return now
	}
	next := last.Add(j.Every)
	if next.Before(now) {
		return now
	}
	return next
}

// NewID returns a time-ordered execution id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}
