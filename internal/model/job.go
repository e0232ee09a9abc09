// internal/model/job.go
package model

import (
	"database/sql/driver"
	"fmt"
	"math"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

func (s JobStatus) String() string {
	return string(s)
}

// Valid checks if the status is one of the known job statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusPaused:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further processing happens without an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Scan implements the sql.Scanner interface for JobStatus
func (s *JobStatus) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = ""
	case string:
		*s = JobStatus(v)
	case []byte:
		*s = JobStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into JobStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for JobStatus
func (s JobStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid JobStatus: %s", s)
	}
	return string(s), nil
}

// ParseJobStatus turns a query string value into a JobStatus.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPaused},
	JobStatusPaused:  {JobStatusRunning, JobStatusFailed},
	JobStatusFailed:  {JobStatusPending},
}

// Job is the dispatch record for one campaign send.
type Job struct {
	ID               string     `db:"id" json:"id"`
	CampaignID       int        `db:"campaign_id" json:"campaign_id"`
	UserID           string     `db:"user_id" json:"user_id"`
	Status           JobStatus  `db:"status" json:"status"`
	ScheduledAt      time.Time  `db:"scheduled_at" json:"scheduled_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	TotalRecipients  int        `db:"total_recipients" json:"total_recipients"`
	SentCount        int        `db:"sent_count" json:"sent_count"`
	DeliveredCount   int        `db:"delivered_count" json:"delivered_count"`
	FailedCount      int        `db:"failed_count" json:"failed_count"`
	Progress         int        `db:"progress" json:"progress"`
	BatchesCompleted int        `db:"batches_completed" json:"batches_completed"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	MaxRetries       int        `db:"max_retries" json:"max_retries"`
	ErrorMessage     string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// CanTransitionTo checks if the job can move to next.
func (j *Job) CanTransitionTo(next JobStatus) bool {
	for _, s := range jobTransitions[j.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// CanRetry reports whether a failed job has retries left.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// Processed is the number of recipients covered by completed batches.
func (j *Job) Processed(batchSize int) int {
	done := j.BatchesCompleted * batchSize
	if done > j.TotalRecipients {
		done = j.TotalRecipients
	}
	return done
}

// TotalBatches is the number of batches needed to cover every recipient.
func (j *Job) TotalBatches(batchSize int) int {
	if batchSize <= 0 || j.TotalRecipients <= 0 {
		return 0
	}
	return (j.TotalRecipients + batchSize - 1) / batchSize
}

// ProgressFor returns round(100*batchesDone/totalBatches). A running job
// never reports 100; that value is reserved for completion.
func ProgressFor(batchesDone, totalBatches int) int {
	done, total := batchesDone, totalBatches
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(done) / float64(total)))
	if p >= 100 {
		return 99
	}
	if p < 0 {
		return 0
	}
	return p
}

// Clone returns a copy that shares no pointers with j.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
