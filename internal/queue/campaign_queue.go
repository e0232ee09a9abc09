// internal/queue/campaign_queue.go
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/clock"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	CancelledByUser   = "Cancelled by user"
	ProcessingStalled = "Processing stalled: no progress recorded"
)

// CampaignStatusWriter mirrors job status onto the campaign record.
type CampaignStatusWriter interface {
	UpdateCampaignStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error
}

// BackoffFunc returns the delay before retry number retryCount.
type BackoffFunc func(retryCount int) time.Duration

// BatchProgress is what the processor reports after one batch.
type BatchProgress struct {
	BatchSize int
	Delivered int
	Failed    int
}

type Options struct {
	// MaxRetries is copied onto every new job. Zero disables retries.
	MaxRetries int
	Backoff    BackoffFunc
	Clock      clock.Clock
	Publisher  Publisher
	Campaigns  CampaignStatusWriter
	Logger     zerolog.Logger
}

// CampaignQueue owns every job lifecycle transition. Callers never
// change job status through the store directly.
type CampaignQueue struct {
	store      JobStore
	campaigns  CampaignStatusWriter
	publisher  Publisher
	clock      clock.Clock
	maxRetries int
	backoff    BackoffFunc
	log        zerolog.Logger

	hookMu   sync.RWMutex
	onResume func(*model.Job)
}

func NewCampaignQueue(store JobStore, opts Options) *CampaignQueue {
	q := &CampaignQueue{
		store:      store,
		campaigns:  opts.Campaigns,
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		log:        opts.Logger.With().Str("component", "campaign_queue").Logger(),
	}
	if q.clock == nil {
		q.clock = clock.NewRealClock()
	}
	if q.backoff == nil {
		q.backoff = DefaultBackoff
	}
	if q.maxRetries < 0 {
		q.maxRetries = 0
	}
	return q
}

const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffCap  = 5 * time.Minute
)

// DefaultBackoff is the retry delay used when Options.Backoff is nil.
var DefaultBackoff = ExponentialBackoff(DefaultBackoffBase, DefaultBackoffCap)

// ExponentialBackoff returns min(limit, base * 2^retryCount).
func ExponentialBackoff(base, limit time.Duration) BackoffFunc {
	return func(retryCount int) time.Duration {
		d := base
		for i := 0; i < retryCount; i++ {
			d *= 2
			if d >= limit {
				return limit
			}
		}
		return min(d, limit)
	}
}

// OnResume registers fn to run after a job is resumed.
func (q *CampaignQueue) OnResume(fn func(*model.Job)) {
	q.hookMu.Lock()
	q.onResume = fn
	q.hookMu.Unlock()
}

// Enqueue registers a pending job for the campaign.
func (q *CampaignQueue) Enqueue(ctx context.Context, campaign *model.Campaign, recipients []model.Customer) (*model.Job, error) {
	if len(recipients) == 0 {
		return nil, appErrors.Wrapf(appErrors.ErrEmptyRecipients, "enqueue campaign %d", campaign.ID)
	}

	now := q.clock.Now()
	scheduled := now
	if campaign.ScheduledAt != nil {
		scheduled = *campaign.ScheduledAt
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		CampaignID:      campaign.ID,
		UserID:          campaign.UserID,
		Status:          model.JobStatusPending,
		ScheduledAt:     scheduled,
		TotalRecipients: len(recipients),
		MaxRetries:      q.maxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, "enqueue")
	}

	q.log.Info().
		Str("job_id", job.ID).
		Int("campaign_id", job.CampaignID).
		Int("recipients", job.TotalRecipients).
		Time("scheduled_at", job.ScheduledAt).
		Msg("job enqueued")
	q.afterTransition(ctx, "enqueue", EventEnqueued, job)
	return job, nil
}

// Dequeue claims the next due pending job and marks it running.
// It returns (nil, nil) when nothing is due.
func (q *CampaignQueue) Dequeue(ctx context.Context) (*model.Job, error) {
	job, err := q.store.ClaimDue(ctx, q.clock.Now())
	if err != nil {
		return nil, appErrors.Wrap(err, "dequeue")
	}
	if job == nil {
		return nil, nil
	}

	q.log.Info().Str("job_id", job.ID).Int("campaign_id", job.CampaignID).Msg("job dequeued")
	q.afterTransition(ctx, "dequeue", EventStarted, job)
	return job, nil
}

func (q *CampaignQueue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return q.store.Get(ctx, id)
}

// GetJobs lists jobs, optionally for one user and one status.
func (q *CampaignQueue) GetJobs(ctx context.Context, userID string, status *model.JobStatus) ([]*model.Job, error) {
	return q.store.List(ctx, userID, status)
}

func (q *CampaignQueue) PauseJob(ctx context.Context, id string) (*model.Job, error) {
	return q.transition(ctx, id, "pause", EventPaused, func(j *model.Job, _ time.Time) error {
		if j.Status != model.JobStatusRunning {
			return appErrors.NewInvalidTransition(id, "pause", string(j.Status))
		}
		j.Status = model.JobStatusPaused
		return nil
	})
}

// ResumeJob puts a paused job back to running and notifies the resume hook.
func (q *CampaignQueue) ResumeJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := q.transition(ctx, id, "resume", EventResumed, func(j *model.Job, _ time.Time) error {
		if j.Status != model.JobStatusPaused {
			return appErrors.NewInvalidTransition(id, "resume", string(j.Status))
		}
		j.Status = model.JobStatusRunning
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.hookMu.RLock()
	hook := q.onResume
	q.hookMu.RUnlock()
	if hook != nil {
		hook(job.Clone())
	}
	return job, nil
}

func (q *CampaignQueue) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	return q.transition(ctx, id, "cancel", EventCancelled, func(j *model.Job, now time.Time) error {
		switch j.Status {
		case model.JobStatusPending, model.JobStatusRunning, model.JobStatusPaused:
		default:
			return appErrors.NewInvalidTransition(id, "cancel", string(j.Status))
		}
		j.Status = model.JobStatusFailed
		j.ErrorMessage = CancelledByUser
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		return nil
	})
}

// RetryFailedJob reschedules a failed job on request.
func (q *CampaignQueue) RetryFailedJob(ctx context.Context, id string) (*model.Job, error) {
	return q.scheduleRetry(ctx, id, "retry")
}

// ScheduleRetry is the automatic retry path used after a processing failure.
func (q *CampaignQueue) ScheduleRetry(ctx context.Context, id string) (*model.Job, error) {
	return q.scheduleRetry(ctx, id, "auto_retry")
}

func (q *CampaignQueue) scheduleRetry(ctx context.Context, id, op string) (*model.Job, error) {
	job, err := q.transition(ctx, id, op, EventRetryScheduled, func(j *model.Job, now time.Time) error {
		if j.Status != model.JobStatusFailed {
			return appErrors.NewInvalidTransition(id, op, string(j.Status))
		}
		if j.RetryCount >= j.MaxRetries {
			return appErrors.Wrapf(appErrors.ErrRetriesExhausted, "job %s used %d of %d retries", id, j.RetryCount, j.MaxRetries)
		}
		j.RetryCount++
		j.Status = model.JobStatusPending
		j.ScheduledAt = now.Add(q.backoff(j.RetryCount))
		j.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Info().
		Str("job_id", job.ID).
		Int("campaign_id", job.CampaignID).
		Int("retry_count", job.RetryCount).
		Time("scheduled_at", job.ScheduledAt).
		Msg("job retry scheduled")
	return job, nil
}

// RecoverStale fails running jobs that have recorded nothing for staleAfter,
// which is what a job looks like after the process working on it died. Jobs
// with retries left are rescheduled. It returns how many jobs were failed.
func (q *CampaignQueue) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	running := model.JobStatusRunning
	jobs, err := q.store.List(ctx, "", &running)
	if err != nil {
		return 0, appErrors.Wrap(err, "list running jobs")
	}

	cutoff := q.clock.Now().Add(-staleAfter)
	recovered := 0
	for _, candidate := range jobs {
		if !candidate.UpdatedAt.Before(cutoff) {
			continue
		}
		id := candidate.ID
		job, err := q.transition(ctx, id, "recover", EventFailed, func(j *model.Job, _ time.Time) error {
			if j.Status != model.JobStatusRunning || !j.UpdatedAt.Before(cutoff) {
				return appErrors.NewInvalidTransition(id, "recover", string(j.Status))
			}
			j.Status = model.JobStatusFailed
			j.ErrorMessage = ProcessingStalled
			return nil
		})
		if appErrors.IsPrecondition(err) {
			// progressed or stopped since it was listed
			continue
		}
		if err != nil {
			return recovered, err
		}

		recovered++
		q.log.Warn().
			Str("job_id", id).
			Int("campaign_id", job.CampaignID).
			Int("batches_completed", job.BatchesCompleted).
			Msg("stalled job failed")

		if job.CanRetry() {
			if _, err := q.ScheduleRetry(ctx, id); err != nil {
				q.log.Error().Err(err).Str("job_id", id).Msg("failed to reschedule stalled job")
			}
		}
	}
	return recovered, nil
}

// RecordBatch adds one batch's outcomes to the job counters and advances
// the resume cursor. Outcomes of a batch that was in flight when the job
// was paused or cancelled are still recorded.
func (q *CampaignQueue) RecordBatch(ctx context.Context, id string, p BatchProgress) (*model.Job, error) {
	return q.store.Update(ctx, id, func(j *model.Job) error {
		switch j.Status {
		case model.JobStatusRunning, model.JobStatusPaused, model.JobStatusFailed:
		default:
			return appErrors.NewInvalidTransition(id, "record batch", string(j.Status))
		}
		j.BatchesCompleted++
		j.DeliveredCount += p.Delivered
		j.FailedCount += p.Failed

		done := j.Processed(p.BatchSize)
		j.SentCount = max(done-j.FailedCount, 0)
		j.Progress = model.ProgressFor(j.BatchesCompleted, j.TotalBatches(p.BatchSize))
		j.UpdatedAt = q.clock.Now()
		return nil
	})
}

func (q *CampaignQueue) CompleteJob(ctx context.Context, id string) (*model.Job, error) {
	return q.transition(ctx, id, "complete", EventCompleted, func(j *model.Job, now time.Time) error {
		if j.Status != model.JobStatusRunning {
			return appErrors.NewInvalidTransition(id, "complete", string(j.Status))
		}
		j.Status = model.JobStatusCompleted
		j.Progress = 100
		j.SentCount = max(j.TotalRecipients-j.FailedCount, 0)
		j.ErrorMessage = ""
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		return nil
	})
}

// FailJob records a processing failure. Only a running job can fail this way;
// cancel has its own path.
func (q *CampaignQueue) FailJob(ctx context.Context, id string, cause error) (*model.Job, error) {
	return q.transition(ctx, id, "fail", EventFailed, func(j *model.Job, _ time.Time) error {
		if j.Status != model.JobStatusRunning {
			return appErrors.NewInvalidTransition(id, "fail", string(j.Status))
		}
		j.Status = model.JobStatusFailed
		if cause != nil {
			j.ErrorMessage = cause.Error()
		}
		return nil
	})
}

func (q *CampaignQueue) transition(ctx context.Context, id, op, eventType string, fn func(j *model.Job, now time.Time) error) (*model.Job, error) {
	job, err := q.store.Update(ctx, id, func(j *model.Job) error {
		now := q.clock.Now()
		if err := fn(j, now); err != nil {
			return err
		}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.afterTransition(ctx, op, eventType, job)
	return job, nil
}

func (q *CampaignQueue) afterTransition(ctx context.Context, op, eventType string, job *model.Job) {
	metrics.JobTransitions.WithLabelValues(op, string(job.Status)).Inc()

	if q.campaigns != nil {
		status := model.CampaignStatusFor(job.Status)
		if err := q.campaigns.UpdateCampaignStatus(ctx, job.CampaignID, status); err != nil {
			metrics.CampaignWriteBackFailures.Inc()
			q.log.Error().Err(err).
				Str("job_id", job.ID).
				Int("campaign_id", job.CampaignID).
				Str("campaign_status", string(status)).
				Msg("failed to write back campaign status")
		}
	}

	if q.publisher != nil {
		ev := Event{
			Type:       eventType,
			JobID:      job.ID,
			CampaignID: job.CampaignID,
			UserID:     job.UserID,
			Status:     job.Status,
			At:         job.UpdatedAt,
		}
		if err := q.publisher.Publish(ctx, ev); err != nil {
			metrics.EventPublishFailures.Inc()
			q.log.Warn().Err(err).Str("job_id", job.ID).Str("event", eventType).Msg("failed to publish job event")
		}
	}
}
