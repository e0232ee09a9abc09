// internal/service/processor.go
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/clock"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/gateway"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// DispatchStore is the part of the campaign store the processor needs.
type DispatchStore interface {
	GetCampaign(ctx context.Context, id int) (*model.Campaign, error)
	GetCampaignRecipients(ctx context.Context, campaignID int) ([]model.Customer, error)
	UpsertDeliveryRecord(ctx context.Context, msg *model.OutboundMessage) error
	UpdateCampaignCounts(ctx context.Context, campaignID, sent, delivered, failed int) error
}

// JobQueue is the processor's view of the campaign queue. It may record
// progress and finish a job, nothing else.
type JobQueue interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	RecordBatch(ctx context.Context, id string, p queue.BatchProgress) (*model.Job, error)
	CompleteJob(ctx context.Context, id string) (*model.Job, error)
	FailJob(ctx context.Context, id string, cause error) (*model.Job, error)
	ScheduleRetry(ctx context.Context, id string) (*model.Job, error)
}

type ProcessorConfig struct {
	BatchSize   int
	BatchDelay  time.Duration
	Sender      string
	CountryCode string
	Retry       RetryPolicy
}

func ProcessorConfigFrom(cfg config.DispatchConfig) ProcessorConfig {
	return ProcessorConfig{
		BatchSize:   cfg.BatchSize,
		BatchDelay:  cfg.BatchDelay,
		Sender:      cfg.DefaultSender,
		CountryCode: cfg.CountryCode,
		Retry:       RetryPolicyFrom(cfg),
	}
}

// Processor drives one running job through its batches.
type Processor struct {
	queue   JobQueue
	store   DispatchStore
	gateway gateway.Client
	cfg     ProcessorConfig
	clock   clock.Clock
	log     zerolog.Logger
}

func NewProcessor(q JobQueue, store DispatchStore, gw gateway.Client, cfg ProcessorConfig, clk clock.Clock, log zerolog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Processor{
		queue:   q,
		store:   store,
		gateway: gw,
		cfg:     cfg,
		clock:   clk,
		log:     log.With().Str("component", "processor").Logger(),
	}
}

// Process sends the remaining batches of job jobID. A job that is not
// running is left alone. The returned error is the cause of a job failure;
// stops caused by pause or cancel return nil.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.queue.GetJob(ctx, jobID)
	if err != nil {
		return appErrors.Wrap(err, "load job")
	}
	log := p.log.With().Str("job_id", job.ID).Int("campaign_id", job.CampaignID).Logger()
	if job.Status != model.JobStatusRunning {
		log.Debug().Str("status", string(job.Status)).Msg("job not running, skipping")
		return nil
	}

	runErr := p.run(ctx, job, log)
	if runErr == nil {
		return nil
	}
	return p.handleFailure(ctx, job, runErr, log)
}

func (p *Processor) run(ctx context.Context, job *model.Job, log zerolog.Logger) error {
	campaign, err := p.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return appErrors.Fatal(err)
		}
		return appErrors.Wrap(err, "load campaign")
	}
	recipients, err := p.store.GetCampaignRecipients(ctx, job.CampaignID)
	if err != nil {
		return appErrors.Wrap(err, "load recipients")
	}
	if len(recipients) == 0 {
		return appErrors.Fatal(appErrors.Wrapf(appErrors.ErrEmptyRecipients, "campaign %d", campaign.ID))
	}

	batches := Chunk(recipients, p.cfg.BatchSize)
	if job.BatchesCompleted > 0 {
		log.Info().Int("batches_completed", job.BatchesCompleted).Int("batches", len(batches)).Msg("continuing job")
	}

	for i := job.BatchesCompleted; i < len(batches); i++ {
		current, err := p.queue.GetJob(ctx, job.ID)
		if err != nil {
			return appErrors.Wrap(err, "reload job")
		}
		if current.Status != model.JobStatusRunning {
			return appErrors.Wrapf(appErrors.ErrStoppedDuringProcessing, "job is %s before batch %d", current.Status, i+1)
		}

		delivered, failed, err := p.sendBatch(ctx, campaign, batches[i])
		if err != nil {
			return appErrors.Wrapf(err, "batch %d of %d", i+1, len(batches))
		}

		// the gateway call went out; its outcomes are recorded even if ctx is done
		updated, err := p.queue.RecordBatch(context.WithoutCancel(ctx), job.ID, queue.BatchProgress{
			BatchSize: p.cfg.BatchSize,
			Delivered: delivered,
			Failed:    failed,
		})
		if err != nil {
			return appErrors.Wrap(err, "record batch")
		}
		p.writeCounts(context.WithoutCancel(ctx), updated, log)

		log.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("delivered", delivered).
			Int("failed", failed).
			Int("progress", updated.Progress).
			Msg("batch sent")

		if i < len(batches)-1 {
			if err := sleepCtx(ctx, p.cfg.BatchDelay); err != nil {
				return err
			}
		}
	}

	if _, err := p.queue.CompleteJob(ctx, job.ID); err != nil {
		if appErrors.IsPrecondition(err) {
			return appErrors.Wrap(appErrors.ErrStoppedDuringProcessing, err.Error())
		}
		return appErrors.Wrap(err, "complete job")
	}
	log.Info().Msg("job completed")
	return nil
}

// sendBatch makes one gateway call for the batch and upserts one delivery
// record per recipient.
func (p *Processor) sendBatch(ctx context.Context, campaign *model.Campaign, batch []model.Customer) (delivered, failed int, err error) {
	msgs := make([]gateway.Message, len(batch))
	for i, c := range batch {
		msgs[i] = gateway.Message{
			ID:   uuid.NewString(),
			To:   NormalizePhone(c.Phone, p.cfg.CountryCode),
			From: p.cfg.Sender,
			Body: Personalize(campaign.BaseTemplate, c),
		}
	}

	start := time.Now()
	results, err := p.gateway.SendBatch(ctx, msgs)
	metrics.BatchSendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, 0, appErrors.Wrap(err, "gateway send")
	}

	writeCtx := context.WithoutCancel(ctx)
	for i, r := range gateway.MatchResults(msgs, results) {
		rec := p.deliveryRecord(campaign.ID, batch[i].ID, msgs[i], r)
		if rec.Succeeded() {
			delivered++
		} else {
			failed++
		}
		metrics.GatewayOutcomes.WithLabelValues(rec.Status).Inc()

		if err := p.store.UpsertDeliveryRecord(writeCtx, rec); err != nil {
			return 0, 0, appErrors.Wrapf(err, "upsert delivery record for customer %d", batch[i].ID)
		}
	}
	return delivered, failed, nil
}

func (p *Processor) deliveryRecord(campaignID, customerID int, msg gateway.Message, r gateway.Result) *model.OutboundMessage {
	rec := &model.OutboundMessage{
		CampaignID:       campaignID,
		CustomerID:       customerID,
		Phone:            msg.To,
		RenderedContent:  msg.Body,
		GatewayMessageID: r.MessageID(),
	}

	now := p.clock.Now()
	switch v := r.(type) {
	case gateway.Sent:
		rec.Status = model.MessageStatusSent
		rec.SentAt = timeOr(v.SentAt, now)
	case gateway.Delivered:
		rec.Status = model.MessageStatusDelivered
		rec.SentAt = timeOr(v.SentAt, now)
		rec.DeliveredAt = timeOr(v.DeliveredAt, now)
	case gateway.Failed:
		rec.Status = model.MessageStatusFailed
		rec.ErrorCode = v.ErrorCode
		rec.LastError = v.ErrorMessage
	}
	return rec
}

func (p *Processor) writeCounts(ctx context.Context, job *model.Job, log zerolog.Logger) {
	if err := p.store.UpdateCampaignCounts(ctx, job.CampaignID, job.SentCount, job.DeliveredCount, job.FailedCount); err != nil {
		metrics.CampaignWriteBackFailures.Inc()
		log.Error().Err(err).Msg("failed to write back campaign counts")
	}
}

func (p *Processor) handleFailure(ctx context.Context, job *model.Job, cause error, log zerolog.Logger) error {
	if appErrors.IsStopped(cause) {
		// a paused job stays paused for ResumeJob; a cancelled one is already failed
		log.Info().Err(cause).Msg("job stopped during processing")
		return nil
	}

	// bookkeeping must survive worker shutdown
	bg := context.WithoutCancel(ctx)
	failedJob, err := p.queue.FailJob(bg, job.ID, cause)
	if err != nil {
		if appErrors.IsPrecondition(err) {
			log.Info().Err(cause).Msg("job stopped by user while failing")
			return nil
		}
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to mark job failed")
		return appErrors.Wrap(err, "fail job")
	}
	log.Error().Err(cause).Bool("fatal", appErrors.IsFatalData(cause)).Msg("job failed")

	if p.cfg.Retry.ShouldAutoRetry(failedJob, cause) {
		retried, err := p.queue.ScheduleRetry(bg, job.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to schedule retry")
		} else {
			log.Info().Int("retry_count", retried.RetryCount).Time("scheduled_at", retried.ScheduledAt).Msg("retry scheduled")
		}
	}
	return cause
}

func timeOr(t, fallback time.Time) *time.Time {
	if t.IsZero() {
		t = fallback
	}
	return &t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
