package service

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/lock"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const DefaultPollInterval = 30 * time.Second

// JobDequeuer hands the worker the next due job, or nil.
type JobDequeuer interface {
	Dequeue(ctx context.Context) (*model.Job, error)
}

// StaleJobRecoverer fails and reschedules jobs left running by a dead process.
type StaleJobRecoverer interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// JobProcessor runs one job to a natural stop.
type JobProcessor interface {
	Process(ctx context.Context, jobID string) error
}

// Worker polls the queue on a ticker and starts a processor goroutine for
// every job it dequeues. Processors never block the tick loop.
type Worker struct {
	Queue     JobDequeuer
	Processor JobProcessor

	locker  lock.TickLocker
	lockKey string
	lockTTL time.Duration

	recoverer  StaleJobRecoverer
	staleAfter time.Duration

	jobLocker     lock.LeaseLocker
	jobLockPrefix string
	jobLockTTL    time.Duration

	log zerolog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	ctx      context.Context
	loopDone chan struct{}
	poke     chan struct{}
	inFlight map[string]bool // job id -> rerun requested
	wg       sync.WaitGroup
}

func NewWorker(q JobDequeuer, p JobProcessor, log zerolog.Logger) *Worker {
	return &Worker{
		Queue:     q,
		Processor: p,
		log:       log.With().Str("component", "worker").Logger(),
		inFlight:  make(map[string]bool),
	}
}

// WithTickLock makes each tick dequeue only while holding key in the locker.
func (w *Worker) WithTickLock(l lock.TickLocker, key string, ttl time.Duration) *Worker {
	w.locker = l
	w.lockKey = key
	w.lockTTL = ttl
	return w
}

// WithStaleRecovery makes every tick first recover jobs that have been
// running without progress for staleAfter.
func (w *Worker) WithStaleRecovery(r StaleJobRecoverer, staleAfter time.Duration) *Worker {
	w.recoverer = r
	w.staleAfter = staleAfter
	return w
}

// WithJobLock makes the worker hold prefix+jobID in l while it processes a
// job, so processes sharing l never run the same job at the same time. A
// worker that finds the job locked waits for the holder to let go.
func (w *Worker) WithJobLock(l lock.LeaseLocker, prefix string, ttl time.Duration) *Worker {
	w.jobLocker = l
	w.jobLockPrefix = prefix
	w.jobLockTTL = ttl
	return w
}

// Start begins polling every interval. Calling it on a running worker is a no-op.
func (w *Worker) Start(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.log.Warn().Msg("worker already running")
		return
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.loopDone = make(chan struct{})
	w.poke = make(chan struct{}, 1)
	w.running = true

	go w.loop(w.ctx, interval, w.poke, w.loopDone)
	w.log.Info().Dur("interval", interval).Msg("worker started")
}

// Stop ends polling and waits for running processors. Calling it on a
// stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	done := w.loopDone
	w.mu.Unlock()

	<-done
	w.wg.Wait()
	w.log.Info().Msg("worker stopped")
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// InFlight returns the number of jobs being processed.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// PollNow asks the loop for an extra tick without waiting for it.
func (w *Worker) PollNow() {
	w.mu.Lock()
	poke := w.poke
	running := w.running
	w.mu.Unlock()
	if !running {
		return
	}
	select {
	case poke <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context, interval time.Duration, poke <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-poke:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if w.locker != nil {
		token, err := w.locker.TryLock(ctx, w.lockKey, w.lockTTL)
		if err != nil {
			metrics.WorkerTicks.WithLabelValues("lock_error").Inc()
			w.log.Error().Err(err).Msg("tick lock failed")
			return
		}
		if token == "" {
			metrics.WorkerTicks.WithLabelValues("lock_busy").Inc()
			return
		}
		defer func() {
			if err := w.locker.Unlock(context.WithoutCancel(ctx), w.lockKey, token); err != nil {
				w.log.Warn().Err(err).Msg("tick unlock failed")
			}
		}()
	}

	if w.recoverer != nil {
		n, err := w.recoverer.RecoverStale(ctx, w.staleAfter)
		if err != nil {
			w.log.Error().Err(err).Msg("stale job recovery failed")
		} else if n > 0 {
			w.log.Warn().Int("jobs", n).Msg("recovered stalled jobs")
		}
	}

	job, err := w.Queue.Dequeue(ctx)
	if err != nil {
		metrics.WorkerTicks.WithLabelValues("error").Inc()
		w.log.Error().Err(err).Msg("dequeue failed")
		return
	}
	if job == nil {
		metrics.WorkerTicks.WithLabelValues("idle").Inc()
		return
	}

	metrics.WorkerTicks.WithLabelValues("dequeued").Inc()
	w.log.Info().Str("job_id", job.ID).Int("campaign_id", job.CampaignID).Msg("job dequeued")
	w.Spawn(job.ID)
}

// Spawn processes jobID in the background. If the job is already being
// processed the running processor goes round once more when it returns.
func (w *Worker) Spawn(jobID string) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.log.Warn().Str("job_id", jobID).Msg("worker not running, job left for next start")
		return
	}
	if _, ok := w.inFlight[jobID]; ok {
		w.inFlight[jobID] = true
		w.mu.Unlock()
		return
	}
	w.inFlight[jobID] = false
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	metrics.ProcessorsInFlight.Inc()
	go func() {
		defer w.wg.Done()
		defer metrics.ProcessorsInFlight.Dec()

		for {
			w.processExclusive(ctx, jobID)

			w.mu.Lock()
			rerun := w.inFlight[jobID] && ctx.Err() == nil
			if !rerun {
				delete(w.inFlight, jobID)
				w.mu.Unlock()
				return
			}
			w.inFlight[jobID] = false
			w.mu.Unlock()
		}
	}()
}

// processExclusive runs the processor while holding the job lock, renewing
// it until the processor returns. Losing the lock cancels processing.
func (w *Worker) processExclusive(ctx context.Context, jobID string) {
	if w.jobLocker == nil {
		w.runProcessor(ctx, jobID)
		return
	}
	log := w.log.With().Str("job_id", jobID).Logger()
	key := w.jobLockPrefix + jobID

	token, err := w.acquireJobLock(ctx, key)
	if err != nil {
		metrics.JobLocks.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("job lock failed, job left for another spawn")
		return
	}
	if token == "" {
		return
	}
	metrics.JobLocks.WithLabelValues("acquired").Inc()
	defer func() {
		if err := w.jobLocker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn().Err(err).Msg("job unlock failed")
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewJobLock(jobCtx, cancel, key, token, log)
	}()

	w.runProcessor(jobCtx, jobID)
	cancel()
	<-renewDone
}

// acquireJobLock retries until the lock is free or ctx ends. An empty token
// with a nil error means ctx ended first.
func (w *Worker) acquireJobLock(ctx context.Context, key string) (string, error) {
	retry := w.jobLockInterval()
	busy := false
	for {
		token, err := w.jobLocker.TryLock(ctx, key, w.jobLockTTL)
		if err != nil || token != "" {
			return token, err
		}
		if !busy {
			busy = true
			metrics.JobLocks.WithLabelValues("busy").Inc()
			w.log.Info().Str("lock", key).Msg("job held by another processor, waiting")
		}
		select {
		case <-ctx.Done():
			return "", nil
		case <-time.After(retry):
		}
	}
}

func (w *Worker) renewJobLock(ctx context.Context, cancel context.CancelFunc, key, token string, log zerolog.Logger) {
	ticker := time.NewTicker(w.jobLockInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.jobLocker.Extend(ctx, key, token, w.jobLockTTL)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("job lock renewal failed")
				}
				continue
			}
			if !ok {
				metrics.JobLocks.WithLabelValues("lost").Inc()
				log.Error().Msg("job lock lost, stopping processor")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) jobLockInterval() time.Duration {
	return max(w.jobLockTTL/4, 10*time.Millisecond)
}

func (w *Worker) runProcessor(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ProcessorFailures.WithLabelValues("panic").Inc()
			w.log.Error().
				Str("job_id", jobID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("processor panicked")
		}
	}()

	if err := w.Processor.Process(ctx, jobID); err != nil {
		metrics.ProcessorFailures.WithLabelValues("error").Inc()
		w.log.Error().Err(err).Str("job_id", jobID).Msg("job processing failed")
	}
}
