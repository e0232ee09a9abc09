package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	EventEnqueued       = "job.enqueued"
	EventStarted        = "job.started"
	EventPaused         = "job.paused"
	EventResumed        = "job.resumed"
	EventCancelled      = "job.cancelled"
	EventCompleted      = "job.completed"
	EventFailed         = "job.failed"
	EventRetryScheduled = "job.retry_scheduled"
)

// Event describes one job lifecycle transition.
type Event struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	CampaignID int             `json:"campaign_id"`
	UserID     string          `json:"user_id,omitempty"`
	Status     model.JobStatus `json:"status"`
	At         time.Time       `json:"at"`
}

// Publisher delivers lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Publishers sends every event to each publisher in turn and returns the
// first error after trying them all.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type Handler func(ctx context.Context, ev Event) error

// InMemoryBus fans events out to in-process subscribers with retry
type InMemoryBus struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
	wg         sync.WaitGroup
}

func NewInMemoryBus(log zerolog.Logger) *InMemoryBus {
	return &InMemoryBus{
		handlers:   make(map[string][]Handler),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe adds a handler for an event type
func (b *InMemoryBus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish hands the event to every subscriber of its type. Events nobody
// listens to are dropped.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go b.deliver(context.WithoutCancel(ctx), h, ev)
	}
	return nil
}

// Wait blocks until in-flight deliveries have finished.
func (b *InMemoryBus) Wait() {
	b.wg.Wait()
}

func (b *InMemoryBus) deliver(ctx context.Context, h Handler, ev Event) {
	defer b.wg.Done()

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		err := h(ctx, ev)
		if err == nil {
			return
		}

		log := b.log.Warn().Err(err).Str("event", ev.Type).Str("job_id", ev.JobID).Int("attempt", attempt+1)
		if attempt == b.maxRetries {
			log.Msg("event handler permanently failed")
			return
		}
		log.Msg("event handler failed, retrying")

		// linear backoff between attempts
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * b.backoff):
		}
	}
}
