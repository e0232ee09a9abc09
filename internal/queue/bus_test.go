package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_DeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryBus(zerolog.Nop())

	var enqueued, other atomic.Int32
	bus.Subscribe(EventEnqueued, func(_ context.Context, ev Event) error {
		assert.Equal(t, "job-1", ev.JobID)
		enqueued.Add(1)
		return nil
	})
	bus.Subscribe(EventCompleted, func(context.Context, Event) error {
		other.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventEnqueued, JobID: "job-1"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventPaused, JobID: "job-1"}))
	bus.Wait()

	assert.Equal(t, int32(1), enqueued.Load())
	assert.Equal(t, int32(0), other.Load())
}

func TestInMemoryBus_RetriesFailingHandler(t *testing.T) {
	bus := NewInMemoryBus(zerolog.Nop())
	bus.backoff = time.Millisecond

	var calls atomic.Int32
	bus.Subscribe(EventEnqueued, func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventEnqueued, JobID: "job-1"}))
	bus.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestInMemoryBus_GivesUpAfterMaxRetries(t *testing.T) {
	bus := NewInMemoryBus(zerolog.Nop())
	bus.backoff = time.Millisecond

	var calls atomic.Int32
	bus.Subscribe(EventEnqueued, func(context.Context, Event) error {
		calls.Add(1)
		return errors.New("always")
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventEnqueued, JobID: "job-1"}))
	bus.Wait()
	assert.Equal(t, int32(bus.maxRetries+1), calls.Load())
}

// --- AMQP delivery handling ---

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acked++; return nil }
func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}
func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

type stubPublisher struct {
	got []Event
	err error
}

func (p *stubPublisher) Publish(_ context.Context, ev Event) error {
	p.got = append(p.got, ev)
	return p.err
}

func TestPublishers_TriesAll(t *testing.T) {
	failing := &stubPublisher{err: errors.New("broker down")}
	ok := &stubPublisher{}

	err := Publishers{failing, ok}.Publish(context.Background(), Event{Type: EventFailed, JobID: "job-1"})
	require.Error(t, err)
	assert.Len(t, failing.got, 1)
	assert.Len(t, ok.got, 1)

	assert.NoError(t, Publishers{ok}.Publish(context.Background(), Event{Type: EventCompleted}))
	assert.NoError(t, Publishers(nil).Publish(context.Background(), Event{}))
}

func TestEncodeDecodeEvent(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	pub, err := encodeEvent(Event{Type: EventRetryScheduled, JobID: "job-9", CampaignID: 4, Status: "pending", At: at})
	require.NoError(t, err)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, EventRetryScheduled, pub.Type)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)

	ev, err := decodeEvent(pub.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, ev.CampaignID)
	assert.True(t, at.Equal(ev.At))

	_, err = decodeEvent([]byte(`{"type":""}`))
	assert.Error(t, err)
}

func TestHandleDelivery(t *testing.T) {
	good, err := encodeEvent(Event{Type: EventEnqueued, JobID: "job-1"})
	require.NoError(t, err)

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		wantAck     int
		wantNack    int
		wantRequeue bool
	}{
		{name: "handled", body: good.Body, wantAck: 1},
		{name: "malformed is dropped", body: []byte("{"), wantAck: 1},
		{name: "handler error requeues once", body: good.Body, handlerErr: errors.New("x"), wantNack: 1, wantRequeue: true},
		{name: "redelivered failure is dropped", body: good.Body, redelivered: true, handlerErr: errors.New("x"), wantNack: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			d := amqp.Delivery{Acknowledger: ack, Body: tt.body, Redelivered: tt.redelivered}

			handleDelivery(context.Background(), d, func(context.Context, Event) error { return tt.handlerErr }, zerolog.Nop())

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, tt.wantNack, ack.nacked)
			assert.Equal(t, tt.wantRequeue, ack.requeue)
		})
	}
}
