package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// MockKicker records what the event handler asked the worker to do
type MockKicker struct {
	mu      sync.Mutex
	polls   int
	spawned []string
}

func (m *MockKicker) PollNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
}

func (m *MockKicker) Spawn(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned = append(m.spawned, jobID)
}

func TestKickHandler(t *testing.T) {
	k := &MockKicker{}
	h := kickHandler(k)
	ctx := context.Background()

	events := []queue.Event{
		{Type: queue.EventEnqueued, JobID: "a"},
		{Type: queue.EventRetryScheduled, JobID: "b"},
		{Type: queue.EventResumed, JobID: "c"},
		{Type: queue.EventCompleted, JobID: "d"},
		{Type: queue.EventPaused, JobID: "e"},
	}
	for _, ev := range events {
		require.NoError(t, h(ctx, ev))
	}

	assert.Equal(t, 2, k.polls)
	assert.Equal(t, []string{"c"}, k.spawned)
}
