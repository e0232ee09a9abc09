package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/clock"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

type stubDequeuer struct {
	mu    sync.Mutex
	jobs  []*model.Job
	calls int
	err   error
}

func (d *stubDequeuer) push(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.jobs = append(d.jobs, &model.Job{ID: id, Status: model.JobStatusRunning})
	}
}

func (d *stubDequeuer) Dequeue(context.Context) (*model.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.jobs) == 0 {
		return nil, nil
	}
	j := d.jobs[0]
	d.jobs = d.jobs[1:]
	return j, nil
}

func (d *stubDequeuer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubProcessor struct {
	mu    sync.Mutex
	runs  map[string]int
	block chan struct{}
	fn    func(jobID string) error
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{runs: make(map[string]int)}
}

func (p *stubProcessor) Process(ctx context.Context, jobID string) error {
	p.mu.Lock()
	p.runs[jobID]++
	block := p.block
	fn := p.fn
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if fn != nil {
		return fn(jobID)
	}
	return nil
}

func (p *stubProcessor) runCount(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[jobID]
}

type stubLocker struct {
	busy   bool
	err    error
	locks  atomic.Int32
	unlock atomic.Int32
}

func (l *stubLocker) TryLock(context.Context, string, time.Duration) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	if l.busy {
		return "", nil
	}
	l.locks.Add(1)
	return "token", nil
}

func (l *stubLocker) Unlock(context.Context, string, string) error {
	l.unlock.Add(1)
	return nil
}

// memLocker is an in-process lease locker shared by several workers.
type memLocker struct {
	mu    sync.Mutex
	held  map[string]string
	seq   int
	extends int
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", nil
	}
	l.seq++
	token := fmt.Sprintf("token-%d", l.seq)
	l.held[key] = token
	return token, nil
}

func (l *memLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func (l *memLocker) Extend(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return l.held[key] == token, nil
}

// steal hands key to another owner, as if the lease had expired.
func (l *memLocker) steal(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = "other-owner"
}

func (l *memLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func (l *memLocker) extensions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends
}

type stubRecoverer struct {
	calls      atomic.Int32
	staleAfter atomic.Int64
}

func (r *stubRecoverer) RecoverStale(_ context.Context, staleAfter time.Duration) (int, error) {
	r.calls.Add(1)
	r.staleAfter.Store(int64(staleAfter))
	return 0, nil
}

func TestWorker_StartStopAreIdempotent(t *testing.T) {
	w := service.NewWorker(&stubDequeuer{}, newStubProcessor(), zerolog.Nop())

	w.Stop()
	assert.False(t, w.Running())

	w.Start(time.Hour)
	w.Start(time.Hour)
	assert.True(t, w.Running())

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())

	// restart after stop
	w.Start(time.Hour)
	assert.True(t, w.Running())
	w.Stop()
}

func TestWorker_TickDequeuesAndProcesses(t *testing.T) {
	dq := &stubDequeuer{}
	proc := newStubProcessor()
	dq.push("job-1", "job-2")

	w := service.NewWorker(dq, proc, zerolog.Nop())
	w.Start(10 * time.Millisecond)
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return proc.runCount("job-1") == 1 && proc.runCount("job-2") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_PollNowTicksImmediately(t *testing.T) {
	dq := &stubDequeuer{}
	proc := newStubProcessor()
	dq.push("job-1")

	w := service.NewWorker(dq, proc, zerolog.Nop())
	w.Start(time.Hour)
	defer w.Stop()

	w.PollNow()
	assert.Eventually(t, func() bool { return proc.runCount("job-1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_SlowJobDoesNotBlockTicks(t *testing.T) {
	dq := &stubDequeuer{}
	proc := newStubProcessor()
	proc.block = make(chan struct{})
	dq.push("slow", "fast")

	w := service.NewWorker(dq, proc, zerolog.Nop())
	w.Start(10 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return proc.runCount("slow") == 1 && proc.runCount("fast") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, w.InFlight())

	close(proc.block)
	w.Stop()
	assert.Equal(t, 0, w.InFlight())
}

func TestWorker_FailuresAndPanicsAreContained(t *testing.T) {
	dq := &stubDequeuer{}
	proc := newStubProcessor()
	proc.fn = func(jobID string) error {
		switch jobID {
		case "panics":
			panic("nil campaign")
		case "errors":
			return errors.New("gateway down")
		}
		return nil
	}
	dq.push("panics", "errors", "ok")

	w := service.NewWorker(dq, proc, zerolog.Nop())
	w.Start(10 * time.Millisecond)
	defer w.Stop()

	assert.Eventually(t, func() bool { return proc.runCount("ok") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, w.Running())
}

func TestWorker_SpawnWhileInFlightRerunsOnce(t *testing.T) {
	proc := newStubProcessor()
	proc.block = make(chan struct{})

	w := service.NewWorker(&stubDequeuer{}, proc, zerolog.Nop())
	w.Start(time.Hour)

	w.Spawn("job-1")
	require.Eventually(t, func() bool { return proc.runCount("job-1") == 1 }, time.Second, 5*time.Millisecond)

	w.Spawn("job-1")
	w.Spawn("job-1")
	assert.Equal(t, 1, w.InFlight())

	close(proc.block)
	assert.Eventually(t, func() bool { return w.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, proc.runCount("job-1"))

	w.Stop()
}

func TestWorker_SpawnWhenStoppedIsIgnored(t *testing.T) {
	proc := newStubProcessor()
	w := service.NewWorker(&stubDequeuer{}, proc, zerolog.Nop())

	w.Spawn("job-1")
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, 0, proc.runCount("job-1"))
}

func TestWorker_TickLock(t *testing.T) {
	t.Run("busy lock skips dequeue", func(t *testing.T) {
		dq := &stubDequeuer{}
		locker := &stubLocker{busy: true}
		w := service.NewWorker(dq, newStubProcessor(), zerolog.Nop()).
			WithTickLock(locker, "dispatch:tick", time.Second)
		w.Start(5 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		w.Stop()

		assert.Equal(t, 0, dq.callCount())
	})

	t.Run("lock error skips dequeue", func(t *testing.T) {
		dq := &stubDequeuer{}
		locker := &stubLocker{err: errors.New("redis down")}
		w := service.NewWorker(dq, newStubProcessor(), zerolog.Nop()).
			WithTickLock(locker, "dispatch:tick", time.Second)
		w.Start(5 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		w.Stop()

		assert.Equal(t, 0, dq.callCount())
	})

	t.Run("held lock is released after the tick", func(t *testing.T) {
		dq := &stubDequeuer{}
		proc := newStubProcessor()
		dq.push("job-1")
		locker := &stubLocker{}
		w := service.NewWorker(dq, proc, zerolog.Nop()).
			WithTickLock(locker, "dispatch:tick", time.Second)
		w.Start(time.Hour)
		w.PollNow()

		assert.Eventually(t, func() bool { return proc.runCount("job-1") == 1 }, time.Second, 5*time.Millisecond)
		w.Stop()

		assert.Equal(t, locker.locks.Load(), locker.unlock.Load())
		assert.EqualValues(t, 1, locker.locks.Load())
	})
}

func TestWorker_DequeueErrorKeepsPolling(t *testing.T) {
	dq := &stubDequeuer{err: errors.New("db down")}
	w := service.NewWorker(dq, newStubProcessor(), zerolog.Nop())
	w.Start(5 * time.Millisecond)
	defer w.Stop()

	assert.Eventually(t, func() bool { return dq.callCount() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestWorker_JobLockKeepsProcessesExclusive(t *testing.T) {
	locker := newMemLocker()
	const ttl = 40 * time.Millisecond

	first := newStubProcessor()
	first.block = make(chan struct{})
	w1 := service.NewWorker(&stubDequeuer{}, first, zerolog.Nop()).
		WithJobLock(locker, "job:", ttl)
	second := newStubProcessor()
	w2 := service.NewWorker(&stubDequeuer{}, second, zerolog.Nop()).
		WithJobLock(locker, "job:", ttl)

	w1.Start(time.Hour)
	defer w1.Stop()
	w2.Start(time.Hour)
	defer w2.Stop()

	w1.Spawn("job-1")
	require.Eventually(t, func() bool { return first.runCount("job-1") == 1 }, time.Second, 5*time.Millisecond)

	// resumed elsewhere while the first processor is still sending
	w2.Spawn("job-1")
	time.Sleep(3 * ttl)
	assert.Equal(t, 0, second.runCount("job-1"), "second process must wait for the lock")
	assert.Equal(t, 1, w2.InFlight())
	assert.Greater(t, locker.extensions(), 0, "held lock is renewed")

	close(first.block)
	assert.Eventually(t, func() bool { return second.runCount("job-1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !locker.isHeld("job:job-1") }, time.Second, 5*time.Millisecond)
}

func TestWorker_LostJobLockCancelsProcessing(t *testing.T) {
	locker := newMemLocker()
	proc := newStubProcessor()
	proc.block = make(chan struct{})
	w := service.NewWorker(&stubDequeuer{}, proc, zerolog.Nop()).
		WithJobLock(locker, "job:", 40*time.Millisecond)
	w.Start(time.Hour)
	defer w.Stop()

	w.Spawn("job-1")
	require.Eventually(t, func() bool { return proc.runCount("job-1") == 1 }, time.Second, 5*time.Millisecond)

	locker.steal("job:job-1")
	assert.Eventually(t, func() bool { return w.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, proc.runCount("job-1"))
}

func TestWorker_TickRecoversStaleJobs(t *testing.T) {
	t.Run("every tick sweeps before dequeue", func(t *testing.T) {
		rec := &stubRecoverer{}
		w := service.NewWorker(&stubDequeuer{}, newStubProcessor(), zerolog.Nop()).
			WithStaleRecovery(rec, 10*time.Minute)
		w.Start(time.Hour)
		w.PollNow()

		assert.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		w.Stop()
		assert.Equal(t, int64(10*time.Minute), rec.staleAfter.Load())
	})

	t.Run("busy tick lock skips the sweep", func(t *testing.T) {
		rec := &stubRecoverer{}
		w := service.NewWorker(&stubDequeuer{}, newStubProcessor(), zerolog.Nop()).
			WithTickLock(&stubLocker{busy: true}, "dispatch:tick", time.Second).
			WithStaleRecovery(rec, 10*time.Minute)
		w.Start(5 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		w.Stop()

		assert.Zero(t, rec.calls.Load())
	})

	t.Run("stalled job in the queue is rescheduled", func(t *testing.T) {
		clk := clock.NewMockClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
		q := queue.NewCampaignQueue(queue.NewMemoryJobStore(), queue.Options{MaxRetries: 3, Clock: clk, Logger: zerolog.Nop()})
		_, err := q.Enqueue(context.Background(), draftCampaign(1), customers(3))
		require.NoError(t, err)
		job, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		clk.Add(time.Hour)

		w := service.NewWorker(q, newStubProcessor(), zerolog.Nop()).
			WithStaleRecovery(q, 10*time.Minute)
		w.Start(time.Hour)
		w.PollNow()

		assert.Eventually(t, func() bool {
			j, err := q.GetJob(context.Background(), job.ID)
			return err == nil && j.Status == model.JobStatusPending && j.RetryCount == 1
		}, time.Second, 5*time.Millisecond)
		w.Stop()
	})
}
