package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fybrk/dupfinder/pkg/types"
)

// recorder is a Processor that logs every call in order.
type recorder struct {
	mu      sync.Mutex
	calls   []string
	gate    chan struct{}
	entered chan struct{}
	fail    map[types.FileID]bool
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[types.FileID]bool)}
}

func (r *recorder) Escalate(id types.FileID, depth types.DetailLevel) (int64, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("escalate %d %s", id, depth))
	if r.fail[id] {
		return 0, errors.New("unreadable")
	}
	return 10, nil
}

func (r *recorder) Reanalyze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "analyze")
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type sizes map[types.FileID]int64

func (s sizes) FileSize(id types.FileID) (int64, bool) {
	size, ok := s[id]
	return size, ok
}

func setupTestScheduler(t *testing.T, proc *recorder, lock sync.Locker) (*Scheduler, func()) {
	t.Helper()
	s := New(proc, lock, sizes{1: 100, 2: 200, 3: 300}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	return s, func() {
		s.Stop()
		cancel()
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestJobsRunInOrder(t *testing.T) {
	proc := newRecorder()
	s, cleanup := setupTestScheduler(t, proc, &sync.Mutex{})
	defer cleanup()

	s.Subscribe(func(e Event) { proc.record("notify " + e.Depth.String()) })

	_, err := s.Submit([]types.FileID{1, 2}, types.LevelSample)
	require.NoError(t, err)
	ticket, err := s.Submit([]types.FileID{3}, types.LevelFull)
	require.NoError(t, err)

	waitIdle(t, s)
	<-ticket.Done()

	assert.Equal(t, []string{
		"escalate 1 sample",
		"escalate 2 sample",
		"analyze",
		"notify sample",
		"escalate 3 full",
		"analyze",
		"notify full",
	}, proc.log())
}

func TestProgress(t *testing.T) {
	proc := newRecorder()
	proc.gate = make(chan struct{})
	proc.entered = make(chan struct{})
	s, cleanup := setupTestScheduler(t, proc, &sync.Mutex{})
	defer cleanup()

	first, err := s.Submit([]types.FileID{1, 2}, types.LevelFull)
	require.NoError(t, err)
	_, err = s.Submit([]types.FileID{3}, types.LevelFull)
	require.NoError(t, err)

	<-proc.entered
	p := s.Progress()
	assert.Equal(t, first.ID, p.JobID)
	assert.Equal(t, int64(0), p.JobBytesDone)
	assert.Equal(t, int64(300), p.JobBytesTotal)
	assert.Equal(t, int64(600), p.QueueBytesTotal)
	assert.Equal(t, 1, p.Pending)

	proc.gate <- struct{}{}
	<-proc.entered
	p = s.Progress()
	assert.Equal(t, int64(100), p.JobBytesDone)
	assert.Equal(t, int64(100), p.QueueBytesDone)

	proc.gate <- struct{}{}
	<-proc.entered
	p = s.Progress()
	assert.NotEqual(t, first.ID, p.JobID)
	assert.Equal(t, int64(0), p.JobBytesDone)
	assert.Equal(t, int64(300), p.QueueBytesDone)
	assert.Equal(t, 0, p.Pending)

	proc.gate <- struct{}{}
	waitIdle(t, s)
	assert.Equal(t, Progress{}, s.Progress(), "counters reset once the queue drains")
}

func TestSubmitDoesNotBlockOnEngineLock(t *testing.T) {
	proc := newRecorder()
	lock := &sync.Mutex{}
	s, cleanup := setupTestScheduler(t, proc, lock)
	defer cleanup()

	lock.Lock()
	done := make(chan struct{})
	go func() {
		_, err := s.Submit([]types.FileID{1}, types.LevelPrefix)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit blocked while the engine lock was held")
	}
	assert.Empty(t, proc.log(), "job waits for the lock")

	lock.Unlock()
	waitIdle(t, s)
	assert.Equal(t, []string{"escalate 1 prefix", "analyze"}, proc.log())
}

func TestFailedEscalationDoesNotDropJob(t *testing.T) {
	proc := newRecorder()
	proc.fail[1] = true
	s, cleanup := setupTestScheduler(t, proc, &sync.Mutex{})
	defer cleanup()

	var events []Event
	var mu sync.Mutex
	s.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ticket, err := s.Submit([]types.FileID{1, 2}, types.LevelFull)
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Equal(t, []string{"escalate 1 full", "escalate 2 full", "analyze"}, proc.log())
	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, ticket.ID, events[0].JobID)
	assert.Equal(t, 2, events[0].Files)
	mu.Unlock()
}

func TestStopDrainsQueue(t *testing.T) {
	proc := newRecorder()
	s := New(proc, &sync.Mutex{}, sizes{}, nil)

	_, err := s.Submit([]types.FileID{1}, types.LevelPrefix)
	require.NoError(t, err)
	_, err = s.Submit([]types.FileID{2}, types.LevelPrefix)
	require.NoError(t, err)

	s.Start(context.Background())
	s.Stop()

	assert.Equal(t, []string{
		"escalate 1 prefix", "analyze",
		"escalate 2 prefix", "analyze",
	}, proc.log())

	_, err = s.Submit([]types.FileID{3}, types.LevelPrefix)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestWaitHonorsContext(t *testing.T) {
	proc := newRecorder()
	proc.gate = make(chan struct{})
	proc.entered = make(chan struct{})
	s, cleanup := setupTestScheduler(t, proc, &sync.Mutex{})
	defer cleanup()

	_, err := s.Submit([]types.FileID{1}, types.LevelFull)
	require.NoError(t, err)
	<-proc.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	proc.gate <- struct{}{}
	waitIdle(t, s)
}
