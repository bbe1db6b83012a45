// Package scheduler runs fingerprint escalation jobs on a single background
// worker in submission order.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/internal/metrics"
	"github.com/Fybrk/dupfinder/pkg/types"
)

var ErrStopped = errors.New("scheduler stopped")

// Processor performs the work of a job. It is only called while the
// scheduler holds the engine lock.
type Processor interface {
	Escalate(id types.FileID, depth types.DetailLevel) (int64, error)
	Reanalyze()
}

// Sizer reports file sizes without taking the engine lock.
type Sizer interface {
	FileSize(id types.FileID) (int64, bool)
}

// Event is delivered to subscribers after a job's re-analysis completes.
type Event struct {
	JobID string
	Files int
	Depth types.DetailLevel
}

// Progress is a snapshot of the worker's byte counters.
type Progress struct {
	JobID           string
	JobBytesDone    int64
	JobBytesTotal   int64
	QueueBytesDone  int64
	QueueBytesTotal int64
	Pending         int
}

// Ticket identifies a submitted job.
type Ticket struct {
	ID   string
	done chan struct{}
}

// Done is closed once the job has run and subscribers were notified.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

type job struct {
	ticket *Ticket
	files  []types.FileID
	sizes  []int64
	total  int64
	depth  types.DetailLevel
}

// Scheduler is an unbounded FIFO of escalation jobs with one consumer.
type Scheduler struct {
	proc  Processor
	lock  sync.Locker
	sizer Sizer
	log   *zap.Logger

	mu          sync.Mutex
	pending     []*job
	current     *job
	progress    Progress
	idle        chan struct{}
	subscribers []func(Event)
	stopped     bool

	wake     chan struct{}
	stopping chan struct{}
	exited   chan struct{}
	started  bool
	stopOnce sync.Once
}

func New(proc Processor, lock sync.Locker, sizer Sizer, log *zap.Logger) *Scheduler {
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		proc:     proc,
		lock:     lock,
		sizer:    sizer,
		log:      logging.OrNop(log).Named("scheduler"),
		idle:     idle,
		wake:     make(chan struct{}, 1),
		stopping: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the worker. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Submit queues a job and returns without waiting for it.
func (s *Scheduler) Submit(files []types.FileID, depth types.DetailLevel) (*Ticket, error) {
	j := &job{
		ticket: &Ticket{ID: uuid.NewString(), done: make(chan struct{})},
		files:  append([]types.FileID(nil), files...),
		sizes:  make([]int64, len(files)),
		depth:  depth,
	}
	for i, id := range j.files {
		if size, ok := s.sizer.FileSize(id); ok {
			j.sizes[i] = size
			j.total += size
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if len(s.pending) == 0 && s.current == nil {
		s.idle = make(chan struct{})
	}
	s.pending = append(s.pending, j)
	s.progress.QueueBytesTotal += j.total
	depthNow := s.depthLocked()
	s.mu.Unlock()

	metrics.SetQueueDepth(depthNow)
	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.log.Debug("Job queued",
		zap.String("job", j.ticket.ID),
		zap.Int("files", len(j.files)),
		zap.String("depth", depth.String()),
		zap.Int64("bytes", j.total))
	return j.ticket, nil
}

func (s *Scheduler) depthLocked() int {
	n := len(s.pending)
	if s.current != nil {
		n++
	}
	return n
}

// Subscribe registers fn to run after every completed job.
func (s *Scheduler) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Progress returns the current byte counters.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.Pending = len(s.pending)
	return p
}

// Wait blocks until every queued job has completed or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, lets the worker finish everything already queued
// and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()

		close(s.stopping)
		if started {
			<-s.exited
		}
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.exited)

	draining := false
	for {
		if j := s.next(); j != nil {
			s.process(j)
			continue
		}
		if draining {
			return
		}

		select {
		case <-s.wake:
		case <-s.stopping:
			draining = true
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			draining = true
		}
	}
}

// next dequeues the oldest job and makes it current.
func (s *Scheduler) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	j := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.current = j
	s.progress.JobID = j.ticket.ID
	s.progress.JobBytesDone = 0
	s.progress.JobBytesTotal = j.total
	return j
}

func (s *Scheduler) process(j *job) {
	s.lock.Lock()
	for i, id := range j.files {
		if _, err := s.proc.Escalate(id, j.depth); err != nil {
			s.log.Warn("Escalation failed",
				zap.String("job", j.ticket.ID),
				zap.Uint32("file", uint32(id)),
				zap.Error(err))
		}

		s.mu.Lock()
		s.progress.JobBytesDone += j.sizes[i]
		s.progress.QueueBytesDone += j.sizes[i]
		s.mu.Unlock()
	}
	s.proc.Reanalyze()
	s.lock.Unlock()

	metrics.RecordJob()

	s.mu.Lock()
	subscribers := append(([]func(Event))(nil), s.subscribers...)
	s.mu.Unlock()

	event := Event{JobID: j.ticket.ID, Files: len(j.files), Depth: j.depth}
	for _, fn := range subscribers {
		fn(event)
	}
	close(j.ticket.done)

	s.mu.Lock()
	s.current = nil
	if len(s.pending) == 0 {
		s.progress = Progress{}
		close(s.idle)
	}
	depth := s.depthLocked()
	s.mu.Unlock()
	metrics.SetQueueDepth(depth)

	s.log.Debug("Job complete", zap.String("job", j.ticket.ID))
}
