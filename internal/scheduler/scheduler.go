package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/metrics"
	"chatrelay/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrCancelled is returned for low-priority work discarded by CancelLowPriority.
	ErrCancelled = errors.New("request cancelled in favour of user-initiated work")
	// ErrClosed is returned for requests submitted to or pending in a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// Func is one unit of network work.
type Func func(ctx context.Context) (any, error)

type request struct {
	ctx        context.Context
	fn         Func
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	future     *Future
	index      int
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending        int  `json:"pending"`
	InFlight       int  `json:"inFlight"`
	MaxConcurrency int  `json:"maxConcurrency"`
	Paused         bool `json:"paused"`
}

// Scheduler is a concurrency-bounded, priority-ordered dispatcher. Dispatch is
// event driven: every submission and every completion tries to fill free slots.
type Scheduler struct {
	logger *logrus.Logger

	mu             sync.Mutex
	pending        pendingHeap
	active         int
	maxConcurrency int
	seq            uint64
	paused         bool
	closed         bool

	wg sync.WaitGroup
}

// New creates a scheduler with the given concurrency ceiling (clamped to 1–5).
func New(maxConcurrency int, logger *logrus.Logger) *Scheduler {
	s := &Scheduler{
		logger:         logger,
		maxConcurrency: clamp(maxConcurrency),
	}
	heap.Init(&s.pending)
	return s
}

func clamp(n int) int {
	if n < constants.MinConcurrency {
		return constants.MinConcurrency
	}
	if n > constants.MaxConcurrency {
		return constants.MaxConcurrency
	}
	return n
}

// Submit queues fn at the given priority and returns a future for its result.
func (s *Scheduler) Submit(ctx context.Context, fn Func, priority Priority) *Future {
	f := newFuture()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		f.complete(Result{Err: ErrClosed})
		return f
	}

	s.seq++
	heap.Push(&s.pending, &request{
		ctx:        ctx,
		fn:         fn,
		priority:   priority,
		seq:        s.seq,
		enqueuedAt: time.Now(),
		future:     f,
	})
	s.dispatchLocked()
	return f
}

// CancelLowPriority discards every pending low-priority request and returns
// how many were dropped. Requests already executing are not interrupted.
func (s *Scheduler) CancelLowPriority() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0]
	var dropped []*request
	for _, req := range s.pending {
		if req.priority == Low {
			dropped = append(dropped, req)
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	for i, req := range s.pending {
		req.index = i
	}
	heap.Init(&s.pending)

	for _, req := range dropped {
		req.future.complete(Result{Err: ErrCancelled})
	}
	if len(dropped) > 0 {
		s.logger.WithField("dropped", len(dropped)).Debug("Cancelled pending low-priority requests")
		metrics.AddToCounter("scheduler_cancelled_total", float64(len(dropped)), nil, "Low-priority requests discarded for user work")
	}
	s.publishLocked()
	return len(dropped)
}

// SetMaxConcurrency adjusts the ceiling at runtime and returns the applied value.
func (s *Scheduler) SetMaxConcurrency(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := clamp(n)
	if applied != s.maxConcurrency {
		s.logger.WithFields(logrus.Fields{
			"from": s.maxConcurrency,
			"to":   applied,
		}).Info("Scheduler concurrency adjusted")
	}
	s.maxConcurrency = applied
	s.dispatchLocked()
	return applied
}

// AdjustForQuality sizes concurrency from link quality; offline pauses dispatch.
func (s *Scheduler) AdjustForQuality(q LinkQuality) {
	switch q {
	case QualityOffline:
		s.Pause()
		return
	case QualityPoor:
		s.SetMaxConcurrency(constants.MinConcurrency)
	case QualityFair:
		s.SetMaxConcurrency(constants.DefaultMaxConcurrency)
	default:
		s.SetMaxConcurrency(constants.MaxConcurrency)
	}
	s.Resume()
}

// Pause stops new dispatches; running requests finish normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.publishLocked()
}

// Resume restarts dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.dispatchLocked()
}

// Stats returns current counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:        len(s.pending),
		InFlight:       s.active,
		MaxConcurrency: s.maxConcurrency,
		Paused:         s.paused,
	}
}

// Close rejects pending requests and waits for running ones to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, req := range pending {
		req.future.complete(Result{Err: ErrClosed})
	}
	s.wg.Wait()
}

func (s *Scheduler) dispatchLocked() {
	for !s.paused && !s.closed && s.active < s.maxConcurrency && s.pending.Len() > 0 {
		req := heap.Pop(&s.pending).(*request)
		if err := req.ctx.Err(); err != nil {
			req.future.complete(Result{Err: err})
			continue
		}
		s.active++
		s.wg.Add(1)
		go s.run(req)
	}
	s.publishLocked()
}

func (s *Scheduler) run(req *request) {
	defer s.wg.Done()

	ctx, span := tracing.StartSpan(req.ctx, "scheduler.dispatch",
		attribute.String("priority", req.priority.String()),
		attribute.Int64("queued_ms", time.Since(req.enqueuedAt).Milliseconds()),
	)
	start := time.Now()

	var value any
	var err error
	if recovered := panics.Try(func() { value, err = req.fn(ctx) }); recovered != nil {
		err = recovered.AsError()
		s.logger.WithError(err).WithField("priority", req.priority.String()).Error("Scheduled request panicked")
	}

	tracing.EndSpan(span, err)
	metrics.RecordTimer("scheduler_dispatch_duration", time.Since(start), map[string]string{"priority": req.priority.String()}, "Time spent executing scheduled requests")
	req.future.complete(Result{Value: value, Err: err})

	s.mu.Lock()
	s.active--
	s.dispatchLocked()
	s.mu.Unlock()
}

func (s *Scheduler) publishLocked() {
	metrics.SetGauge("scheduler_pending", float64(len(s.pending)), nil, "Requests waiting for a slot")
	metrics.SetGauge("scheduler_in_flight", float64(s.active), nil, "Requests currently executing")
	metrics.SetGauge("scheduler_max_concurrency", float64(s.maxConcurrency), nil, "Current concurrency ceiling")
}
