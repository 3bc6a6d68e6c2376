package retry

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/scheduler"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyInFlight is returned when a key already has an active retry loop.
	ErrAlreadyInFlight = stderrors.New("operation already in flight")
	// ErrControllerClosed ends retry loops interrupted by Close.
	ErrControllerClosed = stderrors.New("retry controller closed")
)

// Dispatcher runs one attempt. *scheduler.Scheduler satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, fn scheduler.Func, priority scheduler.Priority) *scheduler.Future
}

// AttemptFunc performs one attempt. key is stable across every attempt and
// is meant to be sent to the backend as an idempotency key.
type AttemptFunc func(ctx context.Context, key string) (any, error)

// Task describes a retryable operation.
type Task struct {
	Key      string
	Priority scheduler.Priority
	// Attempts already made before this loop started, e.g. restored from storage.
	Attempts int
	// OnAttempt observes every completed attempt; attempt is the cumulative count.
	OnAttempt func(attempt int, err error)
}

// Outcome is the final state of a retry loop.
type Outcome struct {
	Key      string
	Value    any
	Attempts int
	Err      error
	// Terminal is set when the operation will never be retried automatically.
	Terminal bool
}

// Pending resolves exactly once with the loop's outcome.
type Pending struct {
	key     string
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func (p *Pending) Key() string { return p.key }

func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome is valid once Done is closed.
func (p *Pending) Outcome() Outcome {
	<-p.done
	return p.outcome
}

func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{Key: p.key}, ctx.Err()
	}
}

func (p *Pending) resolve(o Outcome) bool {
	resolved := false
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
		resolved = true
	})
	return resolved
}

type loop struct {
	ctx      context.Context
	task     Task
	fn       AttemptFunc
	pending  *Pending
	attempts int
	timer    *time.Timer
}

// Controller drives non-blocking retry loops: each attempt goes through the
// dispatcher and the next one is armed on a timer, so no goroutine sleeps.
type Controller struct {
	dispatcher  Dispatcher
	schedule    Schedule
	maxAttempts int
	logger      *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]*loop
	closed   bool
}

func NewController(dispatcher Dispatcher, schedule Schedule, maxAttempts int, logger *logrus.Logger) *Controller {
	if len(schedule) == 0 {
		schedule = DefaultSchedule()
	}
	if maxAttempts < 1 {
		maxAttempts = constants.DefaultMaxAttempts
	}
	return &Controller{
		dispatcher:  dispatcher,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		logger:      logger,
		inFlight:    make(map[string]*loop),
	}
}

func (c *Controller) MaxAttempts() int { return c.maxAttempts }

// Execute starts a retry loop for task and returns immediately. A second
// call for a key that is still in flight returns the existing Pending
// together with ErrAlreadyInFlight.
func (c *Controller) Execute(ctx context.Context, task Task, fn AttemptFunc) (*Pending, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrControllerClosed
	}
	if existing, ok := c.inFlight[task.Key]; ok {
		c.mu.Unlock()
		return existing.pending, ErrAlreadyInFlight
	}
	l := &loop{
		ctx:      ctx,
		task:     task,
		fn:       fn,
		pending:  &Pending{key: task.Key, done: make(chan struct{})},
		attempts: task.Attempts,
	}
	c.inFlight[task.Key] = l
	c.mu.Unlock()

	if l.attempts >= c.maxAttempts {
		c.finish(l, Outcome{
			Err:      errors.NewTerminalError(task.Key, l.attempts, stderrors.New("attempt budget already spent")),
			Terminal: true,
		})
		return l.pending, nil
	}

	c.attempt(l)
	return l.pending, nil
}

// InFlight reports whether key has an active loop.
func (c *Controller) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

// Close stops pending timers and resolves their loops as non-terminal.
// Attempts already executing complete and then stop.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var waiting []*loop
	for _, l := range c.inFlight {
		if l.timer != nil && l.timer.Stop() {
			waiting = append(waiting, l)
		}
	}
	c.mu.Unlock()

	for _, l := range waiting {
		c.finish(l, Outcome{Err: ErrControllerClosed})
	}
}

func (c *Controller) attempt(l *loop) {
	future := c.dispatcher.Submit(l.ctx, func(ctx context.Context) (any, error) {
		return l.fn(ctx, l.task.Key)
	}, l.task.Priority)

	go func() {
		<-future.Done()
		c.afterAttempt(l, future.Result())
	}()
}

func (c *Controller) afterAttempt(l *loop, res scheduler.Result) {
	err := res.Err

	// Work that never ran does not consume an attempt.
	if stderrors.Is(err, scheduler.ErrCancelled) || stderrors.Is(err, scheduler.ErrClosed) {
		c.finish(l, Outcome{Err: err})
		return
	}
	if err != nil && l.ctx.Err() != nil {
		c.finish(l, Outcome{Err: l.ctx.Err()})
		return
	}

	l.attempts++
	if l.task.OnAttempt != nil {
		l.task.OnAttempt(l.attempts, err)
	}

	if err == nil {
		metrics.IncrementCounter("retry_success_total", nil, "Operations that eventually succeeded")
		c.finish(l, Outcome{Value: res.Value})
		return
	}

	fields := logrus.Fields{
		"key":      errors.MaskID(l.task.Key),
		"attempt":  l.attempts,
		"max":      c.maxAttempts,
		"priority": l.task.Priority.String(),
	}

	if errors.IsPermanent(err) || l.attempts >= c.maxAttempts {
		c.logger.WithFields(fields).WithError(err).Warn("Operation failed terminally")
		metrics.IncrementCounter("retry_terminal_total", nil, "Operations that exhausted retries or failed permanently")
		c.finish(l, Outcome{
			Err:      errors.NewTerminalError(l.task.Key, l.attempts, err),
			Terminal: true,
		})
		return
	}

	delay := c.schedule.Delay(l.attempts)
	fields["delay"] = delay.String()
	c.logger.WithFields(fields).WithError(err).Debug("Attempt failed, scheduling retry")
	metrics.IncrementCounter("retry_attempt_failures_total", nil, "Failed attempts that will be retried")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.finish(l, Outcome{Err: ErrControllerClosed})
		return
	}
	l.timer = time.AfterFunc(delay, func() {
		if l.ctx.Err() != nil {
			c.finish(l, Outcome{Err: l.ctx.Err()})
			return
		}
		c.attempt(l)
	})
	c.mu.Unlock()
}

func (c *Controller) finish(l *loop, o Outcome) {
	o.Key = l.task.Key
	o.Attempts = l.attempts

	c.mu.Lock()
	if c.inFlight[l.task.Key] == l {
		delete(c.inFlight, l.task.Key)
	}
	c.mu.Unlock()

	l.pending.resolve(o)
}
