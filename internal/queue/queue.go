package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/retry"
	"chatrelay/internal/scheduler"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownAction is returned by Wait for ids not in the queue.
	ErrUnknownAction = stderrors.New("action not in queue")
	// ErrNoHandler marks actions whose kind has no registered handler.
	ErrNoHandler = stderrors.New("no handler registered for action kind")
)

// Store persists actions. *database.Database implements it.
type Store interface {
	SaveAction(ctx context.Context, namespace string, action *models.QueuedAction) error
	LoadActions(ctx context.Context, namespace string) ([]*models.QueuedAction, error)
	UpdateActionAttempt(ctx context.Context, namespace, id string, attempts int, lastError string, at time.Time) error
	DeleteAction(ctx context.Context, namespace, id string) (bool, error)
}

// Executor runs retry loops. *retry.Controller implements it.
type Executor interface {
	Execute(ctx context.Context, task retry.Task, fn retry.AttemptFunc) (*retry.Pending, error)
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Handler performs one attempt of an action. The action's IdempotencyKey is
// the same on every attempt and must be forwarded to the backend.
type Handler func(ctx context.Context, action *models.QueuedAction) (any, error)

// Outcome is delivered once per action when it leaves the queue.
type Outcome struct {
	Action   *models.QueuedAction
	Result   any
	Err      error
	Terminal bool
}

func (o Outcome) Succeeded() bool { return o.Err == nil }

// Option configures a Queue.
type Option func(*Queue)

// WithNamespace overrides the storage namespace.
func WithNamespace(ns string) Option {
	return func(q *Queue) { q.namespace = ns }
}

// WithPriority sets the scheduler priority used for queued attempts.
func WithPriority(p scheduler.Priority) Option {
	return func(q *Queue) { q.priority = p }
}

// WithDrainInterval sets the Run loop period.
func WithDrainInterval(d time.Duration) Option {
	return func(q *Queue) { q.interval = d }
}

// Queue is the durable, ordered store of outgoing actions. Actions leave the
// queue only when the retry controller reports success or terminal failure.
type Queue struct {
	store    Store
	executor Executor
	online   Connectivity
	logger   *logrus.Logger

	namespace string
	priority  scheduler.Priority
	interval  time.Duration

	mu        sync.Mutex
	actions   []*models.QueuedAction
	index     map[string]*models.QueuedAction
	inFlight  map[string]struct{}
	handlers  map[models.ActionKind]Handler
	waiters   map[string][]chan Outcome
	listeners []func(Outcome)

	draining       atomic.Bool
	drainRequested atomic.Bool
}

func New(store Store, executor Executor, online Connectivity, logger *logrus.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		executor:  executor,
		online:    online,
		logger:    logger,
		namespace: constants.ActionQueueNamespace,
		priority:  scheduler.High,
		interval:  time.Duration(constants.DefaultQueueDrainSec) * time.Second,
		index:     make(map[string]*models.QueuedAction),
		inFlight:  make(map[string]struct{}),
		handlers:  make(map[models.ActionKind]Handler),
		waiters:   make(map[string][]chan Outcome),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle registers the handler for an action kind.
func (q *Queue) Handle(kind models.ActionKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// OnOutcome registers a listener notified once per action that leaves the queue.
func (q *Queue) OnOutcome(fn func(Outcome)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Load merges persisted actions into memory. Call it before the first Drain.
func (q *Queue) Load(ctx context.Context) (int, error) {
	persisted, err := q.store.LoadActions(ctx, q.namespace)
	if err != nil {
		return 0, errors.NewDatabaseError("load queued actions", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, a := range persisted {
		if _, ok := q.index[a.ID]; ok {
			continue
		}
		q.actions = append(q.actions, a)
		q.index[a.ID] = a
		added++
	}
	q.publishSizeLocked()

	if added > 0 {
		q.logger.WithFields(logrus.Fields{
			"restored":  added,
			"namespace": q.namespace,
		}).Info("Restored queued actions")
	}
	return added, nil
}

// Enqueue persists a new action and returns it once it is durable.
func (q *Queue) Enqueue(ctx context.Context, kind models.ActionKind, payload any) (*models.QueuedAction, error) {
	action, _, err := q.enqueue(ctx, kind, payload, false)
	return action, err
}

// EnqueueWatch is Enqueue plus a channel that receives the action's outcome.
// The watch is registered before the action becomes visible to Drain.
func (q *Queue) EnqueueWatch(ctx context.Context, kind models.ActionKind, payload any) (*models.QueuedAction, <-chan Outcome, error) {
	return q.enqueue(ctx, kind, payload, true)
}

func (q *Queue) enqueue(ctx context.Context, kind models.ActionKind, payload any, watch bool) (*models.QueuedAction, <-chan Outcome, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode action payload")
	}

	id := uuid.NewString()
	action := &models.QueuedAction{
		ID:             id,
		Kind:           kind,
		Payload:        raw,
		IdempotencyKey: id,
		EnqueuedAt:     time.Now().UTC(),
	}

	if err := q.store.SaveAction(ctx, q.namespace, action); err != nil {
		return nil, nil, errors.NewDatabaseError("persist queued action", err)
	}

	var ch chan Outcome
	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.index[id] = action
	if watch {
		ch = make(chan Outcome, 1)
		q.waiters[id] = append(q.waiters[id], ch)
	}
	q.publishSizeLocked()
	q.mu.Unlock()

	metrics.IncrementCounter("queue_enqueued_total", map[string]string{"kind": string(kind)}, "Actions added to the durable queue")
	q.logger.WithFields(logrus.Fields{
		"action_id": id,
		"kind":      kind,
	}).Debug("Action enqueued")

	if ch == nil {
		return action.Clone(), nil, nil
	}
	return action.Clone(), ch, nil
}

// Drain hands every queued action that is not already in flight to the retry
// controller, in enqueue order, and returns how many were dispatched. It is a
// no-op while offline. A call made while another Drain is running returns 0
// and the running Drain makes one more pass for it. ctx bounds the retry
// loops started by this call.
func (q *Queue) Drain(ctx context.Context) int {
	if !q.online.IsOnline() {
		return 0
	}

	dispatched := 0
	q.drainRequested.Store(true)
	for q.drainRequested.Load() {
		if !q.draining.CompareAndSwap(false, true) {
			return dispatched
		}
		for q.drainRequested.Swap(false) {
			dispatched += q.drainOnce(ctx)
		}
		q.draining.Store(false)
	}

	if dispatched > 0 {
		q.logger.WithField("dispatched", dispatched).Debug("Queue drained")
	}
	return dispatched
}

func (q *Queue) drainOnce(ctx context.Context) int {
	q.mu.Lock()
	var batch []*models.QueuedAction
	for _, a := range q.actions {
		if _, busy := q.inFlight[a.ID]; busy {
			continue
		}
		q.inFlight[a.ID] = struct{}{}
		batch = append(batch, a.Clone())
	}
	q.mu.Unlock()

	dispatched := 0
	for i, action := range batch {
		if !q.online.IsOnline() {
			q.release(batch[i:])
			q.logger.WithField("remaining", len(batch)-i).Info("Went offline during drain, deferring remaining actions")
			break
		}
		if q.dispatch(ctx, action) {
			dispatched++
		}
	}
	return dispatched
}

func (q *Queue) dispatch(ctx context.Context, action *models.QueuedAction) bool {
	q.mu.Lock()
	handler, ok := q.handlers[action.Kind]
	q.mu.Unlock()

	if !ok {
		err := errors.NewTerminalError(action.ID, action.Attempts, fmt.Errorf("%w: %s", ErrNoHandler, action.Kind))
		q.complete(action, Outcome{Err: err, Terminal: true})
		return false
	}

	task := retry.Task{
		Key:      action.IdempotencyKey,
		Priority: q.priority,
		Attempts: action.Attempts,
		OnAttempt: func(attempt int, err error) {
			q.recordAttempt(action.ID, attempt, err)
		},
	}

	pending, err := q.executor.Execute(ctx, task, func(ctx context.Context, key string) (any, error) {
		return handler(ctx, action)
	})
	if err != nil {
		q.release([]*models.QueuedAction{action})
		if !stderrors.Is(err, retry.ErrAlreadyInFlight) {
			q.logger.WithError(err).WithField("action_id", action.ID).Warn("Failed to dispatch queued action")
		}
		return false
	}

	go q.await(action, pending)
	return true
}

func (q *Queue) await(action *models.QueuedAction, pending *retry.Pending) {
	<-pending.Done()
	o := pending.Outcome()

	if o.Err != nil && !o.Terminal {
		// Interrupted (teardown, cancellation): keep it for the next drain.
		q.release([]*models.QueuedAction{action})
		return
	}

	q.complete(action, Outcome{Result: o.Value, Err: o.Err, Terminal: o.Terminal})
}

func (q *Queue) recordAttempt(id string, attempts int, attemptErr error) {
	now := time.Now().UTC()
	lastError := ""
	if attemptErr != nil {
		lastError = attemptErr.Error()
	}

	q.mu.Lock()
	if a, ok := q.index[id]; ok {
		a.Attempts = attempts
		a.LastError = lastError
		a.LastAttemptAt = &now
	}
	q.mu.Unlock()

	metrics.IncrementCounter("queue_attempts_total", nil, "Attempts made on queued actions")
	if attemptErr == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.UpdateActionAttempt(ctx, q.namespace, id, attempts, lastError, now); err != nil {
		q.logger.WithError(err).WithField("action_id", id).Warn("Failed to persist attempt count")
	}
}

// complete removes the action and notifies exactly once.
func (q *Queue) complete(action *models.QueuedAction, o Outcome) {
	q.mu.Lock()
	current, ok := q.index[action.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.index, action.ID)
	delete(q.inFlight, action.ID)
	for i, a := range q.actions {
		if a.ID == action.ID {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	waiters := q.waiters[action.ID]
	delete(q.waiters, action.ID)
	listeners := slices.Clone(q.listeners)
	q.publishSizeLocked()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.store.DeleteAction(ctx, q.namespace, action.ID); err != nil {
		q.logger.WithError(err).WithField("action_id", action.ID).Error("Failed to delete completed action from store")
	}

	o.Action = current.Clone()
	fields := logrus.Fields{
		"action_id": action.ID,
		"kind":      action.Kind,
		"attempts":  o.Action.Attempts,
	}
	if o.Err != nil {
		errors.WrapLogger(q.logger).LogWarn(o.Err, "Queued action failed terminally", fields)
		metrics.IncrementCounter("queue_terminal_total", map[string]string{"kind": string(action.Kind)}, "Actions removed after terminal failure")
	} else {
		q.logger.WithFields(fields).Debug("Queued action delivered")
		metrics.IncrementCounter("queue_delivered_total", map[string]string{"kind": string(action.Kind)}, "Actions removed after success")
	}

	for _, ch := range waiters {
		ch <- o
	}
	for _, fn := range listeners {
		fn(o)
	}
}

func (q *Queue) release(actions []*models.QueuedAction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range actions {
		delete(q.inFlight, a.ID)
	}
}

// Wait blocks until the action with id leaves the queue.
func (q *Queue) Wait(ctx context.Context, id string) (Outcome, error) {
	q.mu.Lock()
	if _, ok := q.index[id]; !ok {
		q.mu.Unlock()
		return Outcome{}, ErrUnknownAction
	}
	ch := make(chan Outcome, 1)
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Size returns the number of queued actions, in flight or not.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Contains reports whether id is still queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// InFlight reports whether id has been handed to the retry controller.
func (q *Queue) InFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[id]
	return ok
}

// Snapshot returns copies of the queued actions in enqueue order.
func (q *Queue) Snapshot() []*models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.QueuedAction, len(q.actions))
	for i, a := range q.actions {
		out[i] = a.Clone()
	}
	return out
}

// Run drains periodically until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.logger.WithField("interval", q.interval.String()).Info("Starting queue drain loop")
	q.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Queue drain loop stopped")
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

func (q *Queue) publishSizeLocked() {
	metrics.SetGauge("queue_size", float64(len(q.actions)), map[string]string{"namespace": q.namespace}, "Actions waiting in the durable queue")
}
