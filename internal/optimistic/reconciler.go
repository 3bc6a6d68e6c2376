package optimistic

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// confirmedRetention bounds how many confirmed records stay queryable
// through Record and Wait. Failed records are kept until retried or discarded.
const confirmedRetention = 256

var (
	ErrUnknownRecord = stderrors.New("unknown optimistic record")
	ErrNotFailed     = stderrors.New("record has not failed")
)

// Reconciler owns the visible message collection. Local effects are applied
// immediately; commits run in the background, one at a time per entity, in
// the order the mutations were issued.
type Reconciler struct {
	logger *logrus.Logger

	mu        sync.Mutex
	items     []*item
	ops       []*op
	records   map[string]*op
	confirmed []string
	retain    int
	chains    map[string]chan struct{}
	seq       uint64
	listeners []func([]models.MessageView)
}

func NewReconciler(logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		logger:  logger,
		records: make(map[string]*op),
		retain:  confirmedRetention,
		chains:  make(map[string]chan struct{}),
	}
}

// OnChange registers a listener that receives the visible collection after
// every change.
func (r *Reconciler) OnChange(fn func([]models.MessageView)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// ApplyOptimistic applies m locally, starts its commit and returns its local id
// without waiting on the network.
func (r *Reconciler) ApplyOptimistic(ctx context.Context, m Mutation) (string, error) {
	if m.Commit == nil {
		return "", errors.NewValidationError("commit", "mutation has no commit function")
	}

	r.mu.Lock()
	o := &op{
		localID:  uuid.NewString(),
		mutation: m,
		state:    models.RecordPending,
	}

	switch m.Kind {
	case Create:
		o.entity = o.localID
		draft := m.Draft
		draft.ID = ""
		draft.ClientKey = o.localID
		if draft.CreatedAt.IsZero() {
			draft.CreatedAt = time.Now().UTC()
		}
		o.mutation.Draft = draft
		r.items = append(r.items, &item{msg: draft, localID: o.localID, state: models.RecordPending})
	case Edit, Delete:
		it := r.findLocked(m.Target)
		if it == nil {
			r.mu.Unlock()
			return "", errors.NewNotFoundError("message", m.Target)
		}
		o.entity = entityKey(it)
		o.overlay = true
	default:
		r.mu.Unlock()
		return "", errors.NewValidationError("kind", fmt.Sprintf("unsupported mutation kind %d", m.Kind))
	}

	r.seq++
	o.seq = r.seq
	r.ops = append(r.ops, o)
	r.records[o.localID] = o
	r.startLocked(ctx, o)
	views, listeners := r.viewLocked(), r.listeners
	r.mu.Unlock()

	metrics.IncrementCounter("optimistic_applied_total", map[string]string{"kind": m.Kind.String()}, "Optimistic mutations applied locally")
	notify(listeners, views)
	return o.localID, nil
}

// startLocked chains o behind the previous unsettled mutation of its entity.
func (r *Reconciler) startLocked(ctx context.Context, o *op) {
	prev := r.chains[o.entity]
	done := make(chan struct{})
	o.done = done
	r.chains[o.entity] = done

	go r.commit(ctx, o, prev, done)
}

func (r *Reconciler) commit(ctx context.Context, o *op, prev, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.chains[o.entity] == done {
			delete(r.chains, o.entity)
		}
		r.mu.Unlock()
		close(done)
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			r.settle(o, nil, ctx.Err())
			return
		}
	}

	c := Commit{Kind: o.mutation.Kind, LocalID: o.localID, Draft: o.mutation.Draft}
	if o.mutation.Kind != Create {
		r.mu.Lock()
		it := r.findLocked(o.mutation.Target)
		if it == nil {
			it = r.findLocked(o.entity)
		}
		var target string
		if it != nil {
			target = it.msg.ID
		}
		r.mu.Unlock()

		if target == "" {
			r.settle(o, nil, errors.NewNotFoundError("message", o.mutation.Target).
				WithUserMessage("The message this change applies to was never delivered"))
			return
		}
		c.TargetID = target
	}

	server, err := o.mutation.Commit(ctx, c)
	r.settle(o, server, err)
}

// settle reconciles o with the authoritative outcome.
func (r *Reconciler) settle(o *op, server *models.Message, err error) {
	r.mu.Lock()

	fields := logrus.Fields{
		"local_id": o.localID,
		"kind":     o.mutation.Kind.String(),
	}

	if err != nil {
		o.state = models.RecordFailed
		o.err = errors.GetUserMessage(err)
		switch o.mutation.Kind {
		case Create:
			if it := r.findLocalLocked(o.localID); it != nil && it.state != models.RecordConfirmed {
				it.state = models.RecordFailed
				it.err = o.err
			}
		default:
			// Dropping the overlay restores the collection to what it was
			// before this mutation, with every other change still applied.
			o.overlay = false
		}
		r.removeOpLocked(o)
		r.logger.WithFields(fields).WithError(err).Warn("Optimistic mutation failed")
		metrics.IncrementCounter("optimistic_failed_total", map[string]string{"kind": o.mutation.Kind.String()}, "Optimistic mutations rolled back or marked failed")
	} else {
		o.state = models.RecordConfirmed
		o.err = ""
		o.server = server
		switch o.mutation.Kind {
		case Create:
			if it := r.findLocalLocked(o.localID); it != nil {
				if server != nil {
					it.msg = *server
				}
				it.state = models.RecordConfirmed
				it.err = ""
			}
		case Edit:
			if it := r.findLocked(o.entity); it != nil {
				if server != nil {
					it.msg = *server
				} else {
					it.msg.Content = o.mutation.Draft.Content
				}
			}
		case Delete:
			r.removeItemLocked(o.entity)
		}
		o.overlay = false
		r.removeOpLocked(o)
		r.retireLocked(o.localID)
		r.logger.WithFields(fields).Debug("Optimistic mutation confirmed")
		metrics.IncrementCounter("optimistic_confirmed_total", map[string]string{"kind": o.mutation.Kind.String()}, "Optimistic mutations confirmed by the backend")
	}

	views, listeners := r.viewLocked(), r.listeners
	r.mu.Unlock()
	notify(listeners, views)
}

// Retry re-runs a failed mutation with the same content.
func (r *Reconciler) Retry(ctx context.Context, localID string) error {
	r.mu.Lock()
	o, ok := r.records[localID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownRecord
	}
	if o.state != models.RecordFailed {
		r.mu.Unlock()
		return ErrNotFailed
	}

	switch o.mutation.Kind {
	case Create:
		it := r.findLocalLocked(localID)
		if it == nil {
			r.mu.Unlock()
			return ErrUnknownRecord
		}
		it.state = models.RecordPending
		it.err = ""
	default:
		it := r.findLocked(o.entity)
		if it == nil {
			r.mu.Unlock()
			return errors.NewNotFoundError("message", o.mutation.Target)
		}
		o.overlay = true
	}

	o.state = models.RecordPending
	o.err = ""
	r.seq++
	o.seq = r.seq
	r.ops = append(r.ops, o)
	r.startLocked(ctx, o)
	views, listeners := r.viewLocked(), r.listeners
	r.mu.Unlock()

	notify(listeners, views)
	return nil
}

// Discard drops a failed mutation. A failed create disappears from the collection.
func (r *Reconciler) Discard(localID string) error {
	r.mu.Lock()
	o, ok := r.records[localID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownRecord
	}
	if o.state != models.RecordFailed {
		r.mu.Unlock()
		return ErrNotFailed
	}

	delete(r.records, localID)
	if o.mutation.Kind == Create {
		r.removeItemLocked(localID)
	}
	views, listeners := r.viewLocked(), r.listeners
	r.mu.Unlock()

	notify(listeners, views)
	return nil
}

// ApplyRemote merges an authoritative entity from the change feed. An entity
// that is already visible, confirmed or still pending, is updated in place.
func (r *Reconciler) ApplyRemote(msg models.Message) {
	r.mu.Lock()

	switch it := r.matchRemoteLocked(msg); {
	case it == nil:
		r.items = append(r.items, &item{msg: msg, state: models.RecordConfirmed})
	default:
		it.msg = msg
		it.state = models.RecordConfirmed
		it.err = ""
	}

	views, listeners := r.viewLocked(), r.listeners
	r.mu.Unlock()
	notify(listeners, views)
}

// RemoveRemote drops an entity deleted elsewhere.
func (r *Reconciler) RemoveRemote(id string) {
	r.mu.Lock()
	r.removeItemLocked(id)
	views, listeners := r.viewLocked(), r.listeners
	r.mu.Unlock()
	notify(listeners, views)
}

func (r *Reconciler) matchRemoteLocked(msg models.Message) *item {
	for _, it := range r.items {
		if it.msg.ID != "" && it.msg.ID == msg.ID {
			return it
		}
		if msg.ClientKey != "" && it.localID == msg.ClientKey {
			return it
		}
	}
	return nil
}

// Messages returns the visible collection.
func (r *Reconciler) Messages() []models.MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Record returns the reconciliation state of a mutation.
func (r *Reconciler) Record(localID string) (models.OptimisticRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.records[localID]
	if !ok {
		return models.OptimisticRecord{}, false
	}
	return o.record(), true
}

// Pending counts mutations not yet settled.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Wait blocks until the current run of a mutation settles.
func (r *Reconciler) Wait(ctx context.Context, localID string) (models.OptimisticRecord, error) {
	r.mu.Lock()
	o, ok := r.records[localID]
	if !ok {
		r.mu.Unlock()
		return models.OptimisticRecord{}, ErrUnknownRecord
	}
	done := o.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return models.OptimisticRecord{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return o.record(), nil
}

// viewLocked renders items with the pending overlays applied in issue order.
func (r *Reconciler) viewLocked() []models.MessageView {
	views := make([]models.MessageView, 0, len(r.items))
	for _, it := range r.items {
		views = append(views, models.MessageView{
			Message: it.msg,
			LocalID: it.localID,
			State:   it.state,
			Error:   it.err,
		})
	}

	for _, o := range r.ops {
		if !o.overlay {
			continue
		}
		idx := indexOfEntity(views, o.entity)
		if idx < 0 {
			continue
		}
		switch o.mutation.Kind {
		case Edit:
			views[idx].Content = o.mutation.Draft.Content
			if o.mutation.Draft.MediaURL != "" {
				views[idx].MediaURL = o.mutation.Draft.MediaURL
			}
			views[idx].State = models.RecordPending
		case Delete:
			views = append(views[:idx], views[idx+1:]...)
		}
	}
	return views
}

func indexOfEntity(views []models.MessageView, key string) int {
	for i, v := range views {
		if v.LocalID == key || (v.LocalID == "" && v.ID == key) {
			return i
		}
	}
	return -1
}

func entityKey(it *item) string {
	if it.localID != "" {
		return it.localID
	}
	return it.msg.ID
}

func (r *Reconciler) findLocked(key string) *item {
	for _, it := range r.items {
		if it.localID == key || (it.msg.ID != "" && it.msg.ID == key) {
			return it
		}
	}
	return nil
}

func (r *Reconciler) findLocalLocked(localID string) *item {
	for _, it := range r.items {
		if it.localID == localID {
			return it
		}
	}
	return nil
}

func (r *Reconciler) removeItemLocked(key string) {
	for i, it := range r.items {
		if it.localID == key || (it.msg.ID != "" && it.msg.ID == key) {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

// retireLocked remembers a confirmed record and forgets the oldest ones
// beyond the retention bound.
func (r *Reconciler) retireLocked(localID string) {
	r.confirmed = append(r.confirmed, localID)
	for len(r.confirmed) > r.retain {
		oldest := r.confirmed[0]
		r.confirmed = r.confirmed[1:]
		if o, ok := r.records[oldest]; ok && o.state == models.RecordConfirmed {
			delete(r.records, oldest)
		}
	}
}

func (r *Reconciler) removeOpLocked(o *op) {
	for i, p := range r.ops {
		if p == o {
			r.ops = append(r.ops[:i], r.ops[i+1:]...)
			return
		}
	}
}

func notify(listeners []func([]models.MessageView), views []models.MessageView) {
	for _, fn := range listeners {
		fn(views)
	}
}
