package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/models"
	"chatrelay/internal/network"
	"chatrelay/internal/optimistic"
	"chatrelay/internal/queue"
	"chatrelay/internal/retry"
	"chatrelay/internal/scheduler"
	"chatrelay/internal/security"
	"chatrelay/internal/validation"

	"github.com/sirupsen/logrus"
)

// RecordStore is the record-storage backend. Every write carries an
// idempotency key that is stable across retries of the same intent.
type RecordStore interface {
	CreateMessage(ctx context.Context, idempotencyKey string, draft models.Message) (*models.Message, error)
	UploadMedia(ctx context.Context, idempotencyKey string, upload models.UploadMediaPayload) (*models.Message, error)
	UpdateMessage(ctx context.Context, idempotencyKey, id, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, idempotencyKey, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// MessengerDeps are the collaborators a Messenger composes.
type MessengerDeps struct {
	Store      RecordStore
	Queue      *queue.Queue
	Retry      *retry.Controller
	Scheduler  *scheduler.Scheduler
	Reconciler *optimistic.Reconciler
	Network    *network.Monitor
	SenderID   string
}

// Messenger drives outgoing message and media actions: creates go through
// the durable queue, edits and deletes through the retry controller, and
// all of them are shown optimistically.
type Messenger struct {
	deps   MessengerDeps
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewMessenger(deps MessengerDeps, logger *logrus.Logger) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{deps: deps, logger: logger, ctx: ctx, cancel: cancel}

	deps.Queue.Handle(models.ActionSendMessage, m.handleSendMessage)
	deps.Queue.Handle(models.ActionUploadMedia, m.handleUploadMedia)
	deps.Queue.OnOutcome(m.onQueueOutcome)
	deps.Network.OnChange(m.onLinkChange)
	return m
}

// Start restores persisted actions, then begins draining and probing.
func (m *Messenger) Start(ctx context.Context) error {
	restored, err := m.deps.Queue.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore action queue: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deps.Queue.Run(m.ctx)
	}()
	m.deps.Network.Start(m.ctx)

	m.logger.WithFields(logrus.Fields{
		LogFieldComponent: "messenger",
		LogFieldCount:     restored,
	}).Info("Messenger started")
	return nil
}

// Close stops background loops. Queued actions stay persisted.
func (m *Messenger) Close() {
	m.once.Do(func() {
		m.deps.Network.Stop()
		m.cancel()
		m.wg.Wait()
	})
}

// SendMessage shows the message immediately and delivers it through the
// durable queue. The action is persisted before SendMessage returns, so
// sends from one caller are delivered in call order. The returned local id
// tracks the message until confirmation; if persisting fails the entry is
// marked failed and the error is returned with its local id.
func (m *Messenger) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	if err := validation.ValidateID("conversation_id", conversationID); err != nil {
		return "", err
	}
	if content == "" {
		return "", errors.NewValidationError("content", "message cannot be empty")
	}
	if err := validation.ValidateStringLength(content, "content", 1, constants.MaxMessageLength); err != nil {
		return "", err
	}

	m.userAction()
	draft := models.Message{
		ConversationID: conversationID,
		SenderID:       m.deps.SenderID,
		Content:        content,
	}
	localID, err := m.createQueued(ctx, models.ActionSendMessage, draft, func(localID string) any {
		return models.SendMessagePayload{
			ConversationID: conversationID,
			Content:        content,
			LocalID:        localID,
		}
	})
	if err != nil {
		return localID, err
	}

	LogWithContext(ctx, m.logger).WithFields(logrus.Fields{
		LogFieldLocalID:        localID,
		LogFieldConversationID: conversationID,
		LogFieldContent:        contentField(ctx, content),
	}).Debug("Message queued for delivery")
	return localID, nil
}

// UploadMedia shows a media message immediately and uploads it through the
// durable queue.
func (m *Messenger) UploadMedia(ctx context.Context, conversationID, filePath, mimeType, caption string) (string, error) {
	if err := validation.ValidateID("conversation_id", conversationID); err != nil {
		return "", err
	}
	if err := security.ValidateFilePath(filePath); err != nil {
		return "", errors.NewValidationError("file_path", err.Error())
	}
	if mimeType == "" {
		return "", errors.NewValidationError("mime_type", "mime type is required")
	}
	if err := validation.ValidateStringLength(caption, "caption", 0, constants.MaxMediaCaptionLength); err != nil {
		return "", err
	}

	m.userAction()
	draft := models.Message{
		ConversationID: conversationID,
		SenderID:       m.deps.SenderID,
		Content:        caption,
		MediaURL:       filePath,
	}
	localID, err := m.createQueued(ctx, models.ActionUploadMedia, draft, func(localID string) any {
		return models.UploadMediaPayload{
			ConversationID: conversationID,
			FilePath:       filePath,
			MimeType:       mimeType,
			Caption:        caption,
			LocalID:        localID,
		}
	})
	if err != nil {
		return localID, err
	}

	LogWithContext(ctx, m.logger).WithFields(logrus.Fields{
		LogFieldLocalID:        localID,
		LogFieldConversationID: conversationID,
		LogFieldMediaType:      mimeType,
	}).Debug("Media upload queued")
	return localID, nil
}

// EditMessage applies an edit locally and commits it with retries. target is
// a server id or the local id of a message still being sent.
func (m *Messenger) EditMessage(ctx context.Context, target, content string) (string, error) {
	if content == "" {
		return "", errors.NewValidationError("content", "message cannot be empty")
	}
	if err := validation.ValidateStringLength(content, "content", 1, constants.MaxMessageLength); err != nil {
		return "", err
	}

	m.userAction()
	return m.deps.Reconciler.ApplyOptimistic(m.ctx, optimistic.Mutation{
		Kind:   optimistic.Edit,
		Target: target,
		Draft:  models.Message{Content: content},
		Commit: func(ctx context.Context, c optimistic.Commit) (*models.Message, error) {
			value, err := m.commitDirect(ctx, "edit:"+c.LocalID, func(ctx context.Context, key string) (any, error) {
				return m.deps.Store.UpdateMessage(ctx, key, c.TargetID, c.Draft.Content)
			})
			if err != nil {
				return nil, err
			}
			msg, _ := value.(*models.Message)
			return msg, nil
		},
	})
}

// DeleteMessage hides a message locally and commits the delete with retries.
// On failure the message reappears in its original position.
func (m *Messenger) DeleteMessage(ctx context.Context, target string) (string, error) {
	m.userAction()
	return m.deps.Reconciler.ApplyOptimistic(m.ctx, optimistic.Mutation{
		Kind:   optimistic.Delete,
		Target: target,
		Commit: func(ctx context.Context, c optimistic.Commit) (*models.Message, error) {
			_, err := m.commitDirect(ctx, "delete:"+c.LocalID, func(ctx context.Context, key string) (any, error) {
				return nil, m.deps.Store.DeleteMessage(ctx, key, c.TargetID)
			})
			return nil, err
		},
	})
}

// RetryMessage re-runs a failed mutation.
func (m *Messenger) RetryMessage(ctx context.Context, localID string) error {
	m.userAction()
	return m.deps.Reconciler.Retry(m.ctx, localID)
}

// Discard drops a failed mutation.
func (m *Messenger) Discard(localID string) error {
	return m.deps.Reconciler.Discard(localID)
}

// Refresh fetches a conversation in the background at low priority. It is
// the first thing cancelled when the user acts.
func (m *Messenger) Refresh(ctx context.Context, conversationID string) *scheduler.Future {
	return m.deps.Scheduler.Submit(ctx, func(ctx context.Context) (any, error) {
		msgs, err := m.deps.Store.ListMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			m.deps.Reconciler.ApplyRemote(msg)
		}
		return len(msgs), nil
	}, scheduler.Low)
}

// ApplyRemote merges a change-feed arrival.
func (m *Messenger) ApplyRemote(msg models.Message) {
	m.deps.Reconciler.ApplyRemote(msg)
}

// RemoveRemote applies a change-feed deletion.
func (m *Messenger) RemoveRemote(id string) {
	m.deps.Reconciler.RemoveRemote(id)
}

func (m *Messenger) Messages() []models.MessageView {
	return m.deps.Reconciler.Messages()
}

// Wait blocks until the mutation identified by localID settles.
func (m *Messenger) Wait(ctx context.Context, localID string) (models.OptimisticRecord, error) {
	return m.deps.Reconciler.Wait(ctx, localID)
}

func (m *Messenger) IsOnline() bool {
	return m.deps.Network.IsOnline()
}

// PendingCount is the number of actions still in the durable queue.
func (m *Messenger) PendingCount() int {
	return m.deps.Queue.Size()
}

func (m *Messenger) userAction() {
	if n := m.deps.Scheduler.CancelLowPriority(); n > 0 {
		m.logger.WithField(LogFieldCount, n).Debug("Cancelled background work for user action")
	}
}

// queuedAction is an action persisted by the caller of createQueued and
// handed to the commit that waits on it.
type queuedAction struct {
	action *models.QueuedAction
	watch  <-chan queue.Outcome
	err    error
}

// createQueued shows draft, persists its action synchronously and lets the
// optimistic commit wait for the queue to settle it. A retried create
// enqueues a fresh action.
func (m *Messenger) createQueued(ctx context.Context, kind models.ActionKind, draft models.Message, payload func(localID string) any) (string, error) {
	handoff := make(chan queuedAction, 1)
	localID, err := m.deps.Reconciler.ApplyOptimistic(m.ctx, optimistic.Mutation{
		Kind:  optimistic.Create,
		Draft: draft,
		Commit: func(ctx context.Context, c optimistic.Commit) (*models.Message, error) {
			var qa queuedAction
			select {
			case h, first := <-handoff:
				if first {
					qa = h
				} else {
					qa.action, qa.watch, qa.err = m.deps.Queue.EnqueueWatch(ctx, kind, payload(c.LocalID))
					if qa.err == nil {
						m.deps.Queue.Drain(m.ctx)
					}
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if qa.err != nil {
				return nil, qa.err
			}
			return m.awaitQueued(ctx, qa.action, qa.watch)
		},
	})
	if err != nil {
		return "", err
	}

	var qa queuedAction
	qa.action, qa.watch, qa.err = m.deps.Queue.EnqueueWatch(ctx, kind, payload(localID))
	handoff <- qa
	close(handoff)
	if qa.err != nil {
		return localID, qa.err
	}
	m.deps.Queue.Drain(m.ctx)
	return localID, nil
}

// awaitQueued waits for the queue to settle a persisted action. While
// offline the wait lasts until connectivity returns.
func (m *Messenger) awaitQueued(ctx context.Context, action *models.QueuedAction, watch <-chan queue.Outcome) (*models.Message, error) {
	select {
	case o := <-watch:
		if o.Err != nil {
			return nil, o.Err
		}
		msg, _ := o.Result.(*models.Message)
		return msg, nil
	case <-ctx.Done():
		m.logger.WithField(LogFieldActionID, action.ID).Debug("Stopped waiting for queued action")
		return nil, ctx.Err()
	}
}

func (m *Messenger) commitDirect(ctx context.Context, key string, fn retry.AttemptFunc) (any, error) {
	pending, err := m.deps.Retry.Execute(ctx, retry.Task{Key: key, Priority: scheduler.High}, fn)
	if err != nil {
		return nil, err
	}
	o, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return o.Value, o.Err
}

func (m *Messenger) handleSendMessage(ctx context.Context, action *models.QueuedAction) (any, error) {
	var p models.SendMessagePayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "corrupt send-message payload")
	}
	return m.deps.Store.CreateMessage(ctx, action.IdempotencyKey, models.Message{
		ClientKey:      p.LocalID,
		ConversationID: p.ConversationID,
		SenderID:       m.deps.SenderID,
		Content:        p.Content,
	})
}

func (m *Messenger) handleUploadMedia(ctx context.Context, action *models.QueuedAction) (any, error) {
	var p models.UploadMediaPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "corrupt upload-media payload")
	}
	if err := security.ValidateFilePath(p.FilePath); err != nil {
		return nil, errors.NewValidationError("file_path", err.Error())
	}
	return m.deps.Store.UploadMedia(ctx, action.IdempotencyKey, p)
}

// onQueueOutcome surfaces deliveries of actions restored from storage,
// which have no optimistic entry in this process.
func (m *Messenger) onQueueOutcome(o queue.Outcome) {
	fields := logrus.Fields{
		LogFieldActionID: o.Action.ID,
		LogFieldAttempt:  o.Action.Attempts,
	}
	if o.Err != nil {
		fields[LogFieldErrorCode] = errors.GetCode(o.Err)
		m.logger.WithFields(fields).Error("Action failed and will not be retried")
		return
	}
	if msg, ok := o.Result.(*models.Message); ok && msg != nil {
		m.deps.Reconciler.ApplyRemote(*msg)
		fields[LogFieldMessageID] = msg.ID
	}
	m.logger.WithFields(fields).Debug("Action delivered")
}

func (m *Messenger) onLinkChange(online bool, quality scheduler.LinkQuality) {
	m.deps.Scheduler.AdjustForQuality(quality)
	m.logger.WithFields(logrus.Fields{
		LogFieldQuality: quality.String(),
		"online":        online,
	}).Info("Connectivity changed")
	if online {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deps.Queue.Drain(m.ctx)
		}()
	}
}
