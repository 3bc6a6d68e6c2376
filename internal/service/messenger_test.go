package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/database"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"
	"chatrelay/internal/network"
	"chatrelay/internal/optimistic"
	"chatrelay/internal/queue"
	"chatrelay/internal/retry"
	"chatrelay/internal/scheduler"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRecordStore struct {
	mock.Mock
}

func (m *mockRecordStore) CreateMessage(ctx context.Context, key string, draft models.Message) (*models.Message, error) {
	args := m.Called(ctx, key, draft)
	if fn, ok := args.Get(0).(func(models.Message) *models.Message); ok {
		return fn(draft), args.Error(1)
	}
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockRecordStore) UploadMedia(ctx context.Context, key string, upload models.UploadMediaPayload) (*models.Message, error) {
	args := m.Called(ctx, key, upload)
	if fn, ok := args.Get(0).(func(models.UploadMediaPayload) *models.Message); ok {
		return fn(upload), args.Error(1)
	}
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockRecordStore) UpdateMessage(ctx context.Context, key, id, content string) (*models.Message, error) {
	args := m.Called(ctx, key, id, content)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockRecordStore) DeleteMessage(ctx context.Context, key, id string) error {
	args := m.Called(ctx, key, id)
	return args.Error(0)
}

func (m *mockRecordStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs, args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type messengerHarness struct {
	messenger *Messenger
	store     *mockRecordStore
	network   *network.Monitor
	scheduler *scheduler.Scheduler
	queue     *queue.Queue
	db        *database.Database
}

func newMessengerHarness(t *testing.T) *messengerHarness {
	t.Helper()
	logger := testLogger()

	db, err := database.New(filepath.Join(t.TempDir(), "messenger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sched := scheduler.New(3, logger)
	ctrl := retry.NewController(sched, retry.Schedule{5 * time.Millisecond, 10 * time.Millisecond}, 3, logger)
	t.Cleanup(func() {
		ctrl.Close()
		sched.Close()
	})

	monitor := network.NewMonitor(nil, models.NetworkConfig{}, logger)
	store := &mockRecordStore{}
	q := queue.New(db, ctrl, monitor, logger, queue.WithDrainInterval(time.Hour))
	m := NewMessenger(MessengerDeps{
		Store:      store,
		Queue:      q,
		Retry:      ctrl,
		Scheduler:  sched,
		Reconciler: optimistic.NewReconciler(logger),
		Network:    monitor,
		SenderID:   "endpoint-alice",
	}, logger)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)

	return &messengerHarness{messenger: m, store: store, network: monitor, scheduler: sched, queue: q, db: db}
}

func waitRecord(t *testing.T, m *Messenger, localID string) models.OptimisticRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := m.Wait(ctx, localID)
	require.NoError(t, err)
	return rec
}

func serverMessage(id, clientKey, content string) *models.Message {
	return &models.Message{
		ID:             id,
		ClientKey:      clientKey,
		ConversationID: "conv-1",
		SenderID:       "endpoint-alice",
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// echo answers a create the way the backend does, echoing the client key.
func echo(id string) func(models.Message) *models.Message {
	return func(d models.Message) *models.Message {
		return serverMessage(id, d.ClientKey, d.Content)
	}
}

func TestSendMessage_ConfirmsInPlace(t *testing.T) {
	h := newMessengerHarness(t)

	h.store.On("CreateMessage", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(d models.Message) bool {
		return d.Content == "hello" && d.ConversationID == "conv-1" && d.ClientKey != ""
	})).Return(echo("srv-1"), nil).Once()

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "hello")
	require.NoError(t, err)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	require.NotNil(t, rec.ServerEntity)
	assert.Equal(t, "srv-1", rec.ServerEntity.ID)

	views := h.messenger.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "srv-1", views[0].ID)
	assert.Equal(t, models.RecordConfirmed, views[0].State)
	assert.Equal(t, 0, h.messenger.PendingCount())
	h.store.AssertExpectations(t)
}

func TestSendMessage_ShownBeforeDelivery(t *testing.T) {
	h := newMessengerHarness(t)
	h.network.SetOnline(false)
	assert.False(t, h.messenger.IsOnline())

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "while offline")
	require.NoError(t, err)

	views := h.messenger.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, localID, views[0].LocalID)
	assert.Equal(t, models.RecordPending, views[0].State)
	assert.Eventually(t, func() bool { return h.messenger.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	h.store.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything)

	h.store.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(serverMessage("srv-9", localID, "while offline"), nil).Once()
	h.network.SetOnline(true)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	assert.Equal(t, 0, h.messenger.PendingCount())
}

func TestSendMessage_PersistedInSendOrder(t *testing.T) {
	h := newMessengerHarness(t)
	h.network.SetOnline(false)

	const sends = 50
	var localIDs []string
	for i := 0; i < sends; i++ {
		localID, err := h.messenger.SendMessage(context.Background(), "conv-1", fmt.Sprintf("msg-%02d", i))
		require.NoError(t, err)
		localIDs = append(localIDs, localID)
		// Durable before SendMessage returns, not eventually.
		require.Equal(t, i+1, h.messenger.PendingCount())
	}

	snapshot := h.queue.Snapshot()
	require.Len(t, snapshot, sends)
	for i, action := range snapshot {
		var p models.SendMessagePayload
		require.NoError(t, json.Unmarshal(action.Payload, &p))
		assert.Equal(t, localIDs[i], p.LocalID, "queue position %d", i)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), p.Content)
	}

	restored := queue.New(h.db, nil, h.network, testLogger())
	n, err := restored.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sends, n)
}

func TestSendMessage_PersistFailureMarksFailed(t *testing.T) {
	h := newMessengerHarness(t)
	require.NoError(t, h.db.Close())

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "lost disk")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDatabaseQuery, apperrors.GetCode(err))
	require.NotEmpty(t, localID)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordFailed, rec.State)
	assert.Equal(t, 0, h.messenger.PendingCount())
	h.store.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessage_RetriesWithSameIdempotencyKey(t *testing.T) {
	h := newMessengerHarness(t)

	var keys []string
	h.store.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { keys = append(keys, args.String(1)) }).
		Return(nil, apperrors.NewAPIError("backend", "/messages", 503, nil)).Once()
	h.store.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { keys = append(keys, args.String(1)) }).
		Return(echo("srv-2"), nil).Once()

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "flaky")
	require.NoError(t, err)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestSendMessage_PermanentFailureThenRetry(t *testing.T) {
	h := newMessengerHarness(t)

	h.store.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.NewAPIError("backend", "/messages", 422, nil)).Once()

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "rejected")
	require.NoError(t, err)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordFailed, rec.State)
	views := h.messenger.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, models.RecordFailed, views[0].State)
	assert.Equal(t, 0, h.messenger.PendingCount())

	h.store.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(serverMessage("srv-3", localID, "rejected"), nil).Once()
	require.NoError(t, h.messenger.RetryMessage(context.Background(), localID))

	rec = waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	require.Len(t, h.messenger.Messages(), 1)
}

func TestDiscard_RemovesFailedMessage(t *testing.T) {
	h := newMessengerHarness(t)
	h.store.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.NewAPIError("backend", "/messages", 400, nil)).Once()

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "bad")
	require.NoError(t, err)
	waitRecord(t, h.messenger, localID)

	require.NoError(t, h.messenger.Discard(localID))
	assert.Empty(t, h.messenger.Messages())
}

func TestSendMessage_Validation(t *testing.T) {
	h := newMessengerHarness(t)

	tests := []struct {
		name           string
		conversationID string
		content        string
	}{
		{"empty conversation", "", "hi"},
		{"empty content", "conv-1", ""},
		{"content too long", "conv-1", strings.Repeat("x", constants.MaxMessageLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.messenger.SendMessage(context.Background(), tt.conversationID, tt.content)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))
		})
	}
	assert.Empty(t, h.messenger.Messages())
}

func TestUploadMedia(t *testing.T) {
	h := newMessengerHarness(t)

	h.store.On("UploadMedia", mock.Anything, mock.Anything, mock.MatchedBy(func(p models.UploadMediaPayload) bool {
		return p.FilePath == "/tmp/photo.jpg" && p.MimeType == "image/jpeg" && p.Caption == "look" && p.LocalID != ""
	})).Return(func(p models.UploadMediaPayload) *models.Message {
		return &models.Message{ID: "srv-m", ClientKey: p.LocalID, ConversationID: p.ConversationID, Content: p.Caption, MediaURL: "https://media/1"}
	}, nil).Once()

	localID, err := h.messenger.UploadMedia(context.Background(), "conv-1", "/tmp/photo.jpg", "image/jpeg", "look")
	require.NoError(t, err)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	assert.Equal(t, "https://media/1", h.messenger.Messages()[0].MediaURL)

	_, err = h.messenger.UploadMedia(context.Background(), "conv-1", "../etc/passwd", "image/jpeg", "")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))
	_, err = h.messenger.UploadMedia(context.Background(), "conv-1", "/tmp/photo.jpg", "", "")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))
}

func TestEditMessage_CommitsWithStableKey(t *testing.T) {
	h := newMessengerHarness(t)
	h.messenger.ApplyRemote(*serverMessage("srv-1", "", "original"))

	var key string
	h.store.On("UpdateMessage", mock.Anything, mock.Anything, "srv-1", "edited").
		Run(func(args mock.Arguments) { key = args.String(1) }).
		Return(serverMessage("srv-1", "", "edited"), nil).Once()

	localID, err := h.messenger.EditMessage(context.Background(), "srv-1", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", h.messenger.Messages()[0].Content)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	assert.Equal(t, "edit:"+localID, key)
	assert.Equal(t, "edited", h.messenger.Messages()[0].Content)
}

func TestDeleteMessage_FailureRestores(t *testing.T) {
	h := newMessengerHarness(t)
	h.messenger.ApplyRemote(*serverMessage("srv-1", "", "first"))
	h.messenger.ApplyRemote(*serverMessage("srv-2", "", "second"))

	h.store.On("DeleteMessage", mock.Anything, mock.Anything, "srv-1").
		Return(apperrors.NewAPIError("backend", "/messages/srv-1", 403, nil)).Once()

	localID, err := h.messenger.DeleteMessage(context.Background(), "srv-1")
	require.NoError(t, err)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordFailed, rec.State)

	views := h.messenger.Messages()
	require.Len(t, views, 2)
	assert.Equal(t, "srv-1", views[0].ID)
	assert.Equal(t, "srv-2", views[1].ID)
}

func TestDeleteMessage_Success(t *testing.T) {
	h := newMessengerHarness(t)
	h.messenger.ApplyRemote(*serverMessage("srv-1", "", "bye"))
	h.store.On("DeleteMessage", mock.Anything, mock.Anything, "srv-1").Return(nil).Once()

	localID, err := h.messenger.DeleteMessage(context.Background(), "srv-1")
	require.NoError(t, err)

	rec := waitRecord(t, h.messenger, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	assert.Empty(t, h.messenger.Messages())
}

func TestApplyRemote_DoesNotDuplicateOwnSend(t *testing.T) {
	h := newMessengerHarness(t)
	h.network.SetOnline(false)

	localID, err := h.messenger.SendMessage(context.Background(), "conv-1", "echo")
	require.NoError(t, err)

	// The change feed delivers our own message before the create returns.
	h.messenger.ApplyRemote(*serverMessage("srv-5", localID, "echo"))
	views := h.messenger.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "srv-5", views[0].ID)

	h.messenger.RemoveRemote("srv-5")
	assert.Empty(t, h.messenger.Messages())
}

func TestRefresh_MergesHistory(t *testing.T) {
	h := newMessengerHarness(t)
	h.store.On("ListMessages", mock.Anything, "conv-1").
		Return([]models.Message{*serverMessage("srv-1", "", "a"), *serverMessage("srv-2", "", "b")}, nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := h.messenger.Refresh(ctx, "conv-1").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.messenger.Messages(), 2)
}

func TestUserActionCancelsBackgroundRefresh(t *testing.T) {
	h := newMessengerHarness(t)
	// Offline pauses dispatch, so the refresh stays pending.
	h.network.SetOnline(false)
	assert.True(t, h.scheduler.Stats().Paused)

	future := h.messenger.Refresh(context.Background(), "conv-1")
	_, err := h.messenger.SendMessage(context.Background(), "conv-1", "urgent")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, scheduler.ErrCancelled)
	h.store.AssertNotCalled(t, "ListMessages", mock.Anything, mock.Anything)
}

func TestLinkQualityDrivesConcurrency(t *testing.T) {
	h := newMessengerHarness(t)

	h.network.SetOnline(false)
	assert.True(t, h.scheduler.Stats().Paused)

	h.network.SetOnline(true)
	stats := h.scheduler.Stats()
	assert.False(t, stats.Paused)
	assert.Equal(t, 5, stats.MaxConcurrency)
}
