package optimistic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler() *Reconciler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewReconciler(logger)
}

func waitSettled(t *testing.T, r *Reconciler, localID string) models.OptimisticRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := r.Wait(ctx, localID)
	require.NoError(t, err)
	return rec
}

func seed(r *Reconciler, ids ...string) {
	for _, id := range ids {
		r.ApplyRemote(models.Message{ID: id, ConversationID: "conv", Content: "content " + id})
	}
}

func serverCreate(id string) CommitFunc {
	return func(ctx context.Context, c Commit) (*models.Message, error) {
		msg := c.Draft
		msg.ID = id
		return &msg, nil
	}
}

func failing(err error) CommitFunc {
	return func(ctx context.Context, c Commit) (*models.Message, error) {
		return nil, err
	}
}

func TestCreate_ReplacedInPlaceOnSuccess(t *testing.T) {
	r := newTestReconciler()
	seed(r, "m1")

	release := make(chan struct{})
	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:  Create,
		Draft: models.Message{ConversationID: "conv", Content: "hello"},
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			<-release
			msg := c.Draft
			msg.ID = "m2"
			return &msg, nil
		},
	})
	require.NoError(t, err)

	views := r.Messages()
	require.Len(t, views, 2)
	assert.Equal(t, localID, views[1].LocalID)
	assert.Equal(t, models.RecordPending, views[1].State)
	assert.Empty(t, views[1].ID)
	assert.Equal(t, localID, views[1].ClientKey)
	seed(r, "m3")

	close(release)
	rec := waitSettled(t, r, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)
	require.NotNil(t, rec.ServerEntity)
	assert.Equal(t, "m2", rec.ServerEntity.ID)

	views = r.Messages()
	require.Len(t, views, 3, "no duplicate after confirmation")
	assert.Equal(t, "m1", views[0].ID)
	assert.Equal(t, "m2", views[1].ID, "confirmed entity keeps its position")
	assert.Equal(t, "hello", views[1].Content)
	assert.Equal(t, models.RecordConfirmed, views[1].State)
	assert.Equal(t, "m3", views[2].ID)
	assert.Equal(t, 0, r.Pending())
}

func TestCreate_FailureMarksFailedThenRetrySucceeds(t *testing.T) {
	r := newTestReconciler()

	var calls int32
	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:  Create,
		Draft: models.Message{ConversationID: "conv", Content: "flaky"},
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errors.New("network unreachable")
			}
			msg := c.Draft
			msg.ID = "srv-1"
			return &msg, nil
		},
	})
	require.NoError(t, err)

	rec := waitSettled(t, r, localID)
	assert.Equal(t, models.RecordFailed, rec.State)
	views := r.Messages()
	require.Len(t, views, 1, "failed entry stays visible")
	assert.Equal(t, models.RecordFailed, views[0].State)
	assert.NotEmpty(t, views[0].Error)

	require.NoError(t, r.Retry(context.Background(), localID))
	rec = waitSettled(t, r, localID)
	assert.Equal(t, models.RecordConfirmed, rec.State)

	views = r.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "srv-1", views[0].ID)
	assert.Equal(t, "flaky", views[0].Content, "retry resends the same content")
	assert.ErrorIs(t, r.Retry(context.Background(), localID), ErrNotFailed)
}

func TestCreate_DiscardRemovesFailedEntry(t *testing.T) {
	r := newTestReconciler()
	seed(r, "m1")

	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Create,
		Draft:  models.Message{Content: "never"},
		Commit: failing(errors.New("rejected")),
	})
	require.NoError(t, err)
	waitSettled(t, r, localID)

	require.NoError(t, r.Discard(localID))
	views := r.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "m1", views[0].ID)
	assert.ErrorIs(t, r.Discard(localID), ErrUnknownRecord)
}

func TestEdit_FailureRestoresSnapshotExactly(t *testing.T) {
	r := newTestReconciler()
	seed(r, "m1", "m2", "m3")
	before := r.Messages()

	release := make(chan struct{})
	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Edit,
		Target: "m2",
		Draft:  models.Message{Content: "edited"},
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			<-release
			return nil, errors.New("conflict")
		},
	})
	require.NoError(t, err)

	during := r.Messages()
	assert.Equal(t, "edited", during[1].Content)
	assert.Equal(t, models.RecordPending, during[1].State)

	close(release)
	rec := waitSettled(t, r, localID)
	assert.Equal(t, models.RecordFailed, rec.State)
	assert.Equal(t, before, r.Messages())
}

func TestDelete_FailureRestoresPosition(t *testing.T) {
	r := newTestReconciler()
	seed(r, "m1", "m2", "m3")
	before := r.Messages()

	release := make(chan struct{})
	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Delete,
		Target: "m2",
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			<-release
			return nil, errors.New("forbidden")
		},
	})
	require.NoError(t, err)

	during := r.Messages()
	require.Len(t, during, 2)
	assert.Equal(t, "m3", during[1].ID)

	close(release)
	waitSettled(t, r, localID)
	assert.Equal(t, before, r.Messages())
}

func TestDelete_SuccessRemoves(t *testing.T) {
	r := newTestReconciler()
	seed(r, "m1", "m2")

	var target string
	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Delete,
		Target: "m1",
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			target = c.TargetID
			return nil, nil
		},
	})
	require.NoError(t, err)
	waitSettled(t, r, localID)

	views := r.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "m2", views[0].ID)
	assert.Equal(t, "m1", target)
}

func TestEdit_UnknownTarget(t *testing.T) {
	r := newTestReconciler()
	_, err := r.ApplyOptimistic(context.Background(), Mutation{Kind: Edit, Target: "ghost", Commit: failing(nil)})
	assert.Error(t, err)
}

func TestSameEntityMutationsCommitInIssueOrder(t *testing.T) {
	r := newTestReconciler()
	seed(r, "m1")

	var mu sync.Mutex
	var order []string
	var active int32
	gates := []chan struct{}{make(chan struct{}), make(chan struct{}), make(chan struct{})}

	var ids []string
	for i := 0; i < 3; i++ {
		i := i
		id, err := r.ApplyOptimistic(context.Background(), Mutation{
			Kind:   Edit,
			Target: "m1",
			Draft:  models.Message{Content: fmt.Sprintf("v%d", i+1)},
			Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
				assert.Equal(t, int32(1), atomic.AddInt32(&active, 1), "commits on one entity never overlap")
				<-gates[i]
				mu.Lock()
				order = append(order, c.Draft.Content)
				mu.Unlock()
				atomic.AddInt32(&active, -1)
				return &models.Message{ID: "m1", Content: c.Draft.Content}, nil
			},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, "v3", r.Messages()[0].Content, "local effects apply in source order")

	// release out of order; commits must still land in issue order
	close(gates[2])
	close(gates[1])
	time.Sleep(20 * time.Millisecond)
	close(gates[0])

	for _, id := range ids {
		waitSettled(t, r, id)
	}
	assert.Equal(t, []string{"v1", "v2", "v3"}, order)
	assert.Equal(t, "v3", r.Messages()[0].Content)
}

func TestEditOfPendingCreateResolvesServerID(t *testing.T) {
	r := newTestReconciler()

	release := make(chan struct{})
	createID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:  Create,
		Draft: models.Message{Content: "typo"},
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			<-release
			msg := c.Draft
			msg.ID = "srv-9"
			return &msg, nil
		},
	})
	require.NoError(t, err)

	var editedTarget string
	editID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Edit,
		Target: createID,
		Draft:  models.Message{Content: "fixed"},
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			editedTarget = c.TargetID
			return &models.Message{ID: c.TargetID, Content: c.Draft.Content}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", r.Messages()[0].Content)

	close(release)
	waitSettled(t, r, createID)
	waitSettled(t, r, editID)

	assert.Equal(t, "srv-9", editedTarget)
	views := r.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "srv-9", views[0].ID)
	assert.Equal(t, "fixed", views[0].Content)
}

func TestEditOfFailedCreateFails(t *testing.T) {
	r := newTestReconciler()

	createID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Create,
		Draft:  models.Message{Content: "lost"},
		Commit: failing(errors.New("offline")),
	})
	require.NoError(t, err)
	editID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Edit,
		Target: createID,
		Draft:  models.Message{Content: "still lost"},
		Commit: failing(errors.New("must not be called")),
	})
	require.NoError(t, err)

	rec := waitSettled(t, r, editID)
	assert.Equal(t, models.RecordFailed, rec.State)
	views := r.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "lost", views[0].Content)
	assert.Equal(t, models.RecordFailed, views[0].State)
}

func TestApplyRemote_NeverDuplicates(t *testing.T) {
	r := newTestReconciler()

	release := make(chan struct{})
	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:  Create,
		Draft: models.Message{Content: "echo"},
		Commit: func(ctx context.Context, c Commit) (*models.Message, error) {
			<-release
			msg := c.Draft
			msg.ID = "srv-echo"
			return &msg, nil
		},
	})
	require.NoError(t, err)

	// the change feed delivers our own message before the commit returns
	r.ApplyRemote(models.Message{ID: "srv-echo", ClientKey: localID, Content: "echo"})
	require.Len(t, r.Messages(), 1)

	close(release)
	waitSettled(t, r, localID)
	r.ApplyRemote(models.Message{ID: "srv-echo", Content: "echo"})

	views := r.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "srv-echo", views[0].ID)
	assert.Equal(t, models.RecordConfirmed, views[0].State)

	r.RemoveRemote("srv-echo")
	assert.Empty(t, r.Messages())
}

func TestOnChange_ReceivesEveryTransition(t *testing.T) {
	r := newTestReconciler()

	var mu sync.Mutex
	var states []models.RecordState
	r.OnChange(func(views []models.MessageView) {
		mu.Lock()
		defer mu.Unlock()
		if len(views) > 0 {
			states = append(states, views[0].State)
		}
	})

	localID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Create,
		Draft:  models.Message{Content: "observed"},
		Commit: serverCreate("srv-o"),
	})
	require.NoError(t, err)
	waitSettled(t, r, localID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.RecordState{models.RecordPending, models.RecordConfirmed}, states)
}

func TestApplyOptimistic_RequiresCommit(t *testing.T) {
	r := newTestReconciler()
	_, err := r.ApplyOptimistic(context.Background(), Mutation{Kind: Create})
	assert.Error(t, err)
}

func TestConfirmedRecordsAreBounded(t *testing.T) {
	r := newTestReconciler()
	r.retain = 3

	failedID, err := r.ApplyOptimistic(context.Background(), Mutation{
		Kind:   Create,
		Draft:  models.Message{Content: "rejected"},
		Commit: failing(errors.New("rejected")),
	})
	require.NoError(t, err)
	waitSettled(t, r, failedID)

	var confirmed []string
	for i := 0; i < 6; i++ {
		localID, err := r.ApplyOptimistic(context.Background(), Mutation{
			Kind:   Create,
			Draft:  models.Message{Content: fmt.Sprintf("message %d", i)},
			Commit: serverCreate(fmt.Sprintf("srv-%d", i)),
		})
		require.NoError(t, err)
		assert.Equal(t, models.RecordConfirmed, waitSettled(t, r, localID).State)
		confirmed = append(confirmed, localID)
	}

	for _, id := range confirmed[:3] {
		_, ok := r.Record(id)
		assert.False(t, ok, "oldest confirmed records are forgotten")
		_, err := r.Wait(context.Background(), id)
		assert.ErrorIs(t, err, ErrUnknownRecord)
	}
	for _, id := range confirmed[3:] {
		rec, ok := r.Record(id)
		require.True(t, ok)
		assert.Equal(t, models.RecordConfirmed, rec.State)
	}
	assert.Len(t, r.Messages(), 7, "forgetting a record leaves the collection intact")

	rec, ok := r.Record(failedID)
	require.True(t, ok, "failed records are kept for retry")
	assert.Equal(t, models.RecordFailed, rec.State)
	require.NoError(t, r.Discard(failedID))
}
