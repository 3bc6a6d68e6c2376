package database

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "chatrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newAction(id string, at time.Time) *models.QueuedAction {
	payload, _ := json.Marshal(models.SendMessagePayload{ConversationID: "conv-1", Content: "hi " + id})
	return &models.QueuedAction{
		ID:             id,
		Kind:           models.ActionSendMessage,
		Payload:        payload,
		IdempotencyKey: id,
		EnqueuedAt:     at,
	}
}

func TestNew_RejectsTraversal(t *testing.T) {
	_, err := New("../../chatrelay.db")
	assert.Error(t, err)
}

func TestActions_RoundTripInEnqueueOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, db.SaveAction(ctx, constants.ActionQueueNamespace, newAction(id, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, db.SaveAction(ctx, "other.namespace", newAction("x", base)))

	actions, err := db.LoadActions(ctx, constants.ActionQueueNamespace)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, "c", actions[0].ID)
	assert.Equal(t, "a", actions[1].ID)
	assert.Equal(t, "b", actions[2].ID)
	assert.True(t, base.Equal(actions[0].EnqueuedAt))
	assert.Equal(t, models.ActionSendMessage, actions[0].Kind)

	var payload models.SendMessagePayload
	require.NoError(t, json.Unmarshal(actions[0].Payload, &payload))
	assert.Equal(t, "hi c", payload.Content)
}

func TestActions_DuplicateIDRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveAction(ctx, constants.ActionQueueNamespace, newAction("dup", time.Now())))
	assert.Error(t, db.SaveAction(ctx, constants.ActionQueueNamespace, newAction("dup", time.Now())))
}

func TestActions_UpdateAttemptAndDelete(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ns := constants.ActionQueueNamespace

	require.NoError(t, db.SaveAction(ctx, ns, newAction("a1", time.Now())))
	at := time.Now().Truncate(time.Millisecond)
	require.NoError(t, db.UpdateActionAttempt(ctx, ns, "a1", 2, "connection reset", at))

	actions, err := db.LoadActions(ctx, ns)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 2, actions[0].Attempts)
	assert.Equal(t, "connection reset", actions[0].LastError)
	require.NotNil(t, actions[0].LastAttemptAt)
	assert.True(t, at.Equal(*actions[0].LastAttemptAt))

	removed, err := db.DeleteAction(ctx, ns, "a1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = db.DeleteAction(ctx, ns, "a1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestActions_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveAction(ctx, constants.ActionQueueNamespace, newAction("persisted", time.Now())))
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()

	actions, err := db.LoadActions(ctx, constants.ActionQueueNamespace)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "persisted", actions[0].ID)
}

func envelope(id, callID, from, to string, typ models.SignalType) *models.SignalEnvelope {
	return &models.SignalEnvelope{
		ID:        id,
		CallID:    callID,
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   `{"sdp":"v=0"}`,
		CreatedAt: time.Now(),
	}
}

func TestTakeEnvelopes_FIFOAndDestructive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveEnvelope(ctx, envelope("e1", "call-1", "alice", "bob", models.SignalOffer)))
	require.NoError(t, db.SaveEnvelope(ctx, envelope("e2", "call-1", "alice", "bob", models.SignalICECandidate)))
	require.NoError(t, db.SaveEnvelope(ctx, envelope("e3", "call-1", "bob", "alice", models.SignalAnswer)))
	require.NoError(t, db.SaveEnvelope(ctx, envelope("e4", "call-2", "alice", "bob", models.SignalOffer)))

	got, err := db.TakeEnvelopes(ctx, "call-1", "bob", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)
	assert.Equal(t, `{"sdp":"v=0"}`, got[0].Payload)

	again, err := db.TakeEnvelopes(ctx, "call-1", "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := db.CountEnvelopes(ctx, "call-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = db.CountEnvelopes(ctx, "call-2", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTakeEnvelopes_RespectsLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, db.SaveEnvelope(ctx, envelope(fmt.Sprintf("e%d", i), "call", "a", "b", models.SignalICECandidate)))
	}

	first, err := db.TakeEnvelopes(ctx, "call", "b", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	rest, err := db.TakeEnvelopes(ctx, "call", "b", 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "e3", rest[0].ID)
}

func TestTakeEnvelopes_ConcurrentPollersNeverShare(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	const total = 40
	for i := 0; i < total; i++ {
		require.NoError(t, db.SaveEnvelope(ctx, envelope(fmt.Sprintf("e%02d", i), "call", "a", "b", models.SignalICECandidate)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := db.TakeEnvelopes(ctx, "call", "b", 3)
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, e := range got {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "envelope %s delivered more than once", id)
	}
}

func TestPurgeEnvelopesBefore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := envelope("old", "call", "a", "b", models.SignalOffer)
	old.CreatedAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.SaveEnvelope(ctx, old))
	require.NoError(t, db.SaveEnvelope(ctx, envelope("fresh", "call", "a", "b", models.SignalOffer)))

	n, err := db.PurgeEnvelopesBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := db.TakeEnvelopes(ctx, "call", "b", 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].ID)
}

func TestSessions_ClaimKeepsOwnerAndPurges(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	owner, err := db.ClaimSession(ctx, &models.CallSession{SessionID: "s1", Endpoint: "alice", StartedAt: start, LastSeen: start})
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.Endpoint)

	later := time.Now().Truncate(time.Millisecond)
	owner, err = db.ClaimSession(ctx, &models.CallSession{SessionID: "s1", Endpoint: "mallory", StartedAt: later, LastSeen: later})
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.Endpoint)
	assert.True(t, start.Equal(owner.LastSeen), "a rejected claim must not refresh the session")

	owner, err = db.ClaimSession(ctx, &models.CallSession{SessionID: "s1", Endpoint: "alice", StartedAt: later, LastSeen: later})
	require.NoError(t, err)
	assert.True(t, start.Equal(owner.StartedAt))
	assert.True(t, later.Equal(owner.LastSeen))

	_, err = db.ClaimSession(ctx, &models.CallSession{SessionID: "s2", Endpoint: "bob", StartedAt: start, LastSeen: start})
	require.NoError(t, err)
	n, err := db.PurgeStaleSessions(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := db.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, db.DeleteSession(ctx, "s1"))
	gone, err = db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestEncryptionAtRest(t *testing.T) {
	t.Setenv(constants.EncryptionEnabledEnv, "true")
	t.Setenv(constants.EncryptionSecretEnv, testSecret)

	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveEnvelope(ctx, envelope("secret", "call", "a", "b", models.SignalOffer)))
	require.NoError(t, db.SaveAction(ctx, constants.ActionQueueNamespace, newAction("act", time.Now())))

	var raw string
	require.NoError(t, db.db.QueryRow(`SELECT payload FROM signal_envelopes WHERE id = 'secret'`).Scan(&raw))
	assert.NotContains(t, raw, "v=0")
	require.NoError(t, db.db.QueryRow(`SELECT payload FROM queued_actions WHERE id = 'act'`).Scan(&raw))
	assert.NotContains(t, raw, "conv-1")

	got, err := db.TakeEnvelopes(ctx, "call", "b", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `{"sdp":"v=0"}`, got[0].Payload)

	actions, err := db.LoadActions(ctx, constants.ActionQueueNamespace)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Contains(t, string(actions[0].Payload), "conv-1")
}
