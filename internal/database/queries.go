package database

// Action queue queries
const (
	insertActionQuery = `
		INSERT INTO queued_actions (
			id, namespace, kind, payload, idempotency_key,
			enqueued_at_ms, attempts, last_error, last_attempt_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectActionsQuery = `
		SELECT id, kind, payload, idempotency_key, enqueued_at_ms,
		       attempts, last_error, last_attempt_at_ms
		FROM queued_actions
		WHERE namespace = ?
		ORDER BY seq ASC
	`

	updateActionAttemptQuery = `
		UPDATE queued_actions
		SET attempts = ?, last_error = ?, last_attempt_at_ms = ?
		WHERE namespace = ? AND id = ?
	`

	deleteActionQuery = `
		DELETE FROM queued_actions
		WHERE namespace = ? AND id = ?
	`
)

// Signaling relay queries
const (
	insertEnvelopeQuery = `
		INSERT INTO signal_envelopes (
			id, call_id, sender, recipient, type, payload, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	selectMailboxQuery = `
		SELECT seq, id, call_id, sender, recipient, type, payload, created_at_ms
		FROM signal_envelopes
		WHERE call_id = ? AND recipient = ?
		ORDER BY seq ASC
		LIMIT ?
	`

	deleteEnvelopeBySeqQuery = `
		DELETE FROM signal_envelopes
		WHERE seq = ?
	`

	countMailboxQuery = `
		SELECT COUNT(*)
		FROM signal_envelopes
		WHERE call_id = ? AND recipient = ?
	`

	purgeEnvelopesQuery = `
		DELETE FROM signal_envelopes
		WHERE created_at_ms < ?
	`
)

// Call session queries
const (
	claimSessionQuery = `
		INSERT INTO call_sessions (session_id, endpoint, started_at_ms, last_seen_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET last_seen_ms = excluded.last_seen_ms
		WHERE call_sessions.endpoint = excluded.endpoint
	`

	selectSessionQuery = `
		SELECT session_id, endpoint, started_at_ms, last_seen_ms
		FROM call_sessions
		WHERE session_id = ?
	`

	deleteSessionQuery = `
		DELETE FROM call_sessions
		WHERE session_id = ?
	`

	purgeSessionsQuery = `
		DELETE FROM call_sessions
		WHERE last_seen_ms < ?
	`
)
