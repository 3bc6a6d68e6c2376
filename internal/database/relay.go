package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

// SaveEnvelope appends an envelope to its (call, recipient) mailbox.
func (d *Database) SaveEnvelope(ctx context.Context, env *models.SignalEnvelope) error {
	payload, err := d.encryptor.Encrypt(env.Payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt envelope payload: %w", err)
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, insertEnvelopeQuery,
			env.ID,
			env.CallID,
			env.From,
			env.To,
			string(env.Type),
			payload,
			toMillis(env.CreatedAt),
		)
		return err
	}, "save envelope")
}

// TakeEnvelopes returns up to limit envelopes addressed to recipient for the
// call, oldest first, deleting them in the same transaction. An envelope is
// only returned by the call whose delete removed it.
func (d *Database) TakeEnvelopes(ctx context.Context, callID, recipient string, limit int) ([]*models.SignalEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}

	return retryableDBOperation(ctx, func() ([]*models.SignalEnvelope, error) {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback() }()

		type row struct {
			seq int64
			env *models.SignalEnvelope
		}

		rows, err := tx.QueryContext(ctx, selectMailboxQuery, callID, recipient, limit)
		if err != nil {
			return nil, err
		}
		var batch []row
		for rows.Next() {
			var (
				r         row
				kind      string
				createdAt int64
			)
			r.env = &models.SignalEnvelope{}
			if err := rows.Scan(&r.seq, &r.env.ID, &r.env.CallID, &r.env.From, &r.env.To, &kind, &r.env.Payload, &createdAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan envelope: %w", err)
			}
			r.env.Type = models.SignalType(kind)
			r.env.CreatedAt = fromMillis(createdAt)
			batch = append(batch, r)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		taken := make([]*models.SignalEnvelope, 0, len(batch))
		for _, r := range batch {
			res, err := tx.ExecContext(ctx, deleteEnvelopeBySeqQuery, r.seq)
			if err != nil {
				return nil, err
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				continue
			}
			plain, err := d.encryptor.Decrypt(r.env.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt envelope %s: %w", r.env.ID, err)
			}
			r.env.Payload = plain
			taken = append(taken, r.env)
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return taken, nil
	}, "take envelopes")
}

// CountEnvelopes returns how many envelopes wait in a mailbox.
func (d *Database) CountEnvelopes(ctx context.Context, callID, recipient string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, countMailboxQuery, callID, recipient).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return n, nil
}

// PurgeEnvelopesBefore drops undelivered envelopes created before cutoff.
func (d *Database) PurgeEnvelopesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return retryableDBOperation(ctx, func() (int64, error) {
		res, err := d.db.ExecContext(ctx, purgeEnvelopesQuery, toMillis(cutoff))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, "purge envelopes")
}

// ClaimSession creates a session record owned by session.Endpoint, or
// refreshes its last-seen time when that endpoint already owns it. It returns
// the stored record; a different Endpoint on it means another endpoint holds
// the claim and nothing was changed.
func (d *Database) ClaimSession(ctx context.Context, session *models.CallSession) (*models.CallSession, error) {
	return retryableDBOperation(ctx, func() (*models.CallSession, error) {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, claimSessionQuery,
			session.SessionID,
			session.Endpoint,
			toMillis(session.StartedAt),
			toMillis(session.LastSeen),
		); err != nil {
			return nil, err
		}

		var (
			s                 models.CallSession
			started, lastSeen int64
		)
		if err := tx.QueryRowContext(ctx, selectSessionQuery, session.SessionID).Scan(&s.SessionID, &s.Endpoint, &started, &lastSeen); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.StartedAt = fromMillis(started)
		s.LastSeen = fromMillis(lastSeen)
		return &s, nil
	}, "claim session")
}

// GetSession returns nil, nil when the session does not exist.
func (d *Database) GetSession(ctx context.Context, sessionID string) (*models.CallSession, error) {
	var (
		s                 models.CallSession
		started, lastSeen int64
	)
	err := d.db.QueryRowContext(ctx, selectSessionQuery, sessionID).Scan(&s.SessionID, &s.Endpoint, &started, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.StartedAt = fromMillis(started)
	s.LastSeen = fromMillis(lastSeen)
	return &s, nil
}

func (d *Database) DeleteSession(ctx context.Context, sessionID string) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, deleteSessionQuery, sessionID)
		return err
	}, "delete session")
}

// PurgeStaleSessions drops sessions not seen since cutoff.
func (d *Database) PurgeStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	return retryableDBOperation(ctx, func() (int64, error) {
		res, err := d.db.ExecContext(ctx, purgeSessionsQuery, toMillis(cutoff))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, "purge sessions")
}
