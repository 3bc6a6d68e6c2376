package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"chatrelay/internal/migrations"
	"chatrelay/internal/models"
	"chatrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite store behind the durable action queue, the relay
// holding area and the relay's call session records.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; destructive reads rely on it.
	db.SetMaxOpenConns(1)

	closeWith := func(err error, format string) (*Database, error) {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf(format+": %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf(format+": %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return closeWith(err, "failed to ping database")
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		return closeWith(err, "failed to initialize schema")
	}

	enc, err := NewEncryptor()
	if err != nil {
		return closeWith(err, "failed to initialize encryptor")
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// HealthCheck pings the underlying connection.
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// SaveAction persists a queued action under namespace.
func (d *Database) SaveAction(ctx context.Context, namespace string, action *models.QueuedAction) error {
	payload, err := d.encryptor.Encrypt(string(action.Payload))
	if err != nil {
		return fmt.Errorf("failed to encrypt action payload: %w", err)
	}

	var lastAttempt *int64
	if action.LastAttemptAt != nil {
		ms := toMillis(*action.LastAttemptAt)
		lastAttempt = &ms
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, insertActionQuery,
			action.ID,
			namespace,
			string(action.Kind),
			payload,
			action.IdempotencyKey,
			toMillis(action.EnqueuedAt),
			action.Attempts,
			action.LastError,
			lastAttempt,
		)
		return err
	}, "save action")
}

// LoadActions returns every action in namespace in enqueue order.
func (d *Database) LoadActions(ctx context.Context, namespace string) ([]*models.QueuedAction, error) {
	return retryableDBOperation(ctx, func() ([]*models.QueuedAction, error) {
		rows, err := d.db.QueryContext(ctx, selectActionsQuery, namespace)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var actions []*models.QueuedAction
		for rows.Next() {
			var (
				a           models.QueuedAction
				kind        string
				payload     string
				enqueuedAt  int64
				lastAttempt sql.NullInt64
			)
			if err := rows.Scan(&a.ID, &kind, &payload, &a.IdempotencyKey, &enqueuedAt, &a.Attempts, &a.LastError, &lastAttempt); err != nil {
				return nil, fmt.Errorf("failed to scan action: %w", err)
			}

			plain, err := d.encryptor.Decrypt(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt payload of action %s: %w", a.ID, err)
			}
			a.Kind = models.ActionKind(kind)
			a.Payload = []byte(plain)
			a.EnqueuedAt = fromMillis(enqueuedAt)
			if lastAttempt.Valid {
				t := fromMillis(lastAttempt.Int64)
				a.LastAttemptAt = &t
			}
			actions = append(actions, &a)
		}
		return actions, rows.Err()
	}, "load actions")
}

// UpdateActionAttempt records the outcome of one failed attempt.
func (d *Database) UpdateActionAttempt(ctx context.Context, namespace, id string, attempts int, lastError string, at time.Time) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, updateActionAttemptQuery, attempts, lastError, toMillis(at), namespace, id)
		return err
	}, "update action attempt")
}

// DeleteAction removes an action and reports whether it existed.
func (d *Database) DeleteAction(ctx context.Context, namespace, id string) (bool, error) {
	return retryableDBOperation(ctx, func() (bool, error) {
		res, err := d.db.ExecContext(ctx, deleteActionQuery, namespace, id)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}, "delete action")
}
