// Package journal persists controller traffic to a local sqlite
// database so sessions can be inspected after the fact.
package journal

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zond/marionette"
	"github.com/zond/marionette/wire"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	direction TEXT NOT NULL,
	size INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS diagnostics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	object_id TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS diagnostics_object_id ON diagnostics (object_id);
`

type Journal struct {
	db *sqlx.DB
}

func Open(path string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, marionette.WithStack(err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, marionette.WithStack(err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return marionette.WithStack(j.db.Close())
}

// RecordBatch stores one flushed batch with its direction ("in" or
// "out").
func (j *Journal) RecordBatch(ctx context.Context, direction string, batch wire.Batch) error {
	body, err := wire.MarshalBatch(batch)
	if err != nil {
		return marionette.WithStack(err)
	}
	_, err = j.db.ExecContext(ctx,
		"INSERT INTO batches (at, direction, size, body) VALUES (?, ?, ?, ?)",
		time.Now().UnixNano(), direction, len(batch), string(body))
	return marionette.WithStack(err)
}

// RecordDiagnostic stores one diagnostic envelope keyed by the object
// it concerns.
func (j *Journal) RecordDiagnostic(ctx context.Context, envelope wire.Envelope) error {
	body, err := wire.MarshalBatch(wire.Batch{envelope})
	if err != nil {
		return marionette.WithStack(err)
	}
	_, err = j.db.ExecContext(ctx,
		"INSERT INTO diagnostics (at, object_id, body) VALUES (?, ?, ?)",
		time.Now().UnixNano(), envelope.ID, string(body))
	return marionette.WithStack(err)
}

// BatchRecord is one row of the batch log.
type BatchRecord struct {
	ID        int64  `db:"id"`
	At        int64  `db:"at"`
	Direction string `db:"direction"`
	Size      int    `db:"size"`
	Body      string `db:"body"`
}

// RecentBatches returns up to n batches, newest first.
func (j *Journal) RecentBatches(ctx context.Context, n int) ([]BatchRecord, error) {
	result := []BatchRecord{}
	err := j.db.SelectContext(ctx, &result,
		"SELECT id, at, direction, size, body FROM batches ORDER BY id DESC LIMIT ?", n)
	return result, marionette.WithStack(err)
}

// DiagnosticRecord is one row of the diagnostic log.
type DiagnosticRecord struct {
	ID       int64  `db:"id"`
	At       int64  `db:"at"`
	ObjectID string `db:"object_id"`
	Body     string `db:"body"`
}

// RecentDiagnostics returns up to n diagnostics for objectID (or all
// objects if objectID is empty), newest first.
func (j *Journal) RecentDiagnostics(ctx context.Context, objectID string, n int) ([]DiagnosticRecord, error) {
	result := []DiagnosticRecord{}
	var err error
	if objectID == "" {
		err = j.db.SelectContext(ctx, &result,
			"SELECT id, at, object_id, body FROM diagnostics ORDER BY id DESC LIMIT ?", n)
	} else {
		err = j.db.SelectContext(ctx, &result,
			"SELECT id, at, object_id, body FROM diagnostics WHERE object_id = ? ORDER BY id DESC LIMIT ?", objectID, n)
	}
	return result, marionette.WithStack(err)
}
