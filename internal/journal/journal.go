// Package journal keeps a SQLite record of CreateLink commands and their
// outcomes.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/log"
)

// Status is the lifecycle state of a journaled command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned by Complete for an unknown command id.
var ErrNotFound = errors.New("link command not found")

const schema = `
CREATE TABLE IF NOT EXISTS link_commands (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	completed_at INTEGER,
	output_port INTEGER NOT NULL,
	input_port INTEGER NOT NULL,
	output_node INTEGER NOT NULL,
	input_node INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_link_commands_created ON link_commands(created_at);
`

const commandColumns = `id, created_at, completed_at, output_port, input_port, output_node, input_node, status, error`

// Entry is one journaled CreateLink command.
type Entry struct {
	ID           string
	CreatedAt    time.Time
	CompletedAt  time.Time // zero while pending
	OutputPortID graph.ObjectID
	InputPortID  graph.ObjectID
	OutputNodeID graph.ObjectID
	InputNodeID  graph.ObjectID
	Status       Status
	Error        string
}

// Journal is the SQLite-backed command store. It is safe for concurrent use.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	log.Info(log.CatJournal, "journal opened", "path", path)
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a new pending command.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO link_commands (id, created_at, output_port, input_port, output_node, input_node, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UnixMilli(),
		int64(e.OutputPortID), int64(e.InputPortID), int64(e.OutputNodeID), int64(e.InputNodeID),
		string(e.Status), e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link command: %w", err)
	}
	return nil
}

// Complete sets the outcome of a command. A nil cause means success.
func (j *Journal) Complete(ctx context.Context, id string, cause error) error {
	status, msg := StatusSucceeded, ""
	if cause != nil {
		status, msg = StatusFailed, cause.Error()
	}
	result, err := j.db.ExecContext(ctx,
		`UPDATE link_commands SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), msg, j.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete link command: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Recent returns up to limit commands, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM link_commands ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query link commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link command: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface{ Scan(...any) error }) (Entry, error) {
	var (
		e                          Entry
		created                    int64
		completed                  sql.NullInt64
		outPort, inPort, outN, inN int64
		status                     string
	)
	err := scanner.Scan(&e.ID, &created, &completed, &outPort, &inPort, &outN, &inN, &status, &e.Error)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(created)
	if completed.Valid {
		e.CompletedAt = time.UnixMilli(completed.Int64)
	}
	e.OutputPortID = graph.ObjectID(outPort)
	e.InputPortID = graph.ObjectID(inPort)
	e.OutputNodeID = graph.ObjectID(outN)
	e.InputNodeID = graph.ObjectID(inN)
	e.Status = Status(status)
	return e, nil
}
