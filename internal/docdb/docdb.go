// Package docdb is a small JSON document database on SQLite. Documents live
// in named containers, every write is assigned a monotonically increasing
// sequence number, and a change feed replays writes in that order from a
// persisted per-consumer checkpoint.
package docdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultPollInterval bounds how long a feed waits before rechecking for
	// writes made outside this process.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultBatchSize caps the records returned by one Feed.Next call.
	DefaultBatchSize = 100
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("docdb: closed")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	container  TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	body       TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (container, id)
)`,
	`CREATE INDEX IF NOT EXISTS documents_container_seq ON documents (container, seq)`,
	`CREATE TABLE IF NOT EXISTS feed_leases (
	consumer   TEXT PRIMARY KEY,
	checkpoint INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
}

// Options tunes change feed behaviour.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
}

// Record is one stored document.
type Record struct {
	Seq       int64
	Container string
	ID        string
	Body      json.RawMessage
	CreatedAt time.Time
}

// Predicate filters a query on one JSON path. The zero value matches every
// document.
type Predicate struct {
	// Path is a SQLite JSON path such as "$.message.group".
	Path   string
	Equals string
}

// Where builds a Predicate.
func Where(path, equals string) Predicate {
	return Predicate{Path: path, Equals: equals}
}

// DB is safe for concurrent use.
type DB struct {
	sqlDB  *sql.DB
	opts   Options
	notify *notifier

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, opts Options) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &DB{sqlDB: sqlDB, opts: opts, notify: newNotifier()}, nil
}

// Close releases the database. Blocked feeds return ErrClosed.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.notify.signal()
	return db.sqlDB.Close()
}

func (db *DB) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Create stores doc as JSON under (container, id). The write is durable when
// Create returns.
func (db *DB) Create(ctx context.Context, container, id string, doc any) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if db.isClosed() {
		return Record{}, ErrClosed
	}
	container = strings.TrimSpace(container)
	if container == "" {
		return Record{}, fmt.Errorf("container is required")
	}
	if strings.TrimSpace(id) == "" {
		return Record{}, fmt.Errorf("document id is required")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return Record{}, fmt.Errorf("encode document: %w", err)
	}

	now := time.Now().UTC()
	res, err := db.sqlDB.ExecContext(ctx,
		`INSERT INTO documents (container, id, body, created_at) VALUES (?, ?, ?, ?)`,
		container, id, string(body), now.UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert document: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("read sequence: %w", err)
	}

	db.notify.signal()
	return Record{
		Seq:       seq,
		Container: container,
		ID:        id,
		Body:      body,
		CreatedAt: now.Truncate(time.Millisecond),
	}, nil
}

// Query returns the documents in container that match p, in write order.
func (db *DB) Query(ctx context.Context, container string, p Predicate) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if db.isClosed() {
		return nil, ErrClosed
	}

	query := `SELECT seq, container, id, body, created_at FROM documents WHERE container = ?`
	args := []any{container}
	if p.Path != "" {
		query += ` AND json_extract(body, ?) = ?`
		args = append(args, p.Path, p.Equals)
	}
	query += ` ORDER BY seq`

	rows, err := db.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return scanRecords(rows)
}

func (db *DB) readAfter(ctx context.Context, after int64, containers []string, limit int) ([]Record, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(containers)), ", ")
	query := `SELECT seq, container, id, body, created_at FROM documents
WHERE seq > ? AND container IN (` + placeholders + `)
ORDER BY seq LIMIT ?`

	args := make([]any, 0, len(containers)+2)
	args = append(args, after)
	for _, c := range containers {
		args = append(args, c)
	}
	args = append(args, limit)

	rows, err := db.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			body      string
			createdAt int64
		)
		if err := rows.Scan(&rec.Seq, &rec.Container, &rec.ID, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		rec.Body = json.RawMessage(body)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return records, nil
}

// notifier wakes every waiter on each signal by closing and replacing a
// channel.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) signal() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}
