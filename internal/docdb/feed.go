package docdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Feed is a change feed over one or more containers. It is lazy and
// unbounded: Next blocks until new writes exist. A Feed is not safe for
// concurrent use; run one consumer goroutine per feed.
type Feed struct {
	db         *DB
	consumer   string
	containers []string
	position   int64
}

// Feed opens a change feed for consumer positioned just after its last
// committed checkpoint. Records returned by Next but not committed are
// delivered again by the next feed opened for the same consumer.
func (db *DB) Feed(ctx context.Context, consumer string, containers ...string) (*Feed, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("at least one container is required")
	}
	if db.isClosed() {
		return nil, ErrClosed
	}

	checkpoint, err := db.Checkpoint(ctx, consumer)
	if err != nil {
		return nil, err
	}
	return &Feed{
		db:         db,
		consumer:   consumer,
		containers: append([]string(nil), containers...),
		position:   checkpoint,
	}, nil
}

// Position returns the sequence of the last record handed out.
func (f *Feed) Position() int64 {
	return f.position
}

// Next returns the next batch of records in write order, waiting for writes
// when none are pending. It returns ctx.Err() when ctx ends and ErrClosed
// when the database is closed.
func (f *Feed) Next(ctx context.Context) ([]Record, error) {
	for {
		wake := f.db.notify.wait()
		if f.db.isClosed() {
			return nil, ErrClosed
		}

		records, err := f.db.readAfter(ctx, f.position, f.containers, f.db.opts.BatchSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if len(records) > 0 {
			f.position = records[len(records)-1].Seq
			return records, nil
		}

		timer := time.NewTimer(f.db.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Commit records seq as processed for this feed's consumer.
func (f *Feed) Commit(ctx context.Context, seq int64) error {
	return f.db.SaveCheckpoint(ctx, f.consumer, seq)
}

// Checkpoint returns the last committed sequence for consumer, or zero.
func (db *DB) Checkpoint(ctx context.Context, consumer string) (int64, error) {
	if db.isClosed() {
		return 0, ErrClosed
	}
	var checkpoint int64
	err := db.sqlDB.QueryRowContext(ctx,
		`SELECT checkpoint FROM feed_leases WHERE consumer = ?`, consumer,
	).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return checkpoint, nil
}

// SaveCheckpoint advances consumer's checkpoint to seq. It never moves a
// checkpoint backwards.
func (db *DB) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	if db.isClosed() {
		return ErrClosed
	}
	_, err := db.sqlDB.ExecContext(ctx, `
INSERT INTO feed_leases (consumer, checkpoint, updated_at) VALUES (?, ?, ?)
ON CONFLICT (consumer) DO UPDATE SET
	checkpoint = excluded.checkpoint,
	updated_at = excluded.updated_at
WHERE excluded.checkpoint > feed_leases.checkpoint
`, consumer, seq, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
