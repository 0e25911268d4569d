package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/grouprelay/internal/docdb"
)

// Kind tells a room record from a chat message.
type Kind int

const (
	KindMessage Kind = iota
	KindRoom
)

func (k Kind) String() string {
	switch k {
	case KindRoom:
		return "room"
	default:
		return "message"
	}
}

// Change is one stored write observed on the feed. Its body is decoded on
// demand so a malformed document only fails itself.
type Change struct {
	Seq  int64
	Kind Kind
	ID   string
	Raw  json.RawMessage
}

// Document decodes the change body.
func (c Change) Document() (Document, error) {
	var doc Document
	if err := json.Unmarshal(c.Raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode %s %s: %w", c.Kind, c.ID, err)
	}
	if doc.ID == "" {
		doc.ID = c.ID
	}
	return doc, nil
}

// Batch is a run of changes in store order.
type Batch struct {
	Changes []Change
	// Checkpoint is the sequence to commit once the batch is handled.
	Checkpoint int64
}

// Feed yields batches of message and room writes. Delivery is
// at-least-once: uncommitted batches are replayed after a restart.
type Feed struct {
	feed *docdb.Feed
}

// Subscribe opens the change feed for consumer, resuming from its last
// committed checkpoint.
func (s *Store) Subscribe(ctx context.Context, consumer string) (*Feed, error) {
	f, err := s.db.Feed(ctx, consumer, MessagesContainer, RoomsContainer)
	if err != nil {
		return nil, &IOError{Op: "subscribe", Err: err}
	}
	return &Feed{feed: f}, nil
}

// Next blocks until at least one new write exists.
func (f *Feed) Next(ctx context.Context) (Batch, error) {
	records, err := f.feed.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Batch{}, err
		}
		return Batch{}, &IOError{Op: "read feed", Err: err}
	}

	batch := Batch{Changes: make([]Change, 0, len(records))}
	for _, rec := range records {
		kind := KindMessage
		if rec.Container == RoomsContainer {
			kind = KindRoom
		}
		batch.Changes = append(batch.Changes, Change{
			Seq:  rec.Seq,
			Kind: kind,
			ID:   rec.ID,
			Raw:  rec.Body,
		})
		batch.Checkpoint = rec.Seq
	}
	return batch, nil
}

// Commit marks b as handled.
func (f *Feed) Commit(ctx context.Context, b Batch) error {
	if b.Checkpoint == 0 {
		return nil
	}
	if err := f.feed.Commit(ctx, b.Checkpoint); err != nil {
		return &IOError{Op: "commit feed", Err: err}
	}
	return nil
}
