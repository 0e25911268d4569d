// Package store persists chat messages and room records as documents and
// exposes the change feed that drives re-broadcast of stored writes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/grouprelay/internal/docdb"
)

// Container names.
const (
	MessagesContainer = "messages"
	RoomsContainer    = "rooms"
)

// RoomMarker is the text carried by every room record.
const RoomMarker = "group"

// ErrInvalidDocument is returned for documents that cannot be stored.
var ErrInvalidDocument = errors.New("invalid document")

// IOError reports a failed read or write against the underlying store.
// Operations are not retried.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError reports whether err is, or wraps, an *IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// Message is the body of a stored document.
type Message struct {
	ConnectionID string `json:"connectionId"`
	Sender       string `json:"sender"`
	Text         string `json:"text"`
	Group        string `json:"group"`
}

// Document is the stored shape of both messages and rooms.
type Document struct {
	ID      string  `json:"id"`
	Message Message `json:"message"`
}

// NewRoom builds the room record for name created by connID/userID.
func NewRoom(connID, userID, name string) Message {
	return Message{
		ConnectionID: connID,
		Sender:       userID,
		Text:         RoomMarker,
		Group:        name,
	}
}

// Store is the message log. It is safe for concurrent use.
type Store struct {
	db *docdb.DB
}

// New wraps an open document database.
func New(db *docdb.DB) *Store {
	return &Store{db: db}
}

// Append persists msg under a new id and returns the stored document.
func (s *Store) Append(ctx context.Context, msg Message) (Document, error) {
	return s.create(ctx, "append", MessagesContainer, msg)
}

// AppendRoom persists a room record under a new id.
func (s *Store) AppendRoom(ctx context.Context, room Message) (Document, error) {
	return s.create(ctx, "append room", RoomsContainer, room)
}

func (s *Store) create(ctx context.Context, op, container string, msg Message) (Document, error) {
	if strings.TrimSpace(msg.Group) == "" {
		return Document{}, fmt.Errorf("%w: group is required", ErrInvalidDocument)
	}

	doc := Document{ID: uuid.NewString(), Message: msg}
	if _, err := s.db.Create(ctx, container, doc.ID, doc); err != nil {
		return Document{}, &IOError{Op: op, Err: err}
	}
	return doc, nil
}

// ListByGroup returns the messages posted to group in arrival order.
func (s *Store) ListByGroup(ctx context.Context, group string) ([]Document, error) {
	records, err := s.db.Query(ctx, MessagesContainer, docdb.Where("$.message.group", group))
	if err != nil {
		return nil, &IOError{Op: "list by group", Err: err}
	}
	return decodeAll(records)
}

// ListRooms returns every room record in arrival order.
func (s *Store) ListRooms(ctx context.Context) ([]Document, error) {
	records, err := s.db.Query(ctx, RoomsContainer, docdb.Predicate{})
	if err != nil {
		return nil, &IOError{Op: "list rooms", Err: err}
	}
	return decodeAll(records)
}

func decodeAll(records []docdb.Record) ([]Document, error) {
	docs := make([]Document, 0, len(records))
	for _, rec := range records {
		var doc Document
		if err := json.Unmarshal(rec.Body, &doc); err != nil {
			return nil, &IOError{Op: "decode", Err: fmt.Errorf("document %s: %w", rec.ID, err)}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
