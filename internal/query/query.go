// Package query serves history reads from the message store. Every call is
// its own store read, so a read issued after a write returns sees that write.
package query

import (
	"context"

	"github.com/Tyrowin/grouprelay/internal/store"
)

// Reader is the subset of the message store the service needs.
type Reader interface {
	ListByGroup(ctx context.Context, group string) ([]store.Document, error)
	ListRooms(ctx context.Context) ([]store.Document, error)
}

// Service answers replay and room-list queries.
type Service struct {
	reader Reader
}

// New returns a Service reading from r.
func New(r Reader) *Service {
	return &Service{reader: r}
}

// GetRoomMessages returns the messages of group in store order.
func (s *Service) GetRoomMessages(ctx context.Context, group string) ([]store.Document, error) {
	docs, err := s.reader.ListByGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

// GetAllRooms returns every room record in store order.
func (s *Service) GetAllRooms(ctx context.Context) ([]store.Document, error) {
	docs, err := s.reader.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}
