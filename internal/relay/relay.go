// Package relay is the core of the chat relay. It handles client actions,
// writes messages to the store, pushes them to the group's live subscribers,
// and replays every stored write from the store's change feed so writes from
// any source reach subscribers.
//
// Delivery is at-least-once per message for each subscriber present when a
// push happens: a posted message is pushed once on the live path and again
// when the feed observes it. Clients drop repeats by message id. A
// subscriber absent for both pushes must use the history query.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/grouprelay/internal/broker"
	"github.com/Tyrowin/grouprelay/internal/registry"
	"github.com/Tyrowin/grouprelay/internal/store"
)

// Outbound event names.
const (
	EventNewRoom    = "newRoom"
	EventNewMessage = "newMessage"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultConsumer     = "relay"
	DefaultRetryDelay   = time.Second
)

// Writer persists messages and rooms.
type Writer interface {
	Append(ctx context.Context, msg store.Message) (store.Document, error)
	AppendRoom(ctx context.Context, room store.Message) (store.Document, error)
}

// Subscriber opens the store change feed.
type Subscriber interface {
	Subscribe(ctx context.Context, consumer string) (*store.Feed, error)
}

// Membership is the registry surface the relay drives.
type Membership interface {
	AddConnection(connID, userID string)
	RemoveConnection(connID string)
	JoinGroup(connID, group string) error
	LeaveGroup(connID, group string) error
	User(connID string) (string, error)
}

// Deliverer pushes events to connections.
type Deliverer interface {
	SendToGroup(ctx context.Context, group string, ev broker.Event) error
	SendToAll(ctx context.Context, ev broker.Event) error
	SendToConnection(ctx context.Context, connID string, ev broker.Event) error
}

// Queries serves history reads.
type Queries interface {
	GetRoomMessages(ctx context.Context, group string) ([]store.Document, error)
	GetAllRooms(ctx context.Context) ([]store.Document, error)
}

// Deps are the collaborators of a Relay.
type Deps struct {
	Store    Writer
	Feed     Subscriber
	Registry Membership
	Broker   Deliverer
	Query    Queries
	Logger   *slog.Logger
}

// Options tune a Relay. Zero values take defaults.
type Options struct {
	// StoreTimeout bounds each store read or write.
	StoreTimeout time.Duration
	// Consumer names the change feed checkpoint.
	Consumer string
	// RetryDelay is the pause after a failed feed read.
	RetryDelay time.Duration
}

// Stats counts reconciliation activity.
type Stats struct {
	Posted     uint64 `json:"posted"`
	Reconciled uint64 `json:"reconciled"`
	Skipped    uint64 `json:"skipped"`
}

// WireMessage is the client-facing form of a stored message.
type WireMessage struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Sender       string `json:"sender"`
	Text         string `json:"text"`
	Group        string `json:"group"`
}

// ToWire flattens stored documents for delivery.
func ToWire(docs ...store.Document) []WireMessage {
	out := make([]WireMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, WireMessage{
			ID:           d.ID,
			ConnectionID: d.Message.ConnectionID,
			Sender:       d.Message.Sender,
			Text:         d.Message.Text,
			Group:        d.Message.Group,
		})
	}
	return out
}

func newEvent(target string, docs ...store.Document) broker.Event {
	return broker.Event{Target: target, Arguments: []any{ToWire(docs...)}}
}

// Relay is safe for concurrent use: actions may run from many connections
// at once alongside Run.
type Relay struct {
	store    Writer
	feed     Subscriber
	registry Membership
	broker   Deliverer
	query    Queries
	logger   *slog.Logger
	opts     Options

	// sequence serialises store write and live push per group so the live
	// path emits in store order.
	sequence *broker.KeyedMutex

	posted     atomic.Uint64
	reconciled atomic.Uint64
	skipped    atomic.Uint64
}

// New builds a Relay.
func New(deps Deps, opts Options) *Relay {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if strings.TrimSpace(opts.Consumer) == "" {
		opts.Consumer = DefaultConsumer
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Relay{
		store:    deps.Store,
		feed:     deps.Feed,
		registry: deps.Registry,
		broker:   deps.Broker,
		query:    deps.Query,
		logger:   deps.Logger,
		opts:     opts,
		sequence: broker.NewKeyedMutex(),
	}
}

// Stats returns a snapshot of the counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Posted:     r.posted.Load(),
		Reconciled: r.reconciled.Load(),
		Skipped:    r.skipped.Load(),
	}
}

// OnConnect registers connID and sends it the full room list.
func (r *Relay) OnConnect(ctx context.Context, connID, userID string) error {
	r.registry.AddConnection(connID, userID)
	r.logger.Info("connection opened", "conn", connID, "user", userID)

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	rooms, err := r.query.GetAllRooms(storeCtx)
	cancel()
	if err != nil {
		r.logger.Error("room list unavailable", "conn", connID, "error", err)
		return fmt.Errorf("list rooms: %w", err)
	}

	return r.broker.SendToConnection(ctx, connID, newEvent(EventNewRoom, rooms...))
}

// OnDisconnect forgets connID and all of its memberships.
func (r *Relay) OnDisconnect(_ context.Context, connID string) {
	r.registry.RemoveConnection(connID)
	r.logger.Info("connection closed", "conn", connID)
}

// JoinGroup subscribes connID to group. An unknown connection is logged
// and ignored.
func (r *Relay) JoinGroup(_ context.Context, connID, group string) error {
	group, err := groupName(group)
	if err != nil {
		return err
	}
	if err := r.registry.JoinGroup(connID, group); err != nil {
		return r.membershipError("join", err)
	}
	r.logger.Info("joined group", "conn", connID, "group", group)
	return nil
}

// LeaveGroup unsubscribes connID from group. An unknown connection is
// logged and ignored.
func (r *Relay) LeaveGroup(_ context.Context, connID, group string) error {
	group, err := groupName(group)
	if err != nil {
		return err
	}
	if err := r.registry.LeaveGroup(connID, group); err != nil {
		return r.membershipError("leave", err)
	}
	r.logger.Info("left group", "conn", connID, "group", group)
	return nil
}

// groupName trims group the way CreateRoom trims room names, so every action
// addresses the same group.
func groupName(group string) (string, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return "", fmt.Errorf("%w: group name is required", ErrInvalidArguments)
	}
	return group, nil
}

func (r *Relay) membershipError(op string, err error) error {
	var nf *registry.NotFoundError
	if errors.As(err, &nf) {
		r.logger.Warn("membership change for unknown connection", "op", op, "conn", nf.ConnID, "group", nf.Group)
		return nil
	}
	return err
}

// CreateRoom records a new room. Subscribers learn about it from the change
// feed, which is the only source of newRoom broadcasts.
func (r *Relay) CreateRoom(ctx context.Context, connID, userID, roomName string) (store.Document, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return store.Document{}, fmt.Errorf("%w: room name is required", ErrInvalidArguments)
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	doc, err := r.store.AppendRoom(storeCtx, store.NewRoom(connID, userID, roomName))
	if err != nil {
		r.logger.Error("create room failed", "conn", connID, "room", roomName, "error", err)
		return store.Document{}, err
	}
	r.logger.Info("room created", "conn", connID, "room", roomName, "id", doc.ID)
	return doc, nil
}

// PostMessage stores text in group and pushes it to the group's current
// subscribers. Nothing is pushed when the write fails.
func (r *Relay) PostMessage(ctx context.Context, connID, userID, text, group string) (store.Document, error) {
	group, err := groupName(group)
	if err != nil {
		return store.Document{}, err
	}

	unlock := r.sequence.Lock(group)
	defer unlock()

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	doc, err := r.store.Append(storeCtx, store.Message{
		ConnectionID: connID,
		Sender:       userID,
		Text:         text,
		Group:        group,
	})
	cancel()
	if err != nil {
		r.logger.Error("post message failed", "conn", connID, "group", group, "error", err)
		return store.Document{}, err
	}
	r.posted.Add(1)

	if err := r.broker.SendToGroup(ctx, group, newEvent(EventNewMessage, doc)); err != nil {
		r.logger.Warn("live delivery failed", "group", group, "id", doc.ID, "error", err)
	}
	return doc, nil
}

// GetAllRoomMessages replays group's history to connID only.
func (r *Relay) GetAllRoomMessages(ctx context.Context, connID, group string) error {
	group, err := groupName(group)
	if err != nil {
		return err
	}
	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	docs, err := r.query.GetRoomMessages(storeCtx, group)
	cancel()
	if err != nil {
		r.logger.Error("history unavailable", "conn", connID, "group", group, "error", err)
		return err
	}
	r.logger.Debug("replaying history", "conn", connID, "group", group, "messages", len(docs))
	return r.broker.SendToConnection(ctx, connID, newEvent(EventNewMessage, docs...))
}
