// Package broker fans outbound events out to the connections of a group, to
// every connection, or to a single connection.
//
// Delivery is best effort. A send to a connection that has gone away is
// dropped silently; any other per-connection failure is logged and the
// fan-out continues. Calls for the same group are delivered to every
// subscriber in the order they were made. Nothing is promised across
// groups.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSendTimeout bounds a single per-connection send.
const DefaultSendTimeout = 5 * time.Second

// ErrGone is returned by a Transport when the target connection no longer
// exists. The broker never surfaces it.
var ErrGone = errors.New("connection gone")

// Event is an outbound invocation of a client-side handler.
type Event struct {
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// Transport delivers an encoded frame to one connection.
type Transport interface {
	Send(ctx context.Context, connID string, payload []byte) error
}

// Members resolves who should receive a broadcast.
type Members interface {
	MembersOf(group string) []string
	Connections() []string
}

// Stats counts broker activity.
type Stats struct {
	Events     uint64 `json:"events"`
	Deliveries uint64 `json:"deliveries"`
	Gone       uint64 `json:"gone"`
	Failed     uint64 `json:"failed"`
}

// Broker is safe for concurrent use.
type Broker struct {
	members     Members
	transport   Transport
	logger      *slog.Logger
	sendTimeout time.Duration
	locks       *KeyedMutex

	events     atomic.Uint64
	deliveries atomic.Uint64
	gone       atomic.Uint64
	failed     atomic.Uint64
}

// New creates a Broker. A zero sendTimeout uses DefaultSendTimeout.
func New(members Members, transport Transport, sendTimeout time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broker{
		members:     members,
		transport:   transport,
		logger:      logger,
		sendTimeout: sendTimeout,
		locks:       NewKeyedMutex(),
	}
}

// SendToGroup delivers ev to every current member of group.
func (b *Broker) SendToGroup(ctx context.Context, group string, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}

	unlock := b.locks.Lock(group)
	defer unlock()

	targets := b.members.MembersOf(group)
	b.logger.Debug("sending to group", "group", group, "target", ev.Target, "connections", len(targets))
	b.fanOut(ctx, targets, ev.Target, payload)
	return nil
}

// SendToAll delivers ev to every live connection.
func (b *Broker) SendToAll(ctx context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}

	targets := b.members.Connections()
	b.logger.Debug("sending to all", "target", ev.Target, "connections", len(targets))
	b.fanOut(ctx, targets, ev.Target, payload)
	return nil
}

// SendToConnection delivers ev to connID only.
func (b *Broker) SendToConnection(ctx context.Context, connID string, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	b.events.Add(1)
	b.send(ctx, connID, ev.Target, payload)
	return nil
}

// Stats returns a snapshot of the counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Events:     b.events.Load(),
		Deliveries: b.deliveries.Load(),
		Gone:       b.gone.Load(),
		Failed:     b.failed.Load(),
	}
}

func (b *Broker) fanOut(ctx context.Context, targets []string, target string, payload []byte) {
	b.events.Add(1)
	for _, connID := range targets {
		b.send(ctx, connID, target, payload)
	}
}

func (b *Broker) send(ctx context.Context, connID, target string, payload []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	err := b.transport.Send(sendCtx, connID, payload)
	switch {
	case err == nil:
		b.deliveries.Add(1)
	case errors.Is(err, ErrGone):
		b.gone.Add(1)
		b.logger.Debug("dropped send to departed connection", "conn", connID, "target", target)
	default:
		b.failed.Add(1)
		b.logger.Warn("send failed", "conn", connID, "target", target, "error", err)
	}
}

func encode(ev Event) ([]byte, error) {
	if ev.Arguments == nil {
		ev.Arguments = []any{}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Target, err)
	}
	return payload, nil
}
