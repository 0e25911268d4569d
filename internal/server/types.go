// Package server defines the frames exchanged with WebSocket clients and
// helpers shared by client and hub logic.
package server

import (
	"context"
	"encoding/json"
	"strings"
)

// Dispatcher handles the lifecycle and actions of a connection. The relay
// core implements it.
type Dispatcher interface {
	OnConnect(ctx context.Context, connID, userID string) error
	OnDisconnect(ctx context.Context, connID string)
	Invoke(ctx context.Context, connID, target string, args []json.RawMessage) error
}

// Invocation is an inbound action frame.
type Invocation struct {
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

// Completion answers an Invocation that carried an id.
type Completion struct {
	InvocationID string `json:"invocationId"`
	Error        string `json:"error,omitempty"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
