package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Client-facing action names.
const (
	ActionCreateChatRoom     = "createChatRoom"
	ActionPostMessage        = "postmessage"
	ActionJoinGroup          = "JoinGroup"
	ActionLeaveGroup         = "LeaveGroup"
	ActionGetAllRoomMessages = "GetAllRoomMessages"
)

// Invoke runs the client action target for connID with JSON-encoded
// arguments. Action names match case-insensitively.
func (r *Relay) Invoke(ctx context.Context, connID, target string, args []json.RawMessage) error {
	r.logger.Debug("invoke", "conn", connID, "target", target, "args", len(args))

	switch strings.ToLower(target) {
	case strings.ToLower(ActionCreateChatRoom):
		vals, err := stringArgs(target, args, 1)
		if err != nil {
			return err
		}
		_, err = r.CreateRoom(ctx, connID, r.userOf(connID), vals[0])
		return err

	case strings.ToLower(ActionPostMessage):
		vals, err := stringArgs(target, args, 2)
		if err != nil {
			return err
		}
		_, err = r.PostMessage(ctx, connID, r.userOf(connID), vals[0], vals[1])
		return err

	case strings.ToLower(ActionJoinGroup):
		vals, err := stringArgs(target, args, 2)
		if err != nil {
			return err
		}
		return r.JoinGroup(ctx, orSelf(vals[0], connID), vals[1])

	case strings.ToLower(ActionLeaveGroup):
		vals, err := stringArgs(target, args, 2)
		if err != nil {
			return err
		}
		return r.LeaveGroup(ctx, orSelf(vals[0], connID), vals[1])

	case strings.ToLower(ActionGetAllRoomMessages):
		vals, err := stringArgs(target, args, 1)
		if err != nil {
			return err
		}
		return r.GetAllRoomMessages(ctx, connID, vals[0])

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, target)
	}
}

// userOf returns the user behind connID, or "" for anonymous or unknown
// connections.
func (r *Relay) userOf(connID string) string {
	user, err := r.registry.User(connID)
	if err != nil {
		r.logger.Warn("action from unregistered connection", "conn", connID)
		return ""
	}
	return user
}

func orSelf(connID, self string) string {
	if strings.TrimSpace(connID) == "" {
		return self
	}
	return connID
}

// stringArgs decodes the first n arguments as strings. JSON null decodes to
// the empty string.
func stringArgs(target string, args []json.RawMessage, n int) ([]string, error) {
	if len(args) < n {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrInvalidArguments, target, n, len(args))
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if len(args[i]) == 0 {
			continue
		}
		var s *string
		if err := json.Unmarshal(args[i], &s); err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", ErrInvalidArguments, target, i, err)
		}
		if s != nil {
			out[i] = *s
		}
	}
	return out, nil
}
