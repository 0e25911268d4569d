package relay

import "errors"

var (
	// ErrUnknownAction is returned by Invoke for an unrecognised target.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidArguments is returned when an action's arguments are missing
	// or of the wrong type.
	ErrInvalidArguments = errors.New("invalid arguments")
)
