package room

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongPhase means the command does not apply to the room's current phase.
	ErrWrongPhase = errors.New("command not valid in current phase")
	// ErrDuplicate means the player already completed the step.
	ErrDuplicate = errors.New("duplicate submission")
	// ErrRoomUnavailable means the room is full or no longer accepting members.
	ErrRoomUnavailable = errors.New("room unavailable")
	// ErrUnknownPlayer means the player is not a member of the room.
	ErrUnknownPlayer = errors.New("unknown player")
)

// RejectionError is a validation failure reported back to the submitting player.
// Room state is unchanged and the player may retry.
type RejectionError struct {
	Reason string
	Retry  bool
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// IsIgnorable reports whether err is a stale or duplicate message that should be dropped silently.
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrWrongPhase) || errors.Is(err, ErrDuplicate)
}

// IsRejection reports whether err is a RejectionError.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
