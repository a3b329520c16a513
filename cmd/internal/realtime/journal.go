package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRoomIDRequired is returned when a journal call has no room id.
var ErrRoomIDRequired = errors.New("realtime: room id required")

const (
	defaultLoadLimit = 500
	maxLoadLimit     = 2000
)

// StoredEvent is one raw inbound event as journaled for a room.
//
// Seq is the room-local journal sequence (1-based). It is not the timeline
// ordering key: keys are allocated when events are projected.
type StoredEvent struct {
	RoomID     string
	Seq        int64
	EventID    string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// EventJournal persists the raw events a room has ingested so the in-memory
// projection can be rebuilt after a restart.
//
// Requirements:
//   - Monotonic seq per room, no gaps.
//   - No dedupe by event id: a decrypted event re-uses its ciphertext identity.
//   - Load ordered by seq ASC.
type EventJournal interface {
	Append(ctx context.Context, in AppendEventInput) (StoredEvent, error)
	Load(ctx context.Context, in LoadEventsInput) (LoadEventsResult, error)
	// Find returns the most recently journaled event with the given id.
	Find(ctx context.Context, roomID, eventID string) (StoredEvent, bool, error)
	Close() error
}

// AppendEventInput describes a journal append request.
type AppendEventInput struct {
	RoomID  string
	EventID string
	Raw     json.RawMessage
	Now     time.Time
}

// LoadEventsInput describes a paged journal read.
type LoadEventsInput struct {
	RoomID   string
	AfterSeq int64
	Limit    int
}

// LoadEventsResult contains one page of journaled events.
type LoadEventsResult struct {
	Events  []StoredEvent
	HasMore bool
}

func clampLoadLimit(n int) int {
	if n <= 0 {
		return defaultLoadLimit
	}
	if n > maxLoadLimit {
		return maxLoadLimit
	}
	return n
}

func validateAppend(in AppendEventInput) error {
	if in.RoomID == "" {
		return ErrRoomIDRequired
	}
	if in.EventID == "" || len(in.Raw) == 0 {
		return errors.New("realtime: invalid journal input")
	}
	return nil
}
