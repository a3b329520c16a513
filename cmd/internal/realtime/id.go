package realtime

import (
	"time"

	"canon/cmd/internal/ids"
)

// NewSessionID returns a ULID used as WebSocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id. It never fails; ULIDs
// keep envelopes ordered in logs.
func NewEnvelopeID() string {
	return ids.Make()
}
