// Package ids provides ULID primitives used for subscriptions, sessions and envelopes.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
// ULIDs are lexicographically sortable, which keeps log lines ordered.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Make returns a ULID for the current time using the library's
// process-wide monotonic entropy. It never fails.
func Make() string {
	return ulid.Make().String()
}
