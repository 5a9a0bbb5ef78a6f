// Package ids provides the ID primitives used across Courier: ULIDs for
// session tokens and UUIDs for connection ids.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
// ULIDs are lexicographically sortable by their millisecond timestamp.
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

// ULIDTime returns the timestamp embedded in a ULID string.
func ULIDTime(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()).UTC(), nil
}

// NewConnectionID returns a random (version 4) UUID string.
func NewConnectionID() string {
	return uuid.NewString()
}
