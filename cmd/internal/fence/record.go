package fence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxAccountIDBytes bounds account ids. A record carries the id twice (key
// and token prefix) and must fit a Postgres NOTIFY payload (< 8000 bytes).
const MaxAccountIDBytes = 512

// Record is the per-account fencing record. The storage key is AccountID,
// so writes are overwrites and at most one record exists per account.
type Record struct {
	SessionToken  string    `json:"sessionToken" bson:"sessionToken"`
	AccountID     string    `json:"accountId" bson:"accountId"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat" bson:"lastHeartbeat"`
}

// Validate checks the fields every store relies on.
func (r Record) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return errors.New("fence: record missing account id")
	}
	if len(r.AccountID) > MaxAccountIDBytes {
		return fmt.Errorf("%w: account id longer than %d bytes", ErrInvalidInput, MaxAccountIDBytes)
	}
	if strings.TrimSpace(r.SessionToken) == "" {
		return errors.New("fence: record missing session token")
	}
	return nil
}

// Patch is a field-scoped partial update. Zero fields are left untouched.
// The session token is intentionally not patchable.
type Patch struct {
	LastHeartbeat time.Time
}

// apply merges p into r and returns the result.
func (p Patch) apply(r Record) Record {
	if !p.LastHeartbeat.IsZero() {
		r.LastHeartbeat = p.LastHeartbeat
	}
	return r
}

// Change is a watch notification for one account. Record is nil when the
// record was deleted.
type Change struct {
	AccountID string
	Record    *Record
}

// normalizeTime returns t in UTC truncated to milliseconds, the coarsest
// precision among the supported stores.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
