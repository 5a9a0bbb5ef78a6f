package fence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when the account has no record.
	ErrNotFound = errors.New("fence: record not found")

	// ErrTokenMismatch is returned by a conditional store operation when the
	// stored session token is not the expected one.
	ErrTokenMismatch = errors.New("fence: session token mismatch")

	// ErrInvalidInput is returned by Attach for a blank account id or a nil callback.
	ErrInvalidInput = errors.New("fence: invalid input")

	// ErrClosed is returned by Attach after the fence or its store has been closed.
	ErrClosed = errors.New("fence: closed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("fence: invalid config")
)

// Op names the fence operation that touched the store.
type Op string

const (
	OpAcquire   Op = "acquire"
	OpSubscribe Op = "subscribe"
	OpReconcile Op = "reconcile"
	OpHeartbeat Op = "heartbeat"
	OpRelease   Op = "release"
)

// OpError is the typed outcome of a failed store operation. It never reaches
// the host as a failure of its session; it is logged, reported to the
// Observer and kept as the attachment's LastError.
type OpError struct {
	Op        Op
	AccountID string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("fence %s %s: %v", e.Op, e.AccountID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
