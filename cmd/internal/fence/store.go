package fence

import "context"

// Store is the keyed document store the fence coordinates through.
//
// Requirements:
//   - Writes to one key are serialized; the last write wins and is observed
//     by every subscriber of that key.
//   - Subscribe delivers changes for a key in commit order. Callbacks run
//     without store locks held, and the returned unsubscribe func may be
//     called from inside a callback. ctx bounds the setup only.
//   - MergeUpdate never creates a record and never changes the session token.
//     With a non-empty token it applies only if the stored token matches
//     (ErrTokenMismatch otherwise); it returns ErrNotFound when absent.
//   - DeleteIfToken deletes only when the stored token matches and reports
//     whether a record was removed.
type Store interface {
	Put(ctx context.Context, rec Record) error
	MergeUpdate(ctx context.Context, accountID, token string, patch Patch) error
	Get(ctx context.Context, accountID string) (Record, error)
	Subscribe(ctx context.Context, accountID string, fn func(Change)) (unsubscribe func(), err error)
	Delete(ctx context.Context, accountID string) error
	DeleteIfToken(ctx context.Context, accountID, token string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
