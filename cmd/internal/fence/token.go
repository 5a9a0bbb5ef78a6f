package fence

import (
	"time"

	"courier/cmd/identity/ids"
)

// TokenSource produces a session token for one attachment.
type TokenSource func(accountID string, now time.Time) (string, error)

// NewSessionToken returns accountID + "_" + ULID. The ULID carries the
// issue time in milliseconds plus 80 random bits, so tokens are unique
// across concurrent logins of the same account.
func NewSessionToken(accountID string, now time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}
	return accountID + "_" + id, nil
}
