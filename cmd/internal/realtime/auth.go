package realtime

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned by an Authenticator that rejects a token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the account id a hello token speaks for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (accountID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}
