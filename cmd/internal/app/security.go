package app

import (
	"context"
	"errors"
	"fmt"

	"courier/cmd/internal/realtime"
	"courier/cmd/security/token"
)

// ValidateSecurityConfig enforces Courier's security policy at startup.
//
// When WebSocket authentication is required the HMAC key must be present
// and at least token.MinHMACKeyBytes long; the server refuses to start
// otherwise.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.WSRequireAuth {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return fmt.Errorf("security policy: COURIER_WS_REQUIRE_AUTH=true but %s is missing", token.HMACEnvKey)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return fmt.Errorf("security policy: COURIER_WS_REQUIRE_AUTH=true but %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
		default:
			return err
		}
	}
	return nil
}

// newAuthenticator returns the hello-token verifier, or nil when no key is
// configured and authentication is optional.
func newAuthenticator(cfg Config) (realtime.Authenticator, error) {
	if !token.HMACEnabled() {
		if cfg.WSRequireAuth {
			return nil, fmt.Errorf("security policy: %s is required", token.HMACEnvKey)
		}
		return nil, nil
	}

	m, err := token.NewManagerFromEnv(cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return realtime.AuthenticatorFunc(func(_ context.Context, raw string) (string, error) {
		claims, err := m.Verify(raw)
		if err != nil {
			return "", err
		}
		return claims.AccountID(), nil
	}), nil
}
