package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by an access token. Subject is the
// account id.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// AccountID returns the subject claim.
func (c AccessClaims) AccountID() string { return c.Subject }

// Manager issues and verifies HS256 access tokens.
type Manager struct {
	key    []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewManager returns a Manager signing with key. The key must satisfy the
// MinHMACKeyBytes policy.
func NewManager(key []byte, issuer string, ttl time.Duration) (*Manager, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Manager{
		key:    k,
		issuer: issuer,
		ttl:    ttl,
		leeway: 30 * time.Second,
		now:    time.Now,
	}, nil
}

// NewManagerFromEnv builds a Manager from COURIER_TOKEN_HMAC_KEY.
func NewManagerFromEnv(issuer string, ttl time.Duration) (*Manager, error) {
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	if err != nil {
		return nil, err
	}
	return NewManager(key, issuer, ttl)
}

// Issue signs an access token for accountID and returns it with its expiry.
func (m *Manager) Issue(accountID string) (string, time.Time, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", time.Time{}, errors.New("token: missing account id")
	}

	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return s, exp, nil
}

// Verify parses raw and checks signature, algorithm, issuer and expiry.
// Every failure is reported as ErrInvalidToken wrapping the cause.
func (m *Manager) Verify(raw string) (AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	var claims AccessClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
