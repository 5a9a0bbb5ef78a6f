// Package token provides the token primitives for Courier.
//
// It owns two concerns:
//   - the HMAC key policy (COURIER_TOKEN_HMAC_KEY, minimum size enforced when
//     authentication is required) and keyed digests built on it;
//   - HS256 access tokens whose subject is the account id a WebSocket
//     connection attaches to.
//
// Session tokens issued by the fence are opaque and never leave the server;
// Fingerprint gives logs a stable reference to one without leaking it.
package token
