// Package fence enforces a single active login per account.
//
// Every login attaches to the fence with a fresh session token and writes it
// to the account's record in a shared store, overwriting whatever was there
// (last writer wins). Each attachment watches the record; when it observes a
// token that is not its own it has been displaced and fires the host's
// forced-logout callback exactly once.
//
// The authoritative attachment proves liveness with periodic heartbeats and
// with interaction-triggered heartbeats (Touch). Heartbeats are merges
// conditioned on the attachment's own token, so a displaced attachment can
// never re-stamp a record that belongs to a newer login.
//
// Stores: in-memory (dev and tests), PostgreSQL (LISTEN/NOTIFY), Redis
// (Lua + pub/sub), NATS JetStream KV (watchers) and MongoDB (change streams).
package fence
