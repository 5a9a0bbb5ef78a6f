package fence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis.
//
// Each record is a JSON string at <prefix>:session:<account>. Every write is
// paired with a PUBLISH on <prefix>:events:<account> inside the same Lua
// script, so subscribers see changes in commit order. One PSUBSCRIBE
// connection feeds the local fan-out hub; when go-redis re-establishes it,
// watched accounts are re-read.
//
// The client is owned by the caller.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
	hub    *watchHub

	ps        *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore) error

// WithRedisPrefix sets the key namespace (default: "courier").
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" || strings.ContainsAny(prefix, "*?[] ") {
			return errors.New("fence: invalid redis prefix")
		}
		s.prefix = prefix
		return nil
	}
}

// WithRedisLogger sets the logger used by the subscriber loop.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// Scripts declare a single key (the record) so they run on Redis Cluster;
// the channel is passed in ARGV since PUBLISH is not slot-bound.

// putScript: KEYS[1]=record key, ARGV[1]=channel, ARGV[2]=record JSON.
const putScriptSrc = `
redis.call('SET', KEYS[1], ARGV[2])
redis.call('PUBLISH', ARGV[1], ARGV[2])
return 1
`

// mergeScript: KEYS[1]=record key, ARGV[1]=channel, ARGV[2]=expected token
// (empty: unconditional), ARGV[3]=lastHeartbeat JSON string (empty: keep).
// Returns 1 applied, 0 missing, -1 token mismatch.
const mergeScriptSrc = `
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if ARGV[2] ~= '' and rec['sessionToken'] ~= ARGV[2] then return -1 end
if ARGV[3] ~= '' then rec['lastHeartbeat'] = ARGV[3] end
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
redis.call('PUBLISH', ARGV[1], out)
return 1
`

// deleteScript: KEYS[1]=record key, ARGV[1]=channel, ARGV[2]=expected
// token (empty: unconditional). Returns 1 deleted, 0 otherwise.
const deleteScriptSrc = `
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if ARGV[2] ~= '' then
  local rec = cjson.decode(cur)
  if rec['sessionToken'] ~= ARGV[2] then return 0 end
end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', ARGV[1], '')
return 1
`

var (
	putScript    = redis.NewScript(putScriptSrc)
	mergeScript  = redis.NewScript(mergeScriptSrc)
	deleteScript = redis.NewScript(deleteScriptSrc)
)

// NewRedisStore constructs a Redis-backed Store and waits for its pattern
// subscription to be confirmed.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	st := &RedisStore{
		client: client,
		prefix: "courier",
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub:    newWatchHub(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.client == nil {
		return nil, errors.New("fence: nil redis client")
	}

	st.ps = client.PSubscribe(ctx, st.prefix+":events:*")
	if _, err := st.ps.Receive(ctx); err != nil {
		_ = st.ps.Close()
		return nil, err
	}

	go st.consume()
	return st, nil
}

// Close stops the subscriber and every subscription. The client stays open.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
		<-s.done
		s.hub.close()
	})
	return err
}

// Ping checks server reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put overwrites the record for rec.AccountID.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.LastHeartbeat = normalizeTime(rec.LastHeartbeat)

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return putScript.Run(ctx, s.client,
		s.scriptKeys(rec.AccountID),
		s.channel(rec.AccountID), string(b),
	).Err()
}

// MergeUpdate applies patch, conditioned on token when token is non-empty.
func (s *RedisStore) MergeUpdate(ctx context.Context, accountID, token string, patch Patch) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("fence: missing account id")
	}

	hb := ""
	if !patch.LastHeartbeat.IsZero() {
		b, err := normalizeTime(patch.LastHeartbeat).MarshalJSON()
		if err != nil {
			return err
		}
		// MarshalJSON quotes; the script stores the bare string.
		hb = strings.Trim(string(b), `"`)
	}

	n, err := mergeScript.Run(ctx, s.client,
		s.scriptKeys(accountID),
		s.channel(accountID), token, hb,
	).Int()
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case 0:
		return ErrNotFound
	default:
		return ErrTokenMismatch
	}
}

// Get returns the stored record or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, accountID string) (Record, error) {
	b, err := s.client.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(b)
}

// Subscribe registers fn for changes to accountID.
func (s *RedisStore) Subscribe(ctx context.Context, accountID string, fn func(Change)) (func(), error) {
	if fn == nil {
		return nil, errors.New("fence: nil subscriber")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(accountID, fn)
}

// Delete removes the record unconditionally.
func (s *RedisStore) Delete(ctx context.Context, accountID string) error {
	_, err := s.runDelete(ctx, accountID, "")
	return err
}

// DeleteIfToken removes the record only if it still carries token.
func (s *RedisStore) DeleteIfToken(ctx context.Context, accountID, token string) (bool, error) {
	if token == "" {
		return false, errors.New("fence: empty token")
	}
	return s.runDelete(ctx, accountID, token)
}

func (s *RedisStore) runDelete(ctx context.Context, accountID, token string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client,
		s.scriptKeys(accountID),
		s.channel(accountID), token,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) key(accountID string) string {
	return s.prefix + ":session:" + accountID
}

// scriptKeys is the KEYS list for every script: the record key only.
func (s *RedisStore) scriptKeys(accountID string) []string {
	return []string{s.key(accountID)}
}

func (s *RedisStore) channel(accountID string) string {
	return s.prefix + ":events:" + accountID
}

func (s *RedisStore) consume() {
	defer close(s.done)

	eventsPrefix := s.prefix + ":events:"
	confirmed := false

	for msg := range s.ps.ChannelWithSubscriptions() {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "psubscribe" {
				continue
			}
			// The first confirmation was consumed by NewRedisStore; any
			// later one means the connection was re-established.
			if confirmed {
				s.resync()
			}
			confirmed = true
		case *redis.Message:
			acct := strings.TrimPrefix(m.Channel, eventsPrefix)
			if acct == m.Channel || !s.hub.watched(acct) {
				continue
			}
			if m.Payload == "" {
				s.hub.publish(Change{AccountID: acct})
				continue
			}
			rec, err := decodeRecord([]byte(m.Payload))
			if err != nil {
				s.log.Warn("fence.redis.event.decode_fail", "account_id", acct, "err", err)
				continue
			}
			s.hub.publish(Change{AccountID: acct, Record: &rec})
		}
	}
}

func (s *RedisStore) resync() {
	accts := s.hub.accounts()
	s.log.Info("fence.redis.resync", "accounts", len(accts))

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	for _, acct := range accts {
		rec, err := s.Get(ctx, acct)
		switch {
		case err == nil:
			s.hub.publish(Change{AccountID: acct, Record: &rec})
		case errors.Is(err, ErrNotFound):
			s.hub.publish(Change{AccountID: acct})
		default:
			s.log.Warn("fence.redis.resync.fail", "account_id", acct, "err", err)
		}
	}
}

func decodeRecord(b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.LastHeartbeat = normalizeTime(rec.LastHeartbeat)
	return rec, nil
}
