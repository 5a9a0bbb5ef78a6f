package fence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds optimistic retries for revision-checked writes.
const maxCASAttempts = 8

// NATSStore is a Store backed by a NATS JetStream key-value bucket.
//
// Keys are base64url(account id) so any account id is a valid KV key.
// Conditional writes use the entry revision: a concurrent write makes the
// server reject ours and the operation is re-evaluated against the new value.
// One bucket-wide watcher feeds the local fan-out hub in stream order.
//
// The connection is owned by the caller.
type NATSStore struct {
	nc  *nats.Conn
	kv  jetstream.KeyValue
	log *slog.Logger
	hub *watchHub

	watcher   jetstream.KeyWatcher
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NATSOption configures NATSStore behavior.
type NATSOption func(*natsOptions) error

type natsOptions struct {
	bucket string
	log    *slog.Logger
}

// WithNATSBucket sets the KV bucket (default: "courier_sessions").
func WithNATSBucket(bucket string) NATSOption {
	return func(o *natsOptions) error {
		bucket = strings.TrimSpace(bucket)
		if bucket == "" {
			return errors.New("fence: empty nats bucket")
		}
		o.bucket = bucket
		return nil
	}
}

// WithNATSLogger sets the logger used by the watcher loop.
func WithNATSLogger(log *slog.Logger) NATSOption {
	return func(o *natsOptions) error {
		if log != nil {
			o.log = log
		}
		return nil
	}
}

// NewNATSStore binds (or creates) the bucket and starts the watcher.
func NewNATSStore(ctx context.Context, nc *nats.Conn, opts ...NATSOption) (*NATSStore, error) {
	o := natsOptions{
		bucket: "courier_sessions",
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if nc == nil {
		return nil, errors.New("fence: nil nats connection")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, o.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      o.bucket,
			Description: "courier active sessions",
			History:     1,
		})
	}
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	w, err := kv.WatchAll(wctx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, err
	}

	st := &NATSStore{
		nc:      nc,
		kv:      kv,
		log:     o.log,
		hub:     newWatchHub(),
		watcher: w,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go st.consume()
	return st, nil
}

// Close stops the watcher and every subscription. The connection stays open.
func (s *NATSStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Stop()
		s.cancel()
		<-s.done
		s.hub.close()
	})
	return err
}

// Ping checks that the bucket is reachable.
func (s *NATSStore) Ping(ctx context.Context) error {
	_, err := s.kv.Status(ctx)
	return err
}

// Put overwrites the record for rec.AccountID.
func (s *NATSStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.LastHeartbeat = normalizeTime(rec.LastHeartbeat)

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, natsKey(rec.AccountID), b)
	return err
}

// MergeUpdate applies patch, conditioned on token when token is non-empty.
func (s *NATSStore) MergeUpdate(ctx context.Context, accountID, token string, patch Patch) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("fence: missing account id")
	}
	key := natsKey(accountID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, rev, err := s.get(ctx, key)
		if err != nil {
			return err
		}
		if token != "" && cur.SessionToken != token {
			return ErrTokenMismatch
		}

		b, err := json.Marshal(patch.apply(cur))
		if err != nil {
			return err
		}
		_, err = s.kv.Update(ctx, key, b, rev)
		if err == nil {
			return nil
		}
		if !isWrongRevision(err) {
			return err
		}
	}
	return errors.New("fence: nats merge: too much contention")
}

// Get returns the stored record or ErrNotFound.
func (s *NATSStore) Get(ctx context.Context, accountID string) (Record, error) {
	rec, _, err := s.get(ctx, natsKey(accountID))
	return rec, err
}

// Subscribe registers fn for changes to accountID.
func (s *NATSStore) Subscribe(ctx context.Context, accountID string, fn func(Change)) (func(), error) {
	if fn == nil {
		return nil, errors.New("fence: nil subscriber")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(accountID, fn)
}

// Delete removes the record unconditionally.
func (s *NATSStore) Delete(ctx context.Context, accountID string) error {
	key := natsKey(accountID)
	if _, _, err := s.get(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.kv.Delete(ctx, key)
}

// DeleteIfToken removes the record only if it still carries token.
func (s *NATSStore) DeleteIfToken(ctx context.Context, accountID, token string) (bool, error) {
	key := natsKey(accountID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, rev, err := s.get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cur.SessionToken != token {
			return false, nil
		}

		err = s.kv.Delete(ctx, key, jetstream.LastRevision(rev))
		if err == nil {
			return true, nil
		}
		if !isWrongRevision(err) {
			return false, err
		}
	}
	return false, errors.New("fence: nats delete: too much contention")
}

// Resync republishes the current record of every watched account. Call it
// from the connection's reconnect handler.
func (s *NATSStore) Resync(ctx context.Context) {
	accts := s.hub.accounts()
	s.log.Info("fence.nats.resync", "accounts", len(accts))

	for _, acct := range accts {
		rec, err := s.Get(ctx, acct)
		switch {
		case err == nil:
			s.hub.publish(Change{AccountID: acct, Record: &rec})
		case errors.Is(err, ErrNotFound):
			s.hub.publish(Change{AccountID: acct})
		default:
			s.log.Warn("fence.nats.resync.fail", "account_id", acct, "err", err)
		}
	}
}

func (s *NATSStore) get(ctx context.Context, key string) (Record, uint64, error) {
	e, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, err
	}
	rec, err := decodeRecord(e.Value())
	if err != nil {
		return Record{}, 0, err
	}
	return rec, e.Revision(), nil
}

func (s *NATSStore) consume() {
	defer close(s.done)

	for e := range s.watcher.Updates() {
		// nil marks the end of initial values; with UpdatesOnly there are none.
		if e == nil {
			continue
		}
		acct, err := natsAccount(e.Key())
		if err != nil {
			s.log.Warn("fence.nats.watch.bad_key", "key", e.Key(), "err", err)
			continue
		}
		if !s.hub.watched(acct) {
			continue
		}

		switch e.Operation() {
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			s.hub.publish(Change{AccountID: acct})
		default:
			rec, err := decodeRecord(e.Value())
			if err != nil {
				s.log.Warn("fence.nats.watch.decode_fail", "account_id", acct, "err", err)
				continue
			}
			s.hub.publish(Change{AccountID: acct, Record: &rec})
		}
	}
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

func natsKey(accountID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(accountID))
}

func natsAccount(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
