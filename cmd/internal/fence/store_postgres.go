package fence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close stops the notification listener only.
//
// Notification model:
//   - A row trigger calls pg_notify with the full row (or a deletion marker).
//     Notifications are delivered in commit order on one dedicated LISTEN
//     connection taken out of the pool.
//   - When that connection drops it is re-established with backoff, and every
//     watched account is re-read so changes committed while deaf are not lost.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
	hub    *watchHub

	backoffMin time.Duration
	backoffMax time.Duration

	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("fence: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("fence: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresLogger sets the logger used by the listener.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithListenBackoff bounds the delay between LISTEN reconnect attempts.
func WithListenBackoff(lo, hi time.Duration) PostgresOption {
	return func(s *PostgresStore) error {
		if lo <= 0 || hi < lo {
			return errors.New("fence: invalid listen backoff")
		}
		s.backoffMin, s.backoffMax = lo, hi
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store and starts its listener.
// The schema must already exist (see ApplyPostgresSchema).
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:       pool,
		schema:     "courier",
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub:        newWatchHub(),
		backoffMin: 250 * time.Millisecond,
		backoffMax: 10 * time.Second,
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("fence: nil pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	go st.listen(ctx)

	return st, nil
}

// Close stops the listener and every subscription. The pool stays open.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.hub.close()
	})
	return nil
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Put overwrites the record for rec.AccountID.
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (account_id, session_token, created_at, last_heartbeat)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id) DO UPDATE
		    SET session_token  = EXCLUDED.session_token,
		        created_at     = EXCLUDED.created_at,
		        last_heartbeat = EXCLUDED.last_heartbeat`,
		rec.AccountID, rec.SessionToken, normalizeTime(rec.CreatedAt), normalizeTime(rec.LastHeartbeat),
	)
	return err
}

// MergeUpdate applies patch, conditioned on token when token is non-empty.
func (s *PostgresStore) MergeUpdate(ctx context.Context, accountID, token string, patch Patch) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("fence: missing account id")
	}

	var hb *time.Time
	if !patch.LastHeartbeat.IsZero() {
		t := normalizeTime(patch.LastHeartbeat)
		hb = &t
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET last_heartbeat = COALESCE($3, last_heartbeat)
		  WHERE account_id = $1 AND ($2 = '' OR session_token = $2)`,
		accountID, token, hb,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Classify the miss.
	var cur string
	err = s.pool.QueryRow(ctx,
		`SELECT session_token FROM `+s.table()+` WHERE account_id = $1`,
		accountID,
	).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTokenMismatch
}

// Get returns the stored record or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, accountID string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, session_token, created_at, last_heartbeat
		   FROM `+s.table()+`
		  WHERE account_id = $1`,
		accountID,
	).Scan(&rec.AccountID, &rec.SessionToken, &rec.CreatedAt, &rec.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.LastHeartbeat = normalizeTime(rec.LastHeartbeat)
	return rec, nil
}

// Subscribe registers fn for changes to accountID. It waits until the
// listener has issued LISTEN at least once.
func (s *PostgresStore) Subscribe(ctx context.Context, accountID string, fn func(Change)) (func(), error) {
	if fn == nil {
		return nil, errors.New("fence: nil subscriber")
	}
	select {
	case <-s.ready:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.hub.subscribe(accountID, fn)
}

// Delete removes the record unconditionally.
func (s *PostgresStore) Delete(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE account_id = $1`, accountID)
	return err
}

// DeleteIfToken removes the record only if it still carries token.
func (s *PostgresStore) DeleteIfToken(ctx context.Context, accountID, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE account_id = $1 AND session_token = $2`,
		accountID, token,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "active_sessions")
}

func (s *PostgresStore) listen(ctx context.Context) {
	defer close(s.done)

	backoff := s.backoffMin
	for {
		err := s.listenOnce(ctx, func() { backoff = s.backoffMin })
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("fence.pg.listen.fail", "err", err, "retry_in", backoff.String())

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context, onListening func()) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A LISTENing connection must never go back to the pool.
	conn := pc.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{notifyChannel(s.schema)}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListening()

	first := false
	s.readyOnce.Do(func() {
		first = true
		close(s.ready)
	})
	if first {
		s.log.Info("fence.pg.listen.ready", "schema", s.schema)
	} else {
		s.resync(ctx)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(n.Payload)
	}
}

// resync republishes the current record of every watched account.
func (s *PostgresStore) resync(ctx context.Context) {
	accts := s.hub.accounts()
	s.log.Info("fence.pg.resync", "accounts", len(accts))

	for _, acct := range accts {
		rec, err := s.Get(ctx, acct)
		switch {
		case err == nil:
			s.hub.publish(Change{AccountID: acct, Record: &rec})
		case errors.Is(err, ErrNotFound):
			s.hub.publish(Change{AccountID: acct})
		default:
			s.log.Warn("fence.pg.resync.fail", "account_id", acct, "err", err)
		}
	}
}

// pgNotice is the trigger payload. Timestamps are unix milliseconds.
type pgNotice struct {
	AccountID     string `json:"a"`
	SessionToken  string `json:"t"`
	CreatedAt     int64  `json:"c"`
	LastHeartbeat int64  `json:"h"`
	Deleted       bool   `json:"d"`
}

func (s *PostgresStore) dispatch(payload string) {
	var n pgNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.log.Warn("fence.pg.notify.decode_fail", "err", err)
		return
	}
	if n.AccountID == "" || !s.hub.watched(n.AccountID) {
		return
	}
	if n.Deleted {
		s.hub.publish(Change{AccountID: n.AccountID})
		return
	}
	s.hub.publish(Change{
		AccountID: n.AccountID,
		Record: &Record{
			SessionToken:  n.SessionToken,
			AccountID:     n.AccountID,
			CreatedAt:     time.UnixMilli(n.CreatedAt).UTC(),
			LastHeartbeat: time.UnixMilli(n.LastHeartbeat).UTC(),
		},
	})
}

// PostgresSchemaSQL returns the DDL PostgresStore needs in schema.
func PostgresSchemaSQL(schema string) (string, error) {
	if !isValidPGIdent(schema) {
		return "", errors.New("fence: invalid schema identifier")
	}

	s := pgx.Identifier{schema}.Sanitize()
	table := pgIdent(schema, "active_sessions")
	fn := pgIdent(schema, "notify_active_session")
	channel := notifyChannel(schema)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  account_id     TEXT PRIMARY KEY,
  session_token  TEXT NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL,
  last_heartbeat TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_active_sessions_token CHECK (char_length(session_token) > 0)
);

CREATE OR REPLACE FUNCTION %[3]s() RETURNS trigger AS $$
BEGIN
  IF TG_OP = 'DELETE' THEN
    PERFORM pg_notify('%[4]s', json_build_object('a', OLD.account_id, 'd', true)::text);
    RETURN OLD;
  END IF;
  PERFORM pg_notify('%[4]s', json_build_object(
    'a', NEW.account_id,
    't', NEW.session_token,
    'c', floor(extract(epoch FROM NEW.created_at) * 1000)::bigint,
    'h', floor(extract(epoch FROM NEW.last_heartbeat) * 1000)::bigint
  )::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_active_sessions_notify ON %[2]s;
CREATE TRIGGER trg_active_sessions_notify
  AFTER INSERT OR UPDATE OR DELETE ON %[2]s
  FOR EACH ROW EXECUTE FUNCTION %[3]s();
`, s, table, fn, channel), nil
}

// ApplyPostgresSchema creates (or upgrades) the fence schema objects.
func ApplyPostgresSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	ddl, err := PostgresSchemaSQL(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply fence schema: %w", err)
	}
	return nil
}

func notifyChannel(schema string) string {
	return schema + "_active_sessions"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
