package fence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/ratelimit"
	sectoken "courier/cmd/security/token"
)

// Fence issues attachments against one Store. It is safe for concurrent use
// and is meant to be constructed once per process and injected into hosts.
type Fence struct {
	cfg      Config
	store    Store
	log      *slog.Logger
	obs      Observer
	now      func() time.Time
	newToken TokenSource

	mu     sync.Mutex
	live   map[*Attachment]struct{}
	closed bool
}

// Option configures a Fence.
type Option func(*Fence)

// WithLogger sets the logger (default: discard).
func WithLogger(log *slog.Logger) Option {
	return func(f *Fence) {
		if log != nil {
			f.log = log
		}
	}
}

// WithObserver sets the outcome observer (default: NopObserver).
func WithObserver(o Observer) Option {
	return func(f *Fence) {
		if o != nil {
			f.obs = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fence) {
		if now != nil {
			f.now = now
		}
	}
}

// WithTokenSource overrides NewSessionToken.
func WithTokenSource(src TokenSource) Option {
	return func(f *Fence) {
		if src != nil {
			f.newToken = src
		}
	}
}

// New constructs a Fence over store.
func New(store Store, cfg Config, opts ...Option) (*Fence, error) {
	if store == nil {
		return nil, errors.New("fence: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Fence{
		cfg:      cfg,
		store:    store,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		obs:      NopObserver{},
		now:      time.Now,
		newToken: NewSessionToken,
		live:     make(map[*Attachment]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the effective configuration.
func (f *Fence) Config() Config { return f.cfg }

// Attach starts a fenced session for accountID.
//
// The new token is written unconditionally, displacing any older login.
// Store failures do not fail Attach: the attachment stays pending (or
// unwatched) and is retried on the next heartbeat tick.
//
// onForceLogout is invoked on its own goroutine, at most once, when a newer
// login displaces this one. The attachment is released when ctx is done or
// when Release is called.
func (f *Fence) Attach(ctx context.Context, accountID string, onForceLogout func()) (*Attachment, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || len(accountID) > MaxAccountIDBytes || onForceLogout == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	def := DefaultConfig()
	now := f.clock()
	token, err := f.newToken(accountID, now)
	if err != nil {
		return nil, fmt.Errorf("fence: session token: %w", err)
	}

	a := &Attachment{
		f:             f,
		log:           f.log.With("account_id", accountID, "token_ref", sectoken.Fingerprint(token)),
		accountID:     accountID,
		token:         token,
		issuedAt:      now,
		onForceLogout: onForceLogout,
		limiter:       ratelimit.New(f.cfg.ActivityBurst, f.cfg.ActivityWindow, def.ActivityBurst, def.ActivityWindow),
		state:         StatePending,
		activity:      make(chan struct{}, 1),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}

	a.log.Info("fence.attach")
	a.establish(ctx)

	go a.run(ctx)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		a.Release()
		return nil, ErrClosed
	}
	f.live[a] = struct{}{}
	f.mu.Unlock()

	return a, nil
}

// Active returns the number of attachments that have not been released.
func (f *Fence) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Close releases every live attachment and rejects further Attach calls.
// It does not close the store.
func (f *Fence) Close() {
	f.mu.Lock()
	f.closed = true
	live := make([]*Attachment, 0, len(f.live))
	for a := range f.live {
		live = append(live, a)
	}
	f.mu.Unlock()

	for _, a := range live {
		a.Release()
	}
}

func (f *Fence) forget(a *Attachment) {
	f.mu.Lock()
	delete(f.live, a)
	f.mu.Unlock()
}

func (f *Fence) clock() time.Time {
	return normalizeTime(f.now())
}

func (f *Fence) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, f.cfg.OpTimeout)
}
