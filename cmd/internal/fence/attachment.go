package fence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"courier/cmd/internal/ratelimit"
)

// Attachment is one login's hold on the fence.
//
// Design notes:
//   - Every store write happens on the attachment's own goroutine (or inside
//     Attach before that goroutine starts), so writes never overlap.
//   - Watch callbacks only read the record and may flip the state to
//     displaced; they never write.
//   - Release is idempotent and waits for an in-flight write to finish.
type Attachment struct {
	f             *Fence
	log           *slog.Logger
	accountID     string
	token         string
	issuedAt      time.Time
	onForceLogout func()
	limiter       *ratelimit.Limiter

	// attempts counts acquire attempts; owned by the writer goroutine.
	attempts int

	mu          sync.Mutex
	state       State
	acquired    bool
	unsubscribe func()
	lastBeat    time.Time
	lastErr     error

	activity chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	releaseOnce sync.Once
}

// AccountID returns the fenced account.
func (a *Attachment) AccountID() string { return a.accountID }

// Token returns this attachment's session token.
func (a *Attachment) Token() string { return a.token }

// State returns the current lifecycle state.
func (a *Attachment) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent failed store operation as an *OpError, or nil.
func (a *Attachment) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Touch reports local user interaction. It requests an immediate heartbeat,
// subject to the activity limiter, and never blocks.
func (a *Attachment) Touch() {
	select {
	case a.activity <- struct{}{}:
	default:
	}
}

// Release ends the attachment: it stops heartbeats and interaction
// handling, closes the watch and, if this attachment still owns the record,
// deletes it. Safe to call more than once and from onForceLogout.
func (a *Attachment) Release() {
	a.releaseOnce.Do(a.release)
}

func (a *Attachment) release() {
	a.mu.Lock()
	prev := a.state
	if !prev.Terminal() {
		a.state = StateReleased
	}
	a.mu.Unlock()

	close(a.quit)
	<-a.loopDone

	a.mu.Lock()
	unsub := a.unsubscribe
	a.unsubscribe = nil
	acquired := a.acquired
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if !prev.Terminal() {
		a.f.obs.StateChanged(a.accountID, prev, StateReleased)
	}

	// Only a holder that was never displaced may clean up, and even then the
	// delete is conditional: a newer login we have not observed yet survives.
	if prev != StateDisplaced && acquired {
		ctx, cancel := context.WithTimeout(context.Background(), a.f.cfg.OpTimeout)
		deleted, err := a.f.store.DeleteIfToken(ctx, a.accountID, a.token)
		cancel()
		if err != nil {
			a.fail(OpRelease, err)
		} else {
			a.log.Info("fence.release", "from", prev.String(), "record_deleted", deleted)
		}
	} else {
		a.log.Info("fence.release", "from", prev.String(), "record_deleted", false)
	}

	a.f.forget(a)
}

func (a *Attachment) run(ctx context.Context) {
	defer close(a.loopDone)

	t := time.NewTicker(a.f.cfg.HeartbeatInterval)
	defer t.Stop()
	tick := t.C

	for {
		select {
		case <-a.quit:
			return
		case <-ctx.Done():
			// Release waits for this goroutine, so it must run elsewhere.
			go a.Release()
			return
		case <-tick:
			if !a.tick(ctx) {
				t.Stop()
				tick = nil
			}
		case <-a.activity:
			if a.State() == StateAuthoritative && a.limiter.Allow(a.f.now()) {
				a.heartbeat(ctx)
			}
		}
	}
}

// tick runs one heartbeat period and reports whether the timer should keep running.
func (a *Attachment) tick(ctx context.Context) bool {
	was := a.State()
	switch was {
	case StatePending, StateAuthoritative:
		a.establish(ctx)
	}
	if was == StateAuthoritative {
		a.heartbeat(ctx)
	}
	return !a.State().Terminal()
}

// establish drives PENDING -> AUTHORITATIVE and (re)opens the watch.
func (a *Attachment) establish(ctx context.Context) {
	if a.State() == StatePending {
		a.acquire(ctx)
	}
	if a.State().Terminal() || a.subscribed() {
		return
	}
	if a.subscribe(ctx) {
		a.reconcile(ctx)
	}
}

func (a *Attachment) acquire(ctx context.Context) {
	if a.attempts > 0 {
		// A retry must not overwrite a login that started after ours.
		opCtx, cancel := a.f.opContext(ctx)
		rec, err := a.f.store.Get(opCtx, a.accountID)
		cancel()
		switch {
		case err == nil:
			a.observe(rec)
			if a.State() != StatePending {
				return
			}
		case errors.Is(err, ErrNotFound):
		default:
			a.attempts++
			a.fail(OpAcquire, err)
			return
		}
	}
	a.attempts++

	now := a.f.clock()
	rec := Record{
		SessionToken:  a.token,
		AccountID:     a.accountID,
		CreatedAt:     now,
		LastHeartbeat: now,
	}

	opCtx, cancel := a.f.opContext(ctx)
	err := a.f.store.Put(opCtx, rec)
	cancel()
	if err != nil {
		a.fail(OpAcquire, err)
		return
	}

	a.mu.Lock()
	a.acquired = true
	a.lastBeat = now
	moved := a.state == StatePending
	if moved {
		a.state = StateAuthoritative
	}
	a.mu.Unlock()

	if moved {
		a.f.obs.StateChanged(a.accountID, StatePending, StateAuthoritative)
		a.log.Info("fence.acquired", "attempt", a.attempts)
	}
}

func (a *Attachment) subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unsubscribe != nil
}

func (a *Attachment) subscribe(ctx context.Context) bool {
	opCtx, cancel := a.f.opContext(ctx)
	unsub, err := a.f.store.Subscribe(opCtx, a.accountID, a.onChange)
	cancel()
	if err != nil {
		a.fail(OpSubscribe, err)
		return false
	}

	a.mu.Lock()
	if a.state == StateReleased || a.unsubscribe != nil {
		a.mu.Unlock()
		unsub()
		return false
	}
	a.unsubscribe = unsub
	a.mu.Unlock()
	return true
}

// reconcile reads the record once after the watch is open, so a newer login
// committed between our write and the subscription is not missed.
func (a *Attachment) reconcile(ctx context.Context) {
	opCtx, cancel := a.f.opContext(ctx)
	rec, err := a.f.store.Get(opCtx, a.accountID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		a.fail(OpReconcile, err)
		return
	}
	a.observe(rec)
}

func (a *Attachment) heartbeat(ctx context.Context) {
	a.mu.Lock()
	if a.state != StateAuthoritative {
		a.mu.Unlock()
		return
	}
	now := a.f.clock()
	if !now.After(a.lastBeat) {
		now = a.lastBeat.Add(time.Millisecond)
	}
	a.mu.Unlock()

	opCtx, cancel := a.f.opContext(ctx)
	err := a.f.store.MergeUpdate(opCtx, a.accountID, a.token, Patch{LastHeartbeat: now})
	cancel()

	switch {
	case err == nil:
		a.mu.Lock()
		a.lastBeat = now
		a.mu.Unlock()
		a.f.obs.Heartbeat(a.accountID, now)
	case errors.Is(err, ErrTokenMismatch):
		a.displace("heartbeat_rejected")
	case errors.Is(err, ErrNotFound):
		// The record was removed out from under us. Recreating it could
		// resurrect a login that a missed notification already displaced.
		a.fail(OpHeartbeat, err)
	default:
		a.fail(OpHeartbeat, err)
	}
}

func (a *Attachment) onChange(c Change) {
	if c.Record == nil {
		return
	}
	if c.Record.AccountID != "" && c.Record.AccountID != a.accountID {
		a.log.Warn("fence.watch.foreign_record", "record_account_id", c.Record.AccountID)
		return
	}
	a.observe(*c.Record)
}

// observe compares a stored record against our token.
//
// While authoritative any other token displaces us. While pending only a
// record created after our own token was issued does: records older than
// ours belong to the login we are about to overwrite.
func (a *Attachment) observe(rec Record) {
	if rec.SessionToken == "" || rec.SessionToken == a.token {
		return
	}

	a.mu.Lock()
	from := a.state
	switch {
	case from == StateAuthoritative:
	case from == StatePending && rec.CreatedAt.After(a.issuedAt):
	default:
		a.mu.Unlock()
		return
	}
	a.state = StateDisplaced
	a.mu.Unlock()

	a.displaced(from, "token_changed")
}

func (a *Attachment) displace(reason string) {
	a.mu.Lock()
	from := a.state
	if from != StateAuthoritative {
		a.mu.Unlock()
		return
	}
	a.state = StateDisplaced
	a.mu.Unlock()

	a.displaced(from, reason)
}

func (a *Attachment) displaced(from State, reason string) {
	a.f.obs.StateChanged(a.accountID, from, StateDisplaced)
	a.log.Info("fence.displaced", "from", from.String(), "reason", reason)
	go a.onForceLogout()
}

func (a *Attachment) fail(op Op, err error) {
	oe := &OpError{Op: op, AccountID: a.accountID, Err: err}

	a.mu.Lock()
	a.lastErr = oe
	a.mu.Unlock()

	a.f.obs.OpFailed(oe)
	a.log.Warn("fence.op.fail", "op", string(op), "err", err)
}
