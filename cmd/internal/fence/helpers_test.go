package fence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func testConfig(interval time.Duration) Config {
	return Config{
		HeartbeatInterval: interval,
		OpTimeout:         interval / 2,
		ActivityBurst:     6,
		ActivityWindow:    time.Minute,
	}
}

func testAccountID() string {
	return "acct-" + ulid.Make().String()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func sequenceTokens(tokens ...string) TokenSource {
	var (
		mu sync.Mutex
		i  int
	)
	return func(string, time.Time) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(tokens) {
			return "", errors.New("token sequence exhausted")
		}
		tok := tokens[i]
		i++
		return tok, nil
	}
}

// stepClock advances by step on every read.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(start time.Time, step time.Duration) *stepClock {
	return &stepClock{t: start, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type logoutCounter struct {
	n    atomic.Int32
	once sync.Once
	ch   chan struct{}
}

func newLogoutCounter() *logoutCounter {
	return &logoutCounter{ch: make(chan struct{})}
}

func (c *logoutCounter) fn() {
	c.n.Add(1)
	c.once.Do(func() { close(c.ch) })
}

func (c *logoutCounter) count() int { return int(c.n.Load()) }

type recordingObserver struct {
	mu          sync.Mutex
	transitions [][2]State
	heartbeats  int
	failures    []*OpError
}

func (o *recordingObserver) StateChanged(_ string, from, to State) {
	o.mu.Lock()
	o.transitions = append(o.transitions, [2]State{from, to})
	o.mu.Unlock()
}

func (o *recordingObserver) Heartbeat(string, time.Time) {
	o.mu.Lock()
	o.heartbeats++
	o.mu.Unlock()
}

func (o *recordingObserver) OpFailed(err *OpError) {
	o.mu.Lock()
	o.failures = append(o.failures, err)
	o.mu.Unlock()
}

func (o *recordingObserver) heartbeatCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heartbeats
}

func (o *recordingObserver) transitionCount(from, to State) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, tr := range o.transitions {
		if tr[0] == from && tr[1] == to {
			n++
		}
	}
	return n
}

// flakyStore wraps a MemoryStore with fault injection.
type flakyStore struct {
	*MemoryStore

	mu      sync.Mutex
	failPut func(Record) error
	silent  bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (s *flakyStore) setFailPut(fn func(Record) error) {
	s.mu.Lock()
	s.failPut = fn
	s.mu.Unlock()
}

func (s *flakyStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	fn := s.failPut
	s.mu.Unlock()
	if fn != nil {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return s.MemoryStore.Put(ctx, rec)
}

// Subscribe on a silent store succeeds but never delivers, like a
// notification channel that dropped every event.
func (s *flakyStore) Subscribe(ctx context.Context, accountID string, fn func(Change)) (func(), error) {
	s.mu.Lock()
	silent := s.silent
	s.mu.Unlock()
	if silent {
		return func() {}, nil
	}
	return s.MemoryStore.Subscribe(ctx, accountID, fn)
}

func mustGet(t *testing.T, s Store, accountID string) Record {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.Get(ctx, accountID)
	if err != nil {
		t.Fatalf("get %s: %v", accountID, err)
	}
	return rec
}

func mustAttach(t *testing.T, f *Fence, accountID string, fn func()) *Attachment {
	t.Helper()

	a, err := f.Attach(context.Background(), accountID, fn)
	if err != nil {
		t.Fatalf("attach %s: %v", accountID, err)
	}
	t.Cleanup(a.Release)
	return a
}

// attachConcurrently starts n logins for accountID at once and checks that
// exactly one stays authoritative, holding the stored token, while every
// other one is displaced with a single forced logout. Closing the fence
// must then remove the record.
func attachConcurrently(t *testing.T, f *Fence, s Store, accountID string, n int, settle time.Duration) {
	t.Helper()

	var (
		wg       sync.WaitGroup
		atts     = make([]*Attachment, n)
		counters = make([]*logoutCounter, n)
		errs     = make([]error, n)
		start    = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		counters[i] = newLogoutCounter()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			atts[i], errs[i] = f.Attach(context.Background(), accountID, counters[i].fn)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}

	states := func() (auth, displaced int) {
		for _, a := range atts {
			switch a.State() {
			case StateAuthoritative:
				auth++
			case StateDisplaced:
				displaced++
			}
		}
		return auth, displaced
	}
	waitFor(t, settle, "a single authoritative login", func() bool {
		auth, displaced := states()
		return auth == 1 && displaced == n-1
	})

	rec := mustGet(t, s, accountID)
	for i, a := range atts {
		switch a.State() {
		case StateAuthoritative:
			if a.Token() != rec.SessionToken {
				t.Fatalf("authoritative login %d holds %q but store has %q", i, a.Token(), rec.SessionToken)
			}
		case StateDisplaced:
			select {
			case <-counters[i].ch:
			case <-time.After(settle):
				t.Fatalf("displaced login %d was not logged out", i)
			}
		}
	}

	// Late duplicate notifications would show up here.
	time.Sleep(100 * time.Millisecond)
	for i, a := range atts {
		want := 0
		if a.State() == StateDisplaced {
			want = 1
		}
		if got := counters[i].count(); got != want {
			t.Fatalf("login %d (%s): got %d forced logouts want %d", i, a.State(), got, want)
		}
	}

	f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Get(ctx, accountID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record removed after close, got %v", err)
	}
}
