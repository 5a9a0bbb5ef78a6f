package fence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// runStoreConformance exercises the Store contract every backend shares.
// Backend integration tests call it with a freshly opened store.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("put_get_roundtrip", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		acct := testAccountID()
		now := normalizeTime(time.Now())
		in := Record{SessionToken: acct + "_a", AccountID: acct, CreatedAt: now, LastHeartbeat: now}
		if err := s.Put(ctx, in); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := s.Get(ctx, acct)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.SessionToken != in.SessionToken || got.AccountID != acct {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !got.CreatedAt.Equal(now) || !got.LastHeartbeat.Equal(now) {
			t.Fatalf("timestamps changed: got created=%s hb=%s want %s", got.CreatedAt, got.LastHeartbeat, now)
		}

		if _, err := s.Get(ctx, testAccountID()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing record, got %v", err)
		}
	})

	t.Run("put_overwrites", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		acct := testAccountID()
		now := normalizeTime(time.Now())
		for _, tok := range []string{"first", "second"} {
			if err := s.Put(ctx, Record{SessionToken: tok, AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
				t.Fatalf("put %s: %v", tok, err)
			}
		}
		if got := mustGet(t, s, acct); got.SessionToken != "second" {
			t.Fatalf("expected last writer to win, got %q", got.SessionToken)
		}
	})

	t.Run("merge_update", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		acct := testAccountID()
		now := normalizeTime(time.Now())
		if err := s.MergeUpdate(ctx, acct, "tok", Patch{LastHeartbeat: now}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("merge on missing record: expected ErrNotFound, got %v", err)
		}
		if _, err := s.Get(ctx, acct); !errors.Is(err, ErrNotFound) {
			t.Fatalf("merge must not create a record, got %v", err)
		}

		if err := s.Put(ctx, Record{SessionToken: "tok", AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put: %v", err)
		}

		later := now.Add(1500 * time.Millisecond)
		if err := s.MergeUpdate(ctx, acct, "tok", Patch{LastHeartbeat: later}); err != nil {
			t.Fatalf("merge with own token: %v", err)
		}
		got := mustGet(t, s, acct)
		if got.SessionToken != "tok" || !got.CreatedAt.Equal(now) || !got.LastHeartbeat.Equal(later) {
			t.Fatalf("merge touched the wrong fields: %+v", got)
		}

		if err := s.MergeUpdate(ctx, acct, "other", Patch{LastHeartbeat: later.Add(time.Second)}); !errors.Is(err, ErrTokenMismatch) {
			t.Fatalf("merge with foreign token: expected ErrTokenMismatch, got %v", err)
		}
		if got := mustGet(t, s, acct); !got.LastHeartbeat.Equal(later) {
			t.Fatalf("rejected merge was applied: %+v", got)
		}

		unconditional := later.Add(2 * time.Second)
		if err := s.MergeUpdate(ctx, acct, "", Patch{LastHeartbeat: unconditional}); err != nil {
			t.Fatalf("unconditional merge: %v", err)
		}
		if got := mustGet(t, s, acct); !got.LastHeartbeat.Equal(unconditional) || got.SessionToken != "tok" {
			t.Fatalf("unconditional merge: %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		acct := testAccountID()
		now := normalizeTime(time.Now())
		if err := s.Put(ctx, Record{SessionToken: "tok", AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put: %v", err)
		}

		ok, err := s.DeleteIfToken(ctx, acct, "other")
		if err != nil || ok {
			t.Fatalf("delete with foreign token: ok=%v err=%v", ok, err)
		}
		mustGet(t, s, acct)

		ok, err = s.DeleteIfToken(ctx, acct, "tok")
		if err != nil || !ok {
			t.Fatalf("delete with own token: ok=%v err=%v", ok, err)
		}
		if _, err := s.Get(ctx, acct); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected record gone, got %v", err)
		}

		ok, err = s.DeleteIfToken(ctx, acct, "tok")
		if err != nil || ok {
			t.Fatalf("delete of missing record: ok=%v err=%v", ok, err)
		}

		if err := s.Put(ctx, Record{SessionToken: "tok2", AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.Delete(ctx, acct); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, acct); err != nil {
			t.Fatalf("delete of missing record: %v", err)
		}
	})

	t.Run("subscribe_ordered", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		acct := testAccountID()
		other := testAccountID()

		var (
			mu   sync.Mutex
			seen []string
		)
		unsub, err := s.Subscribe(ctx, acct, func(c Change) {
			mu.Lock()
			defer mu.Unlock()
			if c.AccountID != acct {
				seen = append(seen, "foreign:"+c.AccountID)
				return
			}
			if c.Record == nil {
				seen = append(seen, "deleted")
				return
			}
			seen = append(seen, c.Record.SessionToken+"@"+c.Record.LastHeartbeat.Format(time.RFC3339Nano))
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer unsub()

		now := normalizeTime(time.Now())
		later := now.Add(time.Second)
		if err := s.Put(ctx, Record{SessionToken: "a", AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put a: %v", err)
		}
		if err := s.Put(ctx, Record{SessionToken: "x", AccountID: other, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put other: %v", err)
		}
		if err := s.MergeUpdate(ctx, acct, "a", Patch{LastHeartbeat: later}); err != nil {
			t.Fatalf("merge: %v", err)
		}
		if err := s.Put(ctx, Record{SessionToken: "b", AccountID: acct, CreatedAt: later, LastHeartbeat: later}); err != nil {
			t.Fatalf("put b: %v", err)
		}
		if _, err := s.DeleteIfToken(ctx, acct, "b"); err != nil {
			t.Fatalf("delete: %v", err)
		}

		want := []string{
			"a@" + now.Format(time.RFC3339Nano),
			"a@" + later.Format(time.RFC3339Nano),
			"b@" + later.Format(time.RFC3339Nano),
			"deleted",
		}
		waitFor(t, 10*time.Second, "ordered changes", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) >= len(want)
		})

		mu.Lock()
		defer mu.Unlock()
		if len(seen) != len(want) {
			t.Fatalf("unexpected changes: %v", seen)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Fatalf("change %d: got %q want %q (all=%v)", i, seen[i], want[i], seen)
			}
		}
	})

	t.Run("unsubscribe_inside_callback", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		acct := testAccountID()

		var (
			mu    sync.Mutex
			calls int
			unsub func()
		)
		fired := make(chan struct{}, 8)
		u, err := s.Subscribe(ctx, acct, func(Change) {
			mu.Lock()
			calls++
			fn := unsub
			mu.Unlock()
			if fn != nil {
				fn()
			}
			fired <- struct{}{}
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		mu.Lock()
		unsub = u
		mu.Unlock()

		now := normalizeTime(time.Now())
		if err := s.Put(ctx, Record{SessionToken: "a", AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put: %v", err)
		}
		select {
		case <-fired:
		case <-time.After(10 * time.Second):
			t.Fatalf("timeout waiting for first change")
		}

		if err := s.Put(ctx, Record{SessionToken: "b", AccountID: acct, CreatedAt: now, LastHeartbeat: now}); err != nil {
			t.Fatalf("put: %v", err)
		}
		time.Sleep(200 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if calls != 1 {
			t.Fatalf("expected exactly one delivery before unsubscribe took effect, got %d", calls)
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})

	t.Run("concurrent_logins", func(t *testing.T) {
		s := newStore(t)
		f, err := New(s, testConfig(2*time.Second))
		if err != nil {
			t.Fatalf("new fence: %v", err)
		}
		defer f.Close()

		attachConcurrently(t, f, s, testAccountID(), 5, 10*time.Second)
	})

	t.Run("fence_scenario", func(t *testing.T) {
		s := newStore(t)
		acct := testAccountID()
		f, err := New(s, testConfig(2*time.Second),
			WithTokenSource(sequenceTokens(acct+"_1000", acct+"_2000")))
		if err != nil {
			t.Fatalf("new fence: %v", err)
		}
		defer f.Close()

		first := newLogoutCounter()
		a := mustAttach(t, f, acct, first.fn)
		second := newLogoutCounter()
		b := mustAttach(t, f, acct, second.fn)

		select {
		case <-first.ch:
		case <-time.After(10 * time.Second):
			t.Fatalf("older login was not displaced")
		}
		if a.State() != StateDisplaced || b.State() != StateAuthoritative {
			t.Fatalf("unexpected states: a=%s b=%s", a.State(), b.State())
		}

		a.Release()
		if got := mustGet(t, s, acct); got.SessionToken != acct+"_2000" {
			t.Fatalf("displaced release touched the record: %+v", got)
		}

		b.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Get(ctx, acct); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected record removed by holder release, got %v", err)
		}
		if second.count() != 0 {
			t.Fatalf("newer login must not be logged out")
		}
	})
}
