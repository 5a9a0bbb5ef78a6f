package fence

import (
	"sync"
	"time"
)

const (
	// maxQueuedChanges bounds each subscription's backlog. On overflow the
	// oldest change is dropped: only the latest record decides displacement.
	maxQueuedChanges = 256

	// resyncTimeout bounds a post-reconnect re-read of all watched accounts.
	resyncTimeout = 10 * time.Second
)

// watchHub fans store changes out to per-account subscriptions.
//
// Concurrency guarantees:
//   - publish never blocks and never calls a callback.
//   - Each subscription delivers in publish order on its own goroutine.
//   - Unsubscribe never waits for an in-progress callback, so it is safe to
//     call from inside one.
type watchHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscription
	closed bool
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string]map[uint64]*subscription)}
}

type subscription struct {
	fn func(Change)

	mu    sync.Mutex
	queue []Change

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) enqueue(c Change) {
	s.mu.Lock()
	if len(s.queue) >= maxQueuedChanges {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(c)
		}
	}
}

// subscribe registers fn for accountID and returns its unsubscribe func.
func (h *watchHub) subscribe(accountID string, fn func(Change)) (func(), error) {
	sub := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	id := h.nextID
	m := h.subs[accountID]
	if m == nil {
		m = make(map[uint64]*subscription)
		h.subs[accountID] = m
	}
	m[id] = sub
	h.mu.Unlock()

	go sub.run()

	return func() {
		h.mu.Lock()
		if m := h.subs[accountID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(h.subs, accountID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}, nil
}

// publish enqueues c for every subscriber of c.AccountID.
func (h *watchHub) publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[c.AccountID] {
		sub.enqueue(c)
	}
}

// watched reports whether any subscriber exists for accountID.
func (h *watchHub) watched(accountID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID]) > 0
}

// accounts returns the accounts that currently have subscribers.
// Used to resync after a notification channel was re-established.
func (h *watchHub) accounts() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}

// close stops every subscription and rejects new ones.
func (h *watchHub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[uint64]*subscription)
	h.closed = true
	h.mu.Unlock()

	for _, m := range subs {
		for _, sub := range m {
			sub.close()
		}
	}
}
