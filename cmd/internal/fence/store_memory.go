package fence

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for dev mode and tests.
// Writes and change publication happen under one lock, so subscribers see
// changes for a key in commit order.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	hub     *watchHub
	closed  bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		hub:     newWatchHub(),
	}
}

// Put overwrites the record for rec.AccountID.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.records[rec.AccountID] = rec
	s.publishLocked(rec.AccountID, &rec)
	return nil
}

// MergeUpdate applies patch to the stored record, optionally conditioned on token.
func (s *MemoryStore) MergeUpdate(ctx context.Context, accountID, token string, patch Patch) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("fence: missing account id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur, ok := s.records[accountID]
	if !ok {
		return ErrNotFound
	}
	if token != "" && cur.SessionToken != token {
		return ErrTokenMismatch
	}

	next := patch.apply(cur)
	s.records[accountID] = next
	s.publishLocked(accountID, &next)
	return nil
}

// Get returns the stored record or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, accountID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	rec, ok := s.records[accountID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Subscribe registers fn for changes to accountID.
func (s *MemoryStore) Subscribe(ctx context.Context, accountID string, fn func(Change)) (func(), error) {
	if fn == nil {
		return nil, errors.New("fence: nil subscriber")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(accountID, fn)
}

// Delete removes the record unconditionally.
func (s *MemoryStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, ok := s.records[accountID]; !ok {
		return nil
	}
	delete(s.records, accountID)
	s.publishLocked(accountID, nil)
	return nil
}

// DeleteIfToken removes the record only if it still carries token.
func (s *MemoryStore) DeleteIfToken(ctx context.Context, accountID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	cur, ok := s.records[accountID]
	if !ok || cur.SessionToken != token {
		return false, nil
	}
	delete(s.records, accountID)
	s.publishLocked(accountID, nil)
	return true, nil
}

// Ping always succeeds while the store is open.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all subscriptions. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.hub.close()
	return nil
}

func (s *MemoryStore) publishLocked(accountID string, rec *Record) {
	var cp *Record
	if rec != nil {
		r := *rec
		cp = &r
	}
	s.hub.publish(Change{AccountID: accountID, Record: cp})
}
