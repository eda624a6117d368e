package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/drfirst/go-ipd/pkg/idempotency"
)

// InboxStore is an in-memory idempotency.Store
type InboxStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*idempotency.Entry
}

// NewInboxStore creates an empty inbox store
func NewInboxStore() *InboxStore {
	return &InboxStore{now: time.Now, entries: make(map[string]*idempotency.Entry)}
}

// Get returns a copy of the entry
func (s *InboxStore) Get(_ context.Context, key string) (*idempotency.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	c := *e
	return &c, nil
}

// Claim inserts a STARTED entry or restarts a RECOVERABLE one
func (s *InboxStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok {
		if e.Status != idempotency.StatusRecoverable {
			return idempotency.ErrDuplicateMessage
		}
		e.Status = idempotency.StatusStarted
		e.UpdatedAt = now
		return nil
	}
	s.entries[key] = &idempotency.Entry{
		IdempotencyKey: key,
		HandlerName:    handler,
		Status:         idempotency.StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expiresAt,
	}
	return nil
}

// Mark sets the entry status and result
func (s *InboxStore) Mark(_ context.Context, key string, status idempotency.Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return idempotency.ErrNotFound
	}
	e.Status = status
	e.Result = result
	e.UpdatedAt = s.now()
	return nil
}

// RecoverStale moves abandoned STARTED entries to RECOVERABLE
func (s *InboxStore) RecoverStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Status == idempotency.StatusStarted && e.UpdatedAt.Before(before) {
			e.Status = idempotency.StatusRecoverable
			n++
		}
	}
	return n, nil
}

// DeleteExpired drops entries past their expiry
func (s *InboxStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Stats counts entries by status
func (s *InboxStore) Stats(context.Context) (*idempotency.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &idempotency.Stats{Total: int64(len(s.entries))}
	for _, e := range s.entries {
		switch e.Status {
		case idempotency.StatusStarted:
			st.Started++
		case idempotency.StatusFinished:
			st.Finished++
		case idempotency.StatusRecoverable:
			st.Recoverable++
		case idempotency.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}
