package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*Entry
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{now: now, entries: make(map[string]*Entry)}
}

func (s *fakeStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *fakeStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = s.now()
		return nil
	}
	s.entries[key] = &Entry{
		IdempotencyKey: key, HandlerName: handler, Status: StatusStarted, Payload: payload,
		CreatedAt: s.now(), UpdatedAt: s.now(), ExpiresAt: &expiresAt,
	}
	return nil
}

func (s *fakeStore) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.Status = status
	e.Result = result
	e.UpdatedAt = s.now()
	return nil
}

func (s *fakeStore) RecoverStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(before) {
			e.Status = StatusRecoverable
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
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

func (s *fakeStore) Stats(context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Stats{Total: int64(len(s.entries))}
	for _, e := range s.entries {
		switch e.Status {
		case StatusStarted:
			st.Started++
		case StatusFinished:
			st.Finished++
		case StatusRecoverable:
			st.Recoverable++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newInbox() (*Inbox, *fakeStore, *testClock) {
	clock := &testClock{t: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	store := newFakeStore(clock.now)
	in := New(store, DefaultConfig(), nil)
	in.SetClock(clock.now)
	return in, store, clock
}

func TestProcessRunsHandlerOnce(t *testing.T) {
	in, _, _ := newInbox()
	ctx := context.Background()
	calls := 0
	handler := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}

	first, err := in.Process(ctx, "k1", "pharmacy", json.RawMessage(`{}`), handler)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := in.Process(ctx, "k1", "pharmacy", json.RawMessage(`{}`), handler)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.JSONEq(t, `{"ok":true}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestRecoverableFailureIsRetried(t *testing.T) {
	in, store, _ := newInbox()
	ctx := context.Background()

	_, err := in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	})
	require.Error(t, err)
	e, _ := store.Get(ctx, "k")
	assert.Equal(t, StatusRecoverable, e.Status)

	res, err := in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	e, _ = store.Get(ctx, "k")
	assert.Equal(t, StatusFinished, e.Status)
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	in, _, _ := newInbox()
	ctx := context.Background()

	_, err := in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("invalid payload")
	})
	require.Error(t, err)

	_, err = in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestStartedEntryBlocksUntilStale(t *testing.T) {
	in, store, clock := newInbox()
	ctx := context.Background()
	require.NoError(t, store.Claim(ctx, "k", "h", nil, clock.t.Add(time.Hour)))

	_, err := in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	clock.t = clock.t.Add(10 * time.Minute)
	res, err := in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestCleanupExpiresEntries(t *testing.T) {
	in, store, clock := newInbox()
	ctx := context.Background()
	_, err := in.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)

	clock.t = clock.t.Add(8 * 24 * time.Hour)
	deleted, err := in.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestGenerateKeyIsDeterministic(t *testing.T) {
	a := GenerateKey("pharmacy", "DISP-1")
	assert.Equal(t, a, GenerateKey("pharmacy", "DISP-1"))
	assert.NotEqual(t, a, GenerateKey("lab", "DISP-1"))
	assert.Len(t, a, 64)
}
