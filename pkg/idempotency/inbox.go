// Package idempotency provides the inbox pattern: a message is handled at
// most once to completion per idempotency key, however often it is
// delivered.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is an inbox record
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Stats counts inbox entries by status
type Stats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// Store persists inbox entries
type Store interface {
	// Get returns the entry or ErrNotFound
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a STARTED entry, or moves a RECOVERABLE one back to
	// STARTED. It returns ErrDuplicateMessage when the key exists in any
	// other state.
	Claim(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error
	// Mark sets the status and result of an entry
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	// RecoverStale moves STARTED entries untouched since before to RECOVERABLE
	RecoverStale(ctx context.Context, before time.Time) (int64, error)
	// DeleteExpired removes entries whose expiry is before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Inbox errors
var (
	ErrNotFound          = errors.New("inbox entry not found")
	ErrDuplicateMessage  = errors.New("duplicate message: already processed")
	ErrMessageInProgress = errors.New("message in progress by another handler")
	ErrPreviouslyFailed  = errors.New("message previously failed permanently")
)

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long an entry is kept
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried; the
	// entry is then marked FAILED
	IsTerminal func(err error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		IsTerminal:      isTerminalError,
	}
}

// Inbox runs handlers with idempotency guarantees
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox over store
func New(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = isTerminalError
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SetClock overrides the time source
func (i *Inbox) SetClock(now func() time.Time) {
	i.now = now
}

// ProcessResult is the outcome of Process
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Duplicate    bool
	Result       json.RawMessage
}

// ProcessFunc is an idempotent handler
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn unless key was already finished. A finished key returns
// the stored result with Duplicate set.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
		span.SetAttributes(attribute.Bool("recovered", recovered))
	}

	if err := i.store.Claim(ctx, key, handlerName, payload, i.now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, ErrMessageInProgress
		}
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		body, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Mark(ctx, key, status, body); err != nil {
			i.logger.Error("failed to mark inbox error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Mark(ctx, key, StatusFinished, result); err != nil {
		// the handler's own effects are committed; a redelivery is absorbed
		// by the handler's idempotency
		i.logger.Error("failed to mark inbox finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: recovered,
		Result:       result,
	}, nil
}

// GenerateKey derives a deterministic key from the message identity
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts the background expiry and recovery loop
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries and recovers abandoned ones
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	now := i.now()
	deleted, err := i.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	recovered, err := i.store.RecoverStale(ctx, now.Add(-i.config.RecoveryTimeout))
	if err != nil {
		return deleted, err
	}
	if deleted > 0 || recovered > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted), zap.Int64("recovered", recovered))
	}
	return deleted, nil
}

// Stats returns entry counts
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}

// isTerminalError is the default classification by message text
func isTerminalError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unmarshal"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
