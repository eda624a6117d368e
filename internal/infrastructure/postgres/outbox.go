package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/event"
)

// relayLockID keeps a single relay draining the outbox at a time
const relayLockID = int64(0x1bd0_0b0c)

// OutboxEntry is one queued event
type OutboxEntry struct {
	ID            int64
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries relayed per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// left for the dead letter sweep
	MaxRetries int
	// OnDelivered, when set, is called after each batch that published
	// entries
	OnDelivered func(n int)
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 200 * time.Millisecond,
		MaxRetries:   5,
	}
}

// OutboxPublisher delivers relayed entries to the broker
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxSink writes domain events as outbox rows in the caller's
// transaction. An event becomes visible to the relay only when that
// transaction commits.
type OutboxSink struct {
	db *DB
}

// NewOutboxSink creates an event sink over the outbox table
func NewOutboxSink(db *DB) *OutboxSink {
	return &OutboxSink{db: db}
}

// Append implements event.Sink
func (s *OutboxSink) Append(ctx context.Context, e *event.Event) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("append %s: outbox writes require a transaction", e.EventType)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		EventID:       e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		Topic:         e.Topic(),
		Key:           e.Key(),
	})
}

// WriteEntry writes an outbox entry within tx
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.EventID, entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Relay drains committed outbox entries to the publisher
type Relay struct {
	db        *DB
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay
func NewRelay(db *DB, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		db:        db,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the in-flight batch and stops polling
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RelayBatch(r.ctx)
			if err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
				continue
			}
			if n > 0 && r.config.OnDelivered != nil {
				r.config.OnDelivered(n)
			}
		}
	}
}

// RelayBatch publishes one batch in a single transaction and returns how
// many entries were delivered. Rows stay locked until commit, so
// concurrent relays skip them.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	delivered := 0
	err := r.db.InTx(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)

		var acquired bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&acquired); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if !acquired {
			return nil
		}

		entries, err := r.fetchPending(ctx, tx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		for _, entry := range entries {
			if err := r.deliver(ctx, tx, entry); err != nil {
				r.logger.Warn("outbox publish failed",
					zap.Int64("id", entry.ID),
					zap.String("event_type", entry.EventType),
					zap.Int("retry_count", entry.RetryCount+1),
					zap.Error(err))
				continue
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return delivered, nil
}

func (r *Relay) fetchPending(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*OutboxEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
}

func (r *Relay) deliver(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
			WHERE id = $1`, entry.ID, err.Error()); uerr != nil {
			return fmt.Errorf("record failure: %w", uerr)
		}
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	r.logger.Debug("outbox entry relayed", zap.Int64("id", entry.ID), zap.String("topic", entry.Topic))
	return nil
}

// CleanupProcessed removes processed entries older than the given age
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MoveToDeadLetter republishes exhausted entries to the dead letter topic and
// marks them processed
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var moved int64
	err := r.db.InTx(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		rows, err := tx.Query(ctx, `
			SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
			       kafka_topic, kafka_key, created_at, retry_count, last_error
			FROM outbox
			WHERE processed_at IS NULL AND retry_count >= $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED`, r.config.MaxRetries)
		if err != nil {
			return fmt.Errorf("query exhausted entries: %w", err)
		}
		entries, err := collectEntries(rows)
		if err != nil {
			return fmt.Errorf("scan exhausted entries: %w", err)
		}

		for _, entry := range entries {
			body, _ := json.Marshal(map[string]interface{}{
				"original_topic": entry.Topic,
				"event_id":       entry.EventID,
				"event_type":     entry.EventType,
				"aggregate_id":   entry.AggregateID,
				"payload":        entry.Payload,
				"retry_count":    entry.RetryCount,
				"last_error":     entry.LastError,
				"created_at":     entry.CreatedAt,
			})
			if err := r.publisher.Publish(ctx, event.TopicDeadLetter, entry.Key, body); err != nil {
				r.logger.Error("dead letter publish failed", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
				return fmt.Errorf("mark dead lettered: %w", err)
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// OutboxStats summarises the outbox table
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed_24h"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, r.config.MaxRetries).
		Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
