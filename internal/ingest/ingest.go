// Package ingest turns billable events consumed from clinical subsystem
// topics into ledger entries.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
	"github.com/drfirst/go-ipd/pkg/idempotency"
	"github.com/drfirst/go-ipd/pkg/workerpool"
)

// HandlerName identifies ingestion entries in the inbox
const HandlerName = "billing-ingest"

// Ingest results reported on the messages counter
const (
	ResultRecorded  = "recorded"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

var validate = validator.New()

// Message is a completed billable event as published by a clinical subsystem
type Message struct {
	PatientID   uuid.UUID          `json:"patient_id" validate:"required"`
	AdmissionID *uuid.UUID         `json:"admission_id"`
	SourceType  billing.SourceType `json:"source_type"`
	SourceID    string             `json:"source_id"`
	Category    string             `json:"category"`
	Description string             `json:"description"`
	Quantity    decimal.Decimal    `json:"quantity"`
	UnitPrice   decimal.Decimal    `json:"unit_price"`
	Amount      decimal.Decimal    `json:"amount"`
}

// Entry converts the message into a ledger entry
func (m Message) Entry() billing.LedgerEntry {
	return billing.LedgerEntry{
		PatientID:   m.PatientID,
		AdmissionID: m.AdmissionID,
		SourceType:  m.SourceType,
		SourceID:    m.SourceID,
		Category:    m.Category,
		Description: m.Description,
		Quantity:    m.Quantity,
		UnitPrice:   m.UnitPrice,
		Amount:      m.Amount,
	}
}

// orderSources are the source types allowed on the orders topic
var orderSources = map[billing.SourceType]bool{
	billing.SourceServiceOrder: true,
	billing.SourceLab:          true,
	billing.SourceRadiology:    true,
	billing.SourceProcedure:    true,
}

// Decode parses a record value and settles its source type from the topic.
// Pharmacy and manual topics fix the type; the orders topic accepts any
// order-like type and defaults to service_order.
func Decode(topic string, value []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, fmt.Errorf("unmarshal billable event: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid billable event: %w", err)
	}

	switch topic {
	case redpanda.TopicPharmacyDispensed:
		if m.SourceType != "" && m.SourceType != billing.SourcePharmacy {
			return nil, fmt.Errorf("invalid source type %q on %s", m.SourceType, topic)
		}
		m.SourceType = billing.SourcePharmacy
	case redpanda.TopicBillingManual:
		if m.SourceType != "" && m.SourceType != billing.SourceManual {
			return nil, fmt.Errorf("invalid source type %q on %s", m.SourceType, topic)
		}
		m.SourceType = billing.SourceManual
	case redpanda.TopicOrdersCompleted:
		if m.SourceType == "" {
			m.SourceType = billing.SourceServiceOrder
		}
		if !orderSources[m.SourceType] {
			return nil, fmt.Errorf("invalid source type %q on %s", m.SourceType, topic)
		}
	default:
		return nil, fmt.Errorf("unexpected topic %s", topic)
	}
	return &m, nil
}

// Key is the inbox key of a message. Sourced events are keyed by their
// source so a republished event is absorbed; manual entries without a
// source id fall back to the record position.
func Key(msg *redpanda.ConsumedMessage, m *Message) string {
	if m.SourceID != "" {
		return idempotency.GenerateKey(string(m.SourceType), m.SourceID)
	}
	return idempotency.GenerateKey(msg.Topic,
		strconv.FormatInt(int64(msg.Partition), 10),
		strconv.FormatInt(msg.Offset, 10))
}

// Recorder records billable events
type Recorder interface {
	OnBillableEvent(ctx context.Context, in billing.LedgerEntry) (*reconcile.Outcome, error)
}

// IsTerminal reports failures a retry cannot fix
func IsTerminal(err error) bool {
	return fault.KindOf(err) != ""
}

// Config holds ingestion configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
}

// Handler runs consumed records through the inbox and a worker pool
type Handler struct {
	inbox    *idempotency.Inbox
	pool     *workerpool.Pool
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHandler creates a handler. Terminal domain faults are neither
// retried by the pool nor offered again by the inbox.
func NewHandler(store idempotency.Store, recorder Recorder, m *metrics.Metrics, cfg Config, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.IsTerminal = IsTerminal

	h := &Handler{
		inbox:    idempotency.New(store, inboxCfg, logger),
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}

	poolCfg := workerpool.DefaultConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	if cfg.QueueSize > 0 {
		poolCfg.QueueSize = cfg.QueueSize
	}
	if cfg.MaxRetries > 0 {
		poolCfg.MaxRetries = cfg.MaxRetries
	}
	poolCfg.Retryable = func(err error) bool { return !IsTerminal(err) }

	pool, err := workerpool.New(poolCfg, h.record, logger)
	if err != nil {
		return nil, err
	}
	h.pool = pool
	return h, nil
}

// Start launches the workers and the inbox cleanup loop
func (h *Handler) Start() {
	h.pool.Start()
	h.inbox.StartCleanup()
}

// Stop drains the workers and stops the cleanup loop
func (h *Handler) Stop() error {
	err := h.pool.Stop()
	h.inbox.Stop()
	return err
}

func (h *Handler) record(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	out, err := h.recorder.OnBillableEvent(ctx, task.Payload.(billing.LedgerEntry))
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: out}
}

// Handle processes one consumed record. Undecodable records and terminal
// faults are logged and acknowledged; anything else is returned so the
// record is redelivered.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	m, err := Decode(msg.Topic, msg.Value)
	if err != nil {
		h.logger.Warn("rejecting billable event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		h.count(msg.Topic, ResultRejected)
		return nil
	}

	key := Key(msg, m)
	res, err := h.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		result, err := h.pool.SubmitWait(ctx, &workerpool.Task{ID: key, Payload: m.Entry(), Context: ctx})
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, result.Error
		}
		return json.Marshal(result.Data)
	})

	switch {
	case err == nil && res.Duplicate:
		h.count(msg.Topic, ResultDuplicate)
		return nil
	case err == nil:
		h.count(msg.Topic, ResultRecorded)
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed) || IsTerminal(err):
		h.logger.Warn("billable event rejected",
			zap.String("topic", msg.Topic),
			zap.String("source_type", string(m.SourceType)),
			zap.String("source_id", m.SourceID),
			zap.Error(err))
		h.count(msg.Topic, ResultRejected)
		return nil
	default:
		h.count(msg.Topic, ResultFailed)
		return err
	}
}

func (h *Handler) count(topic, result string) {
	if h.metrics != nil {
		h.metrics.IngestMessages.WithLabelValues(topic, result).Inc()
	}
}
