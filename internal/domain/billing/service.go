package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/domain/txn"
)

// EntryRecordedData is the payload of LedgerEntryRecorded
type EntryRecordedData struct {
	EntryID     uuid.UUID       `json:"entry_id"`
	AdmissionID *uuid.UUID      `json:"admission_id,omitempty"`
	SourceType  SourceType      `json:"source_type"`
	SourceID    string          `json:"source_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// EntriesAttachedData is the payload of LedgerEntriesAttached
type EntriesAttachedData struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	EntryIDs  []uuid.UUID     `json:"entry_ids"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	DueAmount decimal.Decimal `json:"due_amount"`
}

// InvoiceData is the payload of invoice lifecycle events
type InvoiceData struct {
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	AdmissionID   *uuid.UUID      `json:"admission_id,omitempty"`
	Status        InvoiceStatus   `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	DueAmount     decimal.Decimal `json:"due_amount"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
}

// PaymentRequest carries a payment to apply
type PaymentRequest struct {
	Amount     decimal.Decimal
	Method     string
	Reference  string
	ReceivedBy string
}

// Config tunes the billing service
type Config struct {
	// DueTerm is added to the finalization time to set the due date
	DueTerm time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{DueTerm: 15 * 24 * time.Hour}
}

// Service is the billing ledger and invoice application service
type Service struct {
	ledger    LedgerRepository
	invoices  InvoiceRepository
	directory Directory
	tx        txn.Runner
	events    event.Sink
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a billing service
func NewService(ledger LedgerRepository, invoices InvoiceRepository, directory Directory, tx txn.Runner, events event.Sink, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:    ledger,
		invoices:  invoices,
		directory: directory,
		tx:        tx,
		events:    events,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("billing"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Record appends an unbilled ledger entry. Recording the same
// (source type, source id) twice returns the first entry with created=false.
func (s *Service) Record(ctx context.Context, in LedgerEntry) (*LedgerEntry, bool, error) {
	const op = "record ledger entry"
	e, err := NewEntry(in, s.now())
	if err != nil {
		return nil, false, err
	}

	var created bool
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.directory.PatientExists(ctx, e.PatientID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.NotFound(op, "patient %s not found", e.PatientID)
		}
		if e.AdmissionID != nil {
			owner, err := s.directory.AdmissionPatient(ctx, *e.AdmissionID)
			if err != nil {
				return err
			}
			if owner != e.PatientID {
				return fault.InvalidState(op, "admission %s does not belong to patient %s", *e.AdmissionID, e.PatientID)
			}
		}

		created, err = s.ledger.Record(ctx, e)
		if err != nil || !created {
			return err
		}
		return event.Emit(ctx, s.events, event.AggregateLedger, e.ID, e.PatientID, event.LedgerEntryRecorded, &EntryRecordedData{
			EntryID:     e.ID,
			AdmissionID: e.AdmissionID,
			SourceType:  e.SourceType,
			SourceID:    e.SourceID,
			Amount:      e.Amount,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return e, created, nil
}

// ListEntries returns ledger entries for audit and provisional invoices
func (s *Service) ListEntries(ctx context.Context, f LedgerFilter) ([]*LedgerEntry, error) {
	return s.ledger.List(ctx, f)
}

// AttachUnbilled attaches the given entries to an invoice. Already billed
// entries are skipped, so overlapping calls never bill an entry twice.
func (s *Service) AttachUnbilled(ctx context.Context, invoiceID uuid.UUID, entryIDs []uuid.UUID) (int, error) {
	ctx, span := s.tracer.Start(ctx, "attach_unbilled",
		trace.WithAttributes(
			attribute.String("invoice_id", invoiceID.String()),
			attribute.Int("entries", len(entryIDs)),
		))
	defer span.End()

	var count int
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		entries, err := s.ledger.GetMany(ctx, entryIDs)
		if err != nil {
			return err
		}
		count, err = s.AttachLoaded(ctx, inv, entries)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return count, nil
}

// AttachLoaded attaches entries to an invoice the caller has locked in the
// current transaction, then persists it. Each entry is claimed with a
// conditional billed false -> true update; entries lost to a concurrent
// attach are skipped.
func (s *Service) AttachLoaded(ctx context.Context, inv *Invoice, entries []*LedgerEntry) (int, error) {
	const op = "attach ledger entries"
	var attached []uuid.UUID

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if inv.Terminal() {
			return fault.InvalidState(op, "invoice %s is %s", inv.ID, inv.Status)
		}
		now := s.now()
		for _, e := range entries {
			if e.Billed {
				continue
			}
			if e.PatientID != inv.PatientID {
				return fault.InvalidState(op, "entry %s belongs to another patient", e.ID)
			}
			if e.AdmissionID != nil && inv.AdmissionID != nil && *e.AdmissionID != *inv.AdmissionID {
				return fault.InvalidState(op, "entry %s belongs to another admission", e.ID)
			}
			ok, err := s.ledger.MarkBilled(ctx, e.ID, inv.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := inv.AddItem(ItemFromEntry(e, now), now); err != nil {
				return err
			}
			invoiceID := inv.ID
			e.Billed = true
			e.BilledAt = &now
			e.InvoiceID = &invoiceID
			attached = append(attached, e.ID)
		}
		if len(attached) == 0 {
			return nil
		}
		if err := s.invoices.Save(ctx, inv); err != nil {
			return err
		}
		return event.Emit(ctx, s.events, event.AggregateInvoice, inv.ID, inv.PatientID, event.LedgerEntriesAttached, &EntriesAttachedData{
			InvoiceID: inv.ID,
			EntryIDs:  attached,
			Subtotal:  inv.Subtotal,
			DueAmount: inv.DueAmount,
		})
	})
	if err != nil {
		return 0, err
	}
	if len(attached) > 0 {
		s.logger.Debug("ledger entries attached",
			zap.String("invoice_id", inv.ID.String()),
			zap.Int("count", len(attached)))
	}
	return len(attached), nil
}

// CreateInvoice creates a draft invoice with optional initial items
func (s *Service) CreateInvoice(ctx context.Context, patientID uuid.UUID, admissionID *uuid.UUID, typ InvoiceType, items ...LineItem) (*Invoice, error) {
	now := s.now()
	inv := NewInvoice(patientID, admissionID, typ, now)
	for _, it := range items {
		if err := inv.AddItem(it, now); err != nil {
			return nil, err
		}
	}
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.invoices.Create(ctx, inv)
	}); err != nil {
		return nil, err
	}
	return inv, nil
}

// OpenInvoice returns the admission's open invoice, locked, creating a
// draft when there is none.
func (s *Service) OpenInvoice(ctx context.Context, patientID, admissionID uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.FindOpenByAdmission(ctx, admissionID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fault.ErrNotFound) {
			return err
		}
		id := admissionID
		inv, err = s.CreateInvoice(ctx, patientID, &id, TypeInpatient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// UpdateInvoice locks an invoice, applies fn and persists the result. fn
// receives the transaction's context; anything it writes commits or rolls
// back with the invoice.
func (s *Service) UpdateInvoice(ctx context.Context, invoiceID uuid.UUID, fn func(ctx context.Context, inv *Invoice) error) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := fn(ctx, inv); err != nil {
			return err
		}
		return s.invoices.Save(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// SaveInvoice persists an invoice the caller holds locked
func (s *Service) SaveInvoice(ctx context.Context, inv *Invoice) error {
	return s.invoices.Save(ctx, inv)
}

// GetInvoice returns an invoice by id
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Recalculate(s.now())
	return inv, nil
}

// ListInvoices returns the invoices of an admission
func (s *Service) ListInvoices(ctx context.Context, admissionID uuid.UUID) ([]*Invoice, error) {
	return s.invoices.ListByAdmission(ctx, admissionID)
}

// ApplyPayment applies a payment under the invoice lock, so concurrent
// payments cannot together exceed the due amount.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, req PaymentRequest) (*Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "apply_payment",
		trace.WithAttributes(attribute.String("invoice_id", invoiceID.String())))
	defer span.End()

	if req.Method == "" {
		return nil, fault.InvalidState("apply payment", "payment method is required")
	}

	var payment Payment
	inv, err := s.UpdateInvoice(ctx, invoiceID, func(ctx context.Context, inv *Invoice) error {
		payment = Payment{
			ID:         uuid.New(),
			Amount:     req.Amount,
			Method:     req.Method,
			Reference:  req.Reference,
			ReceivedBy: req.ReceivedBy,
		}
		if err := inv.ApplyPayment(payment, s.now()); err != nil {
			return err
		}
		return s.emitInvoice(ctx, inv, event.PaymentApplied, &payment.ID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("payment applied",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("status", string(inv.Status)))
	return inv, nil
}

// Finalize assigns the invoice number on first finalization
func (s *Service) Finalize(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	return s.UpdateInvoice(ctx, invoiceID, func(ctx context.Context, inv *Invoice) error {
		return s.FinalizeLoaded(ctx, inv)
	})
}

// FinalizeLoaded finalizes an invoice the caller holds locked. The caller
// persists it.
func (s *Service) FinalizeLoaded(ctx context.Context, inv *Invoice) error {
	if inv.Terminal() {
		return fault.InvalidState("finalize invoice", "invoice %s is %s", inv.ID, inv.Status)
	}
	if inv.Finalized() {
		inv.Recalculate(s.now())
		return nil
	}
	now := s.now()
	number, err := s.invoices.NextNumber(ctx, now)
	if err != nil {
		return err
	}
	assigned, err := inv.Finalize(number, now.Add(s.config.DueTerm), now)
	if err != nil || !assigned {
		return err
	}
	return s.emitInvoice(ctx, inv, event.InvoiceFinalized, nil)
}

// Cancel voids an unpaid invoice
func (s *Service) Cancel(ctx context.Context, invoiceID uuid.UUID, reason string) (*Invoice, error) {
	return s.UpdateInvoice(ctx, invoiceID, func(ctx context.Context, inv *Invoice) error {
		if err := inv.Cancel(reason, s.now()); err != nil {
			return err
		}
		return s.emitInvoice(ctx, inv, event.InvoiceCancelled, nil)
	})
}

func (s *Service) emitInvoice(ctx context.Context, inv *Invoice, t event.Type, paymentID *uuid.UUID) error {
	return event.Emit(ctx, s.events, event.AggregateInvoice, inv.ID, inv.PatientID, t, &InvoiceData{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		AdmissionID:   inv.AdmissionID,
		Status:        inv.Status,
		TotalAmount:   inv.TotalAmount,
		PaidAmount:    inv.PaidAmount,
		DueAmount:     inv.DueAmount,
		PaymentID:     paymentID,
	})
}
