package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/txn"
)

// Billing is the part of the billing service the coordinator drives
type Billing interface {
	Record(ctx context.Context, e billing.LedgerEntry) (*billing.LedgerEntry, bool, error)
	ListEntries(ctx context.Context, f billing.LedgerFilter) ([]*billing.LedgerEntry, error)
	CreateInvoice(ctx context.Context, patientID uuid.UUID, admissionID *uuid.UUID, typ billing.InvoiceType, items ...billing.LineItem) (*billing.Invoice, error)
	OpenInvoice(ctx context.Context, patientID, admissionID uuid.UUID) (*billing.Invoice, error)
	AttachLoaded(ctx context.Context, inv *billing.Invoice, entries []*billing.LedgerEntry) (int, error)
	FinalizeLoaded(ctx context.Context, inv *billing.Invoice) error
	SaveInvoice(ctx context.Context, inv *billing.Invoice) error
	ListInvoices(ctx context.Context, admissionID uuid.UUID) ([]*billing.Invoice, error)
}

// SourceBilledData is the payload of SourceBilled. The owning subsystem
// uses it to stop offering the source record for billing.
type SourceBilledData struct {
	SourceType  billing.SourceType `json:"source_type"`
	SourceID    string             `json:"source_id"`
	EntryID     uuid.UUID          `json:"entry_id"`
	InvoiceID   uuid.UUID          `json:"invoice_id"`
	AdmissionID uuid.UUID          `json:"admission_id"`
}

// Outcome describes what happened to a billable event
type Outcome struct {
	Entry    *billing.LedgerEntry `json:"entry"`
	Created  bool                 `json:"created"`
	Attached bool                 `json:"attached"`
	Invoice  *billing.Invoice     `json:"invoice,omitempty"`
}

// Coordinator routes bed intervals and billable events onto the
// admission's open invoice
type Coordinator struct {
	billing Billing
	tx      txn.Runner
	events  event.Sink
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewCoordinator creates a reconciliation coordinator
func NewCoordinator(b Billing, tx txn.Runner, events event.Sink, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		billing: b,
		tx:      tx,
		events:  events,
		logger:  logger,
		tracer:  otel.Tracer("reconcile"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// OpenAdmission creates the admission's draft invoice. When a bed was
// taken it carries one day of bed charges.
func (c *Coordinator) OpenAdmission(ctx context.Context, patientID, admissionID uuid.UUID, opened *Interval) (*billing.Invoice, error) {
	var items []billing.LineItem
	if opened != nil {
		items = append(items, opened.OpeningItem())
	}
	return c.billing.CreateInvoice(ctx, patientID, &admissionID, billing.TypeInpatient, items...)
}

// OpenInterval bills the first day of a bed assigned after admission
func (c *Coordinator) OpenInterval(ctx context.Context, patientID, admissionID uuid.UUID, opened Interval) error {
	return c.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := c.billing.OpenInvoice(ctx, patientID, admissionID)
		if err != nil {
			return err
		}
		if _, err := inv.PutItemForSource(opened.OpeningItem(), c.now()); err != nil {
			return err
		}
		return c.billing.SaveInvoice(ctx, inv)
	})
}

// SettleTransfer rewrites the outgoing interval's line with its realized
// charge and holds a zero line for the incoming bed. It returns the
// realized charge.
func (c *Coordinator) SettleTransfer(ctx context.Context, patientID, admissionID uuid.UUID, closed, opened Interval) (decimal.Decimal, error) {
	ctx, span := c.tracer.Start(ctx, "settle_transfer",
		trace.WithAttributes(
			attribute.String("admission_id", admissionID.String()),
			attribute.Int64("days", closed.Days()),
		))
	defer span.End()

	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := c.billing.OpenInvoice(ctx, patientID, admissionID)
		if err != nil {
			return err
		}
		now := c.now()
		if _, err := inv.PutItemForSource(closed.SettledItem(), now); err != nil {
			return err
		}
		if _, err := inv.PutItemForSource(opened.PlaceholderItem(), now); err != nil {
			return err
		}
		return c.billing.SaveInvoice(ctx, inv)
	})
	if err != nil {
		span.RecordError(err)
		return decimal.Zero, err
	}
	return closed.Charge(), nil
}

// SettleDischarge writes the final interval's charge, sweeps unbilled
// ledger entries onto the invoice and finalizes it.
func (c *Coordinator) SettleDischarge(ctx context.Context, patientID, admissionID uuid.UUID, closed *Interval) (*billing.Invoice, decimal.Decimal, error) {
	ctx, span := c.tracer.Start(ctx, "settle_discharge",
		trace.WithAttributes(attribute.String("admission_id", admissionID.String())))
	defer span.End()

	charge := decimal.Zero
	var out *billing.Invoice
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := c.billing.OpenInvoice(ctx, patientID, admissionID)
		if err != nil {
			return err
		}
		if closed != nil {
			if _, err := inv.PutItemForSource(closed.SettledItem(), c.now()); err != nil {
				return err
			}
			charge = closed.Charge()
		}
		if _, err := c.attachPending(ctx, inv, admissionID); err != nil {
			return err
		}
		if err := c.billing.FinalizeLoaded(ctx, inv); err != nil {
			return err
		}
		if err := c.billing.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, decimal.Zero, err
	}
	return out, charge, nil
}

// OnBillableEvent records a completed clinical billable event and, when it
// belongs to an admission, attaches it to the admission's open invoice.
// Redelivery of the same source is a no-op.
func (c *Coordinator) OnBillableEvent(ctx context.Context, in billing.LedgerEntry) (*Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "billable_event",
		trace.WithAttributes(
			attribute.String("source_type", string(in.SourceType)),
			attribute.String("source_id", in.SourceID),
		))
	defer span.End()

	var out Outcome
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		e, created, err := c.billing.Record(ctx, in)
		if err != nil {
			return err
		}
		out.Entry, out.Created = e, created
		if e.Billed || e.AdmissionID == nil {
			return nil
		}

		inv, err := c.billing.OpenInvoice(ctx, e.PatientID, *e.AdmissionID)
		if err != nil {
			return err
		}
		n, err := c.billing.AttachLoaded(ctx, inv, []*billing.LedgerEntry{e})
		if err != nil {
			return err
		}
		out.Invoice = inv
		out.Attached = n > 0
		if !out.Attached {
			return nil
		}
		return c.emitBilled(ctx, inv, e)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if out.Attached {
		c.logger.Info("billable event attached",
			zap.String("source_type", string(out.Entry.SourceType)),
			zap.String("source_id", out.Entry.SourceID),
			zap.String("invoice_id", out.Invoice.ID.String()))
	}
	return &out, nil
}

// Sweep attaches every unbilled ledger entry of an admission to its open
// invoice and reports how many were attached.
func (c *Coordinator) Sweep(ctx context.Context, patientID, admissionID uuid.UUID) (int, error) {
	var n int
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		pending, err := c.unbilled(ctx, admissionID)
		if err != nil || len(pending) == 0 {
			return err
		}
		inv, err := c.billing.OpenInvoice(ctx, patientID, admissionID)
		if err != nil {
			return err
		}
		n, err = c.attach(ctx, inv, pending)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Coordinator) attachPending(ctx context.Context, inv *billing.Invoice, admissionID uuid.UUID) (int, error) {
	pending, err := c.unbilled(ctx, admissionID)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	return c.attach(ctx, inv, pending)
}

func (c *Coordinator) unbilled(ctx context.Context, admissionID uuid.UUID) ([]*billing.LedgerEntry, error) {
	billed := false
	return c.billing.ListEntries(ctx, billing.LedgerFilter{AdmissionID: &admissionID, Billed: &billed})
}

func (c *Coordinator) attach(ctx context.Context, inv *billing.Invoice, entries []*billing.LedgerEntry) (int, error) {
	n, err := c.billing.AttachLoaded(ctx, inv, entries)
	if err != nil || n == 0 {
		return n, err
	}
	for _, e := range entries {
		if e.Billed && e.InvoiceID != nil && *e.InvoiceID == inv.ID {
			if err := c.emitBilled(ctx, inv, e); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (c *Coordinator) emitBilled(ctx context.Context, inv *billing.Invoice, e *billing.LedgerEntry) error {
	if e.SourceID == "" {
		return nil
	}
	var admissionID uuid.UUID
	if e.AdmissionID != nil {
		admissionID = *e.AdmissionID
	}
	return event.Emit(ctx, c.events, event.AggregateLedger, e.ID, e.PatientID, event.SourceBilled, &SourceBilledData{
		SourceType:  e.SourceType,
		SourceID:    e.SourceID,
		EntryID:     e.ID,
		InvoiceID:   inv.ID,
		AdmissionID: admissionID,
	})
}
