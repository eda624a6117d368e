package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerRepository persists billing ledger entries
type LedgerRepository interface {
	// Record inserts e. When an entry with the same (source type, source id)
	// already exists it is loaded into e and created is false.
	Record(ctx context.Context, e *LedgerEntry) (created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*LedgerEntry, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*LedgerEntry, error)
	List(ctx context.Context, f LedgerFilter) ([]*LedgerEntry, error)
	// MarkBilled flips billed false -> true for one entry. ok is false when
	// the entry was already billed.
	MarkBilled(ctx context.Context, id, invoiceID uuid.UUID, at time.Time) (ok bool, err error)
}

// InvoiceRepository persists invoices with their items and payments
type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate loads the invoice and holds it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// FindOpenByAdmission returns the newest open invoice of an admission,
	// locked, or a NotFound fault.
	FindOpenByAdmission(ctx context.Context, admissionID uuid.UUID) (*Invoice, error)
	ListByAdmission(ctx context.Context, admissionID uuid.UUID) ([]*Invoice, error)
	// Save writes the header, upserts items and inserts new payments.
	Save(ctx context.Context, inv *Invoice) error
	// NextNumber draws the next invoice number from an atomic sequence.
	NextNumber(ctx context.Context, at time.Time) (string, error)
}

// Directory answers existence questions about collaborators the ledger
// references
type Directory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	// AdmissionPatient returns the patient an admission belongs to.
	AdmissionPatient(ctx context.Context, admissionID uuid.UUID) (uuid.UUID, error)
}
