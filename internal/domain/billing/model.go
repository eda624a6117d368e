// Package billing implements the billing ledger and the invoice aggregator.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SourceType identifies the clinical subsystem a billable fact came from
type SourceType string

const (
	SourceBedCharge    SourceType = "bed_charge"
	SourcePharmacy     SourceType = "pharmacy"
	SourceServiceOrder SourceType = "service_order"
	SourceLab          SourceType = "lab"
	SourceRadiology    SourceType = "radiology"
	SourceProcedure    SourceType = "procedure"
	SourceManual       SourceType = "manual"
)

var validSources = map[SourceType]bool{
	SourceBedCharge:    true,
	SourcePharmacy:     true,
	SourceServiceOrder: true,
	SourceLab:          true,
	SourceRadiology:    true,
	SourceProcedure:    true,
	SourceManual:       true,
}

// Valid reports whether s is a known source type
func (s SourceType) Valid() bool { return validSources[s] }

// CategoryBedCharges is the line-item category of bed-day charges
const CategoryBedCharges = "bed_charges"

// LedgerEntry is one billable fact. It is immutable once billed.
type LedgerEntry struct {
	ID          uuid.UUID       `json:"id"`
	PatientID   uuid.UUID       `json:"patient_id"`
	AdmissionID *uuid.UUID      `json:"admission_id,omitempty"`
	SourceType  SourceType      `json:"source_type"`
	SourceID    string          `json:"source_id,omitempty"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
	Billed      bool            `json:"billed"`
	BilledAt    *time.Time      `json:"billed_at,omitempty"`
	InvoiceID   *uuid.UUID      `json:"invoice_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LedgerFilter narrows ledger queries
type LedgerFilter struct {
	PatientID   *uuid.UUID
	AdmissionID *uuid.UUID
	Billed      *bool
}

// InvoiceStatus represents invoice status
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusPending   InvoiceStatus = "pending"
	StatusPartial   InvoiceStatus = "partial"
	StatusPaid      InvoiceStatus = "paid"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusCancelled InvoiceStatus = "cancelled"
	StatusRefunded  InvoiceStatus = "refunded"
)

// InvoiceType classifies invoices
type InvoiceType string

const (
	TypeInpatient  InvoiceType = "ipd"
	TypeOutpatient InvoiceType = "opd"
	TypePharmacy   InvoiceType = "pharmacy"
	TypeService    InvoiceType = "service"
)

// LineItem is one charge on an invoice. Amount is authoritative; it may
// differ from Quantity x UnitPrice for ad-hoc charges.
type LineItem struct {
	ID            uuid.UUID       `json:"id"`
	SourceType    SourceType      `json:"source_type"`
	SourceID      string          `json:"source_id,omitempty"`
	LedgerEntryID *uuid.UUID      `json:"ledger_entry_id,omitempty"`
	Category      string          `json:"category"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Payment is an applied payment; immutable once appended
type Payment struct {
	ID         uuid.UUID       `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	Reference  string          `json:"reference,omitempty"`
	ReceivedBy string          `json:"received_by,omitempty"`
	PaidAt     time.Time       `json:"paid_at"`
}

// Invoice is the invoice aggregate
type Invoice struct {
	ID             uuid.UUID       `json:"id"`
	Number         string          `json:"invoice_number,omitempty"`
	PatientID      uuid.UUID       `json:"patient_id"`
	AdmissionID    *uuid.UUID      `json:"admission_id,omitempty"`
	Type           InvoiceType     `json:"type"`
	Items          []LineItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalTax       decimal.Decimal `json:"total_tax"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	DueAmount      decimal.Decimal `json:"due_amount"`
	Status         InvoiceStatus   `json:"status"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	Payments       []Payment       `json:"payments"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
