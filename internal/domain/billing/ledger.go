package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-ipd/internal/domain/fault"
)

// NewEntry validates and completes an unbilled ledger entry. When no
// amount is supplied it is quantity x unit price; a supplied amount wins.
func NewEntry(e LedgerEntry, now time.Time) (*LedgerEntry, error) {
	const op = "record ledger entry"
	if e.PatientID == uuid.Nil {
		return nil, fault.InvalidState(op, "patient is required")
	}
	if !e.SourceType.Valid() {
		return nil, fault.InvalidState(op, "invalid source type: %s", e.SourceType)
	}
	if e.SourceType != SourceManual && e.SourceID == "" {
		return nil, fault.InvalidState(op, "source id is required for %s entries", e.SourceType)
	}
	if e.Quantity.IsZero() && e.UnitPrice.IsZero() && e.Amount.IsZero() {
		return nil, fault.AmountViolation(op, "entry carries no amount")
	}
	if e.Quantity.IsNegative() || e.UnitPrice.IsNegative() || e.Amount.IsNegative() {
		return nil, fault.AmountViolation(op, "ledger amounts must not be negative")
	}
	if e.Quantity.IsZero() {
		e.Quantity = decimal.NewFromInt(1)
	}
	if e.Amount.IsZero() {
		e.Amount = e.Quantity.Mul(e.UnitPrice).Round(2)
	}
	if e.Category == "" {
		e.Category = string(e.SourceType)
	}

	e.ID = uuid.New()
	e.Billed = false
	e.BilledAt = nil
	e.InvoiceID = nil
	e.CreatedAt = now
	return &e, nil
}

// DayCount is the number of billable days between start and end:
// ceil((end - start) / 24h), never less than one.
func DayCount(start, end time.Time) int64 {
	const day = int64(86_400_000)
	ms := end.Sub(start).Milliseconds()
	if ms <= 0 {
		return 1
	}
	days := ms / day
	if ms%day != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}
