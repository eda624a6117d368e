package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-ipd/internal/domain/fault"
)

// NewInvoice creates an empty draft invoice
func NewInvoice(patientID uuid.UUID, admissionID *uuid.UUID, typ InvoiceType, now time.Time) *Invoice {
	if typ == "" {
		typ = TypeInpatient
	}
	inv := &Invoice{
		ID:          uuid.New(),
		PatientID:   patientID,
		AdmissionID: admissionID,
		Type:        typ,
		Items:       []LineItem{},
		Payments:    []Payment{},
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inv.Recalculate(now)
	return inv
}

// Terminal reports whether the invoice accepts no further items or payments
func (inv *Invoice) Terminal() bool {
	return inv.Status == StatusCancelled || inv.Status == StatusRefunded
}

// Open reports whether new charges may still be attached. A paid invoice
// stays open; a later charge moves it back to partial.
func (inv *Invoice) Open() bool {
	return !inv.Terminal()
}

// Finalized reports whether an invoice number has been assigned
func (inv *Invoice) Finalized() bool {
	return inv.Number != ""
}

// Recalculate derives subtotal, totals, paid and due amounts and status
// from the current items and payments. It only mutates inv and is
// idempotent.
func (inv *Invoice) Recalculate(now time.Time) {
	subtotal := decimal.Zero
	for _, it := range inv.Items {
		subtotal = subtotal.Add(it.Amount)
	}
	paid := decimal.Zero
	for _, p := range inv.Payments {
		paid = paid.Add(p.Amount)
	}

	total := subtotal.Add(inv.TotalTax).Sub(inv.DiscountAmount)
	due := total.Sub(paid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	inv.Subtotal = subtotal
	inv.TotalAmount = total
	inv.PaidAmount = paid
	inv.DueAmount = due
	inv.Status = inv.deriveStatus(now)
}

// deriveStatus applies the precedence
// cancelled/refunded > paid > partial > overdue > pending.
// An unfinalized invoice with nothing paid stays draft.
func (inv *Invoice) deriveStatus(now time.Time) InvoiceStatus {
	if inv.Terminal() {
		return inv.Status
	}
	if inv.DueAmount.IsZero() && (inv.TotalAmount.IsPositive() || inv.Finalized()) {
		return StatusPaid
	}
	if inv.PaidAmount.IsPositive() {
		return StatusPartial
	}
	if !inv.Finalized() {
		return StatusDraft
	}
	if inv.DueDate != nil && now.After(*inv.DueDate) {
		return StatusOverdue
	}
	return StatusPending
}

// AddItem appends a line item and recalculates
func (inv *Invoice) AddItem(item LineItem, now time.Time) error {
	if err := inv.checkItem("add invoice item", item); err != nil {
		return err
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	inv.Items = append(inv.Items, item)
	inv.UpdatedAt = now
	inv.Recalculate(now)
	return nil
}

// SetAdjustments sets the invoice tax and discount. The discount may not
// exceed subtotal plus tax, so the total never goes negative.
func (inv *Invoice) SetAdjustments(tax, discount decimal.Decimal, now time.Time) error {
	const op = "set invoice adjustments"
	if inv.Terminal() {
		return fault.InvalidState(op, "invoice %s is %s", inv.ID, inv.Status)
	}
	if tax.IsNegative() || discount.IsNegative() {
		return fault.AmountViolation(op, "tax and discount must not be negative")
	}
	if discount.GreaterThan(inv.Subtotal.Add(tax)) {
		return fault.AmountViolation(op, "discount %s exceeds subtotal %s plus tax %s",
			discount.StringFixed(2), inv.Subtotal.StringFixed(2), tax.StringFixed(2))
	}
	inv.TotalTax = tax
	inv.DiscountAmount = discount
	inv.UpdatedAt = now
	inv.Recalculate(now)
	return nil
}

// PutItemForSource rewrites the item carrying the given source key, or
// appends it when none exists. It reports whether an item was replaced.
func (inv *Invoice) PutItemForSource(item LineItem, now time.Time) (bool, error) {
	if err := inv.checkItem("put invoice item", item); err != nil {
		return false, err
	}
	for i := range inv.Items {
		existing := inv.Items[i]
		if existing.SourceType == item.SourceType && existing.SourceID == item.SourceID {
			subtotal := inv.Subtotal.Sub(existing.Amount).Add(item.Amount)
			if inv.DiscountAmount.GreaterThan(subtotal.Add(inv.TotalTax)) {
				return false, fault.AmountViolation("put invoice item",
					"discount %s would exceed the reduced subtotal %s", inv.DiscountAmount.StringFixed(2), subtotal.StringFixed(2))
			}
			item.ID = existing.ID
			item.CreatedAt = existing.CreatedAt
			inv.Items[i] = item
			inv.UpdatedAt = now
			inv.Recalculate(now)
			return true, nil
		}
	}
	return false, inv.AddItem(item, now)
}

// ItemsForSource returns the items carrying the given source key
func (inv *Invoice) ItemsForSource(sourceType SourceType, sourceID string) []LineItem {
	var out []LineItem
	for _, it := range inv.Items {
		if it.SourceType == sourceType && it.SourceID == sourceID {
			out = append(out, it)
		}
	}
	return out
}

func (inv *Invoice) checkItem(op string, item LineItem) error {
	if inv.Terminal() {
		return fault.InvalidState(op, "invoice %s is %s", inv.ID, inv.Status)
	}
	if item.Amount.IsNegative() || item.Quantity.IsNegative() || item.UnitPrice.IsNegative() {
		return fault.AmountViolation(op, "line item amounts must not be negative")
	}
	return nil
}

// ApplyPayment appends a payment. The due amount is computed from the
// current totals rather than the cached DueAmount.
func (inv *Invoice) ApplyPayment(p Payment, now time.Time) error {
	const op = "apply payment"
	if inv.Terminal() {
		return fault.AmountViolation(op, "invoice %s is %s", inv.ID, inv.Status)
	}
	if !p.Amount.IsPositive() {
		return fault.AmountViolation(op, "payment amount must be positive")
	}

	inv.Recalculate(now)
	due := inv.TotalAmount.Sub(inv.PaidAmount)
	if !due.IsPositive() {
		return fault.AmountViolation(op, "invoice %s is already settled", inv.ID)
	}
	if p.Amount.GreaterThan(due) {
		return fault.AmountViolation(op, "payment %s exceeds due amount %s", p.Amount.StringFixed(2), due.StringFixed(2))
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = now
	}
	inv.Payments = append(inv.Payments, p)
	inv.UpdatedAt = now
	inv.Recalculate(now)
	return nil
}

// Finalize assigns the invoice number on first call and moves a draft
// into pending (or paid, when nothing is due). Later calls keep the
// existing number and report false.
func (inv *Invoice) Finalize(number string, dueDate time.Time, now time.Time) (bool, error) {
	if inv.Terminal() {
		return false, fault.InvalidState("finalize invoice", "invoice %s is %s", inv.ID, inv.Status)
	}
	if inv.Finalized() {
		inv.Recalculate(now)
		return false, nil
	}
	inv.Number = number
	inv.FinalizedAt = &now
	if inv.DueDate == nil {
		inv.DueDate = &dueDate
	}
	inv.UpdatedAt = now
	inv.Recalculate(now)
	return true, nil
}

// Cancel voids an invoice nothing has been paid against
func (inv *Invoice) Cancel(reason string, now time.Time) error {
	const op = "cancel invoice"
	if inv.Terminal() {
		return fault.InvalidState(op, "invoice %s is already %s", inv.ID, inv.Status)
	}
	if inv.PaidAmount.IsPositive() {
		return fault.InvalidState(op, "invoice %s has payments applied", inv.ID)
	}
	inv.Status = StatusCancelled
	inv.CancelReason = reason
	inv.UpdatedAt = now
	inv.Recalculate(now)
	return nil
}

// ItemFromEntry derives an invoice line item from a ledger entry
func ItemFromEntry(e *LedgerEntry, now time.Time) LineItem {
	id := e.ID
	return LineItem{
		ID:            uuid.New(),
		SourceType:    e.SourceType,
		SourceID:      e.SourceID,
		LedgerEntryID: &id,
		Category:      e.Category,
		Description:   e.Description,
		Quantity:      e.Quantity,
		UnitPrice:     e.UnitPrice,
		Amount:        e.Amount,
		CreatedAt:     now,
	}
}
