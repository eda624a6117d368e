package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/drfirst/go-ipd/internal/domain/billing"
)

// IssueKind classifies an audit finding
type IssueKind string

const (
	IssueMissingBedCharge   IssueKind = "missing_bed_charge"
	IssueDuplicateBedCharge IssueKind = "duplicate_bed_charge"
	IssueBedChargeMismatch  IssueKind = "bed_charge_mismatch"
	IssueEntryNotOnInvoice  IssueKind = "billed_entry_missing"
	IssueEntryDuplicated    IssueKind = "billed_entry_duplicated"
)

// Issue is one divergence between admission, ledger and invoices
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Ref    string    `json:"ref"`
	Detail string    `json:"detail"`
}

// Report is the result of an admission audit
type Report struct {
	AdmissionID uuid.UUID `json:"admission_id"`
	Intervals   int       `json:"intervals"`
	Invoices    int       `json:"invoices"`
	Billed      int       `json:"billed_entries"`
	Unbilled    int       `json:"unbilled_entries"`
	Issues      []Issue   `json:"issues"`
}

// Consistent reports whether the audit found nothing
func (r *Report) Consistent() bool { return len(r.Issues) == 0 }

// Audit checks that every bed interval has exactly one bed-charge line
// with the right amount, and that every billed ledger entry appears
// exactly once on the invoice it points at. Cancelled invoices are
// ignored.
func (c *Coordinator) Audit(ctx context.Context, admissionID uuid.UUID, intervals []Interval) (*Report, error) {
	invoices, err := c.billing.ListInvoices(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	entries, err := c.billing.ListEntries(ctx, billing.LedgerFilter{AdmissionID: &admissionID})
	if err != nil {
		return nil, err
	}

	r := &Report{AdmissionID: admissionID, Intervals: len(intervals), Issues: []Issue{}}

	var live []*billing.Invoice
	for _, inv := range invoices {
		if inv.Status == billing.StatusCancelled {
			continue
		}
		live = append(live, inv)
	}
	r.Invoices = len(live)

	for _, iv := range intervals {
		var lines []billing.LineItem
		for _, inv := range live {
			lines = append(lines, inv.ItemsForSource(billing.SourceBedCharge, iv.SourceID())...)
		}
		switch {
		case len(lines) == 0:
			r.add(IssueMissingBedCharge, iv.SourceID(), "bed %s has no charge line", iv.BedNumber)
		case len(lines) > 1:
			r.add(IssueDuplicateBedCharge, iv.SourceID(), "bed %s has %d charge lines", iv.BedNumber, len(lines))
		case iv.Closed() && !lines[0].Amount.Equal(iv.Charge()):
			r.add(IssueBedChargeMismatch, iv.SourceID(), "bed %s billed %s, expected %s for %d day(s)",
				iv.BedNumber, lines[0].Amount.StringFixed(2), iv.Charge().StringFixed(2), iv.Days())
		}
	}

	byID := make(map[uuid.UUID]*billing.Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.ID] = inv
	}
	for _, e := range entries {
		if !e.Billed {
			r.Unbilled++
			continue
		}
		r.Billed++
		ref := e.ID.String()
		if e.InvoiceID == nil {
			r.add(IssueEntryNotOnInvoice, ref, "entry is billed without an invoice")
			continue
		}
		inv, ok := byID[*e.InvoiceID]
		if !ok {
			r.add(IssueEntryNotOnInvoice, ref, "invoice %s not found", *e.InvoiceID)
			continue
		}
		n := 0
		for _, other := range invoices {
			n += len(linesForEntry(other, e.ID))
		}
		switch {
		case len(linesForEntry(inv, e.ID)) == 0:
			r.add(IssueEntryNotOnInvoice, ref, "entry is not on invoice %s", inv.ID)
		case n > 1:
			r.add(IssueEntryDuplicated, ref, "entry appears on %d lines", n)
		}
	}
	return r, nil
}

func linesForEntry(inv *billing.Invoice, entryID uuid.UUID) []billing.LineItem {
	var out []billing.LineItem
	for _, it := range inv.Items {
		if it.LedgerEntryID != nil && *it.LedgerEntryID == entryID {
			out = append(out, it)
		}
	}
	return out
}

func (r *Report) add(kind IssueKind, ref, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{Kind: kind, Ref: ref, Detail: fmt.Sprintf(format, args...)})
}
