package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

type ledgerRepo struct {
	s *Store
}

func (r *ledgerRepo) Record(ctx context.Context, e *billing.LedgerEntry) (bool, error) {
	var created bool
	err := r.s.view(ctx, func(st *state) error {
		if e.SourceID != "" {
			key := sourceKey(e.SourceType, e.SourceID)
			if id, ok := st.sources[key]; ok {
				*e = st.entries[id]
				return nil
			}
			st.sources[key] = e.ID
		}
		st.entries[e.ID] = *e
		created = true
		return nil
	})
	return created, err
}

func (r *ledgerRepo) Get(ctx context.Context, id uuid.UUID) (*billing.LedgerEntry, error) {
	var out billing.LedgerEntry
	err := r.s.view(ctx, func(st *state) error {
		e, ok := st.entries[id]
		if !ok {
			return fault.NotFound("get ledger entry", "ledger entry %s not found", id)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *ledgerRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]*billing.LedgerEntry, error) {
	out := make([]*billing.LedgerEntry, 0, len(ids))
	err := r.s.view(ctx, func(st *state) error {
		for _, id := range ids {
			e, ok := st.entries[id]
			if !ok {
				return fault.NotFound("get ledger entries", "ledger entry %s not found", id)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ledgerRepo) List(ctx context.Context, f billing.LedgerFilter) ([]*billing.LedgerEntry, error) {
	var out []*billing.LedgerEntry
	err := r.s.view(ctx, func(st *state) error {
		for _, e := range st.entries {
			if f.PatientID != nil && e.PatientID != *f.PatientID {
				continue
			}
			if f.AdmissionID != nil && (e.AdmissionID == nil || *e.AdmissionID != *f.AdmissionID) {
				continue
			}
			if f.Billed != nil && e.Billed != *f.Billed {
				continue
			}
			e := e
			out = append(out, &e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *ledgerRepo) MarkBilled(ctx context.Context, id, invoiceID uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.s.view(ctx, func(st *state) error {
		e, found := st.entries[id]
		if !found {
			return fault.NotFound("mark billed", "ledger entry %s not found", id)
		}
		if e.Billed {
			return nil
		}
		inv, ts := invoiceID, at
		e.Billed = true
		e.BilledAt = &ts
		e.InvoiceID = &inv
		st.entries[id] = e
		ok = true
		return nil
	})
	return ok, err
}

type invoiceRepo struct {
	s *Store
}

func (r *invoiceRepo) Create(ctx context.Context, inv *billing.Invoice) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.invoices[inv.ID]; ok {
			return fault.InvalidState("create invoice", "invoice %s already exists", inv.ID)
		}
		st.invoices[inv.ID] = cloneInvoice(inv)
		return nil
	})
}

func (r *invoiceRepo) Get(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var out *billing.Invoice
	err := r.s.view(ctx, func(st *state) error {
		inv, ok := st.invoices[id]
		if !ok {
			return fault.NotFound("get invoice", "invoice %s not found", id)
		}
		out = cloneInvoice(inv)
		return nil
	})
	return out, err
}

// GetForUpdate is Get; the transaction already holds the store lock.
func (r *invoiceRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	return r.Get(ctx, id)
}

func (r *invoiceRepo) FindOpenByAdmission(ctx context.Context, admissionID uuid.UUID) (*billing.Invoice, error) {
	var out *billing.Invoice
	err := r.s.view(ctx, func(st *state) error {
		for _, inv := range st.invoices {
			if inv.AdmissionID == nil || *inv.AdmissionID != admissionID || !inv.Open() {
				continue
			}
			if out == nil || inv.CreatedAt.After(out.CreatedAt) {
				out = inv
			}
		}
		if out == nil {
			return fault.NotFound("open invoice", "admission %s has no open invoice", admissionID)
		}
		out = cloneInvoice(out)
		return nil
	})
	return out, err
}

func (r *invoiceRepo) ListByAdmission(ctx context.Context, admissionID uuid.UUID) ([]*billing.Invoice, error) {
	var out []*billing.Invoice
	err := r.s.view(ctx, func(st *state) error {
		for _, inv := range st.invoices {
			if inv.AdmissionID != nil && *inv.AdmissionID == admissionID {
				out = append(out, cloneInvoice(inv))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *invoiceRepo) Save(ctx context.Context, inv *billing.Invoice) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.invoices[inv.ID]; !ok {
			return fault.NotFound("save invoice", "invoice %s not found", inv.ID)
		}
		st.invoices[inv.ID] = cloneInvoice(inv)
		return nil
	})
}

func (r *invoiceRepo) NextNumber(ctx context.Context, at time.Time) (string, error) {
	var n string
	err := r.s.view(ctx, func(st *state) error {
		st.invoiceSeq++
		n = invoiceNumber(at, st.invoiceSeq)
		return nil
	})
	return n, err
}
