package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/infrastructure/memory"
)

var start = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *billing.Service
	store     *memory.Store
	patient   uuid.UUID
	admission uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	patient := uuid.New()
	store.AddPatient(patient)

	adm := &admission.Admission{ID: uuid.New(), PatientID: patient, Status: admission.StatusAdmitted}
	require.NoError(t, store.Admissions().Create(context.Background(), adm))

	svc := billing.NewService(store.Ledger(), store.Invoices(), store, store, store, billing.DefaultConfig(), nil)
	svc.SetClock(func() time.Time { return start })
	return &fixture{svc: svc, store: store, patient: patient, admission: adm.ID}
}

func (f *fixture) entry(sourceID, amount string) billing.LedgerEntry {
	adm := f.admission
	return billing.LedgerEntry{
		PatientID:   f.patient,
		AdmissionID: &adm,
		SourceType:  billing.SourcePharmacy,
		SourceID:    sourceID,
		Description: "dispense " + sourceID,
		Amount:      decimal.RequireFromString(amount),
	}
}

func (f *fixture) record(t *testing.T, sourceID, amount string) *billing.LedgerEntry {
	t.Helper()
	e, created, err := f.svc.Record(context.Background(), f.entry(sourceID, amount))
	require.NoError(t, err)
	require.True(t, created)
	return e
}

func (f *fixture) invoice(t *testing.T) *billing.Invoice {
	t.Helper()
	adm := f.admission
	inv, err := f.svc.CreateInvoice(context.Background(), f.patient, &adm, billing.TypeInpatient)
	require.NoError(t, err)
	return inv
}

func TestRecordIsIdempotentPerSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.Record(ctx, f.entry("rx-1", "120"))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.Record(ctx, f.entry("rx-1", "999"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Amount.Equal(decimal.NewFromInt(120)))

	assert.Len(t, f.store.EventsOfType(event.LedgerEntryRecorded), 1)
}

func TestRecordChecksReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stranger := f.entry("rx-2", "10")
	stranger.PatientID = uuid.New()
	_, _, err := f.svc.Record(ctx, stranger)
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	other := uuid.New()
	f.store.AddPatient(other)
	mismatched := f.entry("rx-3", "10")
	mismatched.PatientID = other
	_, _, err = f.svc.Record(ctx, mismatched)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	missing := f.entry("rx-4", "10")
	unknown := uuid.New()
	missing.AdmissionID = &unknown
	_, _, err = f.svc.Record(ctx, missing)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestAttachUnbilledOverlappingCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.record(t, "rx-a", "100")
	b := f.record(t, "rx-b", "200")
	c := f.record(t, "rx-c", "300")
	inv := f.invoice(t)

	n, err := f.svc.AttachUnbilled(ctx, inv.ID, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.AttachUnbilled(ctx, inv.ID, []uuid.UUID{b.ID, c.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 3)
	assert.True(t, got.Subtotal.Equal(decimal.NewFromInt(600)))

	entries, err := f.svc.ListEntries(ctx, billing.LedgerFilter{AdmissionID: &f.admission})
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Billed)
		require.NotNil(t, e.InvoiceID)
		assert.Equal(t, inv.ID, *e.InvoiceID)
	}
}

func TestAttachUnbilledConcurrentInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, src := range []string{"s1", "s2", "s3", "s4", "s5"} {
		ids = append(ids, f.record(t, src, "50").ID)
	}
	invoices := []*billing.Invoice{f.invoice(t), f.invoice(t), f.invoice(t)}

	var wg sync.WaitGroup
	counts := make([]int, len(invoices))
	for i, inv := range invoices {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			n, err := f.svc.AttachUnbilled(ctx, id, ids)
			assert.NoError(t, err)
			counts[i] = n
		}(i, inv.ID)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, len(ids), total)

	seen := make(map[uuid.UUID]int)
	for _, inv := range invoices {
		got, err := f.svc.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		for _, it := range got.Items {
			seen[*it.LedgerEntryID]++
		}
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "entry %s", id)
	}
}

func TestAttachUnbilledRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.record(t, "rx-mine", "100")

	other := uuid.New()
	f.store.AddPatient(other)
	foreign, _, err := f.svc.Record(ctx, billing.LedgerEntry{
		PatientID:  other,
		SourceType: billing.SourceManual,
		Amount:     decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	inv := f.invoice(t)

	_, err = f.svc.AttachUnbilled(ctx, inv.ID, []uuid.UUID{mine.ID, foreign.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	entries, err := f.svc.ListEntries(ctx, billing.LedgerFilter{PatientID: &f.patient})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Billed)

	got, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Items)
}

func TestPaymentScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.record(t, "proc-1", "5000")
	inv := f.invoice(t)
	_, err := f.svc.AttachUnbilled(ctx, inv.ID, []uuid.UUID{e.ID})
	require.NoError(t, err)

	pay := func(amount int64) (*billing.Invoice, error) {
		return f.svc.ApplyPayment(ctx, inv.ID, billing.PaymentRequest{
			Amount: decimal.NewFromInt(amount), Method: "cash", ReceivedBy: "cashier-1",
		})
	}

	got, err := pay(3000)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPartial, got.Status)
	assert.True(t, got.DueAmount.Equal(decimal.NewFromInt(2000)))

	got, err = pay(2000)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.Status)
	assert.True(t, got.DueAmount.IsZero())

	_, err = pay(1)
	assert.True(t, errors.Is(err, fault.ErrAmountViolation))

	stored, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Payments, 2)
	assert.Len(t, f.store.EventsOfType(event.PaymentApplied), 2)
}

func TestConcurrentPaymentsNeverExceedDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.record(t, "proc-2", "5000")
	inv := f.invoice(t)
	_, err := f.svc.AttachUnbilled(ctx, inv.ID, []uuid.UUID{e.ID})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyPayment(ctx, inv.ID, billing.PaymentRequest{Amount: decimal.NewFromInt(1000), Method: "card"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	got, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, billing.StatusPaid, got.Status)
}

func TestFinalizeAssignsSequentialNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.invoice(t)
	second := f.invoice(t)

	got, err := f.svc.Finalize(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-000001", got.Number)
	require.NotNil(t, got.DueDate)
	assert.Equal(t, start.Add(15*24*time.Hour), *got.DueDate)

	got, err = f.svc.Finalize(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-000001", got.Number)

	got, err = f.svc.Finalize(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-000002", got.Number)

	assert.Len(t, f.store.EventsOfType(event.InvoiceFinalized), 2)
}

func TestCancelledInvoiceRejectsChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.record(t, "lab-1", "40")
	inv := f.invoice(t)

	_, err := f.svc.Cancel(ctx, inv.ID, "duplicate")
	require.NoError(t, err)

	_, err = f.svc.AttachUnbilled(ctx, inv.ID, []uuid.UUID{e.ID})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	_, err = f.svc.ApplyPayment(ctx, inv.ID, billing.PaymentRequest{Amount: decimal.NewFromInt(1), Method: "cash"})
	assert.True(t, errors.Is(err, fault.ErrAmountViolation))

	entry, err := f.store.Ledger().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, entry.Billed)
}

func TestOpenInvoiceCreatesDraftOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.OpenInvoice(ctx, f.patient, f.admission)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusDraft, first.Status)

	again, err := f.svc.OpenInvoice(ctx, f.patient, f.admission)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestGetInvoiceNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetInvoice(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}
