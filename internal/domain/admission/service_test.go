package admission_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/infrastructure/memory"
)

var start = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func equalMoney(a, b decimal.Decimal) bool { return a.Equal(b) }

type env struct {
	store   *memory.Store
	clock   *clock
	beds    *bed.Registry
	billing *billing.Service
	svc     *admission.Service
	doctor  uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithLogger(t, nil)
}

func newEnvWithLogger(t *testing.T, logger *zap.Logger) *env {
	t.Helper()
	store := memory.New()
	clk := &clock{t: start}

	beds := bed.NewRegistry(store.Beds(), store, store, nil)
	beds.SetClock(clk.now)
	bill := billing.NewService(store.Ledger(), store.Invoices(), store, store, store, billing.DefaultConfig(), nil)
	bill.SetClock(clk.now)
	coord := reconcile.NewCoordinator(bill, store, store, nil)
	coord.SetClock(clk.now)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := admission.NewService(store.Admissions(), beds, coord, store, store, store, node, logger)
	svc.SetClock(clk.now)

	doctor := uuid.New()
	store.AddDoctor(doctor)
	return &env{store: store, clock: clk, beds: beds, billing: bill, svc: svc, doctor: doctor}
}

func (e *env) patient() uuid.UUID {
	id := uuid.New()
	e.store.AddPatient(id)
	return id
}

func (e *env) bed(t *testing.T, number string, price int64) *bed.Bed {
	t.Helper()
	b := &bed.Bed{Number: number, Ward: "general", PricePerDay: money(price)}
	require.NoError(t, e.beds.Create(context.Background(), b))
	return b
}

func (e *env) admit(t *testing.T, patient, bedID uuid.UUID) *admission.AdmitResult {
	t.Helper()
	res, err := e.svc.Admit(context.Background(), admission.ElectiveAdmission{
		PatientID:         patient,
		BedID:             bedID,
		AdmittingDoctorID: e.doctor,
		Diagnosis:         "observation",
	})
	require.NoError(t, err)
	return res
}

func (e *env) bedStatus(t *testing.T, id uuid.UUID) bed.Status {
	t.Helper()
	b, err := e.beds.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, b.Consistent(), "bed %s status %s inconsistent with binding", b.Number, b.Status)
	return b.Status
}

func (e *env) invoice(t *testing.T, admissionID uuid.UUID) *billing.Invoice {
	t.Helper()
	invoices, err := e.billing.ListInvoices(context.Background(), admissionID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	return invoices[0]
}

func TestAdmitTransferDischargeScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b100 := e.bed(t, "B100", 1000)
	b200 := e.bed(t, "B200", 1500)
	patient := e.patient()

	res := e.admit(t, patient, b100.ID)
	assert.Equal(t, admission.StatusAdmitted, res.Admission.Status)
	assert.Equal(t, billing.StatusDraft, res.Invoice.Status)
	assert.True(t, equalMoney(res.Invoice.Subtotal, money(1000)), "one day priced at admit")
	assert.Equal(t, bed.StatusOccupied, e.bedStatus(t, b100.ID))

	e.clock.advance(24 * time.Hour)
	tr, err := e.svc.Transfer(ctx, res.Admission.ID, admission.TransferRequest{NewBedID: b200.ID, Reason: "step down"})
	require.NoError(t, err)
	assert.True(t, equalMoney(tr.Charge, money(1000)))
	assert.Equal(t, int64(1), tr.Transfer.Days)
	assert.Equal(t, admission.StatusAdmitted, tr.Admission.Status)
	assert.Equal(t, bed.StatusAvailable, e.bedStatus(t, b100.ID))
	assert.Equal(t, bed.StatusOccupied, e.bedStatus(t, b200.ID))

	inv := e.invoice(t, res.Admission.ID)
	assert.True(t, equalMoney(inv.Subtotal, money(1000)))
	require.Len(t, inv.Items, 2)
	assert.True(t, inv.Items[1].Amount.IsZero(), "placeholder for the new bed")

	e.clock.advance(24 * time.Hour)
	dis, err := e.svc.Discharge(ctx, res.Admission.ID, admission.DischargeRequest{DoctorID: &e.doctor, Reason: "recovered"})
	require.NoError(t, err)
	assert.True(t, equalMoney(dis.Charge, money(1500)))
	assert.Equal(t, admission.StatusDischarged, dis.Admission.Status)
	require.NotNil(t, dis.Admission.ActualDischargeDate)
	assert.Nil(t, dis.Admission.BedID)
	assert.Equal(t, bed.StatusCleaning, e.bedStatus(t, b200.ID))

	inv = e.invoice(t, res.Admission.ID)
	assert.True(t, equalMoney(inv.Subtotal, money(2500)))
	assert.Equal(t, billing.StatusPending, inv.Status)
	assert.Equal(t, "INV-2024-000001", inv.Number)

	stored, err := e.svc.Get(ctx, res.Admission.ID)
	require.NoError(t, err)
	require.Len(t, stored.Allocations, 2)
	for _, al := range stored.Allocations {
		assert.Equal(t, admission.AllocationReleased, al.Status)
	}
	assert.Equal(t, *stored.Allocations[0].AllocatedTo, stored.Allocations[1].AllocatedFrom, "intervals are contiguous")
	require.Len(t, stored.Transfers, 1)

	report, err := e.svc.Audit(ctx, res.Admission.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%+v", report.Issues)

	assert.Len(t, e.store.EventsOfType(event.PatientAdmitted), 1)
	assert.Len(t, e.store.EventsOfType(event.PatientTransferred), 1)
	assert.Len(t, e.store.EventsOfType(event.PatientDischarged), 1)
}

func TestPaymentMidStayKeepsSingleInvoice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b100 := e.bed(t, "B100", 1000)
	b200 := e.bed(t, "B200", 1500)
	res := e.admit(t, e.patient(), b100.ID)

	paid, err := e.billing.ApplyPayment(ctx, res.Invoice.ID, billing.PaymentRequest{Amount: money(1000), Method: "cash"})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, paid.Status)

	e.clock.advance(24 * time.Hour)
	_, err = e.svc.Transfer(ctx, res.Admission.ID, admission.TransferRequest{NewBedID: b200.ID, Reason: "step down"})
	require.NoError(t, err)

	e.clock.advance(24 * time.Hour)
	_, err = e.svc.Discharge(ctx, res.Admission.ID, admission.DischargeRequest{DoctorID: &e.doctor, Reason: "recovered"})
	require.NoError(t, err)

	inv := e.invoice(t, res.Admission.ID)
	assert.Equal(t, res.Invoice.ID, inv.ID)
	assert.True(t, equalMoney(inv.Subtotal, money(2500)), "subtotal %s", inv.Subtotal)
	assert.True(t, equalMoney(inv.DueAmount, money(1500)), "due %s", inv.DueAmount)
	assert.Equal(t, billing.StatusPartial, inv.Status)

	report, err := e.svc.Audit(ctx, res.Admission.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%+v", report.Issues)
}

func TestDischargeDayCount(t *testing.T) {
	tests := []struct {
		name    string
		stay    time.Duration
		days    int64
		charged int64
	}{
		{"same instant", 0, 1, 800},
		{"exactly one day", 24 * time.Hour, 1, 800},
		{"twenty five hours", 25 * time.Hour, 2, 1600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			b := e.bed(t, "C1", 800)
			res := e.admit(t, e.patient(), b.ID)

			e.clock.advance(tt.stay)
			dis, err := e.svc.Discharge(context.Background(), res.Admission.ID, admission.DischargeRequest{})
			require.NoError(t, err)

			assert.Equal(t, tt.days, dis.Admission.Allocations[0].Days)
			assert.True(t, equalMoney(dis.Charge, money(tt.charged)))
			assert.True(t, equalMoney(dis.Invoice.Subtotal, money(tt.charged)))
		})
	}
}

func TestTransferDischargedAdmissionRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b1 := e.bed(t, "D1", 500)
	b2 := e.bed(t, "D2", 700)
	res := e.admit(t, e.patient(), b1.ID)

	e.clock.advance(time.Hour)
	_, err := e.svc.Discharge(ctx, res.Admission.ID, admission.DischargeRequest{})
	require.NoError(t, err)
	before := e.invoice(t, res.Admission.ID)
	events := len(e.store.Events())

	_, err = e.svc.Transfer(ctx, res.Admission.ID, admission.TransferRequest{NewBedID: b2.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	assert.Equal(t, bed.StatusAvailable, e.bedStatus(t, b2.ID))
	assert.Equal(t, bed.StatusCleaning, e.bedStatus(t, b1.ID))
	after := e.invoice(t, res.Admission.ID)
	assert.True(t, equalMoney(before.Subtotal, after.Subtotal))
	assert.Len(t, after.Items, len(before.Items))
	assert.Len(t, e.store.Events(), events)

	_, err = e.svc.Discharge(ctx, res.Admission.ID, admission.DischargeRequest{})
	assert.True(t, errors.Is(err, fault.ErrInvalidState), "discharging twice")
}

func TestTransferToUnavailableBedRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b1 := e.bed(t, "E1", 500)
	b2 := e.bed(t, "E2", 500)
	first := e.admit(t, e.patient(), b1.ID)
	e.admit(t, e.patient(), b2.ID)

	e.clock.advance(30 * time.Hour)
	_, err := e.svc.Transfer(ctx, first.Admission.ID, admission.TransferRequest{NewBedID: b2.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrResourceUnavailable))

	b, err := e.beds.Get(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, bed.StatusOccupied, b.Status)
	assert.Equal(t, first.Admission.ID, *b.CurrentAdmissionID)

	stored, err := e.svc.Get(ctx, first.Admission.ID)
	require.NoError(t, err)
	require.Len(t, stored.Allocations, 1)
	assert.Equal(t, admission.AllocationAllocated, stored.Allocations[0].Status)
	assert.Empty(t, stored.Transfers)

	inv := e.invoice(t, first.Admission.ID)
	assert.Len(t, inv.Items, 1)
	assert.True(t, equalMoney(inv.Subtotal, money(500)))
}

func TestTransferToSameBedRejected(t *testing.T) {
	e := newEnv(t)
	b := e.bed(t, "F1", 500)
	res := e.admit(t, e.patient(), b.ID)

	_, err := e.svc.Transfer(context.Background(), res.Admission.ID, admission.TransferRequest{NewBedID: b.ID})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	assert.Equal(t, bed.StatusOccupied, e.bedStatus(t, b.ID))
}

func TestAdmitRejectsSecondActiveAdmission(t *testing.T) {
	e := newEnv(t)
	b1 := e.bed(t, "G1", 500)
	b2 := e.bed(t, "G2", 500)
	patient := e.patient()
	e.admit(t, patient, b1.ID)

	_, err := e.svc.Admit(context.Background(), admission.ElectiveAdmission{
		PatientID: patient, BedID: b2.ID, AdmittingDoctorID: e.doctor,
	})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	assert.Equal(t, bed.StatusAvailable, e.bedStatus(t, b2.ID))
}

func TestAdmitOccupiedBedLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bed(t, "H1", 500)
	e.admit(t, e.patient(), b.ID)
	late := e.patient()

	_, err := e.svc.Admit(ctx, admission.ElectiveAdmission{PatientID: late, BedID: b.ID, AdmittingDoctorID: e.doctor})
	assert.True(t, errors.Is(err, fault.ErrResourceUnavailable))

	view, err := e.svc.PatientStatus(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, admission.NotAdmitted, view.AdmissionStatus)
	assert.Len(t, e.store.EventsOfType(event.PatientAdmitted), 1)
}

func TestConcurrentAdmitsToOneBed(t *testing.T) {
	e := newEnv(t)
	b := e.bed(t, "J1", 500)

	const n = 12
	patients := make([]uuid.UUID, n)
	for i := range patients {
		patients[i] = e.patient()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []uuid.UUID
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			res, err := e.svc.Admit(context.Background(), admission.EmergencyAdmission{PatientID: p, BedID: &b.ID})
			if err != nil {
				assert.True(t, errors.Is(err, fault.ErrResourceUnavailable), "got %v", err)
				return
			}
			mu.Lock()
			admitted = append(admitted, res.Admission.ID)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	require.Len(t, admitted, 1)
	got, err := e.beds.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, admitted[0], *got.CurrentAdmissionID)
}

func TestConcurrentAdmitsOfOnePatient(t *testing.T) {
	e := newEnv(t)
	patient := e.patient()

	const n = 8
	beds := make([]*bed.Bed, n)
	for i := range beds {
		beds[i] = e.bed(t, "K"+string(rune('A'+i)), 300)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, b := range beds {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := e.svc.Admit(context.Background(), admission.EmergencyAdmission{PatientID: patient, BedID: &id})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(b.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	occupied := 0
	for _, b := range beds {
		if e.bedStatus(t, b.ID) == bed.StatusOccupied {
			occupied++
		}
	}
	assert.Equal(t, 1, occupied)
}

func TestEmergencyAdmissionWithoutBed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	patient := e.patient()

	res, err := e.svc.Admit(ctx, admission.EmergencyAdmission{PatientID: patient, Diagnosis: "trauma"})
	require.NoError(t, err)
	assert.Nil(t, res.Admission.BedID)
	assert.Empty(t, res.Invoice.Items)
	assert.Equal(t, billing.StatusDraft, res.Invoice.Status)

	_, err = e.svc.Transfer(ctx, res.Admission.ID, admission.TransferRequest{NewBedID: uuid.New()})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	b := e.bed(t, "L1", 900)
	_, err = e.beds.ChangeStatus(ctx, b.ID, bed.StatusReserved)
	require.NoError(t, err)
	assigned, err := e.svc.AssignBed(ctx, res.Admission.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, assigned.BedID)
	assert.Equal(t, b.ID, *assigned.BedID)

	e.clock.advance(50 * time.Hour)
	dis, err := e.svc.Discharge(ctx, res.Admission.ID, admission.DischargeRequest{})
	require.NoError(t, err)
	assert.True(t, equalMoney(dis.Invoice.Subtotal, money(2700)))
	require.Len(t, dis.Invoice.Items, 1)
}

func TestAssignBedLogsOnSuccessOnly(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := newEnvWithLogger(t, zap.New(core))
	ctx := context.Background()

	res, err := e.svc.Admit(ctx, admission.EmergencyAdmission{PatientID: e.patient(), Diagnosis: "trauma"})
	require.NoError(t, err)

	_, err = e.svc.AssignBed(ctx, res.Admission.ID, uuid.New())
	require.Error(t, err)
	assert.Zero(t, logs.FilterMessage("bed assigned").Len())

	b := e.bed(t, "L2", 700)
	_, err = e.svc.AssignBed(ctx, res.Admission.ID, b.ID)
	require.NoError(t, err)

	assigned := logs.FilterMessage("bed assigned").All()
	require.Len(t, assigned, 1)
	fields := assigned[0].ContextMap()
	assert.Equal(t, res.Admission.ID.String(), fields["admission_id"])
	assert.Equal(t, b.ID.String(), fields["bed_id"])
}

func TestDeceasedOutcome(t *testing.T) {
	e := newEnv(t)
	b := e.bed(t, "M1", 500)
	res := e.admit(t, e.patient(), b.ID)

	dis, err := e.svc.Discharge(context.Background(), res.Admission.ID, admission.DischargeRequest{
		DoctorID: &e.doctor, Outcome: admission.OutcomeDeceased,
	})
	require.NoError(t, err)
	assert.Equal(t, admission.StatusDeceased, dis.Admission.Status)
	assert.Equal(t, bed.StatusCleaning, e.bedStatus(t, b.ID))
}

func TestDischargeAttachesUnbilledEntries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bed(t, "N1", 1000)
	patient := e.patient()
	res := e.admit(t, patient, b.ID)

	adm := res.Admission.ID
	_, _, err := e.billing.Record(ctx, billing.LedgerEntry{
		PatientID: patient, AdmissionID: &adm,
		SourceType: billing.SourceLab, SourceID: "lab-77", Amount: money(350),
	})
	require.NoError(t, err)

	e.clock.advance(2 * time.Hour)
	dis, err := e.svc.Discharge(ctx, adm, admission.DischargeRequest{})
	require.NoError(t, err)
	assert.True(t, equalMoney(dis.Invoice.Subtotal, money(1350)))

	billed := false
	pending, err := e.billing.ListEntries(ctx, billing.LedgerFilter{AdmissionID: &adm, Billed: &billed})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPatientStatusIsDerived(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bed(t, "P1", 500)
	patient := e.patient()

	view, err := e.svc.PatientStatus(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, admission.NotAdmitted, view.AdmissionStatus)

	res := e.admit(t, patient, b.ID)
	view, err = e.svc.PatientStatus(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, string(admission.StatusAdmitted), view.AdmissionStatus)
	require.NotNil(t, view.BedID)
	assert.Equal(t, b.ID, *view.BedID)
	assert.Equal(t, "P1", view.BedNumber)

	_, err = e.svc.Discharge(ctx, res.Admission.ID, admission.DischargeRequest{})
	require.NoError(t, err)
	view, err = e.svc.PatientStatus(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, admission.NotAdmitted, view.AdmissionStatus)
	assert.Nil(t, view.BedID)

	_, err = e.svc.PatientStatus(ctx, uuid.New())
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestAdmitValidation(t *testing.T) {
	e := newEnv(t)
	b := e.bed(t, "Q1", 500)
	patient := e.patient()

	tests := []struct {
		name string
		req  admission.Request
		kind error
	}{
		{"elective without bed", admission.ElectiveAdmission{PatientID: patient, AdmittingDoctorID: e.doctor}, fault.ErrInvalidState},
		{"elective without doctor", admission.ElectiveAdmission{PatientID: patient, BedID: b.ID}, fault.ErrInvalidState},
		{"transfer-in without facility", admission.TransferInAdmission{PatientID: patient, BedID: b.ID}, fault.ErrInvalidState},
		{"unknown patient", admission.EmergencyAdmission{PatientID: uuid.New()}, fault.ErrNotFound},
		{"unknown doctor", admission.ElectiveAdmission{PatientID: patient, BedID: b.ID, AdmittingDoctorID: uuid.New()}, fault.ErrNotFound},
		{"unknown bed", admission.EmergencyAdmission{PatientID: patient, BedID: ptr(uuid.New())}, fault.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Admit(context.Background(), tt.req)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.Equal(t, bed.StatusAvailable, e.bedStatus(t, b.ID))
		})
	}
}

func TestEmergencyAdmissionCannotTakeReservedBed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.bed(t, "R1", 500)
	_, err := e.beds.ChangeStatus(ctx, b.ID, bed.StatusReserved)
	require.NoError(t, err)

	_, err = e.svc.Admit(ctx, admission.EmergencyAdmission{PatientID: e.patient(), BedID: &b.ID})
	assert.True(t, errors.Is(err, fault.ErrResourceUnavailable))

	res, err := e.svc.Admit(ctx, admission.TransferInAdmission{PatientID: e.patient(), BedID: b.ID, ReferringFacility: "City Hospital"})
	require.NoError(t, err)
	assert.Equal(t, admission.TypeTransfer, res.Admission.Type)
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }
