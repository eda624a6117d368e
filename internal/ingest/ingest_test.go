package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/infrastructure/memory"
	"github.com/drfirst/go-ipd/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
)

func record(t *testing.T, topic string, offset int64, v interface{}) *redpanda.ConsumedMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: topic, Partition: 0, Offset: offset, Value: raw}
}

func TestDecodeSettlesSourceTypeFromTopic(t *testing.T) {
	patient := uuid.New()
	body := func(source string) []byte {
		raw, _ := json.Marshal(map[string]interface{}{
			"patient_id": patient, "source_type": source, "source_id": "X-1", "amount": "10",
		})
		return raw
	}

	m, err := Decode(redpanda.TopicPharmacyDispensed, body(""))
	require.NoError(t, err)
	assert.Equal(t, billing.SourcePharmacy, m.SourceType)

	m, err = Decode(redpanda.TopicOrdersCompleted, body(""))
	require.NoError(t, err)
	assert.Equal(t, billing.SourceServiceOrder, m.SourceType)

	m, err = Decode(redpanda.TopicOrdersCompleted, body("lab"))
	require.NoError(t, err)
	assert.Equal(t, billing.SourceLab, m.SourceType)

	m, err = Decode(redpanda.TopicBillingManual, body(""))
	require.NoError(t, err)
	assert.Equal(t, billing.SourceManual, m.SourceType)

	_, err = Decode(redpanda.TopicOrdersCompleted, body("pharmacy"))
	assert.Error(t, err)
	_, err = Decode(redpanda.TopicPharmacyDispensed, body("lab"))
	assert.Error(t, err)
	_, err = Decode("unknown.topic", body(""))
	assert.Error(t, err)
	_, err = Decode(redpanda.TopicPharmacyDispensed, []byte(`{"source_id":"X-1"}`))
	assert.Error(t, err)
	_, err = Decode(redpanda.TopicPharmacyDispensed, []byte(`not json`))
	assert.Error(t, err)
}

func TestKeyPrefersSourceIdentity(t *testing.T) {
	m := &Message{SourceType: billing.SourcePharmacy, SourceID: "DISP-1"}
	a := Key(&redpanda.ConsumedMessage{Topic: redpanda.TopicPharmacyDispensed, Offset: 1}, m)
	b := Key(&redpanda.ConsumedMessage{Topic: redpanda.TopicPharmacyDispensed, Offset: 99}, m)
	assert.Equal(t, a, b)

	manual := &Message{SourceType: billing.SourceManual}
	c := Key(&redpanda.ConsumedMessage{Topic: redpanda.TopicBillingManual, Offset: 1}, manual)
	d := Key(&redpanda.ConsumedMessage{Topic: redpanda.TopicBillingManual, Offset: 2}, manual)
	assert.NotEqual(t, c, d)
}

type fixture struct {
	store     *memory.Store
	billing   *billing.Service
	admission *admission.Service
	handler   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	now := func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }

	beds := bed.NewRegistry(store.Beds(), store, store, nil)
	beds.SetClock(now)
	bill := billing.NewService(store.Ledger(), store.Invoices(), store, store, store, billing.DefaultConfig(), nil)
	bill.SetClock(now)
	coord := reconcile.NewCoordinator(bill, store, store, nil)
	coord.SetClock(now)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	adm := admission.NewService(store.Admissions(), beds, coord, store, store, store, node, nil)
	adm.SetClock(now)

	h, err := NewHandler(memory.NewInboxStore(), coord, metrics.New(prometheus.NewRegistry()), Config{Workers: 2}, nil)
	require.NoError(t, err)
	h.Start()
	t.Cleanup(func() { _ = h.Stop() })

	return &fixture{store: store, billing: bill, admission: adm, handler: h}
}

func TestHandleAttachesToOpenInvoiceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient := uuid.New()
	f.store.AddPatient(patient)

	res, err := f.admission.Admit(ctx, admission.EmergencyAdmission{PatientID: patient})
	require.NoError(t, err)
	admissionID := res.Admission.ID

	event := map[string]interface{}{
		"patient_id":   patient,
		"admission_id": admissionID,
		"source_id":    "DISP-7",
		"description":  "amoxicillin 500mg",
		"quantity":     "2",
		"unit_price":   "12.50",
	}
	require.NoError(t, f.handler.Handle(ctx, record(t, redpanda.TopicPharmacyDispensed, 10, event)))
	// redelivered at a later offset after a producer retry
	require.NoError(t, f.handler.Handle(ctx, record(t, redpanda.TopicPharmacyDispensed, 11, event)))

	entries, err := f.billing.ListEntries(ctx, billing.LedgerFilter{AdmissionID: &admissionID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Billed)
	assert.Equal(t, "25", entries[0].Amount.String())
	assert.Equal(t, res.Invoice.ID, *entries[0].InvoiceID)
}

func TestHandleKeepsUnadmittedEntriesUnbilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient := uuid.New()
	f.store.AddPatient(patient)

	require.NoError(t, f.handler.Handle(ctx, record(t, redpanda.TopicOrdersCompleted, 1, map[string]interface{}{
		"patient_id": patient, "source_type": "radiology", "source_id": "RAD-3", "amount": "80",
	})))

	entries, err := f.billing.ListEntries(ctx, billing.LedgerFilter{PatientID: &patient})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Billed)
	assert.Equal(t, billing.SourceRadiology, entries[0].SourceType)
}

func TestHandleAcknowledgesTerminalFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// unknown patient is a not-found fault
	msg := record(t, redpanda.TopicPharmacyDispensed, 1, map[string]interface{}{
		"patient_id": uuid.New(), "source_id": "DISP-404", "amount": "5",
	})
	assert.NoError(t, f.handler.Handle(ctx, msg))
	assert.NoError(t, f.handler.Handle(ctx, msg))

	// poison record
	assert.NoError(t, f.handler.Handle(ctx, &redpanda.ConsumedMessage{
		Topic: redpanda.TopicPharmacyDispensed, Value: []byte("{"),
	}))
}

type flakyRecorder struct {
	calls   int32
	failFor int32
}

func (r *flakyRecorder) OnBillableEvent(_ context.Context, in billing.LedgerEntry) (*reconcile.Outcome, error) {
	if atomic.AddInt32(&r.calls, 1) <= r.failFor {
		return nil, errors.New("connection reset by peer")
	}
	return &reconcile.Outcome{Entry: &in, Created: true}, nil
}

func TestHandleReturnsTransientFailuresForRedelivery(t *testing.T) {
	rec := &flakyRecorder{failFor: 2}
	h, err := NewHandler(memory.NewInboxStore(), rec, nil, Config{Workers: 1, MaxRetries: 1}, nil)
	require.NoError(t, err)
	h.Start()
	defer h.Stop()

	msg := record(t, redpanda.TopicBillingManual, 5, map[string]interface{}{
		"patient_id": uuid.New(), "description": "late fee", "amount": "15",
	})
	ctx := context.Background()

	// one attempt plus one retry both fail
	assert.Error(t, h.Handle(ctx, msg))
	assert.Equal(t, int32(2), atomic.LoadInt32(&rec.calls))

	// the recoverable inbox entry lets the redelivery through
	assert.NoError(t, h.Handle(ctx, msg))
	assert.Equal(t, int32(3), atomic.LoadInt32(&rec.calls))
}
