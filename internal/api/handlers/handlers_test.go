package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/infrastructure/memory"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	store   *memory.Store
}

func newTestAPI(t *testing.T, apiKeys map[string]string) *testAPI {
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

	h := NewRouter(Deps{
		Service:     "admission-api",
		Version:     "test",
		Beds:        beds,
		Admissions:  adm,
		Billing:     bill,
		Coordinator: coord,
		Registrar:   store,
		Metrics:     metrics.New(prometheus.NewRegistry()),
		APIKeys:     apiKeys,
	})
	return &testAPI{t: t, handler: h, store: store}
}

func (a *testAPI) do(method, path string, body interface{}, out interface{}) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (a *testAPI) bed(number string, price int64) bed.Bed {
	a.t.Helper()
	var b bed.Bed
	code := a.do("POST", "/api/v1/beds", map[string]interface{}{
		"bed_number": number, "ward": "general", "price_per_day": price,
	}, &b)
	require.Equal(a.t, http.StatusCreated, code)
	return b
}

func (a *testAPI) patient() uuid.UUID {
	a.t.Helper()
	var out RegisterPatientRequest
	code := a.do("POST", "/api/v1/patients", map[string]string{"full_name": "Ana Lima", "mrn": uuid.NewString()}, &out)
	require.Equal(a.t, http.StatusCreated, code)
	return out.ID
}

func TestAdmissionLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)
	ward := api.bed("W-1", 100)
	icu := api.bed("ICU-1", 200)
	patient := api.patient()

	var admitted admission.AdmitResult
	code := api.do("POST", "/api/v1/admissions", map[string]interface{}{
		"type": "emergency", "patient_id": patient, "bed_id": ward.ID, "diagnosis": "chest pain",
	}, &admitted)
	require.Equal(t, http.StatusCreated, code)
	adm := admitted.Admission
	assert.Equal(t, admission.StatusAdmitted, adm.Status)
	assert.Equal(t, billing.StatusDraft, admitted.Invoice.Status)

	var errBody map[string]string
	code = api.do("POST", "/api/v1/admissions", map[string]interface{}{
		"type": "emergency", "patient_id": patient,
	}, &errBody)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, errBody["error"], "active admission")

	var view admission.PatientView
	require.Equal(t, http.StatusOK, api.do("GET", "/api/v1/patients/"+patient.String()+"/status", nil, &view))
	assert.Equal(t, string(admission.StatusAdmitted), view.AdmissionStatus)
	assert.Equal(t, "W-1", view.BedNumber)

	var transferred admission.TransferResult
	code = api.do("POST", "/api/v1/admissions/"+adm.ID.String()+"/transfer", map[string]interface{}{
		"new_bed_id": icu.ID, "reason": "deteriorating",
	}, &transferred)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, transferred.Charge.Equal(decimal.NewFromInt(100)))

	var outcome reconcile.Outcome
	entry := map[string]interface{}{
		"patient_id": patient, "admission_id": adm.ID,
		"source_type": "pharmacy", "source_id": "DISP-9", "amount": "50.00",
	}
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/v1/ledger", entry, &outcome))
	assert.True(t, outcome.Attached)
	require.Equal(t, http.StatusOK, api.do("POST", "/api/v1/ledger", entry, &outcome))
	assert.False(t, outcome.Created)

	var discharged admission.DischargeResult
	code = api.do("POST", "/api/v1/admissions/"+adm.ID.String()+"/discharge", map[string]interface{}{
		"reason": "stable",
	}, &discharged)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, admission.StatusDischarged, discharged.Admission.Status)
	assert.Equal(t, billing.StatusPending, discharged.Invoice.Status)
	assert.Equal(t, "INV-2024-000001", discharged.Invoice.Number)
	assert.True(t, discharged.Invoice.TotalAmount.Equal(decimal.NewFromInt(350)), discharged.Invoice.TotalAmount.String())

	var b bed.Bed
	require.Equal(t, http.StatusOK, api.do("GET", "/api/v1/beds/"+ward.ID.String(), nil, &b))
	assert.Equal(t, bed.StatusAvailable, b.Status)
	require.Equal(t, http.StatusOK, api.do("GET", "/api/v1/beds/"+icu.ID.String(), nil, &b))
	assert.Equal(t, bed.StatusCleaning, b.Status)

	var audit struct {
		Consistent bool `json:"consistent"`
	}
	require.Equal(t, http.StatusOK, api.do("GET", "/api/v1/admissions/"+adm.ID.String()+"/audit", nil, &audit))
	assert.True(t, audit.Consistent)

	invoiceURL := "/api/v1/invoices/" + discharged.Invoice.ID.String()
	var inv billing.Invoice
	code = api.do("POST", invoiceURL+"/payments", map[string]interface{}{"amount": "400", "method": "cash"}, &errBody)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	code = api.do("POST", invoiceURL+"/payments", map[string]interface{}{"amount": "150", "method": "card"}, &inv)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, billing.StatusPartial, inv.Status)
	assert.True(t, inv.DueAmount.Equal(decimal.NewFromInt(200)))

	code = api.do("POST", invoiceURL+"/cancel", map[string]string{"reason": "duplicate"}, &errBody)
	assert.Equal(t, http.StatusConflict, code)

	var entries []billing.LedgerEntry
	require.Equal(t, http.StatusOK, api.do("GET", "/api/v1/ledger?admission_id="+adm.ID.String()+"&billed=false", nil, &entries))
	assert.Empty(t, entries)
}

func TestEmergencyAdmissionThenAssignBed(t *testing.T) {
	api := newTestAPI(t, nil)
	b := api.bed("E-1", 80)
	patient := api.patient()

	var admitted admission.AdmitResult
	require.Equal(t, http.StatusCreated, api.do("POST", "/api/v1/admissions", map[string]interface{}{
		"type": "emergency", "patient_id": patient,
	}, &admitted))
	assert.Nil(t, admitted.Admission.BedID)

	var a admission.Admission
	code := api.do("POST", "/api/v1/admissions/"+admitted.Admission.ID.String()+"/assign-bed",
		map[string]interface{}{"bed_id": b.ID}, &a)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, a.BedID)
	assert.Equal(t, b.ID, *a.BedID)

	var got bed.Bed
	require.Equal(t, http.StatusOK, api.do("GET", "/api/v1/beds/"+b.ID.String(), nil, &got))
	assert.Equal(t, bed.StatusOccupied, got.Status)

	code = api.do("PUT", "/api/v1/beds/"+b.ID.String()+"/status", map[string]string{"status": "maintenance"}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestElectiveAdmissionRequiresBedAndDoctor(t *testing.T) {
	api := newTestAPI(t, nil)
	patient := api.patient()

	var body map[string]string
	code := api.do("POST", "/api/v1/admissions", map[string]interface{}{
		"type": "elective", "patient_id": patient,
	}, &body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "requires a bed")
}

func TestRequestValidation(t *testing.T) {
	api := newTestAPI(t, nil)

	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	code := api.do("POST", "/api/v1/admissions", map[string]interface{}{"type": "walk-in"}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation failed", body.Error)
	assert.Equal(t, "oneof", body.Fields["type"])
	assert.Equal(t, "required", body.Fields["patient_id"])

	assert.Equal(t, http.StatusBadRequest, api.do("GET", "/api/v1/admissions/not-a-uuid", nil, nil))
	assert.Equal(t, http.StatusNotFound, api.do("GET", "/api/v1/admissions/"+uuid.NewString(), nil, nil))
	assert.Equal(t, http.StatusBadRequest, api.do("GET", "/api/v1/ledger", nil, nil))
	assert.Equal(t, http.StatusBadRequest, api.do("GET", "/api/v1/beds?status=sleeping", nil, nil))
}

func TestUnknownPatientIsNotFound(t *testing.T) {
	api := newTestAPI(t, nil)
	code := api.do("POST", "/api/v1/ledger", map[string]interface{}{
		"patient_id": uuid.New(), "source_type": "lab", "source_id": "L-1", "amount": 10,
	}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPIKeyRequired(t *testing.T) {
	api := newTestAPI(t, map[string]string{"k": "ward-app"})

	assert.Equal(t, http.StatusUnauthorized, api.do("GET", "/api/v1/beds", nil, nil))
	assert.Equal(t, http.StatusOK, api.do("GET", "/health", nil, nil))

	req := httptest.NewRequest("GET", "/api/v1/beds", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestReadyReportsStoreFailure(t *testing.T) {
	api := newTestAPI(t, nil)
	assert.Equal(t, http.StatusOK, api.do("GET", "/ready", nil, nil))

	h := NewRouter(Deps{
		Metrics: metrics.New(prometheus.NewRegistry()),
		Ready:   func(context.Context) error { return context.DeadlineExceeded },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusForFaultKinds(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
