package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
)

// LedgerHandler handles billing ledger endpoints
type LedgerHandler struct {
	coordinator *reconcile.Coordinator
	billing     *billing.Service
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewLedgerHandler creates a new handler
func NewLedgerHandler(coordinator *reconcile.Coordinator, b *billing.Service, m *metrics.Metrics, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{coordinator: coordinator, billing: b, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Record)
	r.Get("/", h.List)
	return r
}

// RecordRequest is a completed billable event from a clinical subsystem
type RecordRequest struct {
	PatientID   uuid.UUID          `json:"patient_id" validate:"required"`
	AdmissionID *uuid.UUID         `json:"admission_id"`
	SourceType  billing.SourceType `json:"source_type" validate:"required"`
	SourceID    string             `json:"source_id"`
	Category    string             `json:"category"`
	Description string             `json:"description"`
	Quantity    decimal.Decimal    `json:"quantity"`
	UnitPrice   decimal.Decimal    `json:"unit_price"`
	Amount      decimal.Decimal    `json:"amount"`
}

// Entry converts the body into a ledger entry
func (req RecordRequest) Entry() billing.LedgerEntry {
	return billing.LedgerEntry{
		PatientID:   req.PatientID,
		AdmissionID: req.AdmissionID,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Category:    req.Category,
		Description: req.Description,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		Amount:      req.Amount,
	}
}

// Record handles POST /ledger. The entry is recorded and, when the
// admission has an open invoice, attached to it. A repeated source
// returns the first entry with 200.
func (h *LedgerHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !decode(w, r, &req) {
		return
	}

	out, err := h.coordinator.OnBillableEvent(r.Context(), req.Entry())
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	h.metrics.LedgerEntries.WithLabelValues(string(req.SourceType), strconv.FormatBool(out.Created)).Inc()
	if out.Attached {
		h.metrics.LedgerEntriesBilled.Inc()
	}

	code := http.StatusOK
	if out.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

// List handles GET /ledger?admission_id=&patient_id=&billed=
func (h *LedgerHandler) List(w http.ResponseWriter, r *http.Request) {
	var f billing.LedgerFilter
	var err error
	if f.AdmissionID, err = queryID(r, "admission_id"); err != nil {
		jsonError(w, "invalid admission_id", http.StatusBadRequest)
		return
	}
	if f.PatientID, err = queryID(r, "patient_id"); err != nil {
		jsonError(w, "invalid patient_id", http.StatusBadRequest)
		return
	}
	if raw := r.URL.Query().Get("billed"); raw != "" {
		billed, err := strconv.ParseBool(raw)
		if err != nil {
			jsonError(w, "invalid billed flag", http.StatusBadRequest)
			return
		}
		f.Billed = &billed
	}
	if f.AdmissionID == nil && f.PatientID == nil {
		jsonError(w, "admission_id or patient_id is required", http.StatusBadRequest)
		return
	}

	entries, err := h.billing.ListEntries(r.Context(), f)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*billing.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
