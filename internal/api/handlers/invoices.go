package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/api/middleware"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
)

// InvoiceHandler handles invoice endpoints
type InvoiceHandler struct {
	billing *billing.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewInvoiceHandler creates a new handler
func NewInvoiceHandler(b *billing.Service, m *metrics.Metrics, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{billing: b, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *InvoiceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Post("/{id}/attach", h.Attach)
	r.Post("/{id}/payments", h.Pay)
	r.Post("/{id}/finalize", h.Finalize)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Get handles GET /invoices/{id}
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.billing.GetInvoice(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// AttachRequest lists ledger entries to put on the invoice
type AttachRequest struct {
	EntryIDs []uuid.UUID `json:"entry_ids" validate:"required,min=1"`
}

// Attach handles POST /invoices/{id}/attach
func (h *InvoiceHandler) Attach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AttachRequest
	if !decode(w, r, &req) {
		return
	}

	n, err := h.billing.AttachUnbilled(r.Context(), id, req.EntryIDs)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	h.metrics.LedgerEntriesBilled.Add(float64(n))

	inv, err := h.billing.GetInvoice(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attached": n, "invoice": inv})
}

// PaymentRequest is the request body for a payment
type PaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method" validate:"required"`
	Reference  string          `json:"reference"`
	ReceivedBy string          `json:"received_by"`
}

// Pay handles POST /invoices/{id}/payments
func (h *InvoiceHandler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	receivedBy := req.ReceivedBy
	if receivedBy == "" {
		receivedBy = middleware.GetClientID(r.Context())
	}

	inv, err := h.billing.ApplyPayment(r.Context(), id, billing.PaymentRequest{
		Amount:     req.Amount,
		Method:     req.Method,
		Reference:  req.Reference,
		ReceivedBy: receivedBy,
	})
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	h.metrics.PaymentsTotal.Inc()
	h.metrics.PaymentAmount.Add(req.Amount.InexactFloat64())
	writeJSON(w, http.StatusOK, inv)
}

// Finalize handles POST /invoices/{id}/finalize
func (h *InvoiceHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.billing.Finalize(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// CancelRequest is the request body for cancelling an invoice
type CancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Cancel handles POST /invoices/{id}/cancel
func (h *InvoiceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.billing.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
