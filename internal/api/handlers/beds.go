package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/bed"
)

// BedHandler handles bed registry endpoints
type BedHandler struct {
	registry *bed.Registry
	logger   *zap.Logger
}

// NewBedHandler creates a new handler
func NewBedHandler(registry *bed.Registry, logger *zap.Logger) *BedHandler {
	return &BedHandler{registry: registry, logger: logger}
}

// Routes returns the handler routes
func (h *BedHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/status", h.ChangeStatus)
	return r
}

// CreateBedRequest is the request body for registering a bed
type CreateBedRequest struct {
	Number      string          `json:"bed_number" validate:"required"`
	Ward        string          `json:"ward" validate:"required"`
	Floor       string          `json:"floor"`
	Room        string          `json:"room"`
	Type        string          `json:"bed_type"`
	PricePerDay decimal.Decimal `json:"price_per_day"`
	Status      bed.Status      `json:"status"`
}

// Create handles POST /beds
func (h *BedHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBedRequest
	if !decode(w, r, &req) {
		return
	}

	b := &bed.Bed{
		Number:      req.Number,
		Ward:        req.Ward,
		Floor:       req.Floor,
		Room:        req.Room,
		Type:        req.Type,
		PricePerDay: req.PricePerDay,
		Status:      req.Status,
	}
	if err := h.registry.Create(r.Context(), b); err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// List handles GET /beds?status=&ward=
func (h *BedHandler) List(w http.ResponseWriter, r *http.Request) {
	f := bed.Filter{
		Status: bed.Status(r.URL.Query().Get("status")),
		Ward:   r.URL.Query().Get("ward"),
	}
	if f.Status != "" && !f.Status.Valid() {
		jsonError(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	beds, err := h.registry.List(r.Context(), f)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	if beds == nil {
		beds = []*bed.Bed{}
	}
	writeJSON(w, http.StatusOK, beds)
}

// Get handles GET /beds/{id}
func (h *BedHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// StatusRequest is the request body for an administrative status change
type StatusRequest struct {
	Status bed.Status `json:"status" validate:"required"`
}

// ChangeStatus handles PUT /beds/{id}/status
func (h *BedHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := h.registry.ChangeStatus(r.Context(), id, req.Status)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
