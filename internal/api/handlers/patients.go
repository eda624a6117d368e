package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/admission"
)

// Registrar records the patient and doctor references admissions point at
type Registrar interface {
	RegisterPatient(ctx context.Context, id uuid.UUID, mrn, name string) error
	RegisterDoctor(ctx context.Context, id uuid.UUID, name string) error
}

// PatientHandler handles patient reference and status endpoints
type PatientHandler struct {
	registrar  Registrar
	admissions *admission.Service
	logger     *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(registrar Registrar, admissions *admission.Service, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{registrar: registrar, admissions: admissions, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/{id}/status", h.Status)
	return r
}

// RegisterPatientRequest registers a patient reference. The id is
// generated when omitted.
type RegisterPatientRequest struct {
	ID   uuid.UUID `json:"id"`
	MRN  string    `json:"mrn"`
	Name string    `json:"full_name" validate:"required"`
}

// Register handles POST /patients
func (h *PatientHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterPatientRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if err := h.registrar.RegisterPatient(r.Context(), req.ID, req.MRN, req.Name); err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Status handles GET /patients/{id}/status
func (h *PatientHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.admissions.PatientStatus(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DoctorHandler handles doctor reference endpoints
type DoctorHandler struct {
	registrar Registrar
	logger    *zap.Logger
}

// NewDoctorHandler creates a new handler
func NewDoctorHandler(registrar Registrar, logger *zap.Logger) *DoctorHandler {
	return &DoctorHandler{registrar: registrar, logger: logger}
}

// Routes returns the handler routes
func (h *DoctorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	return r
}

// RegisterDoctorRequest registers a doctor reference
type RegisterDoctorRequest struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"full_name" validate:"required"`
}

// Register handles POST /doctors
func (h *DoctorHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterDoctorRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if err := h.registrar.RegisterDoctor(r.Context(), req.ID, req.Name); err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}
