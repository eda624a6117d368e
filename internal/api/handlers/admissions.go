package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/api/middleware"
	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
)

// AdmissionHandler handles admission lifecycle endpoints
type AdmissionHandler struct {
	svc     *admission.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAdmissionHandler creates a new handler
func NewAdmissionHandler(svc *admission.Service, m *metrics.Metrics, logger *zap.Logger) *AdmissionHandler {
	return &AdmissionHandler{svc: svc, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *AdmissionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Admit)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/assign-bed", h.AssignBed)
	r.Post("/{id}/transfer", h.Transfer)
	r.Post("/{id}/discharge", h.Discharge)
	r.Post("/{id}/reconcile", h.Reconcile)
	r.Get("/{id}/audit", h.Audit)
	return r
}

// AdmitRequest is the admission body. Type selects which of the other
// fields are required.
type AdmitRequest struct {
	Type              admission.Type `json:"type" validate:"required,oneof=emergency elective transfer"`
	PatientID         uuid.UUID      `json:"patient_id" validate:"required"`
	BedID             *uuid.UUID     `json:"bed_id"`
	DoctorID          *uuid.UUID     `json:"doctor_id"`
	AdmittingDoctorID *uuid.UUID     `json:"admitting_doctor_id"`
	AttendingDoctorID *uuid.UUID     `json:"attending_doctor_id"`
	Diagnosis         string         `json:"diagnosis"`
	ReferringFacility string         `json:"referring_facility"`
}

// Request converts the body into its admission variant
func (req AdmitRequest) Request() admission.Request {
	switch req.Type {
	case admission.TypeElective:
		admitting := req.AdmittingDoctorID
		if admitting == nil {
			admitting = req.DoctorID
		}
		return admission.ElectiveAdmission{
			PatientID:         req.PatientID,
			BedID:             deref(req.BedID),
			AdmittingDoctorID: deref(admitting),
			AttendingDoctorID: req.AttendingDoctorID,
			Diagnosis:         req.Diagnosis,
		}
	case admission.TypeTransfer:
		admitting := req.AdmittingDoctorID
		if admitting == nil {
			admitting = req.DoctorID
		}
		return admission.TransferInAdmission{
			PatientID:         req.PatientID,
			BedID:             deref(req.BedID),
			ReferringFacility: req.ReferringFacility,
			AdmittingDoctorID: admitting,
			Diagnosis:         req.Diagnosis,
		}
	default:
		doctor := req.DoctorID
		if doctor == nil {
			doctor = req.AdmittingDoctorID
		}
		return admission.EmergencyAdmission{
			PatientID: req.PatientID,
			BedID:     req.BedID,
			DoctorID:  doctor,
			Diagnosis: req.Diagnosis,
		}
	}
}

func deref(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// Admit handles POST /admissions
func (h *AdmissionHandler) Admit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admission-handler").Start(r.Context(), "admit_patient")
	defer span.End()

	var req AdmitRequest
	if !decode(w, r, &req) {
		return
	}
	span.SetAttributes(
		attribute.String("patient_id", req.PatientID.String()),
		attribute.String("admission_type", string(req.Type)),
	)

	res, err := h.svc.Admit(ctx, req.Request())
	if err != nil {
		h.countConflict(err)
		writeFault(w, r, h.logger, err)
		return
	}
	h.metrics.AdmissionsTotal.WithLabelValues(string(req.Type)).Inc()

	h.logger.Info("patient admitted",
		zap.String("admission_id", res.Admission.ID.String()),
		zap.String("admission_number", res.Admission.Number),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusCreated, res)
}

// Get handles GET /admissions/{id}
func (h *AdmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AssignBedRequest binds a first bed to an admission admitted without one
type AssignBedRequest struct {
	BedID uuid.UUID `json:"bed_id" validate:"required"`
}

// AssignBed handles POST /admissions/{id}/assign-bed
func (h *AdmissionHandler) AssignBed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AssignBedRequest
	if !decode(w, r, &req) {
		return
	}

	a, err := h.svc.AssignBed(r.Context(), id, req.BedID)
	if err != nil {
		h.countConflict(err)
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// TransferRequest is the request body for a bed transfer
type TransferRequest struct {
	NewBedID      uuid.UUID  `json:"new_bed_id" validate:"required"`
	Reason        string     `json:"reason"`
	TransferredBy *uuid.UUID `json:"transferred_by"`
}

// Transfer handles POST /admissions/{id}/transfer
func (h *AdmissionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.Transfer(r.Context(), id, admission.TransferRequest{
		NewBedID:      req.NewBedID,
		Reason:        req.Reason,
		TransferredBy: req.TransferredBy,
	})
	if err != nil {
		h.countConflict(err)
		writeFault(w, r, h.logger, err)
		return
	}
	h.metrics.TransfersTotal.Inc()
	writeJSON(w, http.StatusOK, res)
}

// DischargeRequest is the request body for a discharge
type DischargeRequest struct {
	DoctorID *uuid.UUID        `json:"doctor_id"`
	Reason   string            `json:"reason"`
	Notes    string            `json:"notes"`
	Outcome  admission.Outcome `json:"outcome" validate:"omitempty,oneof=discharged deceased"`
}

// Discharge handles POST /admissions/{id}/discharge
func (h *AdmissionHandler) Discharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req DischargeRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.Discharge(r.Context(), id, admission.DischargeRequest{
		DoctorID: req.DoctorID,
		Reason:   req.Reason,
		Notes:    req.Notes,
		Outcome:  req.Outcome,
	})
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = admission.OutcomeDischarged
	}
	h.metrics.DischargesTotal.WithLabelValues(string(outcome)).Inc()
	writeJSON(w, http.StatusOK, res)
}

// Reconcile handles POST /admissions/{id}/reconcile
func (h *AdmissionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.svc.Reconcile(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	h.metrics.LedgerEntriesBilled.Add(float64(n))
	writeJSON(w, http.StatusOK, map[string]interface{}{"admission_id": id, "attached": n})
}

// Audit handles GET /admissions/{id}/audit
func (h *AdmissionHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Audit(r.Context(), id)
	if err != nil {
		writeFault(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report":     report,
		"consistent": report.Consistent(),
	})
}

func (h *AdmissionHandler) countConflict(err error) {
	if errors.Is(err, fault.ErrResourceUnavailable) {
		h.metrics.BedConflicts.Inc()
	}
}
