package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/api/middleware"
	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
)

// Deps are the services behind the API
type Deps struct {
	Service     string
	Version     string
	Beds        *bed.Registry
	Admissions  *admission.Service
	Billing     *billing.Service
	Coordinator *reconcile.Coordinator
	Registrar   Registrar
	Metrics     *metrics.Metrics
	APIKeys     map[string]string
	// Ready reports whether backing stores are reachable
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter builds the complete HTTP surface
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Tracing(d.Service))
	r.Use(middleware.Metrics(d.Metrics.RequestDuration))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": d.Service,
			"version": d.Version,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				jsonError(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/beds", NewBedHandler(d.Beds, d.Logger).Routes())
		r.Mount("/admissions", NewAdmissionHandler(d.Admissions, d.Metrics, d.Logger).Routes())
		r.Mount("/patients", NewPatientHandler(d.Registrar, d.Admissions, d.Logger).Routes())
		r.Mount("/doctors", NewDoctorHandler(d.Registrar, d.Logger).Routes())
		r.Mount("/ledger", NewLedgerHandler(d.Coordinator, d.Billing, d.Metrics, d.Logger).Routes())
		r.Mount("/invoices", NewInvoiceHandler(d.Billing, d.Metrics, d.Logger).Routes())
	})

	return r
}
