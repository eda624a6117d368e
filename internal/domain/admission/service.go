package admission

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/domain/txn"
)

// Beds is the part of the bed registry the state machine drives
type Beds interface {
	Allocate(ctx context.Context, bedID, admissionID, patientID uuid.UUID, opts ...bed.AllocateOption) (*bed.Bed, error)
	Release(ctx context.Context, bedID, admissionID uuid.UUID) (*bed.Bed, error)
	ReleaseTo(ctx context.Context, bedID, admissionID uuid.UUID, to bed.Status) (*bed.Bed, error)
}

// Reconciler keeps the admission's invoice in step with its bed intervals
type Reconciler interface {
	OpenAdmission(ctx context.Context, patientID, admissionID uuid.UUID, opened *reconcile.Interval) (*billing.Invoice, error)
	OpenInterval(ctx context.Context, patientID, admissionID uuid.UUID, opened reconcile.Interval) error
	SettleTransfer(ctx context.Context, patientID, admissionID uuid.UUID, closed, opened reconcile.Interval) (decimal.Decimal, error)
	SettleDischarge(ctx context.Context, patientID, admissionID uuid.UUID, closed *reconcile.Interval) (*billing.Invoice, decimal.Decimal, error)
	Sweep(ctx context.Context, patientID, admissionID uuid.UUID) (int, error)
	Audit(ctx context.Context, admissionID uuid.UUID, intervals []reconcile.Interval) (*reconcile.Report, error)
}

// AdmittedData is the payload of PatientAdmitted
type AdmittedData struct {
	AdmissionID     uuid.UUID  `json:"admission_id"`
	AdmissionNumber string     `json:"admission_number"`
	AdmissionType   Type       `json:"admission_type"`
	BedID           *uuid.UUID `json:"bed_id,omitempty"`
	InvoiceID       uuid.UUID  `json:"invoice_id"`
}

// TransferredData is the payload of PatientTransferred. FromBedID is nil
// when a bed is assigned to an admission that had none.
type TransferredData struct {
	AdmissionID uuid.UUID       `json:"admission_id"`
	FromBedID   *uuid.UUID      `json:"from_bed_id,omitempty"`
	ToBedID     uuid.UUID       `json:"to_bed_id"`
	Reason      string          `json:"reason,omitempty"`
	Days        int64           `json:"days"`
	Charge      decimal.Decimal `json:"charge"`
}

// DischargedData is the payload of PatientDischarged
type DischargedData struct {
	AdmissionID uuid.UUID       `json:"admission_id"`
	Status      Status          `json:"status"`
	BedID       *uuid.UUID      `json:"bed_id,omitempty"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	Invoice     string          `json:"invoice_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// AdmitResult is returned by Admit
type AdmitResult struct {
	Admission *Admission       `json:"admission"`
	Bed       *bed.Bed         `json:"bed,omitempty"`
	Invoice   *billing.Invoice `json:"invoice"`
}

// TransferResult is returned by Transfer
type TransferResult struct {
	Admission *Admission      `json:"admission"`
	Transfer  TransferEvent   `json:"transfer"`
	Charge    decimal.Decimal `json:"charge"`
}

// DischargeResult is returned by Discharge
type DischargeResult struct {
	Admission *Admission       `json:"admission"`
	Invoice   *billing.Invoice `json:"invoice"`
	Charge    decimal.Decimal  `json:"charge"`
}

// Service is the admission state machine
type Service struct {
	repo       Repository
	beds       Beds
	reconciler Reconciler
	directory  Directory
	tx         txn.Runner
	events     event.Sink
	node       *snowflake.Node
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewService creates the admission service. node generates the
// human-readable admission numbers.
func NewService(repo Repository, beds Beds, reconciler Reconciler, directory Directory, tx txn.Runner, events event.Sink, node *snowflake.Node, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		beds:       beds,
		reconciler: reconciler,
		directory:  directory,
		tx:         tx,
		events:     events,
		node:       node,
		logger:     logger,
		tracer:     otel.Tracer("admission"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Admit opens an admission. The bed allocation, the admission and its
// draft invoice are written in one transaction.
func (s *Service) Admit(ctx context.Context, req Request) (*AdmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "admit",
		trace.WithAttributes(attribute.String("admission_type", string(req.AdmissionType()))))
	defer span.End()

	p, err := req.plan()
	if err != nil {
		return nil, err
	}

	var out AdmitResult
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.checkPatient(ctx, "admit", p.patientID); err != nil {
			return err
		}
		for _, doc := range []*uuid.UUID{p.admittingDoctorID, p.attendingDoctorID} {
			if err := s.checkDoctor(ctx, "admit", doc); err != nil {
				return err
			}
		}
		active, err := s.repo.ActiveForPatient(ctx, p.patientID)
		switch {
		case err == nil:
			return fault.InvalidState("admit", "patient %s already has active admission %s", p.patientID, active.Number)
		case !errors.Is(err, fault.ErrNotFound):
			return err
		}

		now := s.now()
		a := &Admission{
			ID:                uuid.New(),
			Number:            "ADM-" + s.node.Generate().String(),
			PatientID:         p.patientID,
			AdmittingDoctorID: p.admittingDoctorID,
			AttendingDoctorID: p.attendingDoctorID,
			Type:              req.AdmissionType(),
			Status:            StatusAdmitted,
			Diagnosis:         p.diagnosis,
			ReferringFacility: p.referringFacility,
			AdmissionDate:     now,
			Allocations:       []BedAllocation{},
			Transfers:         []TransferEvent{},
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		var opened *reconcile.Interval
		if p.bedID != nil {
			var opts []bed.AllocateOption
			if p.allowReserved {
				opts = append(opts, bed.AllowReserved())
			}
			b, err := s.beds.Allocate(ctx, *p.bedID, a.ID, a.PatientID, opts...)
			if err != nil {
				return err
			}
			iv := a.openAllocation(b.ID, b.Number, b.PricePerDay, now).Interval()
			opened = &iv
			out.Bed = b
		}

		if err := s.repo.Create(ctx, a); err != nil {
			return err
		}
		inv, err := s.reconciler.OpenAdmission(ctx, a.PatientID, a.ID, opened)
		if err != nil {
			return err
		}
		out.Admission, out.Invoice = a, inv

		return event.Emit(ctx, s.events, event.AggregateAdmission, a.ID, a.PatientID, event.PatientAdmitted, &AdmittedData{
			AdmissionID:     a.ID,
			AdmissionNumber: a.Number,
			AdmissionType:   a.Type,
			BedID:           a.BedID,
			InvoiceID:       inv.ID,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("patient admitted",
		zap.String("admission_id", out.Admission.ID.String()),
		zap.String("admission_number", out.Admission.Number),
		zap.String("patient_id", out.Admission.PatientID.String()),
		zap.String("type", string(out.Admission.Type)))
	return &out, nil
}

// AssignBed gives a bed to an admission admitted without one
func (s *Service) AssignBed(ctx context.Context, admissionID, bedID uuid.UUID) (*Admission, error) {
	const op = "assign bed"
	ctx, span := s.tracer.Start(ctx, "assign_bed",
		trace.WithAttributes(
			attribute.String("admission_id", admissionID.String()),
			attribute.String("bed_id", bedID.String()),
		))
	defer span.End()

	var out *Admission
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, admissionID)
		if err != nil {
			return err
		}
		if !a.Status.Active() {
			return fault.InvalidState(op, "admission %s is %s", a.Number, a.Status)
		}
		if a.OpenAllocation() != nil {
			return fault.InvalidState(op, "admission %s already holds a bed, transfer instead", a.Number)
		}
		b, err := s.beds.Allocate(ctx, bedID, a.ID, a.PatientID, bed.AllowReserved())
		if err != nil {
			return err
		}
		now := s.now()
		iv := a.openAllocation(b.ID, b.Number, b.PricePerDay, now).Interval()
		if err := s.reconciler.OpenInterval(ctx, a.PatientID, a.ID, iv); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return event.Emit(ctx, s.events, event.AggregateAdmission, a.ID, a.PatientID, event.PatientTransferred, &TransferredData{
			AdmissionID: a.ID,
			ToBedID:     b.ID,
			Reason:      "initial bed assignment",
			Charge:      decimal.Zero,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("bed assigned",
		zap.String("admission_id", admissionID.String()),
		zap.String("bed_id", bedID.String()))
	return out, nil
}

// Transfer moves an ADMITTED admission to another available bed. The
// outgoing interval is settled on the invoice and its charge returned.
func (s *Service) Transfer(ctx context.Context, admissionID uuid.UUID, req TransferRequest) (*TransferResult, error) {
	const op = "transfer"
	ctx, span := s.tracer.Start(ctx, "transfer",
		trace.WithAttributes(
			attribute.String("admission_id", admissionID.String()),
			attribute.String("new_bed_id", req.NewBedID.String()),
		))
	defer span.End()

	if req.NewBedID == uuid.Nil {
		return nil, fault.InvalidState(op, "new bed is required")
	}

	var out TransferResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, admissionID)
		if err != nil {
			return err
		}
		if !a.Status.Active() {
			return fault.InvalidState(op, "admission %s is %s", a.Number, a.Status)
		}
		current := a.OpenAllocation()
		if current == nil {
			return fault.InvalidState(op, "admission %s holds no bed", a.Number)
		}
		if current.BedID == req.NewBedID {
			return fault.InvalidState(op, "admission %s already occupies bed %s", a.Number, current.BedNumber)
		}
		if err := s.checkDoctor(ctx, op, req.TransferredBy); err != nil {
			return err
		}

		now := s.now()
		closed := *a.closeAllocation(now)
		if _, err := s.beds.ReleaseTo(ctx, closed.BedID, a.ID, bed.StatusAvailable); err != nil {
			return err
		}
		next, err := s.beds.Allocate(ctx, req.NewBedID, a.ID, a.PatientID)
		if err != nil {
			return err
		}
		opened := a.openAllocation(next.ID, next.Number, next.PricePerDay, now).Interval()

		charge, err := s.reconciler.SettleTransfer(ctx, a.PatientID, a.ID, closed.Interval(), opened)
		if err != nil {
			return err
		}

		te := TransferEvent{
			ID:            uuid.New(),
			FromBedID:     closed.BedID,
			ToBedID:       next.ID,
			Reason:        req.Reason,
			TransferredBy: req.TransferredBy,
			TransferredAt: now,
			Days:          closed.Days,
			Charge:        charge,
		}
		a.Transfers = append(a.Transfers, te)
		a.UpdatedAt = now
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = TransferResult{Admission: a, Transfer: te, Charge: charge}

		from := closed.BedID
		return event.Emit(ctx, s.events, event.AggregateAdmission, a.ID, a.PatientID, event.PatientTransferred, &TransferredData{
			AdmissionID: a.ID,
			FromBedID:   &from,
			ToBedID:     next.ID,
			Reason:      req.Reason,
			Days:        closed.Days,
			Charge:      charge,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("patient transferred",
		zap.String("admission_id", admissionID.String()),
		zap.String("from_bed", out.Transfer.FromBedID.String()),
		zap.String("to_bed", out.Transfer.ToBedID.String()),
		zap.Int64("days", out.Transfer.Days),
		zap.String("charge", out.Charge.StringFixed(2)))
	return &out, nil
}

// Discharge closes an ADMITTED admission: the last interval is settled,
// the bed goes to cleaning and the invoice is finalized.
func (s *Service) Discharge(ctx context.Context, admissionID uuid.UUID, req DischargeRequest) (*DischargeResult, error) {
	const op = "discharge"
	ctx, span := s.tracer.Start(ctx, "discharge",
		trace.WithAttributes(attribute.String("admission_id", admissionID.String())))
	defer span.End()

	final := StatusDischarged
	switch req.Outcome {
	case "", OutcomeDischarged:
	case OutcomeDeceased:
		final = StatusDeceased
	default:
		return nil, fault.InvalidState(op, "unknown discharge outcome: %s", req.Outcome)
	}

	var out DischargeResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, admissionID)
		if err != nil {
			return err
		}
		if !a.Status.Active() {
			return fault.InvalidState(op, "admission %s is %s", a.Number, a.Status)
		}
		if err := s.checkDoctor(ctx, op, req.DoctorID); err != nil {
			return err
		}

		now := s.now()
		var closed *reconcile.Interval
		releasedBed := a.BedID
		if al := a.closeAllocation(now); al != nil {
			if _, err := s.beds.Release(ctx, al.BedID, a.ID); err != nil {
				return err
			}
			iv := al.Interval()
			closed = &iv
		}

		inv, charge, err := s.reconciler.SettleDischarge(ctx, a.PatientID, a.ID, closed)
		if err != nil {
			return err
		}

		a.Status = final
		a.ActualDischargeDate = &now
		a.DischargingDoctorID = nonNil(req.DoctorID)
		a.DischargeReason = req.Reason
		a.DischargeNotes = req.Notes
		a.BedID = nil
		a.UpdatedAt = now
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = DischargeResult{Admission: a, Invoice: inv, Charge: charge}

		return event.Emit(ctx, s.events, event.AggregateAdmission, a.ID, a.PatientID, event.PatientDischarged, &DischargedData{
			AdmissionID: a.ID,
			Status:      a.Status,
			BedID:       releasedBed,
			InvoiceID:   inv.ID,
			Invoice:     inv.Number,
			TotalAmount: inv.TotalAmount,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("patient discharged",
		zap.String("admission_id", admissionID.String()),
		zap.String("status", string(out.Admission.Status)),
		zap.String("invoice_number", out.Invoice.Number),
		zap.String("total", out.Invoice.TotalAmount.StringFixed(2)))
	return &out, nil
}

// Get returns an admission with its allocations and transfers
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.repo.Get(ctx, id)
}

// Reconcile attaches the admission's unbilled ledger entries to its open
// invoice
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (int, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.reconciler.Sweep(ctx, a.PatientID, a.ID)
}

// Audit cross-checks the admission's intervals and ledger against its
// invoices
func (s *Service) Audit(ctx context.Context, id uuid.UUID) (*reconcile.Report, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reconciler.Audit(ctx, a.ID, a.Intervals())
}

// PatientStatus derives the patient's admission state from the active
// admission
func (s *Service) PatientStatus(ctx context.Context, patientID uuid.UUID) (*PatientView, error) {
	if err := s.checkPatient(ctx, "patient status", patientID); err != nil {
		return nil, err
	}
	view := &PatientView{PatientID: patientID, AdmissionStatus: NotAdmitted}

	a, err := s.repo.ActiveForPatient(ctx, patientID)
	if errors.Is(err, fault.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}

	id, admitted := a.ID, a.AdmissionDate
	view.AdmissionStatus = string(a.Status)
	view.AdmissionID = &id
	view.AdmissionNumber = a.Number
	view.AdmittedAt = &admitted
	if al := a.OpenAllocation(); al != nil {
		bedID := al.BedID
		view.BedID = &bedID
		view.BedNumber = al.BedNumber
	}
	return view, nil
}

func (s *Service) checkPatient(ctx context.Context, op string, id uuid.UUID) error {
	ok, err := s.directory.PatientExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NotFound(op, "patient %s not found", id)
	}
	return nil
}

func (s *Service) checkDoctor(ctx context.Context, op string, id *uuid.UUID) error {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	ok, err := s.directory.DoctorExists(ctx, *id)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NotFound(op, "doctor %s not found", *id)
	}
	return nil
}
