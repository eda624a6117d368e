package bed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/fault"
	"github.com/drfirst/go-ipd/internal/domain/txn"
)

// UpdatedData is the payload of a BedUpdated event
type UpdatedData struct {
	BedID       uuid.UUID  `json:"bed_id"`
	BedNumber   string     `json:"bed_number"`
	Ward        string     `json:"ward"`
	Status      Status     `json:"status"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	AdmissionID *uuid.UUID `json:"admission_id,omitempty"`
}

// Registry owns bed occupancy transitions
type Registry struct {
	repo   Repository
	tx     txn.Runner
	events event.Sink
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewRegistry creates a bed registry
func NewRegistry(repo Repository, tx txn.Runner, events event.Sink, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repo:   repo,
		tx:     tx,
		events: events,
		logger: logger,
		tracer: otel.Tracer("bed-registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Create registers a new bed. New beds start available unless a
// non-occupied status is given.
func (r *Registry) Create(ctx context.Context, b *Bed) error {
	if b.Number == "" {
		return fault.InvalidState("create bed", "bed number is required")
	}
	if b.PricePerDay.IsNegative() {
		return fault.InvalidState("create bed", "price per day must not be negative")
	}
	if b.Status == "" {
		b.Status = StatusAvailable
	}
	if !b.Status.Valid() {
		return fault.InvalidState("create bed", "invalid bed status: %s", b.Status)
	}
	if b.Status == StatusOccupied {
		return fault.InvalidState("create bed", "a bed cannot be created occupied")
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := r.now()
	b.CreatedAt, b.UpdatedAt = now, now

	return r.tx.InTx(ctx, func(ctx context.Context) error {
		if err := r.repo.Create(ctx, b); err != nil {
			return err
		}
		return r.emit(ctx, b)
	})
}

// Get returns a bed by id
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return r.repo.Get(ctx, id)
}

// List returns beds matching f
func (r *Registry) List(ctx context.Context, f Filter) ([]*Bed, error) {
	return r.repo.List(ctx, f)
}

// AllocateOption tunes allocation
type AllocateOption func(*allocateOptions)

type allocateOptions struct {
	allowReserved bool
}

// AllowReserved lets an assignment flow take a reserved bed
func AllowReserved() AllocateOption {
	return func(o *allocateOptions) { o.allowReserved = true }
}

// Allocate binds a bed to an admission. Only an available bed (or a
// reserved one, with AllowReserved) can be allocated.
func (r *Registry) Allocate(ctx context.Context, bedID, admissionID, patientID uuid.UUID, opts ...AllocateOption) (*Bed, error) {
	ctx, span := r.tracer.Start(ctx, "bed_allocate",
		trace.WithAttributes(attribute.String("bed_id", bedID.String())))
	defer span.End()

	var o allocateOptions
	for _, opt := range opts {
		opt(&o)
	}
	from := []Status{StatusAvailable}
	if o.allowReserved {
		from = append(from, StatusReserved)
	}

	var out *Bed
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		b, ok, err := r.repo.Occupy(ctx, bedID, from, patientID, admissionID, r.now())
		if err != nil {
			return err
		}
		if !ok {
			current, err := r.repo.Get(ctx, bedID)
			if err != nil {
				return err
			}
			return fault.Unavailable("allocate bed", "bed %s is %s", current.Number, current.Status)
		}
		out = b
		return r.emit(ctx, b)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, fault.ErrResourceUnavailable) {
			r.logger.Info("bed allocation rejected",
				zap.String("bed_id", bedID.String()),
				zap.String("admission_id", admissionID.String()),
				zap.Error(err))
		}
		return nil, err
	}
	return out, nil
}

// Release vacates a bed into cleaning
func (r *Registry) Release(ctx context.Context, bedID, admissionID uuid.UUID) (*Bed, error) {
	return r.ReleaseTo(ctx, bedID, admissionID, StatusCleaning)
}

// ReleaseTo vacates a bed held by admissionID into the given status
func (r *Registry) ReleaseTo(ctx context.Context, bedID, admissionID uuid.UUID, to Status) (*Bed, error) {
	if to == StatusOccupied || !to.Valid() {
		return nil, fault.InvalidState("release bed", "cannot release into status %s", to)
	}
	var out *Bed
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		b, ok, err := r.repo.Vacate(ctx, bedID, admissionID, to, r.now())
		if err != nil {
			return err
		}
		if !ok {
			if _, err := r.repo.Get(ctx, bedID); err != nil {
				return err
			}
			return fault.InvalidState("release bed", "bed %s is not held by admission %s", bedID, admissionID)
		}
		out = b
		return r.emit(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeStatus performs an administrative transition such as
// cleaning -> available. It never touches an occupied bed.
func (r *Registry) ChangeStatus(ctx context.Context, bedID uuid.UUID, to Status) (*Bed, error) {
	if !to.Valid() {
		return nil, fault.InvalidState("change bed status", "invalid bed status: %s", to)
	}
	if to == StatusOccupied {
		return nil, fault.InvalidState("change bed status", "occupancy is set by admission, not by status change")
	}

	var out *Bed
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := r.repo.Get(ctx, bedID)
		if err != nil {
			return err
		}
		if current.Occupied() || current.Status == StatusOccupied {
			return fault.InvalidState("change bed status", "bed %s is occupied by an admission", current.Number)
		}
		if current.Status == to {
			out = current
			return nil
		}
		b, ok, err := r.repo.SetStatus(ctx, bedID, current.Status, to, r.now())
		if err != nil {
			return err
		}
		if !ok {
			return fault.Unavailable("change bed status", "bed %s changed concurrently", current.Number)
		}
		out = b
		return r.emit(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("bed status changed",
		zap.String("bed_id", bedID.String()),
		zap.String("status", string(out.Status)))
	return out, nil
}

func (r *Registry) emit(ctx context.Context, b *Bed) error {
	data := &UpdatedData{
		BedID:       b.ID,
		BedNumber:   b.Number,
		Ward:        b.Ward,
		Status:      b.Status,
		PatientID:   b.CurrentPatientID,
		AdmissionID: b.CurrentAdmissionID,
	}
	var patientID uuid.UUID
	if b.CurrentPatientID != nil {
		patientID = *b.CurrentPatientID
	}
	return event.Emit(ctx, r.events, event.AggregateBed, b.ID, patientID, event.BedUpdated, data)
}
