package bed

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists beds. The conditional methods are single
// compare-and-set updates; they report ok=false when the precondition did
// not hold and never overwrite an existing occupant.
type Repository interface {
	Create(ctx context.Context, b *Bed) error
	Get(ctx context.Context, id uuid.UUID) (*Bed, error)
	List(ctx context.Context, f Filter) ([]*Bed, error)

	// Occupy binds patient and admission iff the bed status is one of from.
	Occupy(ctx context.Context, id uuid.UUID, from []Status, patientID, admissionID uuid.UUID, at time.Time) (*Bed, bool, error)
	// Vacate clears the bindings and sets status to iff admissionID occupies the bed.
	Vacate(ctx context.Context, id, admissionID uuid.UUID, to Status, at time.Time) (*Bed, bool, error)
	// SetStatus moves from -> to iff the bed is in from and has no admission bound.
	SetStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) (*Bed, bool, error)
}
