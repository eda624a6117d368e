package admission

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists admissions with their allocations and transfers
type Repository interface {
	// Create stores a new admission. It fails with an InvalidState fault
	// when the patient already has an ADMITTED admission.
	Create(ctx context.Context, a *Admission) error
	Get(ctx context.Context, id uuid.UUID) (*Admission, error)
	// GetForUpdate loads and locks the admission for the surrounding
	// transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error)
	// ActiveForPatient returns the patient's ADMITTED admission or a
	// NotFound fault.
	ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*Admission, error)
	// Update writes the header, upserts allocations and appends new
	// transfer events.
	Update(ctx context.Context, a *Admission) error
}

// Directory resolves the patients and doctors an admission references
type Directory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)
}
