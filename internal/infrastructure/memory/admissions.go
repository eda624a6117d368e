package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

type admissionRepo struct {
	s *Store
}

func (r *admissionRepo) Create(ctx context.Context, a *admission.Admission) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.admissions[a.ID]; ok {
			return fault.InvalidState("create admission", "admission %s already exists", a.ID)
		}
		if a.Status.Active() {
			for _, other := range st.admissions {
				if other.PatientID == a.PatientID && other.Status.Active() {
					return fault.InvalidState("create admission", "patient %s already has an active admission", a.PatientID)
				}
			}
		}
		st.admissions[a.ID] = cloneAdmission(a)
		return nil
	})
}

func (r *admissionRepo) Get(ctx context.Context, id uuid.UUID) (*admission.Admission, error) {
	var out *admission.Admission
	err := r.s.view(ctx, func(st *state) error {
		a, ok := st.admissions[id]
		if !ok {
			return fault.NotFound("get admission", "admission %s not found", id)
		}
		out = cloneAdmission(a)
		return nil
	})
	return out, err
}

// GetForUpdate is Get; the transaction already holds the store lock.
func (r *admissionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*admission.Admission, error) {
	return r.Get(ctx, id)
}

func (r *admissionRepo) ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*admission.Admission, error) {
	var out *admission.Admission
	err := r.s.view(ctx, func(st *state) error {
		for _, a := range st.admissions {
			if a.PatientID == patientID && a.Status.Active() {
				out = cloneAdmission(a)
				return nil
			}
		}
		return fault.NotFound("active admission", "patient %s has no active admission", patientID)
	})
	return out, err
}

func (r *admissionRepo) Update(ctx context.Context, a *admission.Admission) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.admissions[a.ID]; !ok {
			return fault.NotFound("update admission", "admission %s not found", a.ID)
		}
		st.admissions[a.ID] = cloneAdmission(a)
		return nil
	})
}
