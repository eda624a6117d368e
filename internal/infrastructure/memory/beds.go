package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

type bedRepo struct {
	s *Store
}

func (r *bedRepo) Create(ctx context.Context, b *bed.Bed) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.bedNumbers[b.Number]; ok {
			return fault.InvalidState("create bed", "bed number %s already exists", b.Number)
		}
		st.beds[b.ID] = *b
		st.bedNumbers[b.Number] = b.ID
		return nil
	})
}

func (r *bedRepo) Get(ctx context.Context, id uuid.UUID) (*bed.Bed, error) {
	var out bed.Bed
	err := r.s.view(ctx, func(st *state) error {
		b, ok := st.beds[id]
		if !ok {
			return fault.NotFound("get bed", "bed %s not found", id)
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *bedRepo) List(ctx context.Context, f bed.Filter) ([]*bed.Bed, error) {
	var out []*bed.Bed
	err := r.s.view(ctx, func(st *state) error {
		for _, b := range st.beds {
			if f.Status != "" && b.Status != f.Status {
				continue
			}
			if f.Ward != "" && b.Ward != f.Ward {
				continue
			}
			b := b
			out = append(out, &b)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, err
}

func (r *bedRepo) Occupy(ctx context.Context, id uuid.UUID, from []bed.Status, patientID, admissionID uuid.UUID, at time.Time) (*bed.Bed, bool, error) {
	var out *bed.Bed
	err := r.s.view(ctx, func(st *state) error {
		b, ok := st.beds[id]
		if !ok {
			return fault.NotFound("allocate bed", "bed %s not found", id)
		}
		if b.Occupied() || !statusIn(b.Status, from) {
			return nil
		}
		p, a, ts := patientID, admissionID, at
		b.Status = bed.StatusOccupied
		b.CurrentPatientID = &p
		b.CurrentAdmissionID = &a
		b.LastOccupied = &ts
		b.UpdatedAt = at
		st.beds[id] = b
		out = &b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (r *bedRepo) Vacate(ctx context.Context, id, admissionID uuid.UUID, to bed.Status, at time.Time) (*bed.Bed, bool, error) {
	var out *bed.Bed
	err := r.s.view(ctx, func(st *state) error {
		b, ok := st.beds[id]
		if !ok {
			return fault.NotFound("release bed", "bed %s not found", id)
		}
		if b.CurrentAdmissionID == nil || *b.CurrentAdmissionID != admissionID {
			return nil
		}
		b.Status = to
		b.CurrentPatientID = nil
		b.CurrentAdmissionID = nil
		b.UpdatedAt = at
		st.beds[id] = b
		out = &b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (r *bedRepo) SetStatus(ctx context.Context, id uuid.UUID, from, to bed.Status, at time.Time) (*bed.Bed, bool, error) {
	var out *bed.Bed
	err := r.s.view(ctx, func(st *state) error {
		b, ok := st.beds[id]
		if !ok {
			return fault.NotFound("change bed status", "bed %s not found", id)
		}
		if b.Status != from || b.Occupied() {
			return nil
		}
		b.Status = to
		b.UpdatedAt = at
		st.beds[id] = b
		out = &b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func statusIn(s bed.Status, set []bed.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
