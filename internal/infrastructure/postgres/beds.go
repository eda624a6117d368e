package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

const bedColumns = `id, bed_number, ward, floor, room, bed_type, price_per_day, status,
	current_patient_id, current_admission_id, last_occupied, created_at, updated_at`

// BedRepository implements bed.Repository. Occupancy changes are single
// conditional UPDATEs so two callers can never both bind the same bed.
type BedRepository struct {
	db *DB
}

// NewBedRepository creates a bed repository
func NewBedRepository(db *DB) *BedRepository {
	return &BedRepository{db: db}
}

func scanBed(row pgx.Row) (*bed.Bed, error) {
	var b bed.Bed
	var status string
	err := row.Scan(&b.ID, &b.Number, &b.Ward, &b.Floor, &b.Room, &b.Type, &b.PricePerDay, &status,
		&b.CurrentPatientID, &b.CurrentAdmissionID, &b.LastOccupied, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = bed.Status(status)
	return &b, nil
}

// Create inserts a bed
func (r *BedRepository) Create(ctx context.Context, b *bed.Bed) error {
	_, err := r.db.conn(ctx).Exec(ctx, `
		INSERT INTO beds (id, bed_number, ward, floor, room, bed_type, price_per_day, status,
			current_patient_id, current_admission_id, last_occupied, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.Number, b.Ward, b.Floor, b.Room, b.Type, b.PricePerDay, string(b.Status),
		b.CurrentPatientID, b.CurrentAdmissionID, b.LastOccupied, b.CreatedAt, b.UpdatedAt)
	if isUniqueViolation(err, "beds_number_key") {
		return fault.InvalidState("create bed", "bed number %s already exists", b.Number)
	}
	if err != nil {
		return fmt.Errorf("insert bed: %w", err)
	}
	return nil
}

// Get loads a bed
func (r *BedRepository) Get(ctx context.Context, id uuid.UUID) (*bed.Bed, error) {
	b, err := scanBed(r.db.conn(ctx).QueryRow(ctx, `SELECT `+bedColumns+` FROM beds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("get bed", "bed %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query bed: %w", err)
	}
	return b, nil
}

// List returns beds ordered by number
func (r *BedRepository) List(ctx context.Context, f bed.Filter) ([]*bed.Bed, error) {
	rows, err := r.db.conn(ctx).Query(ctx, `
		SELECT `+bedColumns+` FROM beds
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR ward = $2)
		ORDER BY bed_number`, string(f.Status), f.Ward)
	if err != nil {
		return nil, fmt.Errorf("query beds: %w", err)
	}
	defer rows.Close()

	var out []*bed.Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bed: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func statusStrings(in []bed.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// conditional runs an UPDATE ... RETURNING and maps no rows to ok=false
func (r *BedRepository) conditional(ctx context.Context, sql string, args ...interface{}) (*bed.Bed, bool, error) {
	b, err := scanBed(r.db.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("update bed: %w", err)
	}
	return b, true, nil
}

// Occupy binds the bed iff it is in one of from and unoccupied
func (r *BedRepository) Occupy(ctx context.Context, id uuid.UUID, from []bed.Status, patientID, admissionID uuid.UUID, at time.Time) (*bed.Bed, bool, error) {
	return r.conditional(ctx, `
		UPDATE beds
		SET status = 'occupied', current_patient_id = $2, current_admission_id = $3,
			last_occupied = $4, updated_at = $4
		WHERE id = $1 AND status = ANY($5) AND current_admission_id IS NULL
		RETURNING `+bedColumns, id, patientID, admissionID, at, statusStrings(from))
}

// Vacate clears the bed iff admissionID occupies it
func (r *BedRepository) Vacate(ctx context.Context, id, admissionID uuid.UUID, to bed.Status, at time.Time) (*bed.Bed, bool, error) {
	return r.conditional(ctx, `
		UPDATE beds
		SET status = $3, current_patient_id = NULL, current_admission_id = NULL, updated_at = $4
		WHERE id = $1 AND current_admission_id = $2
		RETURNING `+bedColumns, id, admissionID, string(to), at)
}

// SetStatus moves an unoccupied bed from -> to
func (r *BedRepository) SetStatus(ctx context.Context, id uuid.UUID, from, to bed.Status, at time.Time) (*bed.Bed, bool, error) {
	return r.conditional(ctx, `
		UPDATE beds SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2 AND current_admission_id IS NULL
		RETURNING `+bedColumns, id, string(from), string(to), at)
}
