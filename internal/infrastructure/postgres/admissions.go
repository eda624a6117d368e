package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

const admissionColumns = `id, admission_number, patient_id, bed_id, admitting_doctor_id,
	attending_doctor_id, discharging_doctor_id, admission_type, status, diagnosis,
	referring_facility, admission_date, actual_discharge_date, discharge_reason,
	discharge_notes, created_at, updated_at`

// AdmissionRepository implements admission.Repository
type AdmissionRepository struct {
	db *DB
}

// NewAdmissionRepository creates an admission repository
func NewAdmissionRepository(db *DB) *AdmissionRepository {
	return &AdmissionRepository{db: db}
}

// Create inserts the admission with its allocations. The partial unique
// index on (patient_id) WHERE status = 'ADMITTED' rejects a second active
// admission even under concurrent admits.
func (r *AdmissionRepository) Create(ctx context.Context, a *admission.Admission) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		_, err := r.db.conn(ctx).Exec(ctx, `
			INSERT INTO admissions (`+admissionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			a.ID, a.Number, a.PatientID, a.BedID, a.AdmittingDoctorID,
			a.AttendingDoctorID, a.DischargingDoctorID, string(a.Type), string(a.Status), a.Diagnosis,
			a.ReferringFacility, a.AdmissionDate, a.ActualDischargeDate, a.DischargeReason,
			a.DischargeNotes, a.CreatedAt, a.UpdatedAt)
		if isUniqueViolation(err, "admissions_one_active_per_patient") {
			return fault.InvalidState("create admission", "patient %s already has an active admission", a.PatientID)
		}
		if err != nil {
			return fmt.Errorf("insert admission: %w", err)
		}
		return r.writeChildren(ctx, a)
	})
}

// Update writes the header, upserts allocations and appends new transfers
func (r *AdmissionRepository) Update(ctx context.Context, a *admission.Admission) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		tag, err := r.db.conn(ctx).Exec(ctx, `
			UPDATE admissions
			SET bed_id = $2, attending_doctor_id = $3, discharging_doctor_id = $4, status = $5,
				diagnosis = $6, actual_discharge_date = $7, discharge_reason = $8,
				discharge_notes = $9, updated_at = $10
			WHERE id = $1`,
			a.ID, a.BedID, a.AttendingDoctorID, a.DischargingDoctorID, string(a.Status),
			a.Diagnosis, a.ActualDischargeDate, a.DischargeReason, a.DischargeNotes, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update admission: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fault.NotFound("update admission", "admission %s not found", a.ID)
		}
		return r.writeChildren(ctx, a)
	})
}

func (r *AdmissionRepository) writeChildren(ctx context.Context, a *admission.Admission) error {
	batch := &pgx.Batch{}
	for i, al := range a.Allocations {
		batch.Queue(`
			INSERT INTO bed_allocations (id, admission_id, seq, bed_id, bed_number, price_per_day,
				allocated_from, allocated_to, status, days, charge)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE
			SET allocated_to = EXCLUDED.allocated_to, status = EXCLUDED.status,
				days = EXCLUDED.days, charge = EXCLUDED.charge`,
			al.ID, a.ID, i, al.BedID, al.BedNumber, al.PricePerDay,
			al.AllocatedFrom, al.AllocatedTo, string(al.Status), al.Days, al.Charge)
	}
	for _, t := range a.Transfers {
		batch.Queue(`
			INSERT INTO admission_transfers (id, admission_id, from_bed_id, to_bed_id, reason,
				transferred_by, transferred_at, days, charge)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, a.ID, t.FromBedID, t.ToBedID, t.Reason, t.TransferredBy, t.TransferredAt, t.Days, t.Charge)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx := TxFromContext(ctx)
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("write admission children: %w", err)
		}
	}
	return results.Close()
}

// Get loads an admission
func (r *AdmissionRepository) Get(ctx context.Context, id uuid.UUID) (*admission.Admission, error) {
	return r.load(ctx, `SELECT `+admissionColumns+` FROM admissions WHERE id = $1`, id)
}

// GetForUpdate loads and row-locks an admission
func (r *AdmissionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*admission.Admission, error) {
	return r.load(ctx, `SELECT `+admissionColumns+` FROM admissions WHERE id = $1 FOR UPDATE`, id)
}

// ActiveForPatient returns the patient's ADMITTED admission
func (r *AdmissionRepository) ActiveForPatient(ctx context.Context, patientID uuid.UUID) (*admission.Admission, error) {
	a, err := r.load(ctx, `
		SELECT `+admissionColumns+` FROM admissions
		WHERE patient_id = $1 AND status = 'ADMITTED'`, patientID)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fault.NotFound("active admission", "patient %s has no active admission", patientID)
	}
	return a, err
}

func (r *AdmissionRepository) load(ctx context.Context, sql string, arg uuid.UUID) (*admission.Admission, error) {
	q := r.db.conn(ctx)

	var a admission.Admission
	var typ, status string
	err := q.QueryRow(ctx, sql, arg).Scan(&a.ID, &a.Number, &a.PatientID, &a.BedID, &a.AdmittingDoctorID,
		&a.AttendingDoctorID, &a.DischargingDoctorID, &typ, &status, &a.Diagnosis,
		&a.ReferringFacility, &a.AdmissionDate, &a.ActualDischargeDate, &a.DischargeReason,
		&a.DischargeNotes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("get admission", "admission %s not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("query admission: %w", err)
	}
	a.Type = admission.Type(typ)
	a.Status = admission.Status(status)

	rows, err := q.Query(ctx, `
		SELECT id, bed_id, bed_number, price_per_day, allocated_from, allocated_to, status, days, charge
		FROM bed_allocations WHERE admission_id = $1 ORDER BY seq`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	a.Allocations, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (admission.BedAllocation, error) {
		var al admission.BedAllocation
		var st string
		err := row.Scan(&al.ID, &al.BedID, &al.BedNumber, &al.PricePerDay, &al.AllocatedFrom,
			&al.AllocatedTo, &st, &al.Days, &al.Charge)
		al.Status = admission.AllocationStatus(st)
		return al, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan allocations: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, from_bed_id, to_bed_id, reason, transferred_by, transferred_at, days, charge
		FROM admission_transfers WHERE admission_id = $1 ORDER BY transferred_at, id`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	a.Transfers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (admission.TransferEvent, error) {
		var t admission.TransferEvent
		err := row.Scan(&t.ID, &t.FromBedID, &t.ToBedID, &t.Reason, &t.TransferredBy,
			&t.TransferredAt, &t.Days, &t.Charge)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transfers: %w", err)
	}
	return &a, nil
}
