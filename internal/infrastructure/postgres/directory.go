package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-ipd/internal/domain/fault"
)

// Directory answers reference checks against the patient, doctor and
// admission tables
type Directory struct {
	db *DB
}

// NewDirectory creates a directory
func NewDirectory(db *DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) exists(ctx context.Context, table string, id uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}
	return ok, nil
}

// PatientExists reports whether the patient is registered
func (d *Directory) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return d.exists(ctx, "patients", id)
}

// DoctorExists reports whether the doctor is registered
func (d *Directory) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return d.exists(ctx, "doctors", id)
}

// AdmissionPatient returns the patient an admission belongs to
func (d *Directory) AdmissionPatient(ctx context.Context, admissionID uuid.UUID) (uuid.UUID, error) {
	var patientID uuid.UUID
	err := d.db.conn(ctx).QueryRow(ctx, `SELECT patient_id FROM admissions WHERE id = $1`, admissionID).Scan(&patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fault.NotFound("admission patient", "admission %s not found", admissionID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query admission patient: %w", err)
	}
	return patientID, nil
}

// RegisterPatient registers a patient; an existing id is left unchanged
func (d *Directory) RegisterPatient(ctx context.Context, id uuid.UUID, mrn, name string) error {
	_, err := d.db.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, mrn, full_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, id, nullString(mrn), name)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// RegisterDoctor registers a doctor; an existing id is left unchanged
func (d *Directory) RegisterDoctor(ctx context.Context, id uuid.UUID, name string) error {
	_, err := d.db.conn(ctx).Exec(ctx, `
		INSERT INTO doctors (id, full_name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, id, name)
	if err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}
