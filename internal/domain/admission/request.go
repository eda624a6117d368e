package admission

import (
	"github.com/google/uuid"

	"github.com/drfirst/go-ipd/internal/domain/fault"
)

// Request is an admission request. Each admission type carries its own
// required fields.
type Request interface {
	AdmissionType() Type
	plan() (admitPlan, error)
}

type admitPlan struct {
	patientID         uuid.UUID
	bedID             *uuid.UUID
	admittingDoctorID *uuid.UUID
	attendingDoctorID *uuid.UUID
	diagnosis         string
	referringFacility string
	allowReserved     bool
}

// EmergencyAdmission admits without requiring a bed or a doctor
type EmergencyAdmission struct {
	PatientID uuid.UUID
	BedID     *uuid.UUID
	DoctorID  *uuid.UUID
	Diagnosis string
}

// AdmissionType returns TypeEmergency
func (EmergencyAdmission) AdmissionType() Type { return TypeEmergency }

func (r EmergencyAdmission) plan() (admitPlan, error) {
	if r.PatientID == uuid.Nil {
		return admitPlan{}, fault.InvalidState("admit", "patient is required")
	}
	return admitPlan{
		patientID:         r.PatientID,
		bedID:             nonNil(r.BedID),
		admittingDoctorID: nonNil(r.DoctorID),
		attendingDoctorID: nonNil(r.DoctorID),
		diagnosis:         r.Diagnosis,
	}, nil
}

// ElectiveAdmission is a planned admission into a chosen bed. A bed
// reserved for the patient may be taken.
type ElectiveAdmission struct {
	PatientID         uuid.UUID
	BedID             uuid.UUID
	AdmittingDoctorID uuid.UUID
	AttendingDoctorID *uuid.UUID
	Diagnosis         string
}

// AdmissionType returns TypeElective
func (ElectiveAdmission) AdmissionType() Type { return TypeElective }

func (r ElectiveAdmission) plan() (admitPlan, error) {
	switch {
	case r.PatientID == uuid.Nil:
		return admitPlan{}, fault.InvalidState("admit", "patient is required")
	case r.BedID == uuid.Nil:
		return admitPlan{}, fault.InvalidState("admit", "elective admission requires a bed")
	case r.AdmittingDoctorID == uuid.Nil:
		return admitPlan{}, fault.InvalidState("admit", "elective admission requires an admitting doctor")
	}
	bedID, doctorID := r.BedID, r.AdmittingDoctorID
	attending := nonNil(r.AttendingDoctorID)
	if attending == nil {
		attending = &doctorID
	}
	return admitPlan{
		patientID:         r.PatientID,
		bedID:             &bedID,
		admittingDoctorID: &doctorID,
		attendingDoctorID: attending,
		diagnosis:         r.Diagnosis,
		allowReserved:     true,
	}, nil
}

// TransferInAdmission admits a patient referred from another facility
type TransferInAdmission struct {
	PatientID         uuid.UUID
	BedID             uuid.UUID
	ReferringFacility string
	AdmittingDoctorID *uuid.UUID
	Diagnosis         string
}

// AdmissionType returns TypeTransfer
func (TransferInAdmission) AdmissionType() Type { return TypeTransfer }

func (r TransferInAdmission) plan() (admitPlan, error) {
	switch {
	case r.PatientID == uuid.Nil:
		return admitPlan{}, fault.InvalidState("admit", "patient is required")
	case r.BedID == uuid.Nil:
		return admitPlan{}, fault.InvalidState("admit", "transfer-in admission requires a bed")
	case r.ReferringFacility == "":
		return admitPlan{}, fault.InvalidState("admit", "transfer-in admission requires the referring facility")
	}
	bedID := r.BedID
	return admitPlan{
		patientID:         r.PatientID,
		bedID:             &bedID,
		admittingDoctorID: nonNil(r.AdmittingDoctorID),
		attendingDoctorID: nonNil(r.AdmittingDoctorID),
		diagnosis:         r.Diagnosis,
		referringFacility: r.ReferringFacility,
		allowReserved:     true,
	}, nil
}

// TransferRequest moves an admission to another bed
type TransferRequest struct {
	NewBedID      uuid.UUID
	Reason        string
	TransferredBy *uuid.UUID
}

// DischargeRequest ends an admission
type DischargeRequest struct {
	DoctorID *uuid.UUID
	Reason   string
	Notes    string
	Outcome  Outcome
}

func nonNil(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	v := *id
	return &v
}
