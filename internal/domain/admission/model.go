// Package admission implements the admission state machine: admit,
// transfer and discharge over beds and the admission's invoice.
package admission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-ipd/internal/domain/reconcile"
)

// Status represents admission status
type Status string

const (
	StatusAdmitted   Status = "ADMITTED"
	StatusDischarged Status = "DISCHARGED"
	// StatusTransferred is kept for compatibility with stored records;
	// transfers leave an admission ADMITTED.
	StatusTransferred Status = "TRANSFERRED"
	StatusDeceased    Status = "DECEASED"
)

// Active reports whether the admission is still in progress
func (s Status) Active() bool { return s == StatusAdmitted }

// Type is the admission type
type Type string

const (
	TypeEmergency Type = "emergency"
	TypeElective  Type = "elective"
	TypeTransfer  Type = "transfer"
)

// AllocationStatus is the state of a bed allocation
type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "ALLOCATED"
	AllocationReleased  AllocationStatus = "RELEASED"
)

// BedAllocation is an interval during which a bed is bound to the admission
type BedAllocation struct {
	ID            uuid.UUID        `json:"id"`
	BedID         uuid.UUID        `json:"bed_id"`
	BedNumber     string           `json:"bed_number"`
	PricePerDay   decimal.Decimal  `json:"price_per_day"`
	AllocatedFrom time.Time        `json:"allocated_from"`
	AllocatedTo   *time.Time       `json:"allocated_to,omitempty"`
	Status        AllocationStatus `json:"status"`
	Days          int64            `json:"days,omitempty"`
	Charge        decimal.Decimal  `json:"charge"`
}

// Interval converts the allocation for reconciliation
func (a BedAllocation) Interval() reconcile.Interval {
	return reconcile.Interval{
		AllocationID: a.ID,
		BedID:        a.BedID,
		BedNumber:    a.BedNumber,
		PricePerDay:  a.PricePerDay,
		From:         a.AllocatedFrom,
		To:           a.AllocatedTo,
	}
}

// TransferEvent records one bed change
type TransferEvent struct {
	ID            uuid.UUID       `json:"id"`
	FromBedID     uuid.UUID       `json:"from_bed_id"`
	ToBedID       uuid.UUID       `json:"to_bed_id"`
	Reason        string          `json:"reason"`
	TransferredBy *uuid.UUID      `json:"transferred_by,omitempty"`
	TransferredAt time.Time       `json:"transferred_at"`
	Days          int64           `json:"days"`
	Charge        decimal.Decimal `json:"charge"`
}

// Admission is a patient's continuous episode of inpatient care
type Admission struct {
	ID                  uuid.UUID       `json:"id"`
	Number              string          `json:"admission_number"`
	PatientID           uuid.UUID       `json:"patient_id"`
	BedID               *uuid.UUID      `json:"bed_id,omitempty"`
	AdmittingDoctorID   *uuid.UUID      `json:"admitting_doctor_id,omitempty"`
	AttendingDoctorID   *uuid.UUID      `json:"attending_doctor_id,omitempty"`
	DischargingDoctorID *uuid.UUID      `json:"discharging_doctor_id,omitempty"`
	Type                Type            `json:"admission_type"`
	Status              Status          `json:"status"`
	Diagnosis           string          `json:"diagnosis"`
	ReferringFacility   string          `json:"referring_facility,omitempty"`
	AdmissionDate       time.Time       `json:"admission_date"`
	ActualDischargeDate *time.Time      `json:"actual_discharge_date,omitempty"`
	DischargeReason     string          `json:"discharge_reason,omitempty"`
	DischargeNotes      string          `json:"discharge_notes,omitempty"`
	Allocations         []BedAllocation `json:"bed_allocations"`
	Transfers           []TransferEvent `json:"transfers"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// OpenAllocation returns the allocation still ALLOCATED, if any
func (a *Admission) OpenAllocation() *BedAllocation {
	for i := len(a.Allocations) - 1; i >= 0; i-- {
		if a.Allocations[i].Status == AllocationAllocated {
			return &a.Allocations[i]
		}
	}
	return nil
}

// Intervals returns every allocation as a reconciliation interval
func (a *Admission) Intervals() []reconcile.Interval {
	out := make([]reconcile.Interval, 0, len(a.Allocations))
	for _, al := range a.Allocations {
		out = append(out, al.Interval())
	}
	return out
}

// closeAllocation ends the open allocation at the given time
func (a *Admission) closeAllocation(at time.Time) *BedAllocation {
	open := a.OpenAllocation()
	if open == nil {
		return nil
	}
	if at.Before(open.AllocatedFrom) {
		at = open.AllocatedFrom
	}
	end := at
	open.AllocatedTo = &end
	open.Status = AllocationReleased
	iv := open.Interval()
	open.Days = iv.Days()
	open.Charge = iv.Charge()
	return open
}

// openAllocation appends a new open-ended allocation
func (a *Admission) openAllocation(bedID uuid.UUID, bedNumber string, price decimal.Decimal, at time.Time) *BedAllocation {
	a.Allocations = append(a.Allocations, BedAllocation{
		ID:            uuid.New(),
		BedID:         bedID,
		BedNumber:     bedNumber,
		PricePerDay:   price,
		AllocatedFrom: at,
		Status:        AllocationAllocated,
		Charge:        decimal.Zero,
	})
	id := bedID
	a.BedID = &id
	return &a.Allocations[len(a.Allocations)-1]
}

// Outcome is how an admission ends
type Outcome string

const (
	OutcomeDischarged Outcome = "discharged"
	OutcomeDeceased   Outcome = "deceased"
)

// PatientView is the patient's admission state, derived from the single
// active admission
type PatientView struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	AdmissionStatus string     `json:"admission_status"`
	AdmissionID     *uuid.UUID `json:"current_admission_id,omitempty"`
	AdmissionNumber string     `json:"admission_number,omitempty"`
	BedID           *uuid.UUID `json:"current_bed_id,omitempty"`
	BedNumber       string     `json:"current_bed_number,omitempty"`
	AdmittedAt      *time.Time `json:"admitted_at,omitempty"`
}

// NotAdmitted is the view status of a patient with no active admission
const NotAdmitted = "NOT_ADMITTED"
