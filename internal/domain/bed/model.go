// Package bed implements the bed registry: the authoritative record of
// physical beds and their occupancy.
package bed

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents bed status
type Status string

const (
	StatusAvailable    Status = "available"
	StatusOccupied     Status = "occupied"
	StatusCleaning     Status = "cleaning"
	StatusReserved     Status = "reserved"
	StatusMaintenance  Status = "maintenance"
	StatusOutOfService Status = "out_of_service"
)

var validStatuses = map[Status]bool{
	StatusAvailable:    true,
	StatusOccupied:     true,
	StatusCleaning:     true,
	StatusReserved:     true,
	StatusMaintenance:  true,
	StatusOutOfService: true,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool { return validStatuses[s] }

// Bed is a physical bed
type Bed struct {
	ID                 uuid.UUID       `json:"id"`
	Number             string          `json:"bed_number"`
	Ward               string          `json:"ward"`
	Floor              string          `json:"floor"`
	Room               string          `json:"room"`
	Type               string          `json:"bed_type"`
	PricePerDay        decimal.Decimal `json:"price_per_day"`
	Status             Status          `json:"status"`
	CurrentPatientID   *uuid.UUID      `json:"current_patient_id,omitempty"`
	CurrentAdmissionID *uuid.UUID      `json:"current_admission_id,omitempty"`
	LastOccupied       *time.Time      `json:"last_occupied,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Occupied reports whether an admission is bound to the bed
func (b *Bed) Occupied() bool {
	return b.CurrentAdmissionID != nil
}

// Consistent checks status = occupied iff an admission is bound
func (b *Bed) Consistent() bool {
	return (b.Status == StatusOccupied) == b.Occupied()
}

// Filter narrows bed listings
type Filter struct {
	Status Status
	Ward   string
}
