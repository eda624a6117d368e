// Package event defines the post-commit domain facts emitted by the engine.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of domain event
type Type string

const (
	BedUpdated            Type = "BedUpdated"
	PatientAdmitted       Type = "PatientAdmitted"
	PatientTransferred    Type = "PatientTransferred"
	PatientDischarged     Type = "PatientDischarged"
	LedgerEntryRecorded   Type = "LedgerEntryRecorded"
	LedgerEntriesAttached Type = "LedgerEntriesAttached"
	SourceBilled          Type = "SourceBilled"
	InvoiceFinalized      Type = "InvoiceFinalized"
	PaymentApplied        Type = "PaymentApplied"
	InvoiceCancelled      Type = "InvoiceCancelled"
)

// Aggregate types
const (
	AggregateBed       = "Bed"
	AggregateAdmission = "Admission"
	AggregateLedger    = "LedgerEntry"
	AggregateInvoice   = "Invoice"
)

// Topics events are relayed to
const (
	TopicBedEvents       = "ipd.bed.events"
	TopicAdmissionEvents = "ipd.admission.events"
	TopicBillingEvents   = "ipd.billing.events"
	TopicDeadLetter      = "ipd.dead.letter"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     Type            `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// New creates a new event
func New(aggregateType, aggregateID string, eventType Type, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ForPatient sets the patient the event concerns
func (e *Event) ForPatient(patientID uuid.UUID) *Event {
	e.PatientID = patientID.String()
	return e
}

// Topic returns the topic the event is relayed to
func (e *Event) Topic() string {
	switch e.AggregateType {
	case AggregateBed:
		return TopicBedEvents
	case AggregateAdmission:
		return TopicAdmissionEvents
	default:
		return TopicBillingEvents
	}
}

// Key returns the partition key; events for one aggregate stay ordered
func (e *Event) Key() string {
	return e.AggregateID
}

// Sink receives events inside the caller's transaction. Implementations
// must make the event visible only if that transaction commits.
type Sink interface {
	Append(ctx context.Context, e *Event) error
}

// Emit builds an event and appends it to the sink
func Emit(ctx context.Context, sink Sink, aggregateType string, aggregateID uuid.UUID, patientID uuid.UUID, t Type, data interface{}) error {
	e, err := New(aggregateType, aggregateID.String(), t, data)
	if err != nil {
		return err
	}
	if patientID != uuid.Nil {
		e.ForPatient(patientID)
	}
	return sink.Append(ctx, e)
}
