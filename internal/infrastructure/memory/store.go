// Package memory provides an in-memory transactional store for the
// admission and billing repositories. A transaction holds the store lock
// and works on the live state; a failed transaction restores the snapshot
// taken when it began.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/event"
	"github.com/drfirst/go-ipd/internal/domain/fault"
)

type txKey struct{}

type state struct {
	beds       map[uuid.UUID]bed.Bed
	bedNumbers map[string]uuid.UUID
	admissions map[uuid.UUID]*admission.Admission
	entries    map[uuid.UUID]billing.LedgerEntry
	sources    map[string]uuid.UUID
	invoices   map[uuid.UUID]*billing.Invoice
	patients   map[uuid.UUID]bool
	doctors    map[uuid.UUID]bool
	events     []*event.Event
	invoiceSeq int64
}

func newState() *state {
	return &state{
		beds:       make(map[uuid.UUID]bed.Bed),
		bedNumbers: make(map[string]uuid.UUID),
		admissions: make(map[uuid.UUID]*admission.Admission),
		entries:    make(map[uuid.UUID]billing.LedgerEntry),
		sources:    make(map[string]uuid.UUID),
		invoices:   make(map[uuid.UUID]*billing.Invoice),
		patients:   make(map[uuid.UUID]bool),
		doctors:    make(map[uuid.UUID]bool),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.beds {
		c.beds[k] = v
	}
	for k, v := range s.bedNumbers {
		c.bedNumbers[k] = v
	}
	for k, v := range s.admissions {
		c.admissions[k] = cloneAdmission(v)
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.sources {
		c.sources[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = cloneInvoice(v)
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	c.events = append([]*event.Event(nil), s.events...)
	c.invoiceSeq = s.invoiceSeq
	return c
}

// Store is the in-memory implementation of every repository, the
// directories, the transaction runner and the event sink.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty store
func New() *Store {
	return &Store{state: newState()}
}

// InTx runs fn atomically. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// view runs fn against the state, taking the lock unless ctx is already
// inside a transaction.
func (s *Store) view(ctx context.Context, fn func(st *state) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(s.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

// AddPatient registers a patient with the directory
func (s *Store) AddPatient(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.patients[id] = true
}

// AddDoctor registers a doctor with the directory
func (s *Store) AddDoctor(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.doctors[id] = true
}

// RegisterPatient registers a patient; the memory directory keeps only the id
func (s *Store) RegisterPatient(ctx context.Context, id uuid.UUID, mrn, name string) error {
	return s.view(ctx, func(st *state) error {
		st.patients[id] = true
		return nil
	})
}

// RegisterDoctor registers a doctor; the memory directory keeps only the id
func (s *Store) RegisterDoctor(ctx context.Context, id uuid.UUID, name string) error {
	return s.view(ctx, func(st *state) error {
		st.doctors[id] = true
		return nil
	})
}

// PatientExists implements the patient directory lookup
func (s *Store) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.view(ctx, func(st *state) error {
		ok = st.patients[id]
		return nil
	})
	return ok, err
}

// DoctorExists implements the doctor directory lookup
func (s *Store) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.view(ctx, func(st *state) error {
		ok = st.doctors[id]
		return nil
	})
	return ok, err
}

// AdmissionPatient returns the patient an admission belongs to
func (s *Store) AdmissionPatient(ctx context.Context, admissionID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.view(ctx, func(st *state) error {
		a, ok := st.admissions[admissionID]
		if !ok {
			return fault.NotFound("lookup admission", "admission %s not found", admissionID)
		}
		id = a.PatientID
		return nil
	})
	return id, err
}

// Append records an event. It is discarded if the transaction rolls back.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	return s.view(ctx, func(st *state) error {
		st.events = append(st.events, e)
		return nil
	})
}

// Events returns the committed events in order
func (s *Store) Events() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.state.events...)
}

// EventsOfType returns committed events of one type
func (s *Store) EventsOfType(t event.Type) []*event.Event {
	var out []*event.Event
	for _, e := range s.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Beds returns the bed repository
func (s *Store) Beds() bed.Repository { return &bedRepo{s: s} }

// Admissions returns the admission repository
func (s *Store) Admissions() admission.Repository { return &admissionRepo{s: s} }

// Ledger returns the ledger repository
func (s *Store) Ledger() billing.LedgerRepository { return &ledgerRepo{s: s} }

// Invoices returns the invoice repository
func (s *Store) Invoices() billing.InvoiceRepository { return &invoiceRepo{s: s} }

func sourceKey(t billing.SourceType, id string) string {
	return fmt.Sprintf("%s/%s", t, id)
}

func invoiceNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("INV-%d-%06d", at.Year(), seq)
}

func cloneAdmission(a *admission.Admission) *admission.Admission {
	c := *a
	c.Allocations = append([]admission.BedAllocation{}, a.Allocations...)
	c.Transfers = append([]admission.TransferEvent{}, a.Transfers...)
	return &c
}

func cloneInvoice(inv *billing.Invoice) *billing.Invoice {
	c := *inv
	c.Items = append([]billing.LineItem{}, inv.Items...)
	c.Payments = append([]billing.Payment{}, inv.Payments...)
	return &c
}
