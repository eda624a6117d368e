package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-ipd/internal/domain/fault"
)

func TestDayCount(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{"same instant", 0, 1},
		{"one minute", time.Minute, 1},
		{"exactly one day", 24 * time.Hour, 1},
		{"twenty five hours", 25 * time.Hour, 2},
		{"one day and one millisecond", 24*time.Hour + time.Millisecond, 2},
		{"three days", 72 * time.Hour, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DayCount(t0, t0.Add(tt.elapsed)))
		})
	}
}

func TestDayCountClockSkew(t *testing.T) {
	assert.Equal(t, int64(1), DayCount(t0, t0.Add(-time.Hour)))
}

func TestNewEntryComputesAmount(t *testing.T) {
	e, err := NewEntry(LedgerEntry{
		PatientID:  uuid.New(),
		SourceType: SourcePharmacy,
		SourceID:   "rx-1",
		Quantity:   decimal.NewFromInt(3),
		UnitPrice:  d("12.335"),
	}, t0)
	require.NoError(t, err)

	assert.True(t, e.Amount.Equal(d("37.01")))
	assert.Equal(t, string(SourcePharmacy), e.Category)
	assert.False(t, e.Billed)
	assert.NotEqual(t, uuid.Nil, e.ID)
}

func TestNewEntrySuppliedAmountWins(t *testing.T) {
	e, err := NewEntry(LedgerEntry{
		PatientID:  uuid.New(),
		SourceType: SourceManual,
		Quantity:   decimal.NewFromInt(2),
		UnitPrice:  d("100"),
		Amount:     d("150"),
	}, t0)
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(d("150")))
}

func TestNewEntryValidation(t *testing.T) {
	patient := uuid.New()
	tests := []struct {
		name  string
		entry LedgerEntry
		kind  error
	}{
		{"missing patient", LedgerEntry{SourceType: SourceManual, Amount: d("1")}, fault.ErrInvalidState},
		{"unknown source", LedgerEntry{PatientID: patient, SourceType: "bogus", Amount: d("1")}, fault.ErrInvalidState},
		{"missing source id", LedgerEntry{PatientID: patient, SourceType: SourceLab, Amount: d("1")}, fault.ErrInvalidState},
		{"no amount", LedgerEntry{PatientID: patient, SourceType: SourceManual}, fault.ErrAmountViolation},
		{"negative amount", LedgerEntry{PatientID: patient, SourceType: SourceManual, Amount: d("-1")}, fault.ErrAmountViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntry(tt.entry, t0)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}
