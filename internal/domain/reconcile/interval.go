// Package reconcile keeps bed intervals and billable events in step with
// the admission's invoice.
package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-ipd/internal/domain/billing"
)

// Interval is one bed allocation of an admission. To is nil while the
// allocation is open.
type Interval struct {
	AllocationID uuid.UUID
	BedID        uuid.UUID
	BedNumber    string
	PricePerDay  decimal.Decimal
	From         time.Time
	To           *time.Time
}

// Closed reports whether the interval has ended
func (iv Interval) Closed() bool { return iv.To != nil }

// Days is the billable day count of a closed interval
func (iv Interval) Days() int64 {
	if iv.To == nil {
		return 0
	}
	return billing.DayCount(iv.From, *iv.To)
}

// Charge is days x price per day
func (iv Interval) Charge() decimal.Decimal {
	return iv.PricePerDay.Mul(decimal.NewFromInt(iv.Days())).Round(2)
}

// SourceID is the bed-charge source key of the interval
func (iv Interval) SourceID() string { return iv.AllocationID.String() }

// SettledItem is the bed-charge line of a closed interval
func (iv Interval) SettledItem() billing.LineItem {
	days := iv.Days()
	return billing.LineItem{
		SourceType:  billing.SourceBedCharge,
		SourceID:    iv.SourceID(),
		Category:    billing.CategoryBedCharges,
		Description: fmt.Sprintf("Bed %s charges (%d day(s))", iv.BedNumber, days),
		Quantity:    decimal.NewFromInt(days),
		UnitPrice:   iv.PricePerDay,
		Amount:      iv.Charge(),
	}
}

// OpeningItem is the line written when a bed is taken at admission: one
// day at the bed price.
func (iv Interval) OpeningItem() billing.LineItem {
	return billing.LineItem{
		SourceType:  billing.SourceBedCharge,
		SourceID:    iv.SourceID(),
		Category:    billing.CategoryBedCharges,
		Description: fmt.Sprintf("Bed %s charges (1 day)", iv.BedNumber),
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   iv.PricePerDay,
		Amount:      iv.PricePerDay.Round(2),
	}
}

// PlaceholderItem is the zero-amount line held for a bed taken on
// transfer until the interval closes.
func (iv Interval) PlaceholderItem() billing.LineItem {
	return billing.LineItem{
		SourceType:  billing.SourceBedCharge,
		SourceID:    iv.SourceID(),
		Category:    billing.CategoryBedCharges,
		Description: fmt.Sprintf("Bed %s charges (open)", iv.BedNumber),
		Quantity:    decimal.Zero,
		UnitPrice:   iv.PricePerDay,
		Amount:      decimal.Zero,
	}
}
