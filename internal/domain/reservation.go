package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusPending    ReservationStatus = "pending"
	ReservationStatusPurchasing ReservationStatus = "purchasing"
	ReservationStatusReserved   ReservationStatus = "reserved"
	ReservationStatusFailed     ReservationStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusReserved || s == ReservationStatusFailed
}

// Reservation tracks a plate's fulfillment progress. Mutated only by the
// reservation engine and the reconciler.
type Reservation struct {
	PlateID     string
	Status      ReservationStatus
	CreatedAt   time.Time
	PreparedAt  *time.Time
	RetryCount  int
	LastRetryAt *time.Time
}

// ReservationItem is one ingredient requirement of a plate.
// Invariant: 0 <= Reserved <= Needed.
type ReservationItem struct {
	PlateID    string
	Ingredient string
	Needed     int
	Reserved   int
}

// Missing returns the quantity still to be allocated.
func (i ReservationItem) Missing() int {
	return i.Needed - i.Reserved
}

// Shortages derives the open shortages from a plate's items.
func Shortages(items []ReservationItem) []Shortage {
	var out []Shortage
	for _, it := range items {
		if m := it.Missing(); m > 0 {
			out = append(out, Shortage{Ingredient: it.Ingredient, Missing: m})
		}
	}
	return out
}
