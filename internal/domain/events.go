package domain

import "fmt"

// Routing keys on the kitchen topic exchange.
const (
	RouteReservationRequested = "reservation.requested"
	RoutePurchaseRequested    = "purchase.requested"
	RoutePurchaseCompleted    = "purchase.completed"
	RoutePurchaseFailed       = "purchase.failed"
	RouteReserved             = "reservation.reserved"
)

// ReservationRequested asks the engine to reserve ingredients for a plate.
type ReservationRequested struct {
	MessageID string         `json:"messageId"`
	PlateID   string         `json:"plateId"`
	Items     []ItemQuantity `json:"items"`
}

func (e ReservationRequested) Validate() error {
	if e.MessageID == "" || e.PlateID == "" {
		return fmt.Errorf("%w: missing messageId or plateId", ErrInvalidEvent)
	}
	if len(e.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidEvent)
	}
	for _, it := range e.Items {
		if it.Ingredient == "" || it.Qty <= 0 {
			return fmt.Errorf("%w: item %q qty %d", ErrInvalidEvent, it.Ingredient, it.Qty)
		}
	}
	return nil
}

// PurchaseRequested carries the open shortages of a plate to the market
// adapter.
type PurchaseRequested struct {
	MessageID string     `json:"messageId"`
	PlateID   string     `json:"plateId"`
	Shortages []Shortage `json:"shortages"`
}

func (e PurchaseRequested) Validate() error {
	if e.MessageID == "" || e.PlateID == "" {
		return fmt.Errorf("%w: missing messageId or plateId", ErrInvalidEvent)
	}
	if len(e.Shortages) == 0 {
		return fmt.Errorf("%w: no shortages", ErrInvalidEvent)
	}
	for _, s := range e.Shortages {
		if s.Ingredient == "" || s.Missing <= 0 {
			return fmt.Errorf("%w: shortage %q missing %d", ErrInvalidEvent, s.Ingredient, s.Missing)
		}
	}
	return nil
}

// PurchaseCompleted reports fully resolved shortages with aggregated
// quantities bought per ingredient.
type PurchaseCompleted struct {
	MessageID string         `json:"messageId"`
	PlateID   string         `json:"plateId"`
	Purchased []ItemQuantity `json:"purchased"`
}

func (e PurchaseCompleted) Validate() error {
	if e.MessageID == "" || e.PlateID == "" {
		return fmt.Errorf("%w: missing messageId or plateId", ErrInvalidEvent)
	}
	for _, it := range e.Purchased {
		if it.Ingredient == "" || it.Qty < 0 {
			return fmt.Errorf("%w: purchased %q qty %d", ErrInvalidEvent, it.Ingredient, it.Qty)
		}
	}
	return nil
}

// PurchaseFailed reports one ingredient whose purchase attempts were
// exhausted with quantity still missing.
type PurchaseFailed struct {
	MessageID  string `json:"messageId"`
	PlateID    string `json:"plateId"`
	Ingredient string `json:"ingredient"`
	Remaining  int    `json:"remaining"`
}

func (e PurchaseFailed) Validate() error {
	if e.MessageID == "" || e.PlateID == "" {
		return fmt.Errorf("%w: missing messageId or plateId", ErrInvalidEvent)
	}
	return nil
}

// Reserved announces that every item of a plate is fully allocated.
type Reserved struct {
	MessageID string         `json:"messageId"`
	PlateID   string         `json:"plateId"`
	Items     []ItemQuantity `json:"items"`
}
