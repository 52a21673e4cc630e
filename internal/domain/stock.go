package domain

import "time"

// Stock is the shared quantity of one ingredient. Invariant: Qty >= 0.
// Mutated only under a row lock held by the reservation engine.
type Stock struct {
	Ingredient string
	Qty        int
}

// PurchaseAttempt is one audit row per market call, successful or not.
type PurchaseAttempt struct {
	ID           string
	PlateID      string
	Ingredient   string
	QtyRequested int
	QuantitySold int
	CreatedAt    time.Time
}

// Shortage is the quantity of an ingredient still needed after allocating
// available stock.
type Shortage struct {
	Ingredient string `json:"ingredient"`
	Missing    int    `json:"missing"`
}

// ItemQuantity pairs an ingredient with a quantity in event payloads.
type ItemQuantity struct {
	Ingredient string `json:"ingredient"`
	Qty        int    `json:"qty"`
}
