package domain

import (
	"errors"
	"testing"
)

func TestReservationRequestedValidate(t *testing.T) {
	valid := ReservationRequested{
		MessageID: "m1",
		PlateID:   "p1",
		Items:     []ItemQuantity{{Ingredient: "cheese", Qty: 2}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]ReservationRequested{
		"missing message id": {PlateID: "p1", Items: valid.Items},
		"missing plate id":   {MessageID: "m1", Items: valid.Items},
		"no items":           {MessageID: "m1", PlateID: "p1"},
		"zero qty":           {MessageID: "m1", PlateID: "p1", Items: []ItemQuantity{{Ingredient: "cheese"}}},
		"blank ingredient":   {MessageID: "m1", PlateID: "p1", Items: []ItemQuantity{{Qty: 1}}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestPurchaseRequestedValidate(t *testing.T) {
	valid := PurchaseRequested{
		MessageID: "m1",
		PlateID:   "p1",
		Shortages: []Shortage{{Ingredient: "cheese", Missing: 3}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]PurchaseRequested{
		"no shortages":     {MessageID: "m1", PlateID: "p1"},
		"zero missing":     {MessageID: "m1", PlateID: "p1", Shortages: []Shortage{{Ingredient: "cheese"}}},
		"blank ingredient": {MessageID: "m1", PlateID: "p1", Shortages: []Shortage{{Missing: 1}}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestPurchaseCompletedValidate(t *testing.T) {
	ev := PurchaseCompleted{MessageID: "m1", PlateID: "p1"}
	if err := ev.Validate(); err != nil {
		t.Fatalf("empty purchased list is allowed: %v", err)
	}

	ev.Purchased = []ItemQuantity{{Ingredient: "cheese", Qty: -1}}
	if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestPurchaseFailedValidate(t *testing.T) {
	ev := PurchaseFailed{MessageID: "m1", PlateID: "p1", Ingredient: "cheese", Remaining: 2}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (PurchaseFailed{PlateID: "p1"}).Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
