package domain

import "errors"

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation already closed")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrNoItems             = errors.New("no items requested")
	ErrInvalidID           = errors.New("invalid id")
	ErrInvalidEvent        = errors.New("invalid event payload")
)
