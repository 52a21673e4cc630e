package app

import (
	"context"
	"time"

	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
)

type ReservationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	UpsertReservation(ctx context.Context, plateID string, now time.Time) error
	UpsertItemNeeded(ctx context.Context, plateID, ingredient string, needed int) error
	GetReservationForUpdate(ctx context.Context, plateID string) (domain.Reservation, error)
	GetItems(ctx context.Context, plateID string) ([]domain.ReservationItem, error)
	GetStockForUpdate(ctx context.Context, ingredient string) (domain.Stock, error)
	SetStockQty(ctx context.Context, ingredient string, qty int) error
	SetItemReserved(ctx context.Context, plateID, ingredient string, reserved int) error
	UpdateStatus(ctx context.Context, plateID string, status domain.ReservationStatus) error
}

// ReservationService owns the reservation state machine. Every public method
// runs its mutations in a single transaction; events are published by the
// caller after the transaction commits.
type ReservationService struct {
	repo  ReservationRepository
	clock clock.Clock
}

func NewReservationService(repo ReservationRepository, clk clock.Clock) *ReservationService {
	return &ReservationService{
		repo:  repo,
		clock: clk,
	}
}

// ReservationOutcome reports the post-transaction state the caller needs to
// decide what to publish.
type ReservationOutcome struct {
	PlateID   string
	Status    domain.ReservationStatus
	Items     []domain.ItemQuantity
	Shortages []domain.Shortage
}

// Reserve upserts the reservation and its items (needed overwritten,
// reserved preserved), then allocates from stock per ingredient under a row
// lock. Fully allocated plates end reserved; plates with open shortages end
// purchasing.
func (s *ReservationService) Reserve(ctx context.Context, plateID string, items []domain.ItemQuantity) (ReservationOutcome, error) {
	if plateID == "" {
		return ReservationOutcome{}, domain.ErrInvalidID
	}
	if len(items) == 0 {
		return ReservationOutcome{}, domain.ErrNoItems
	}
	for _, it := range items {
		if it.Ingredient == "" || it.Qty <= 0 {
			return ReservationOutcome{}, domain.ErrInvalidQuantity
		}
	}

	now := s.clock.Now()
	var outcome ReservationOutcome

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.UpsertReservation(txCtx, plateID, now); err != nil {
			return err
		}
		for _, it := range items {
			if err := s.repo.UpsertItemNeeded(txCtx, plateID, it.Ingredient, it.Qty); err != nil {
				return err
			}
		}

		rows, err := s.allocate(txCtx, plateID)
		if err != nil {
			return err
		}

		outcome = s.outcomeFor(plateID, rows)
		if len(outcome.Shortages) == 0 {
			outcome.Status = domain.ReservationStatusReserved
		} else {
			outcome.Status = domain.ReservationStatusPurchasing
		}
		return s.repo.UpdateStatus(txCtx, plateID, outcome.Status)
	})
	if err != nil {
		return ReservationOutcome{}, err
	}
	return outcome, nil
}

// ApplyPurchase adds purchased quantities to stock and re-allocates for every
// item still short. A fully allocated plate ends reserved; otherwise it
// returns to pending so the reconciler throttles the next market round.
// A plate already in a terminal state is left untouched; the reservation row
// is locked first so a late purchase event cannot reopen what the reconciler
// has given up on.
func (s *ReservationService) ApplyPurchase(ctx context.Context, plateID string, purchased []domain.ItemQuantity) (ReservationOutcome, error) {
	if plateID == "" {
		return ReservationOutcome{}, domain.ErrInvalidID
	}

	var outcome ReservationOutcome

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.repo.GetReservationForUpdate(txCtx, plateID)
		if err != nil {
			return err
		}
		if res.Status.IsTerminal() {
			return domain.ErrReservationClosed
		}

		for _, p := range purchased {
			if p.Qty <= 0 {
				continue
			}
			stock, err := s.repo.GetStockForUpdate(txCtx, p.Ingredient)
			if err != nil {
				return err
			}
			if err := s.repo.SetStockQty(txCtx, p.Ingredient, stock.Qty+p.Qty); err != nil {
				return err
			}
		}

		rows, err := s.allocate(txCtx, plateID)
		if err != nil {
			return err
		}

		outcome = s.outcomeFor(plateID, rows)
		if len(outcome.Shortages) == 0 {
			outcome.Status = domain.ReservationStatusReserved
		} else {
			outcome.Status = domain.ReservationStatusPending
		}
		return s.repo.UpdateStatus(txCtx, plateID, outcome.Status)
	})
	if err != nil {
		return ReservationOutcome{}, err
	}
	return outcome, nil
}

// ApplyPurchaseFailure moves a plate with open shortages back to pending so
// the reconciler retries it with backoff. A reserved or failed plate is
// closed; a late failure event for it is rejected rather than reopening it.
func (s *ReservationService) ApplyPurchaseFailure(ctx context.Context, plateID string) error {
	if plateID == "" {
		return domain.ErrInvalidID
	}

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.repo.GetReservationForUpdate(txCtx, plateID)
		if err != nil {
			return err
		}
		if res.Status.IsTerminal() {
			return domain.ErrReservationClosed
		}

		rows, err := s.repo.GetItems(txCtx, plateID)
		if err != nil {
			return err
		}
		if len(domain.Shortages(rows)) == 0 {
			return nil
		}
		return s.repo.UpdateStatus(txCtx, plateID, domain.ReservationStatusPending)
	})
}

// allocate takes min(have, missing) from stock for every short item of the
// plate, under a per-ingredient row lock, and returns the updated rows.
func (s *ReservationService) allocate(ctx context.Context, plateID string) ([]domain.ReservationItem, error) {
	rows, err := s.repo.GetItems(ctx, plateID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrReservationNotFound
	}

	for i, row := range rows {
		missing := row.Missing()
		if missing <= 0 {
			continue
		}
		stock, err := s.repo.GetStockForUpdate(ctx, row.Ingredient)
		if err != nil {
			return nil, err
		}
		take := missing
		if stock.Qty < take {
			take = stock.Qty
		}
		if take == 0 {
			continue
		}
		if err := s.repo.SetStockQty(ctx, row.Ingredient, stock.Qty-take); err != nil {
			return nil, err
		}
		if err := s.repo.SetItemReserved(ctx, plateID, row.Ingredient, row.Reserved+take); err != nil {
			return nil, err
		}
		rows[i].Reserved = row.Reserved + take
	}
	return rows, nil
}

func (s *ReservationService) outcomeFor(plateID string, rows []domain.ReservationItem) ReservationOutcome {
	out := ReservationOutcome{PlateID: plateID}
	for _, row := range rows {
		out.Items = append(out.Items, domain.ItemQuantity{Ingredient: row.Ingredient, Qty: row.Needed})
	}
	out.Shortages = domain.Shortages(rows)
	return out
}
