package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
	"go.uber.org/zap"
)

type ReconcilerRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListRetryEligible(ctx context.Context, now time.Time, baseDelay time.Duration, maxRetries, limit int) ([]string, error)
	GetReservationForUpdate(ctx context.Context, plateID string) (domain.Reservation, error)
	GetItems(ctx context.Context, plateID string) ([]domain.ReservationItem, error)
	BumpRetry(ctx context.Context, plateID string, now time.Time) error
	UpdateStatus(ctx context.Context, plateID string, status domain.ReservationStatus) error
	MarkRetriesExhausted(ctx context.Context, maxRetries int) (int, error)
}

// SweepLock gates a sweep so exactly one replica runs per tick.
type SweepLock interface {
	Acquire(ctx context.Context) (bool, func(), error)
}

// ReconcilerConfig tunes the sweep cadence and retry policy.
type ReconcilerConfig struct {
	Interval   time.Duration
	BaseDelay  time.Duration
	MaxRetries int
	BatchLimit int
}

// Reconciler is the periodic recovery sweep for reservations stuck pending.
// It re-derives shortages from rows, re-publishes purchase requests with
// exponential backoff, and is the sole authority on marking a reservation
// failed.
type Reconciler struct {
	repo   ReconcilerRepository
	lock   SweepLock
	bus    Publisher
	clock  clock.Clock
	logger *zap.Logger
	cfg    ReconcilerConfig
}

func NewReconciler(repo ReconcilerRepository, lock SweepLock, bus Publisher, clk clock.Clock, logger *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		repo:   repo,
		lock:   lock,
		bus:    bus,
		clock:  clk,
		logger: logger,
		cfg:    cfg,
	}
}

// Run blocks until ctx is done, sweeping once per interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	ok, release, err := r.lock.Acquire(ctx)
	if err != nil {
		r.logger.Warn("reconciler lock error", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer release()

	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("reconciler sweep failed", zap.Error(err))
	}
}

// Sweep processes one batch of eligible reservations, then fails everything
// pending at the retry ceiling.
func (r *Reconciler) Sweep(ctx context.Context) error {
	now := r.clock.Now()
	plateIDs, err := r.repo.ListRetryEligible(ctx, now, r.cfg.BaseDelay, r.cfg.MaxRetries, r.cfg.BatchLimit)
	if err != nil {
		return err
	}

	for _, plateID := range plateIDs {
		if err := r.recover(ctx, plateID); err != nil {
			r.logger.Error("recover reservation failed",
				zap.String("plate_id", plateID),
				zap.Error(err),
			)
		}
	}

	failed, err := r.repo.MarkRetriesExhausted(ctx, r.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if failed > 0 {
		r.logger.Warn("reservations failed at retry ceiling", zap.Int("count", failed))
	}
	return nil
}

// recover re-derives one reservation's shortages in its own transaction and
// publishes the follow-up event after commit. The status stays pending while
// a retry is in flight so a crash mid-cycle self-heals on the next sweep.
func (r *Reconciler) recover(ctx context.Context, plateID string) error {
	var event any
	var routingKey string

	err := r.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := r.repo.GetReservationForUpdate(txCtx, plateID)
		if err != nil {
			return err
		}
		if res.Status != domain.ReservationStatusPending {
			// An in-flight engine transaction moved it meanwhile.
			return nil
		}

		items, err := r.repo.GetItems(txCtx, plateID)
		if err != nil {
			return err
		}
		shortages := domain.Shortages(items)
		if len(shortages) == 0 {
			if err := r.repo.UpdateStatus(txCtx, plateID, domain.ReservationStatusReserved); err != nil {
				return err
			}
			reserved := domain.Reserved{
				MessageID: uuid.NewString(),
				PlateID:   plateID,
			}
			for _, it := range items {
				reserved.Items = append(reserved.Items, domain.ItemQuantity{Ingredient: it.Ingredient, Qty: it.Needed})
			}
			event, routingKey = reserved, domain.RouteReserved
			return nil
		}

		if err := r.repo.BumpRetry(txCtx, plateID, r.clock.Now()); err != nil {
			return err
		}
		event, routingKey = domain.PurchaseRequested{
			MessageID: uuid.NewString(),
			PlateID:   plateID,
			Shortages: shortages,
		}, domain.RoutePurchaseRequested
		return nil
	})
	if err != nil {
		return err
	}

	if event != nil {
		if err := r.bus.Publish(ctx, routingKey, event); err != nil {
			// The committed rows are recoverable by the next sweep.
			r.logger.Error("publish after reconcile failed",
				zap.String("routing_key", routingKey),
				zap.String("plate_id", plateID),
				zap.Error(err),
			)
		}
	}
	return nil
}
