package app

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
	"go.uber.org/zap"
)

// MarketClient buys one ingredient from the external market. A zero sale is
// a normal outcome, not an error.
type MarketClient interface {
	Buy(ctx context.Context, ingredient string) (int, error)
}

// AttemptRecorder appends one audit row per market call.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt domain.PurchaseAttempt) error
}

// Publisher emits an event on the bus under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// MarketService resolves shortages against the unreliable market with
// bounded retries, linear backoff, and a circuit breaker.
type MarketService struct {
	market   MarketClient
	attempts AttemptRecorder
	breaker  *Breaker
	bus      Publisher
	clock    clock.Clock
	logger   *zap.Logger

	maxAttempts int
	baseBackoff time.Duration

	// sleep is replaced in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration)
}

func NewMarketService(market MarketClient, attempts AttemptRecorder, breaker *Breaker, bus Publisher, clk clock.Clock, logger *zap.Logger, maxAttempts int, baseBackoff time.Duration) *MarketService {
	return &MarketService{
		market:      market,
		attempts:    attempts,
		breaker:     breaker,
		bus:         bus,
		clock:       clk,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		sleep:       sleepCtx,
	}
}

// FulfillShortages works through a plate's shortages in order. On the first
// ingredient whose attempts are exhausted with quantity still missing it
// emits purchase-failed and stops; the remaining shortages are left to the
// next reconciler sweep. Only when every shortage resolves does it emit a
// single purchase-completed with aggregated quantities.
func (s *MarketService) FulfillShortages(ctx context.Context, plateID string, shortages []domain.Shortage) error {
	purchased := make([]domain.ItemQuantity, 0, len(shortages))

	for _, sh := range shortages {
		remaining, sold, err := s.purchaseShortage(ctx, plateID, sh)
		if err != nil {
			return err
		}
		if remaining > 0 {
			s.logger.Warn("purchase attempts exhausted",
				zap.String("plate_id", plateID),
				zap.String("ingredient", sh.Ingredient),
				zap.Int("remaining", remaining),
				zap.Int("sold", sold),
			)
			s.publish(ctx, domain.RoutePurchaseFailed, domain.PurchaseFailed{
				MessageID:  uuid.NewString(),
				PlateID:    plateID,
				Ingredient: sh.Ingredient,
				Remaining:  remaining,
			})
			return nil
		}
		if sold > 0 {
			purchased = append(purchased, domain.ItemQuantity{Ingredient: sh.Ingredient, Qty: sold})
		}
	}

	s.publish(ctx, domain.RoutePurchaseCompleted, domain.PurchaseCompleted{
		MessageID: uuid.NewString(),
		PlateID:   plateID,
		Purchased: purchased,
	})
	return nil
}

// purchaseShortage calls the market up to maxAttempts times or until nothing
// is missing. Every attempt, including zero sales and short-circuited calls,
// is recorded. After a zero-sale attempt it sleeps base*attempt plus jitter.
func (s *MarketService) purchaseShortage(ctx context.Context, plateID string, sh domain.Shortage) (remaining, total int, err error) {
	remaining = sh.Missing

	for attempt := 1; attempt <= s.maxAttempts && remaining > 0; attempt++ {
		sold := 0
		if s.breaker.Allow() {
			var callErr error
			sold, callErr = s.market.Buy(ctx, sh.Ingredient)
			if callErr != nil {
				s.breaker.RecordFailure()
				s.logger.Warn("market call failed",
					zap.String("plate_id", plateID),
					zap.String("ingredient", sh.Ingredient),
					zap.Int("attempt", attempt),
					zap.Error(callErr),
				)
				sold = 0
			} else {
				s.breaker.RecordSuccess()
			}
		} else {
			s.logger.Debug("breaker open, skipping market call",
				zap.String("ingredient", sh.Ingredient),
				zap.Int("attempt", attempt),
			)
		}

		if err := s.attempts.RecordAttempt(ctx, domain.PurchaseAttempt{
			ID:           uuid.NewString(),
			PlateID:      plateID,
			Ingredient:   sh.Ingredient,
			QtyRequested: remaining,
			QuantitySold: sold,
			CreatedAt:    s.clock.Now(),
		}); err != nil {
			return remaining, total, err
		}

		total += sold
		remaining -= sold
		if remaining < 0 {
			remaining = 0
		}

		if sold == 0 && remaining > 0 && attempt < s.maxAttempts {
			s.sleep(ctx, s.backoff(attempt))
		}
	}
	return remaining, total, nil
}

func (s *MarketService) backoff(attempt int) time.Duration {
	d := s.baseBackoff * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(s.baseBackoff) + 1))
	return d + jitter
}

func (s *MarketService) publish(ctx context.Context, routingKey string, payload any) {
	if err := s.bus.Publish(ctx, routingKey, payload); err != nil {
		s.logger.Error("publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
