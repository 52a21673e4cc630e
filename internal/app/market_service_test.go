package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
	"go.uber.org/zap"
)

func TestMarketService_FulfillShortages(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	makeSvc := func(market *fakeMarket, maxAttempts int) (*MarketService, *fakeRecorder, *fakePublisher) {
		recorder := &fakeRecorder{}
		pub := &fakePublisher{}
		breaker := NewBreaker(BreakerConfig{
			Window:     time.Minute,
			Threshold:  0.99,
			MinSamples: 1000,
			CoolDown:   time.Second,
		}, clock.NewFixed(now))
		svc := NewMarketService(market, recorder, breaker, pub, clock.NewFixed(now), zap.NewNop(), maxAttempts, 10*time.Millisecond)
		svc.sleep = func(context.Context, time.Duration) {}
		return svc, recorder, pub
	}

	t.Run("retries a zero sale and completes within attempts", func(t *testing.T) {
		market := &fakeMarket{sales: []int{0, 3}}
		svc, recorder, pub := makeSvc(market, 5)

		err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{{Ingredient: "cheese", Missing: 3}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if len(recorder.attempts) != 2 {
			t.Fatalf("expected 2 audit rows, got %d", len(recorder.attempts))
		}
		if recorder.attempts[0].QuantitySold != 0 || recorder.attempts[1].QuantitySold != 3 {
			t.Fatalf("expected sales 0 then 3, got %d then %d", recorder.attempts[0].QuantitySold, recorder.attempts[1].QuantitySold)
		}
		if recorder.attempts[1].QtyRequested != 3 {
			t.Fatalf("expected second attempt to request 3, got %d", recorder.attempts[1].QtyRequested)
		}

		if len(pub.events) != 1 || pub.events[0].routingKey != domain.RoutePurchaseCompleted {
			t.Fatalf("expected one purchase-completed event, got %v", pub.events)
		}
		ev := pub.events[0].payload.(domain.PurchaseCompleted)
		if len(ev.Purchased) != 1 || ev.Purchased[0] != (domain.ItemQuantity{Ingredient: "cheese", Qty: 3}) {
			t.Fatalf("expected purchased cheese/3, got %v", ev.Purchased)
		}
	})

	t.Run("partial sales shrink the next request", func(t *testing.T) {
		market := &fakeMarket{sales: []int{2, 3}}
		svc, recorder, pub := makeSvc(market, 5)

		if err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{{Ingredient: "cheese", Missing: 5}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if recorder.attempts[0].QtyRequested != 5 || recorder.attempts[1].QtyRequested != 3 {
			t.Fatalf("expected requests 5 then 3, got %d then %d", recorder.attempts[0].QtyRequested, recorder.attempts[1].QtyRequested)
		}
		ev := pub.events[0].payload.(domain.PurchaseCompleted)
		if ev.Purchased[0].Qty != 5 {
			t.Fatalf("expected aggregated 5, got %d", ev.Purchased[0].Qty)
		}
	})

	t.Run("stops after the first exhausted ingredient", func(t *testing.T) {
		// Fail-fast: once one ingredient exhausts its attempts, the
		// remaining shortages wait for the next reconciler sweep.
		market := &fakeMarket{sales: []int{0, 0, 0, 0}}
		svc, recorder, pub := makeSvc(market, 2)

		err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{
			{Ingredient: "cheese", Missing: 2},
			{Ingredient: "bread", Missing: 1},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if market.calls != 2 {
			t.Fatalf("expected 2 market calls, all for cheese, got %d", market.calls)
		}
		for _, a := range recorder.attempts {
			if a.Ingredient != "cheese" {
				t.Fatalf("expected attempts only for cheese, got %s", a.Ingredient)
			}
		}
		if len(pub.events) != 1 || pub.events[0].routingKey != domain.RoutePurchaseFailed {
			t.Fatalf("expected a single purchase-failed event, got %v", pub.events)
		}
		ev := pub.events[0].payload.(domain.PurchaseFailed)
		if ev.Ingredient != "cheese" || ev.Remaining != 2 {
			t.Fatalf("expected cheese/2 remaining, got %s/%d", ev.Ingredient, ev.Remaining)
		}
	})

	t.Run("market errors count as zero sales", func(t *testing.T) {
		market := &fakeMarket{errs: []error{errors.New("boom"), nil}, sales: []int{0, 2}}
		svc, recorder, pub := makeSvc(market, 5)

		if err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{{Ingredient: "cheese", Missing: 2}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if recorder.attempts[0].QuantitySold != 0 {
			t.Fatalf("expected errored attempt recorded as 0, got %d", recorder.attempts[0].QuantitySold)
		}
		if pub.events[0].routingKey != domain.RoutePurchaseCompleted {
			t.Fatalf("expected eventual completion, got %s", pub.events[0].routingKey)
		}
	})

	t.Run("open breaker short-circuits to zero sales", func(t *testing.T) {
		market := &fakeMarket{sales: []int{5}}
		recorder := &fakeRecorder{}
		pub := &fakePublisher{}
		breaker := NewBreaker(BreakerConfig{
			Window:     time.Minute,
			Threshold:  0.5,
			MinSamples: 1,
			CoolDown:   time.Hour,
		}, clock.NewFixed(now))
		breaker.RecordFailure() // trips immediately with MinSamples 1
		svc := NewMarketService(market, recorder, breaker, pub, clock.NewFixed(now), zap.NewNop(), 2, 10*time.Millisecond)
		svc.sleep = func(context.Context, time.Duration) {}

		if err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{{Ingredient: "cheese", Missing: 2}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if market.calls != 0 {
			t.Fatalf("expected market untouched while open, got %d calls", market.calls)
		}
		if len(recorder.attempts) != 2 {
			t.Fatalf("expected short-circuited attempts recorded, got %d", len(recorder.attempts))
		}
		if pub.events[0].routingKey != domain.RoutePurchaseFailed {
			t.Fatalf("expected purchase-failed, got %s", pub.events[0].routingKey)
		}
	})

	t.Run("sleeps with linear backoff between zero sales", func(t *testing.T) {
		market := &fakeMarket{sales: []int{0, 0, 1}}
		svc, _, _ := makeSvc(market, 3)
		var slept []time.Duration
		svc.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

		if err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{{Ingredient: "cheese", Missing: 1}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if len(slept) != 2 {
			t.Fatalf("expected 2 backoff sleeps, got %d", len(slept))
		}
		base := 10 * time.Millisecond
		for i, d := range slept {
			linear := base * time.Duration(i+1)
			if d < linear || d > linear+base {
				t.Fatalf("sleep %d outside [%v, %v]: %v", i, linear, linear+base, d)
			}
		}
	})

	t.Run("audit failure surfaces for redelivery", func(t *testing.T) {
		market := &fakeMarket{sales: []int{1}}
		svc, recorder, pub := makeSvc(market, 3)
		recorder.err = errors.New("db down")

		err := svc.FulfillShortages(context.Background(), "plate-1", []domain.Shortage{{Ingredient: "cheese", Missing: 1}})
		if err == nil {
			t.Fatalf("expected error when the audit write fails")
		}
		if len(pub.events) != 0 {
			t.Fatalf("expected no events, got %v", pub.events)
		}
	})
}

type fakeMarket struct {
	sales []int
	errs  []error
	calls int
}

func (m *fakeMarket) Buy(context.Context, string) (int, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return 0, m.errs[i]
	}
	if i < len(m.sales) {
		return m.sales[i], nil
	}
	return 0, nil
}

type fakeRecorder struct {
	attempts []domain.PurchaseAttempt
	err      error
}

func (r *fakeRecorder) RecordAttempt(_ context.Context, a domain.PurchaseAttempt) error {
	if r.err != nil {
		return r.err
	}
	r.attempts = append(r.attempts, a)
	return nil
}
