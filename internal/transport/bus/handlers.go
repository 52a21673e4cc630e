// Package bus holds the event consumers: thin handlers that decode and
// validate a payload once at the boundary, then delegate to the services
// under the idempotency guard.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/app"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/idempotency"
	"go.uber.org/zap"
)

// Queue names, one consumer group per inbound event type.
const (
	QueueReservationRequested = "inventory.reservation-requested"
	QueuePurchaseCompleted    = "inventory.purchase-completed"
	QueuePurchaseFailed       = "inventory.purchase-failed"
	QueuePurchaseRequested    = "market.purchase-requested"
)

type Handlers struct {
	reservations *app.ReservationService
	market       *app.MarketService
	guard        idempotency.Guard
	publisher    app.Publisher
	markerTTL    time.Duration
	logger       *zap.Logger
}

func NewHandlers(reservations *app.ReservationService, market *app.MarketService, guard idempotency.Guard, publisher app.Publisher, markerTTL time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		reservations: reservations,
		market:       market,
		guard:        guard,
		publisher:    publisher,
		markerTTL:    markerTTL,
		logger:       logger,
	}
}

// HandleReservationRequested allocates stock for a new (or re-requested)
// plate and publishes either reserved or purchase-requested.
func (h *Handlers) HandleReservationRequested(ctx context.Context, body []byte) error {
	var ev domain.ReservationRequested
	if !h.decode(body, &ev, domain.RouteReservationRequested) {
		return nil
	}
	if err := ev.Validate(); err != nil {
		h.drop(domain.RouteReservationRequested, err)
		return nil
	}

	return h.guard.Run(ctx, ev.MessageID, h.markerTTL, func(ctx context.Context) error {
		outcome, err := h.reservations.Reserve(ctx, ev.PlateID, ev.Items)
		if err != nil {
			if isUnprocessable(err) {
				h.drop(domain.RouteReservationRequested, err)
				return nil
			}
			return err
		}

		if outcome.Status == domain.ReservationStatusReserved {
			h.publish(ctx, domain.RouteReserved, domain.Reserved{
				MessageID: uuid.NewString(),
				PlateID:   ev.PlateID,
				Items:     outcome.Items,
			})
			return nil
		}
		h.publish(ctx, domain.RoutePurchaseRequested, domain.PurchaseRequested{
			MessageID: uuid.NewString(),
			PlateID:   ev.PlateID,
			Shortages: outcome.Shortages,
		})
		return nil
	})
}

// HandlePurchaseRequested hands a plate's shortages to the market adapter.
func (h *Handlers) HandlePurchaseRequested(ctx context.Context, body []byte) error {
	var ev domain.PurchaseRequested
	if !h.decode(body, &ev, domain.RoutePurchaseRequested) {
		return nil
	}
	if err := ev.Validate(); err != nil {
		h.drop(domain.RoutePurchaseRequested, err)
		return nil
	}

	return h.guard.Run(ctx, ev.MessageID, h.markerTTL, func(ctx context.Context) error {
		return h.market.FulfillShortages(ctx, ev.PlateID, ev.Shortages)
	})
}

// HandlePurchaseCompleted applies bought quantities and publishes reserved
// when the plate is complete.
func (h *Handlers) HandlePurchaseCompleted(ctx context.Context, body []byte) error {
	var ev domain.PurchaseCompleted
	if !h.decode(body, &ev, domain.RoutePurchaseCompleted) {
		return nil
	}
	if err := ev.Validate(); err != nil {
		h.drop(domain.RoutePurchaseCompleted, err)
		return nil
	}

	return h.guard.Run(ctx, ev.MessageID, h.markerTTL, func(ctx context.Context) error {
		outcome, err := h.reservations.ApplyPurchase(ctx, ev.PlateID, ev.Purchased)
		if err != nil {
			if isUnprocessable(err) {
				h.drop(domain.RoutePurchaseCompleted, err)
				return nil
			}
			return err
		}
		if outcome.Status == domain.ReservationStatusReserved {
			h.publish(ctx, domain.RouteReserved, domain.Reserved{
				MessageID: uuid.NewString(),
				PlateID:   ev.PlateID,
				Items:     outcome.Items,
			})
		}
		return nil
	})
}

// HandlePurchaseFailed returns a plate with open shortages to pending for
// the reconciler.
func (h *Handlers) HandlePurchaseFailed(ctx context.Context, body []byte) error {
	var ev domain.PurchaseFailed
	if !h.decode(body, &ev, domain.RoutePurchaseFailed) {
		return nil
	}
	if err := ev.Validate(); err != nil {
		h.drop(domain.RoutePurchaseFailed, err)
		return nil
	}

	return h.guard.Run(ctx, ev.MessageID, h.markerTTL, func(ctx context.Context) error {
		err := h.reservations.ApplyPurchaseFailure(ctx, ev.PlateID)
		if err != nil && isUnprocessable(err) {
			h.drop(domain.RoutePurchaseFailed, err)
			return nil
		}
		return err
	})
}

func (h *Handlers) decode(body []byte, v any, route string) bool {
	if err := json.Unmarshal(body, v); err != nil {
		h.drop(route, err)
		return false
	}
	return true
}

// drop logs a permanently unprocessable payload. The caller acks it;
// retrying malformed input can never succeed.
func (h *Handlers) drop(route string, err error) {
	h.logger.Warn("dropping unprocessable event", zap.String("routing_key", route), zap.Error(err))
}

func (h *Handlers) publish(ctx context.Context, routingKey string, payload any) {
	// The transaction already committed; a lost event is recovered by the
	// reconciler re-deriving state from rows.
	if err := h.publisher.Publish(ctx, routingKey, payload); err != nil {
		h.logger.Error("publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func isUnprocessable(err error) bool {
	return errors.Is(err, domain.ErrInvalidID) ||
		errors.Is(err, domain.ErrInvalidQuantity) ||
		errors.Is(err, domain.ErrNoItems) ||
		errors.Is(err, domain.ErrReservationNotFound) ||
		errors.Is(err, domain.ErrReservationClosed)
}
