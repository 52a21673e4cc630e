package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
)

// MarketRepository is the append-only audit log of market calls.
type MarketRepository struct {
	pool *pgxpool.Pool
}

func NewMarketRepository(pool *pgxpool.Pool) *MarketRepository {
	return &MarketRepository{pool: pool}
}

func (r *MarketRepository) RecordAttempt(ctx context.Context, attempt domain.PurchaseAttempt) error {
	const stmt = `
INSERT INTO market_purchase_attempts (id, plate_id, ingredient, qty_requested, quantity_sold, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, stmt,
		attempt.ID,
		attempt.PlateID,
		attempt.Ingredient,
		attempt.QtyRequested,
		attempt.QuantitySold,
		attempt.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *MarketRepository) ListAttempts(ctx context.Context, plateID string) ([]domain.PurchaseAttempt, error) {
	const query = `
SELECT id, plate_id, ingredient, qty_requested, quantity_sold, created_at
FROM market_purchase_attempts
WHERE plate_id = $1
ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, plateID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.PurchaseAttempt
	for rows.Next() {
		var a domain.PurchaseAttempt
		if err := rows.Scan(&a.ID, &a.PlateID, &a.Ingredient, &a.QtyRequested, &a.QuantitySold, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}
