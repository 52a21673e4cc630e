package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
)

type ReservationRepository struct {
	pool *pgxpool.Pool
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

// UpsertReservation creates the reservation in status pending, or resets an
// existing one to pending so a repeated request reopens it.
func (r *ReservationRepository) UpsertReservation(ctx context.Context, plateID string, now time.Time) error {
	const stmt = `
INSERT INTO reservations (plate_id, status, created_at)
VALUES ($1, 'pending', $2)
ON CONFLICT (plate_id) DO UPDATE SET status = 'pending'`

	if _, err := r.exec(ctx, stmt, plateID, now); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

// UpsertItemNeeded overwrites needed and preserves reserved for one item.
// A re-request can never push needed below what is already allocated, so the
// reserved <= needed invariant survives a lowered quantity.
func (r *ReservationRepository) UpsertItemNeeded(ctx context.Context, plateID, ingredient string, needed int) error {
	const stmt = `
INSERT INTO reservation_items (plate_id, ingredient, needed, reserved)
VALUES ($1, $2, $3, 0)
ON CONFLICT (plate_id, ingredient) DO UPDATE
SET needed = GREATEST(EXCLUDED.needed, reservation_items.reserved)`

	if _, err := r.exec(ctx, stmt, plateID, ingredient, needed); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (r *ReservationRepository) GetReservation(ctx context.Context, plateID string) (domain.Reservation, error) {
	const query = `
SELECT plate_id, status, created_at, prepared_at, retry_count, last_retry_at
FROM reservations
WHERE plate_id = $1`

	return r.scanReservation(r.queryRow(ctx, query, plateID))
}

// GetReservationForUpdate locks the reservation row so concurrent engine
// and reconciler transactions for the same plate serialize on it.
func (r *ReservationRepository) GetReservationForUpdate(ctx context.Context, plateID string) (domain.Reservation, error) {
	const query = `
SELECT plate_id, status, created_at, prepared_at, retry_count, last_retry_at
FROM reservations
WHERE plate_id = $1
FOR UPDATE`

	return r.scanReservation(r.queryRow(ctx, query, plateID))
}

func (r *ReservationRepository) scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.PlateID, &res.Status, &res.CreatedAt, &res.PreparedAt, &res.RetryCount, &res.LastRetryAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Reservation{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func (r *ReservationRepository) GetItems(ctx context.Context, plateID string) ([]domain.ReservationItem, error) {
	const query = `
SELECT plate_id, ingredient, needed, reserved
FROM reservation_items
WHERE plate_id = $1
ORDER BY ingredient`

	rows, err := r.query(ctx, query, plateID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []domain.ReservationItem
	for rows.Next() {
		var it domain.ReservationItem
		if err := rows.Scan(&it.PlateID, &it.Ingredient, &it.Needed, &it.Reserved); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// GetStockForUpdate locks the ingredient's stock row, creating it with zero
// quantity first so unknown ingredients are still lockable.
func (r *ReservationRepository) GetStockForUpdate(ctx context.Context, ingredient string) (domain.Stock, error) {
	const insert = `INSERT INTO stock (ingredient, qty) VALUES ($1, 0) ON CONFLICT (ingredient) DO NOTHING`
	if _, err := r.exec(ctx, insert, ingredient); err != nil {
		return domain.Stock{}, fmt.Errorf("ensure stock row: %w", err)
	}

	const query = `SELECT ingredient, qty FROM stock WHERE ingredient = $1 FOR UPDATE`
	var s domain.Stock
	if err := r.queryRow(ctx, query, ingredient).Scan(&s.Ingredient, &s.Qty); err != nil {
		return domain.Stock{}, fmt.Errorf("lock stock: %w", err)
	}
	return s, nil
}

func (r *ReservationRepository) SetStockQty(ctx context.Context, ingredient string, qty int) error {
	const stmt = `UPDATE stock SET qty = $2 WHERE ingredient = $1`
	if _, err := r.exec(ctx, stmt, ingredient, qty); err != nil {
		return fmt.Errorf("set stock qty: %w", err)
	}
	return nil
}

func (r *ReservationRepository) SetItemReserved(ctx context.Context, plateID, ingredient string, reserved int) error {
	const stmt = `UPDATE reservation_items SET reserved = $3 WHERE plate_id = $1 AND ingredient = $2`
	if _, err := r.exec(ctx, stmt, plateID, ingredient, reserved); err != nil {
		return fmt.Errorf("set item reserved: %w", err)
	}
	return nil
}

// UpdateStatus moves the reservation and stamps prepared_at on the
// transition to reserved.
func (r *ReservationRepository) UpdateStatus(ctx context.Context, plateID string, status domain.ReservationStatus) error {
	const stmt = `
UPDATE reservations
SET status = $2,
    prepared_at = CASE WHEN $2 = 'reserved' THEN NOW() ELSE prepared_at END
WHERE plate_id = $1`
	tag, err := r.exec(ctx, stmt, plateID, status)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

// BumpRetry increments the retry counter and stamps the attempt time.
func (r *ReservationRepository) BumpRetry(ctx context.Context, plateID string, now time.Time) error {
	const stmt = `
UPDATE reservations
SET retry_count = retry_count + 1, last_retry_at = $2
WHERE plate_id = $1`

	tag, err := r.exec(ctx, stmt, plateID, now)
	if err != nil {
		return fmt.Errorf("bump retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

// ListRetryEligible returns plate ids of pending reservations whose
// exponential backoff window has elapsed, oldest retried first. A NULL
// last_retry_at is immediately eligible.
func (r *ReservationRepository) ListRetryEligible(ctx context.Context, now time.Time, baseDelay time.Duration, maxRetries, limit int) ([]string, error) {
	const query = `
SELECT plate_id
FROM reservations
WHERE status = 'pending'
  AND retry_count < $2
  AND (last_retry_at IS NULL
       OR last_retry_at + make_interval(secs => $3 * power(2, retry_count)) <= $1)
ORDER BY last_retry_at ASC NULLS FIRST
LIMIT $4`

	rows, err := r.query(ctx, query, now, maxRetries, baseDelay.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list retry eligible: %w", err)
	}
	defer rows.Close()

	var plateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan plate id: %w", err)
		}
		plateIDs = append(plateIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list retry eligible: %w", err)
	}
	return plateIDs, nil
}

// MarkRetriesExhausted fails every pending reservation at or past the retry
// ceiling and returns how many were failed.
func (r *ReservationRepository) MarkRetriesExhausted(ctx context.Context, maxRetries int) (int, error) {
	const stmt = `UPDATE reservations SET status = 'failed' WHERE status = 'pending' AND retry_count >= $1`
	tag, err := r.exec(ctx, stmt, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("mark retries exhausted: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ReservationRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *ReservationRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *ReservationRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
