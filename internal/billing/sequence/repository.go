package sequence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores daily counters in billing_daily_counters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a counter repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ CounterStore = (*Repository)(nil)

// AdvanceTo upserts the row and keeps the greater of the stored and floor values.
func (r *Repository) AdvanceTo(ctx context.Context, dayKey string, floor int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO billing_daily_counters (day_key, sequence, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (day_key) DO UPDATE
SET sequence = GREATEST(billing_daily_counters.sequence, EXCLUDED.sequence),
    updated_at = CASE WHEN billing_daily_counters.sequence < EXCLUDED.sequence THEN NOW() ELSE billing_daily_counters.updated_at END`,
		dayKey, floor)
	return err
}

// Increment is a single fetch-and-add statement against the day's row.
func (r *Repository) Increment(ctx context.Context, dayKey string) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `INSERT INTO billing_daily_counters (day_key, sequence, updated_at)
VALUES ($1, 1, NOW())
ON CONFLICT (day_key) DO UPDATE
SET sequence = billing_daily_counters.sequence + 1, updated_at = NOW()
RETURNING sequence`, dayKey).Scan(&seq)
	return seq, err
}

// Current reads the counter without locking.
func (r *Repository) Current(ctx context.Context, dayKey string) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT sequence FROM billing_daily_counters WHERE day_key = $1`, dayKey).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
