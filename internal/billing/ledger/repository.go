package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const entryColumns = `invoice_number, owner_kind, owner_id, description, amount_minor, currency, status,
	method, correlation, refunded_amount_minor, refunds, version, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for ledger entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Create inserts a pending entry. The primary key on invoice_number is the
// final backstop against allocator races.
func (r *Repository) Create(ctx context.Context, e Entry) error {
	method, correlation, refunds, err := encodeDocuments(e)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO billing_ledger_entries (`+entryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.InvoiceNumber, e.Owner.Kind, e.Owner.ID, e.Description, e.AmountMinor, e.Currency, string(e.Status),
		method, correlation, e.RefundedAmountMinor, refunds, e.Version, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoiceNumber, e.InvoiceNumber)
		}
		return fmt.Errorf("ledger: insert %s: %w", e.InvoiceNumber, err)
	}
	return nil
}

// FindByInvoiceNumber loads one entry.
func (r *Repository) FindByInvoiceNumber(ctx context.Context, number string) (Entry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM billing_ledger_entries WHERE invoice_number = $1`, number)
	return scanEntry(row)
}

// FindByGatewayCorrelation loads the entry carrying the external session,
// payment intent or charge id.
func (r *Repository) FindByGatewayCorrelation(ctx context.Context, externalID string) (Entry, error) {
	if externalID == "" {
		return Entry{}, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM billing_ledger_entries
WHERE correlation->>'session_id' = $1
   OR correlation->>'payment_intent_id' = $1
   OR correlation->>'charge_id' = $1
LIMIT 1`, externalID)
	return scanEntry(row)
}

// List returns entries newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	filter = filter.Normalize()
	query := `SELECT ` + entryColumns + ` FROM billing_ledger_entries WHERE 1=1`
	args := []any{}
	argNum := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}
	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argNum)
		args = append(args, filter.OwnerID)
		argNum++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, invoice_number DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)
	return r.queryEntries(ctx, query, args...)
}

// ListStalePending returns pending entries with a checkout session created
// before the cutoff, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEntries(ctx, `SELECT `+entryColumns+` FROM billing_ledger_entries
WHERE status = 'pending' AND created_at < $1 AND COALESCE(correlation->>'session_id', '') <> ''
ORDER BY created_at ASC LIMIT $2`, createdBefore, limit)
}

// AttachCorrelation merges gateway identifiers into a pending entry. It does
// not touch status or updated_at.
func (r *Repository) AttachCorrelation(ctx context.Context, number string, c Correlation) (Entry, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := r.FindByInvoiceNumber(ctx, number)
		if err != nil {
			return Entry{}, err
		}
		if current.Status != StatusPending {
			return current, ErrNotPending
		}
		merged, err := json.Marshal(current.Correlation.Merge(c))
		if err != nil {
			return Entry{}, err
		}
		row := r.pool.QueryRow(ctx, `UPDATE billing_ledger_entries
SET correlation = $3, version = version + 1
WHERE invoice_number = $1 AND version = $2 AND status = 'pending'
RETURNING `+entryColumns, number, current.Version, merged)
		updated, err := scanEntry(row)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return updated, err
	}
	return Entry{}, ErrVersionConflict
}

// CompareAndSwap writes a state machine outcome under optimistic concurrency.
func (r *Repository) CompareAndSwap(ctx context.Context, next Entry, expectedVersion int64) (Entry, error) {
	method, correlation, refunds, err := encodeDocuments(next)
	if err != nil {
		return Entry{}, err
	}
	row := r.pool.QueryRow(ctx, `UPDATE billing_ledger_entries
SET status = $3, method = $4, correlation = $5, refunded_amount_minor = $6, refunds = $7,
    updated_at = $8, version = version + 1
WHERE invoice_number = $1 AND version = $2
RETURNING `+entryColumns,
		next.InvoiceNumber, expectedVersion, string(next.Status), method, correlation,
		next.RefundedAmountMinor, refunds, next.UpdatedAt)
	updated, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		if _, findErr := r.FindByInvoiceNumber(ctx, next.InvoiceNumber); findErr != nil {
			return Entry{}, findErr
		}
		return Entry{}, ErrVersionConflict
	}
	return updated, err
}

// MaxSequenceForDay scans persisted invoice numbers of the day.
func (r *Repository) MaxSequenceForDay(ctx context.Context, dayKey string) (int64, error) {
	var maxSeq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(CAST(split_part(invoice_number, '-', 3) AS BIGINT)), 0)
FROM billing_ledger_entries WHERE invoice_number LIKE $1`, InvoicePrefixForDay(dayKey)+"%").Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("ledger: scan day %s: %w", dayKey, err)
	}
	return maxSeq, nil
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var status string
	var method, correlation, refunds []byte
	err := row.Scan(&e.InvoiceNumber, &e.Owner.Kind, &e.Owner.ID, &e.Description, &e.AmountMinor, &e.Currency, &status,
		&method, &correlation, &e.RefundedAmountMinor, &refunds, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	if len(method) > 0 {
		if err := json.Unmarshal(method, &e.Method); err != nil {
			return Entry{}, fmt.Errorf("ledger: decode method: %w", err)
		}
	}
	if len(correlation) > 0 {
		if err := json.Unmarshal(correlation, &e.Correlation); err != nil {
			return Entry{}, fmt.Errorf("ledger: decode correlation: %w", err)
		}
	}
	if len(refunds) > 0 {
		if err := json.Unmarshal(refunds, &e.Refunds); err != nil {
			return Entry{}, fmt.Errorf("ledger: decode refunds: %w", err)
		}
	}
	return e, nil
}

func encodeDocuments(e Entry) (method, correlation, refunds []byte, err error) {
	if method, err = json.Marshal(e.Method); err != nil {
		return nil, nil, nil, err
	}
	if correlation, err = json.Marshal(e.Correlation); err != nil {
		return nil, nil, nil, err
	}
	list := e.Refunds
	if list == nil {
		list = []Refund{}
	}
	if refunds, err = json.Marshal(list); err != nil {
		return nil, nil, nil, err
	}
	return method, correlation, refunds, nil
}
