package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Anomaly kinds.
const (
	AnomalyUnmatched      = "unmatched"
	AnomalyOutOfOrder     = "out_of_order"
	AnomalyAmountMismatch = "amount_mismatch"
	AnomalyRejected       = "rejected"
	AnomalyRefundFailed   = "refund_failed"
)

// Anomaly is an operator-visible reconciliation problem.
type Anomaly struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	EventID       string          `json:"event_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Detail        string          `json:"detail"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AnomalyLog records and lists anomalies.
type AnomalyLog interface {
	Record(ctx context.Context, a Anomaly) (Anomaly, error)
	List(ctx context.Context, limit int) ([]Anomaly, error)
}

func (a Anomaly) prepare(now time.Time) (Anomaly, error) {
	if a.Kind == "" {
		return Anomaly{}, errors.New("audit: anomaly kind required")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	return a, nil
}

// AnomalyRepository stores anomalies in billing_anomalies.
type AnomalyRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewAnomalyRepository builds the Postgres anomaly log.
func NewAnomalyRepository(pool *pgxpool.Pool) *AnomalyRepository {
	return &AnomalyRepository{pool: pool, now: time.Now}
}

var _ AnomalyLog = (*AnomalyRepository)(nil)

func (r *AnomalyRepository) Record(ctx context.Context, a Anomaly) (Anomaly, error) {
	a, err := a.prepare(r.now())
	if err != nil {
		return Anomaly{}, err
	}
	var payload []byte
	if len(a.Payload) > 0 {
		payload = a.Payload
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO billing_anomalies (id, kind, event_id, event_type, invoice_number, detail, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Kind, a.EventID, a.EventType, a.InvoiceNumber, a.Detail, payload, a.CreatedAt)
	if err != nil {
		return Anomaly{}, err
	}
	return a, nil
}

func (r *AnomalyRepository) List(ctx context.Context, limit int) ([]Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, kind, event_id, event_type, invoice_number, detail, payload, created_at
FROM billing_anomalies ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		var payload []byte
		if err := rows.Scan(&a.ID, &a.Kind, &a.EventID, &a.EventType, &a.InvoiceNumber, &a.Detail, &payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Payload = payload
		out = append(out, a)
	}
	return out, rows.Err()
}
