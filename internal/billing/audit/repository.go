package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository writes audit events into billing_audit_events.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository returns a Postgres backed trail.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

var _ Trail = (*Repository)(nil)

// Append persists the event. The partial unique index on
// (entity_id, action, correlation_id) turns replays into ErrDuplicateEvent.
func (r *Repository) Append(ctx context.Context, event Event) (Event, error) {
	if r == nil {
		return Event{}, errors.New("audit: repository not initialised")
	}
	event, err := event.Prepare(r.now())
	if err != nil {
		return Event{}, err
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return Event{}, err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO billing_audit_events (id, action, entity_id, source, correlation_id, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Action, event.EntityID, event.Source, event.CorrelationID, details, event.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Event{}, ErrDuplicateEvent
		}
		return Event{}, err
	}
	return event, nil
}

// Exists checks for a recorded (entity, action, correlation) triple.
func (r *Repository) Exists(ctx context.Context, entityID, action, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, nil
	}
	var found bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM billing_audit_events WHERE entity_id = $1 AND action = $2 AND correlation_id = $3
)`, entityID, action, correlationID).Scan(&found)
	return found, err
}

// ListByEntity returns events of one invoice in chronological order.
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, action, entity_id, source, correlation_id, details, created_at
FROM billing_audit_events WHERE entity_id = $1 ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var ev Event
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.EntityID, &ev.Source, &ev.CorrelationID, &details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
