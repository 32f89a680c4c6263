package owners

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

// Repository provides PostgreSQL backed contact lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Book = (*Repository)(nil)

// Lookup returns the contact of ref.
func (r *Repository) Lookup(ctx context.Context, ref ledger.OwnerRef) (Contact, error) {
	c := Contact{Kind: ref.Kind, ID: ref.ID}
	err := r.pool.QueryRow(ctx, `SELECT email, name, updated_at FROM billing_owner_contacts
WHERE owner_kind = $1 AND owner_id = $2`, ref.Kind, ref.ID).Scan(&c.Email, &c.Name, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("owners: lookup %s: %w", ref, err)
	}
	return c, nil
}

// Upsert stores or replaces a contact.
func (r *Repository) Upsert(ctx context.Context, c Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO billing_owner_contacts (owner_kind, owner_id, email, name, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (owner_kind, owner_id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = NOW()`,
		c.Kind, c.ID, c.Email, c.Name)
	if err != nil {
		return fmt.Errorf("owners: upsert %s: %w", c.Ref(), err)
	}
	return nil
}
