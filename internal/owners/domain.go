// Package owners resolves the contact details of billed parties. Ledger
// entries only hold a weak reference (kind and id); this directory is the
// lookup side of that reference.
package owners

import (
	"context"
	"errors"
	"time"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

// ErrNotFound indicates no contact is known for the owner.
var ErrNotFound = errors.New("owners: contact not found")

// Contact is the addressable side of an owner reference.
type Contact struct {
	Kind      string    `json:"kind" validate:"required,oneof=user account"`
	ID        string    `json:"id" validate:"required,max=64"`
	Email     string    `json:"email" validate:"required,email"`
	Name      string    `json:"name" validate:"max=200"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the contact before it is stored.
func (c Contact) Validate() error {
	return ledger.ValidateStruct(c)
}

// Ref returns the owner reference of the contact.
func (c Contact) Ref() ledger.OwnerRef {
	return ledger.OwnerRef{Kind: c.Kind, ID: c.ID}
}

// Directory looks up contacts by owner reference.
type Directory interface {
	Lookup(ctx context.Context, ref ledger.OwnerRef) (Contact, error)
}

// Book is a Directory that also stores contacts.
type Book interface {
	Directory
	Upsert(ctx context.Context, c Contact) error
}
