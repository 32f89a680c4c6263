package owners

import (
	"context"
	"sync"
	"time"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

// NewMemoryDirectory returns a directory seeded with contacts.
func NewMemoryDirectory(contacts ...Contact) *MemoryDirectory {
	d := &MemoryDirectory{contacts: make(map[string]Contact)}
	for _, c := range contacts {
		d.contacts[c.Ref().String()] = c
	}
	return d
}

var _ Book = (*MemoryDirectory)(nil)

func (d *MemoryDirectory) Lookup(_ context.Context, ref ledger.OwnerRef) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[ref.String()]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (d *MemoryDirectory) Upsert(_ context.Context, c Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	d.mu.Lock()
	d.contacts[c.Ref().String()] = c
	d.mu.Unlock()
	return nil
}
