package owners

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

func TestMemoryDirectoryLookup(t *testing.T) {
	dir := NewMemoryDirectory(Contact{Kind: "user", ID: "u-1", Email: "ana@example.com", Name: "Ana"})

	c, err := dir.Lookup(context.Background(), ledger.OwnerRef{Kind: "user", ID: "u-1"})
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", c.Email)
	require.Equal(t, ledger.OwnerRef{Kind: "user", ID: "u-1"}, c.Ref())

	_, err = dir.Lookup(context.Background(), ledger.OwnerRef{Kind: "account", ID: "u-1"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDirectoryUpsertValidates(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	err := dir.Upsert(ctx, Contact{Kind: "user", ID: "u-2", Email: "not-an-address"})
	require.ErrorIs(t, err, ledger.ErrValidation)

	require.NoError(t, dir.Upsert(ctx, Contact{Kind: "user", ID: "u-2", Email: "bo@example.com"}))
	require.NoError(t, dir.Upsert(ctx, Contact{Kind: "user", ID: "u-2", Email: "bo@example.org", Name: "Bo"}))

	c, err := dir.Lookup(ctx, ledger.OwnerRef{Kind: "user", ID: "u-2"})
	require.NoError(t, err)
	require.Equal(t, "bo@example.org", c.Email)
	require.Equal(t, "Bo", c.Name)
	require.False(t, c.UpdatedAt.IsZero())
}
