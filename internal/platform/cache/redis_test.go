package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewAndCheck(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, Check(client)(context.Background()))

	mr.Close()
	require.Error(t, Check(client)(context.Background()))
	require.Error(t, Check(nil)(context.Background()))
}
