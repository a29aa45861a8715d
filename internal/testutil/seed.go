package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// Seed creates one unlinked entity per name in a single committed
// transaction and returns their ids in order.
func Seed(t testing.TB, b store.Backend, names ...string) []entity.ID {
	t.Helper()
	ids := make([]entity.ID, 0, len(names))
	err := store.RunInTx(context.Background(), b, store.TxOptions{}, func(tx store.Tx) error {
		for _, n := range names {
			e, err := tx.Create(context.Background(), n)
			if err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}
