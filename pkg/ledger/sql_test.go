package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLStore(t *testing.T) *SQLStore {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := OpenSQL(context.Background(), "sqlite", SQLiteDSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_StoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return setupSQLStore(t)
	})
}

func TestOpenSQL(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unknown driver", func(t *testing.T) {
		_, err := OpenSQL(ctx, "mysql", "dsn")
		assert.ErrorContains(t, err, "unsupported SQL driver")
	})

	t.Run("rejects empty dsn", func(t *testing.T) {
		_, err := OpenSQL(ctx, "sqlite", "")
		assert.ErrorContains(t, err, "dsn cannot be empty")
	})

	t.Run("schema migration is idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.db")
		first, err := OpenSQL(ctx, "sqlite", SQLiteDSN(path))
		require.NoError(t, err)

		rec := newRunningRecord()
		require.NoError(t, first.CreateExperiment(ctx, rec))
		require.NoError(t, first.Close())

		second, err := OpenSQL(ctx, "sqlite", SQLiteDSN(path))
		require.NoError(t, err)
		defer second.Close()

		got, err := second.GetExperiment(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
	})
}
