package walletstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	walletstore "github.com/tohrxyz/lwk/internal/infrastructure/storage/badger"
	"github.com/tohrxyz/lwk/pkg/wallet"
)

func TestStore(t *testing.T) {
	t.Run("SaveAndLoad", testSaveAndLoad())
	t.Run("Persistence", testPersistence())
	t.Run("DeleteAndList", testDeleteAndList())
	t.Run("Fails", testStoreFails())
}

func testSaveAndLoad() func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		store, err := walletstore.NewStore("", nil)
		require.NoError(t, err)
		defer store.Close()

		state, err := store.LoadState(ctx, "w1")
		require.ErrorIs(t, err, wallet.ErrStateNotFound)
		require.Nil(t, state)

		err = store.SaveState(ctx, "w1", []byte("first"))
		require.NoError(t, err)

		state, err = store.LoadState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, []byte("first"), state)

		err = store.SaveState(ctx, "w1", []byte("second"))
		require.NoError(t, err)

		state, err = store.LoadState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, []byte("second"), state)
	}
}

func testPersistence() func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		datadir, err := os.MkdirTemp("", "walletstore")
		require.NoError(t, err)
		defer os.RemoveAll(datadir)

		store, err := walletstore.NewStore(datadir, nil)
		require.NoError(t, err)
		err = store.SaveState(ctx, "w1", []byte("state"))
		require.NoError(t, err)
		require.NoError(t, store.Close())

		store, err = walletstore.NewStore(datadir, nil)
		require.NoError(t, err)
		defer store.Close()

		state, err := store.LoadState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, []byte("state"), state)
	}
}

func testDeleteAndList() func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		store, err := walletstore.NewStore("", nil)
		require.NoError(t, err)
		defer store.Close()

		for _, id := range []string{"w1", "w2"} {
			err := store.SaveState(ctx, id, []byte(id))
			require.NoError(t, err)
		}

		ids, err := store.ListWallets(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"w1", "w2"}, ids)

		err = store.DeleteState(ctx, "w1")
		require.NoError(t, err)
		err = store.DeleteState(ctx, "w1")
		require.NoError(t, err)

		_, err = store.LoadState(ctx, "w1")
		require.ErrorIs(t, err, wallet.ErrStateNotFound)

		ids, err = store.ListWallets(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"w2"}, ids)
	}
}

func testStoreFails() func(*testing.T) {
	return func(t *testing.T) {
		store, err := walletstore.NewStore("", nil)
		require.NoError(t, err)
		defer store.Close()

		ctx := context.Background()
		err = store.SaveState(ctx, "", []byte("state"))
		require.ErrorIs(t, err, walletstore.ErrMissingWalletID)

		err = store.SaveState(ctx, "w1", nil)
		require.ErrorIs(t, err, walletstore.ErrNullState)

		_, err = store.LoadState(ctx, "")
		require.ErrorIs(t, err, walletstore.ErrMissingWalletID)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err = store.SaveState(cancelled, "w1", []byte("state"))
		require.ErrorIs(t, err, context.Canceled)
	}
}
