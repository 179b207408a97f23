package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/wallet"
)

// Wallet is a descriptor wallet synced against an in-memory chain.
type Wallet struct {
	Desc   *descriptor.Descriptor
	Chain  *Chain
	Syncer *wallet.Syncer
	State  *wallet.State
}

// NewWallet returns an empty wallet for the given descriptor.
func NewWallet(t *testing.T, desc string) *Wallet {
	d, err := descriptor.Parse(desc)
	require.NoError(t, err)

	chain := NewChain()
	syncer, err := wallet.NewSyncer(d, chain, wallet.SyncerOpts{})
	require.NoError(t, err)

	return &Wallet{d, chain, syncer, wallet.NewState()}
}

// Derive returns the script at the given chain and index.
func (w *Wallet) Derive(
	t *testing.T, chain descriptor.Chain, index uint32,
) *descriptor.DerivedScript {
	derived, err := w.Desc.Derive(chain, index)
	require.NoError(t, err)
	return derived
}

// Fund adds to the chain a tx paying the external script at index and
// returns its hash.
func (w *Wallet) Fund(
	t *testing.T, index uint32, value uint64, asset string, height uint32,
) string {
	tx := PayTx(t, w.Derive(t, descriptor.External, index), value, asset)
	return w.Chain.AddTx(tx, height, 1)
}

// Sync scans the chain and returns a snapshot of the updated state.
func (w *Wallet) Sync(t *testing.T) *wallet.Snapshot {
	_, err := w.Syncer.Scan(context.Background(), w.State)
	require.NoError(t, err)
	return w.State.Snapshot()
}
