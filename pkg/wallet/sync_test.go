package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/internal/testutil"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/transaction"
)

type testWallet struct {
	desc   *descriptor.Descriptor
	chain  *testutil.Chain
	syncer *wallet.Syncer
	state  *wallet.State
}

func newTestWallet(t *testing.T, opts wallet.SyncerOpts) *testWallet {
	desc, err := descriptor.Parse(
		testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)),
	)
	require.NoError(t, err)

	chain := testutil.NewChain()
	syncer, err := wallet.NewSyncer(desc, chain, opts)
	require.NoError(t, err)

	return &testWallet{desc, chain, syncer, wallet.NewState()}
}

func (w *testWallet) derive(
	t *testing.T, index uint32, internal bool,
) *descriptor.DerivedScript {
	chain := descriptor.External
	if internal {
		chain = descriptor.Internal
	}
	derived, err := w.desc.Derive(chain, index)
	require.NoError(t, err)
	return derived
}

func (w *testWallet) scan(t *testing.T) *wallet.ScanResult {
	res, err := w.syncer.Scan(context.Background(), w.state)
	require.NoError(t, err)
	return res
}

func TestNewSyncer(t *testing.T) {
	desc, err := descriptor.Parse(
		testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)),
	)
	require.NoError(t, err)

	_, err = wallet.NewSyncer(nil, testutil.NewChain(), wallet.SyncerOpts{})
	require.ErrorIs(t, err, wallet.ErrNullDescriptor)

	_, err = wallet.NewSyncer(desc, nil, wallet.SyncerOpts{})
	require.ErrorIs(t, err, wallet.ErrNullProvider)

	syncer, err := wallet.NewSyncer(desc, testutil.NewChain(), wallet.SyncerOpts{})
	require.NoError(t, err)

	_, err = syncer.Scan(context.Background(), nil)
	require.ErrorIs(t, err, wallet.ErrNullState)
}

func TestScanEmptyWallet(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})

	res := w.scan(t)
	require.Equal(t, 2*wallet.DefaultGapLimit, res.ScannedScripts)
	require.Empty(t, res.NewTransactions)
	require.Equal(t, uint32(100), res.TipHeight)

	snap := w.state.Snapshot()
	require.Empty(t, balance(t, snap))
	require.Empty(t, snap.Transactions())
	require.Zero(t, snap.NextUnusedIndex(descriptor.External))
	require.Zero(t, snap.NextUnusedIndex(descriptor.Internal))
}

func TestScanGapLimit(t *testing.T) {
	t.Run("within gap", func(t *testing.T) {
		w := newTestWallet(t, wallet.SyncerOpts{})
		w.chain.AddTx(payTx(t, w, 5, false, 1000, testutil.LBTC), 10, 1)
		w.chain.AddTx(payTx(t, w, 24, false, 2000, testutil.LBTC), 11, 1)

		res := w.scan(t)
		require.Len(t, res.NewTransactions, 2)
		require.Equal(t, 45+wallet.DefaultGapLimit, res.ScannedScripts)

		snap := w.state.Snapshot()
		require.Equal(t, uint64(3000), balance(t, snap)[testutil.LBTC])
		require.Equal(t, uint32(25), snap.NextUnusedIndex(descriptor.External))
		require.Zero(t, snap.NextUnusedIndex(descriptor.Internal))
	})

	t.Run("beyond gap", func(t *testing.T) {
		w := newTestWallet(t, wallet.SyncerOpts{})
		w.chain.AddTx(payTx(t, w, 5, false, 1000, testutil.LBTC), 10, 1)
		w.chain.AddTx(payTx(t, w, 26, false, 2000, testutil.LBTC), 11, 1)

		res := w.scan(t)
		require.Len(t, res.NewTransactions, 1)

		snap := w.state.Snapshot()
		require.Equal(t, uint64(1000), balance(t, snap)[testutil.LBTC])
		require.Equal(t, uint32(6), snap.NextUnusedIndex(descriptor.External))
	})

	t.Run("custom gap", func(t *testing.T) {
		w := newTestWallet(t, wallet.SyncerOpts{GapLimit: 5})
		w.chain.AddTx(payTx(t, w, 4, false, 1000, testutil.LBTC), 10, 1)
		w.chain.AddTx(payTx(t, w, 10, false, 2000, testutil.LBTC), 11, 1)

		res := w.scan(t)
		require.Len(t, res.NewTransactions, 1)
		require.Equal(t, 10+5, res.ScannedScripts)
	})
}

func TestScanResumesFromNextIndex(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})
	fundTxid := w.chain.AddTx(payTx(t, w, 5, false, 1000, testutil.LBTC), 10, 1)
	w.chain.AddTx(payTx(t, w, 24, false, 2000, testutil.LBTC), 11, 1)
	w.scan(t)

	queries := w.chain.Queries()
	res := w.scan(t)
	require.False(t, res.Changed)
	// The two used scripts, then one gap window per chain.
	require.Equal(t, 2+2*wallet.DefaultGapLimit, res.ScannedScripts)
	require.Equal(t, res.ScannedScripts, w.chain.Queries()-queries)

	spend := testutil.NewTx(
		[]*transaction.TxInput{testutil.Outpoint(t, fundTxid, 0)},
		testutil.ExplicitOutput(t, 900, testutil.LBTC, testutil.RandomScript(t)),
		testutil.ExplicitOutput(t, 100, testutil.LBTC, nil),
	)
	spendTxid := w.chain.AddTx(spend, 0, 0)
	payTxid := w.chain.AddTx(payTx(t, w, 40, false, 3000, testutil.LBTC), 0, 0)

	res = w.scan(t)
	require.ElementsMatch(t, []string{spendTxid, payTxid}, res.NewTransactions)

	snap := w.state.Snapshot()
	require.Equal(t, uint64(5000), balance(t, snap)[testutil.LBTC])
	require.Equal(t, uint32(41), snap.NextUnusedIndex(descriptor.External))
}

func TestScanIsIdempotent(t *testing.T) {
	store := newMemStore()
	w := newTestWallet(t, wallet.SyncerOpts{Store: store})
	w.chain.AddTx(payTx(t, w, 0, false, 1000, testutil.LBTC), 10, 1)
	w.chain.AddTx(payTx(t, w, 1, false, 5000, testutil.USDT), 0, 0)

	res := w.scan(t)
	require.True(t, res.Changed)
	first, err := w.state.Snapshot().Serialize()
	require.NoError(t, err)
	require.Equal(t, 1, store.saves)

	res = w.scan(t)
	require.False(t, res.Changed)
	require.Empty(t, res.NewTransactions)
	second, err := w.state.Snapshot().Serialize()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, store.saves)

	restored, err := w.syncer.LoadState(context.Background())
	require.NoError(t, err)
	third, err := restored.Snapshot().Serialize()
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestScanHistoryOrdering(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})
	late := w.chain.AddTx(payTx(t, w, 0, false, 1000, testutil.LBTC), 12, 1)
	second := w.chain.AddTx(payTx(t, w, 1, false, 1000, testutil.LBTC), 10, 7)
	first := w.chain.AddTx(payTx(t, w, 2, false, 1000, testutil.LBTC), 10, 3)
	mempool := w.chain.AddTx(payTx(t, w, 3, false, 1000, testutil.LBTC), 0, 0)
	w.scan(t)

	newer := w.chain.AddTx(payTx(t, w, 4, false, 1000, testutil.LBTC), 0, 0)
	w.scan(t)

	txs := w.state.Snapshot().Transactions()
	got := make([]string, 0, len(txs))
	for _, tx := range txs {
		got = append(got, tx.Txid)
	}
	require.Equal(t, []string{first, second, late, mempool, newer}, got)

	w.chain.Confirm(newer, 11, 0)
	res := w.scan(t)
	require.Equal(t, []string{newer}, res.UpdatedTransactions)

	txs = w.state.Snapshot().Transactions()
	require.Equal(t, newer, txs[2].Txid)
	require.Equal(t, uint32(11), txs[2].Height)
	require.Equal(t, mempool, txs[4].Txid)
}

func TestScanSpends(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})
	fundTxid := w.chain.AddTx(payTx(t, w, 0, false, 1000, testutil.LBTC), 10, 1)
	w.scan(t)
	require.Equal(t, uint64(1000), balance(t, w.state.Snapshot())[testutil.LBTC])

	change := w.derive(t, 0, true)
	spend := testutil.NewTx(
		[]*transaction.TxInput{testutil.Outpoint(t, fundTxid, 0)},
		testutil.BlindedOutput(t, 400, testutil.LBTC, change.Script, change.BlindingPubKey),
		testutil.ExplicitOutput(t, 500, testutil.LBTC, testutil.RandomScript(t)),
		testutil.ExplicitOutput(t, 100, testutil.LBTC, nil),
	)
	spendTxid := w.chain.AddTx(spend, 0, 0)

	res := w.scan(t)
	require.Equal(t, []string{spendTxid}, res.NewTransactions)

	snap := w.state.Snapshot()
	require.Equal(t, uint64(400), balance(t, snap)[testutil.LBTC])
	require.Equal(t, uint32(1), snap.NextUnusedIndex(descriptor.Internal))

	funding, ok := snap.Utxo(wallet.Outpoint{Txid: fundTxid, Index: 0})
	require.True(t, ok)
	require.True(t, funding.Spent)
	require.Equal(t, spendTxid, funding.SpentBy)

	tx, ok := snap.Transaction(spendTxid)
	require.True(t, ok)
	require.Equal(t, int64(-600), tx.Deltas[testutil.LBTC])
	require.Equal(t, uint64(100), tx.Fee)
	require.False(t, tx.Unknown)

	tx, ok = snap.Transaction(fundTxid)
	require.True(t, ok)
	require.Equal(t, int64(1000), tx.Deltas[testutil.LBTC])

	// Dropping the spending tx from mempool restores the funding utxo.
	w.chain.RemoveTx(spendTxid)
	res = w.scan(t)
	require.Equal(t, []string{spendTxid}, res.RemovedTransactions)

	snap = w.state.Snapshot()
	require.Equal(t, uint64(1000), balance(t, snap)[testutil.LBTC])
	_, ok = snap.Transaction(spendTxid)
	require.False(t, ok)
	funding, _ = snap.Utxo(wallet.Outpoint{Txid: fundTxid, Index: 0})
	require.False(t, funding.Spent)
}

func TestScanUnresolvedOutputs(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})
	derived := w.derive(t, 0, false)

	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	notOurs := testutil.NewTx(
		[]*transaction.TxInput{testutil.RandomInput(t)},
		testutil.BlindedOutput(t, 1000, testutil.LBTC, derived.Script, otherKey.PubKey()),
		testutil.ExplicitOutput(t, 100, testutil.LBTC, nil),
	)
	notOursTxid := w.chain.AddTx(notOurs, 10, 1)

	invalid := payTx(t, w, 1, false, 2000, testutil.LBTC)
	invalid.Outputs[0].RangeProof = nil
	invalidTxid := w.chain.AddTx(invalid, 10, 2)

	w.chain.AddTx(payTx(t, w, 2, false, 3000, testutil.LBTC), 10, 3)

	res := w.scan(t)
	require.Len(t, res.NewTransactions, 3)
	require.Equal(t, 1, res.InvalidProofs)

	snap := w.state.Snapshot()
	require.Equal(t, uint64(3000), balance(t, snap)[testutil.LBTC])
	require.Len(t, snap.ListUtxos(wallet.Filter{}).Collect(), 1)
	require.Len(t, snap.ListUtxos(wallet.Filter{IncludeUnresolved: true}).Collect(), 3)

	u, ok := snap.Utxo(wallet.Outpoint{Txid: invalidTxid, Index: 0})
	require.True(t, ok)
	require.True(t, u.InvalidProof)
	require.False(t, u.IsResolved())

	u, ok = snap.Utxo(wallet.Outpoint{Txid: notOursTxid, Index: 0})
	require.True(t, ok)
	require.False(t, u.InvalidProof)
	require.False(t, u.IsResolved())

	tx, _ := snap.Transaction(notOursTxid)
	require.True(t, tx.Unknown)
	require.Empty(t, tx.Deltas)
}

func TestScanBusy(t *testing.T) {
	provider := &mockProvider{}
	release := make(chan struct{})
	started := make(chan struct{})
	provider.On("GetTipHeight", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(uint32(100), nil).Once()
	provider.On("GetHistory", mock.Anything, mock.Anything).
		Return([]explorer.HistoryEntry{}, nil)

	desc, err := descriptor.Parse(
		testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)),
	)
	require.NoError(t, err)
	syncer, err := wallet.NewSyncer(desc, provider, wallet.SyncerOpts{})
	require.NoError(t, err)
	state := wallet.NewState()

	errc := make(chan error, 1)
	go func() {
		_, err := syncer.Scan(context.Background(), state)
		errc <- err
	}()
	<-started

	_, err = syncer.Scan(context.Background(), state)
	require.ErrorIs(t, err, wallet.ErrBusy)

	close(release)
	require.NoError(t, <-errc)
}

func TestScanProviderErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedKind error
	}{
		{"transient", explorer.NewTransientError("history", errors.New("timeout")), wallet.ErrSyncTransient},
		{"protocol", explorer.NewProtocolError("history", errors.New("bad json")), wallet.ErrSyncProtocol},
		{"unclassified", errors.New("boom"), wallet.ErrSyncTransient},
	}

	desc, err := descriptor.Parse(
		testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)),
	)
	require.NoError(t, err)

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockProvider{}
			provider.On("GetTipHeight", mock.Anything).Return(uint32(100), nil)
			provider.On("GetHistory", mock.Anything, mock.Anything).
				Return(nil, tt.err)

			syncer, err := wallet.NewSyncer(desc, provider, wallet.SyncerOpts{})
			require.NoError(t, err)
			state := wallet.NewState()
			before, err := state.Snapshot().Serialize()
			require.NoError(t, err)

			res, err := syncer.Scan(context.Background(), state)
			require.Nil(t, res)
			require.ErrorIs(t, err, tt.expectedKind)

			var syncErr *wallet.SyncError
			require.True(t, errors.As(err, &syncErr))
			require.Equal(t, tt.expectedKind == wallet.ErrSyncTransient, syncErr.IsTransient())

			after, err := state.Snapshot().Serialize()
			require.NoError(t, err)
			require.Equal(t, before, after)
		})
	}

	t.Run("cancelled", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("GetTipHeight", mock.Anything).Return(uint32(0), context.Canceled)

		syncer, err := wallet.NewSyncer(desc, provider, wallet.SyncerOpts{})
		require.NoError(t, err)

		_, err = syncer.Scan(context.Background(), wallet.NewState())
		require.ErrorIs(t, err, context.Canceled)
		var syncErr *wallet.SyncError
		require.False(t, errors.As(err, &syncErr))
	})
}

func TestScanRejectsMismatchingTx(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})
	tx := payTx(t, w, 0, false, 1000, testutil.LBTC)
	txid := tx.TxHash().String()
	other := payTx(t, w, 1, false, 1000, testutil.LBTC)

	provider := &mockProvider{}
	provider.On("GetTipHeight", mock.Anything).Return(uint32(100), nil)
	provider.On("GetHistory", mock.Anything, w.derive(t, 0, false).Script).
		Return([]explorer.HistoryEntry{{Txid: txid}}, nil)
	provider.On("GetHistory", mock.Anything, mock.Anything).
		Return([]explorer.HistoryEntry{}, nil)
	provider.On("GetTransaction", mock.Anything, txid).Return(other, nil)

	syncer, err := wallet.NewSyncer(w.desc, provider, wallet.SyncerOpts{})
	require.NoError(t, err)

	_, err = syncer.Scan(context.Background(), wallet.NewState())
	require.ErrorIs(t, err, wallet.ErrSyncProtocol)
}
