package wallet_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/internal/testutil"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/transaction"
)

func fundedWallet(t *testing.T) *testWallet {
	w := newTestWallet(t, wallet.SyncerOpts{})
	w.chain.AddTx(payTx(t, w, 0, false, 100000, testutil.LBTC), 90, 1)
	w.chain.AddTx(payTx(t, w, 1, false, 50000, testutil.LBTC), 91, 1)
	w.chain.AddTx(payTx(t, w, 2, false, 2000, testutil.LBTC), 0, 0)
	w.chain.AddTx(payTx(t, w, 3, false, 700, testutil.USDT), 92, 1)
	w.chain.AddTx(payTx(t, w, 4, false, 300, testutil.USDT), 93, 1)
	w.chain.AddTx(payTx(t, w, 0, true, 500, testutil.USDT), 94, 1)
	w.scan(t)
	return w
}

func TestBalanceAndListUtxos(t *testing.T) {
	snap := fundedWallet(t).state.Snapshot()

	require.Equal(t, map[string]uint64{
		testutil.LBTC: 152000,
		testutil.USDT: 1500,
	}, balance(t, snap))

	it := snap.ListUtxos(wallet.Filter{Asset: testutil.USDT})
	first := it.Collect()
	require.Len(t, first, 3)
	require.False(t, it.Next())

	it.Reset()
	require.Equal(t, first, it.Collect())

	internal := descriptor.Internal
	utxos := snap.ListUtxos(wallet.Filter{Chain: &internal}).Collect()
	require.Len(t, utxos, 1)
	require.Equal(t, uint64(500), utxos[0].Unblinded.Value)

	// tip is 100, the utxo at height 91 has 10 confirmations.
	utxos = snap.ListUtxos(wallet.Filter{
		Asset:            testutil.LBTC,
		MinConfirmations: 10,
	}).Collect()
	require.Len(t, utxos, 2)
}

func TestSnapshotIsolation(t *testing.T) {
	w := fundedWallet(t)
	snap := w.state.Snapshot()

	w.chain.AddTx(payTx(t, w, 5, false, 1, testutil.LBTC), 0, 0)
	w.scan(t)

	require.Equal(t, uint64(152000), balance(t, snap)[testutil.LBTC])
	require.Equal(t, uint64(152001), balance(t, w.state.Snapshot())[testutil.LBTC])
}

func TestSelectCoins(t *testing.T) {
	snap := fundedWallet(t).state.Snapshot()
	fee := wallet.FeePolicy{
		SatsPerVByte: decimal.NewFromFloat(0.1),
		FeeAsset:     testutil.LBTC,
	}
	recipient := wallet.OutputShape{ScriptLen: 22, Confidential: true}

	t.Run("largest first", func(t *testing.T) {
		selection, err := snap.SelectCoins(
			map[string]uint64{testutil.USDT: 900, testutil.LBTC: 60000},
			fee, wallet.SelectionOpts{Outputs: []wallet.OutputShape{recipient, recipient}},
		)
		require.NoError(t, err)
		require.Len(t, selection.Utxos, 3)
		require.Equal(t, testutil.USDT, selection.Utxos[0].Unblinded.Asset)
		require.Equal(t, uint64(700), selection.Utxos[0].Unblinded.Value)
		require.Equal(t, uint64(500), selection.Utxos[1].Unblinded.Value)
		require.Equal(t, uint64(100000), selection.Utxos[2].Unblinded.Value)
		require.Equal(t, uint64(300), selection.Change[testutil.USDT])
		require.NotZero(t, selection.Fee)
		require.Equal(t, 100000-60000-selection.Fee, selection.Change[testutil.LBTC])
	})

	t.Run("fee only", func(t *testing.T) {
		selection, err := snap.SelectCoins(
			map[string]uint64{testutil.USDT: 1000}, fee, wallet.SelectionOpts{},
		)
		require.NoError(t, err)
		require.Len(t, selection.Utxos, 3)
		require.Equal(t, testutil.LBTC, selection.Utxos[2].Unblinded.Asset)
		require.Equal(t, 100000-selection.Fee, selection.Change[testutil.LBTC])
	})

	t.Run("min confirmations", func(t *testing.T) {
		_, err := snap.SelectCoins(
			map[string]uint64{testutil.LBTC: 151000}, fee,
			wallet.SelectionOpts{MinConfirmations: 1},
		)
		require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	})

	t.Run("exclude", func(t *testing.T) {
		excluded := snap.ListUtxos(wallet.Filter{Asset: testutil.USDT}).Collect()
		outpoints := make([]wallet.Outpoint, 0, len(excluded))
		for _, u := range excluded {
			outpoints = append(outpoints, u.Outpoint)
		}
		_, err := snap.SelectCoins(
			map[string]uint64{testutil.USDT: 1}, fee,
			wallet.SelectionOpts{Exclude: outpoints},
		)
		var insufficient *wallet.InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		require.Equal(t, testutil.USDT, insufficient.Asset)
		require.Zero(t, insufficient.Available)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := snap.SelectCoins(
			map[string]uint64{testutil.USDT: 1501}, fee, wallet.SelectionOpts{},
		)
		var insufficient *wallet.InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		require.Equal(t, uint64(1501), insufficient.Needed)
		require.Equal(t, uint64(1500), insufficient.Available)

		_, err = snap.SelectCoins(
			map[string]uint64{testutil.LBTC: 152000}, fee, wallet.SelectionOpts{},
		)
		require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	})

	t.Run("invalid args", func(t *testing.T) {
		_, err := snap.SelectCoins(
			map[string]uint64{testutil.LBTC: 0}, fee, wallet.SelectionOpts{},
		)
		require.ErrorIs(t, err, wallet.ErrInvalidTarget)

		_, err = snap.SelectCoins(
			map[string]uint64{testutil.LBTC: 1}, wallet.FeePolicy{}, wallet.SelectionOpts{},
		)
		require.ErrorIs(t, err, wallet.ErrMissingFeeAsset)
	})
}

func TestParseOutpoint(t *testing.T) {
	txid := testutil.HexHash("tx")
	o, err := wallet.ParseOutpoint(txid + ":3")
	require.NoError(t, err)
	require.Equal(t, wallet.Outpoint{Txid: txid, Index: 3}, o)
	require.Equal(t, txid+":3", o.String())

	for _, s := range []string{"", txid, txid + ":x", "abcd:1", txid + ":1:2"} {
		_, err := wallet.ParseOutpoint(s)
		require.ErrorIs(t, err, wallet.ErrMalformedOutpoint)
	}
}

func TestAmountOverflow(t *testing.T) {
	w := newTestWallet(t, wallet.SyncerOpts{})
	huge := uint64(math.MaxUint64/2 + 1)
	for i, asset := range []string{testutil.LBTC, testutil.LBTC, testutil.USDT, testutil.USDT} {
		tx := testutil.NewTx(
			[]*transaction.TxInput{testutil.RandomInput(t)},
			testutil.ExplicitOutput(t, huge, asset, w.derive(t, uint32(i), false).Script),
		)
		w.chain.AddTx(tx, 90, uint32(i))
	}
	w.scan(t)
	snap := w.state.Snapshot()
	require.Len(t, snap.ListUtxos(wallet.Filter{}).Collect(), 4)

	_, err := snap.Balance()
	require.ErrorIs(t, err, wallet.ErrAmountOverflow)

	fee := wallet.FeePolicy{
		SatsPerVByte: decimal.NewFromFloat(0.1),
		FeeAsset:     testutil.LBTC,
	}
	_, err = snap.SelectCoins(
		map[string]uint64{testutil.USDT: math.MaxUint64}, fee, wallet.SelectionOpts{},
	)
	require.ErrorIs(t, err, wallet.ErrAmountOverflow)

	_, err = snap.SelectCoins(
		map[string]uint64{testutil.LBTC: math.MaxUint64}, fee, wallet.SelectionOpts{},
	)
	require.ErrorIs(t, err, wallet.ErrAmountOverflow)
}
