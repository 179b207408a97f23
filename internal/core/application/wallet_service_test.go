package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/internal/core/application"
	walletstore "github.com/tohrxyz/lwk/internal/infrastructure/storage/badger"
	"github.com/tohrxyz/lwk/internal/testutil"
	"github.com/tohrxyz/lwk/pkg/builder"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/signer"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/network"
)

var ctx = context.Background()

func newTestService(
	t *testing.T, desc string, chain *testutil.Chain, store wallet.Store,
) application.WalletService {
	cfg := &application.Config{
		Descriptor: desc,
		Network:    &network.Testnet,
		Explorer:   chain,
		Store:      store,
	}
	require.NoError(t, cfg.Validate())
	return cfg.WalletService()
}

func newSoftware(t *testing.T, seedByte byte) *signer.Software {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	s, err := signer.NewSoftwareFromSeed(seed, &network.Testnet)
	require.NoError(t, err)
	return s
}

func fund(
	t *testing.T, svc application.WalletService, chain *testutil.Chain,
	index uint32, value uint64, height uint32,
) string {
	derived, err := svc.Descriptor().Derive(descriptor.External, index)
	require.NoError(t, err)
	return chain.AddTx(testutil.PayTx(t, derived, value, testutil.LBTC), height, 1)
}

func TestWalletService(t *testing.T) {
	store, err := walletstore.NewStore("", nil)
	require.NoError(t, err)
	defer store.Close()

	chain := testutil.NewChain()
	desc := testutil.SinglesigDescriptor(testutil.NewSigner(t, 1))
	svc := newTestService(t, desc, chain, store)

	result, err := svc.Sync(ctx)
	require.NoError(t, err)
	require.Empty(t, result.NewTransactions)

	balance, err := svc.GetBalance(ctx)
	require.NoError(t, err)
	require.Empty(t, balance)

	addr, err := svc.DeriveAddress(ctx, descriptor.External)
	require.NoError(t, err)
	require.Equal(t, uint32(0), addr.Index)
	expected, err := svc.Descriptor().Derive(descriptor.External, 0)
	require.NoError(t, err)
	require.Equal(t, expected.Address, addr.Address)

	fund(t, svc, chain, 0, 100000, 90)
	fund(t, svc, chain, 1, 40000, 91)

	result, err = svc.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, result.NewTransactions, 2)

	balance, err = svc.GetBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{testutil.LBTC: 140000}, balance)

	addr, err = svc.DeriveAddress(ctx, descriptor.External)
	require.NoError(t, err)
	require.Equal(t, uint32(2), addr.Index)

	utxos, err := svc.ListUtxos(ctx, wallet.Filter{Asset: testutil.LBTC})
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	receiver := testutil.NewWallet(
		t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 9)),
	)
	dest := receiver.Derive(t, descriptor.External, 0)
	pset, err := svc.CreateTransaction(ctx, application.SendRequest{
		Recipients: []builder.Recipient{
			{Address: dest.Address, Asset: testutil.LBTC, Amount: 120000},
		},
	})
	require.NoError(t, err)

	analysis, err := svc.AnalyzeTransaction(ctx, pset)
	require.NoError(t, err)
	require.NotZero(t, analysis.Fee)
	require.Empty(t, analysis.Unknown)
	require.Equal(
		t, -int64(120000+analysis.Fee), analysis.Balance[testutil.LBTC],
	)
	require.Len(t, analysis.MissingSignatures, 2)
	require.False(t, analysis.IsComplete())

	_, err = svc.BroadcastTransaction(ctx, pset)
	require.ErrorIs(t, err, application.ErrPsetNotFinalizable)

	signed, err := svc.SignTransaction(ctx, pset, newSoftware(t, 1), "")
	require.NoError(t, err)

	analysis, err = svc.AnalyzeTransaction(ctx, signed)
	require.NoError(t, err)
	require.True(t, analysis.IsComplete())

	txid, err := svc.BroadcastTransaction(ctx, signed)
	require.NoError(t, err)
	require.NotEmpty(t, txid)

	result, err = svc.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{txid}, result.NewTransactions)

	balance, err = svc.GetBalance(ctx)
	require.NoError(t, err)
	require.Equal(
		t, map[string]uint64{testutil.LBTC: 20000 - analysis.Fee}, balance,
	)

	txs, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	require.Equal(t, txid, txs[2].Txid)

	// A new service sharing the store starts from the persisted state.
	restored := newTestService(t, desc, chain, store)
	restoredTxs, err := restored.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, restoredTxs, len(txs))
	for i, tx := range txs {
		require.Equal(t, tx.Txid, restoredTxs[i].Txid)
		require.Equal(t, tx.Deltas, restoredTxs[i].Deltas)
	}
}

func TestWalletServiceMultisig(t *testing.T) {
	chain := testutil.NewChain()
	desc := testutil.MultisigDescriptor(
		2, testutil.NewSigner(t, 1), testutil.NewSigner(t, 2),
		testutil.NewSigner(t, 3),
	)
	svc := newTestService(t, desc, chain, nil)

	fund(t, svc, chain, 0, 100000, 90)
	_, err := svc.Sync(ctx)
	require.NoError(t, err)

	dest, err := svc.Descriptor().Derive(descriptor.External, 5)
	require.NoError(t, err)
	pset, err := svc.CreateTransaction(ctx, application.SendRequest{
		Recipients: []builder.Recipient{
			{Address: dest.Address, Asset: testutil.LBTC, Amount: 50000},
		},
	})
	require.NoError(t, err)

	pset, err = svc.SignTransaction(ctx, pset, newSoftware(t, 2), "")
	require.NoError(t, err)

	analysis, err := svc.AnalyzeTransaction(ctx, pset)
	require.NoError(t, err)
	require.False(t, analysis.IsComplete())
	for _, missing := range analysis.MissingSignatures {
		require.Len(t, missing, 2)
	}

	_, err = svc.SignTransaction(ctx, pset, newSoftware(t, 7), "")
	require.ErrorIs(t, err, signer.ErrKeyNotFound)

	pset, err = svc.SignTransaction(ctx, pset, newSoftware(t, 3), "")
	require.NoError(t, err)

	analysis, err = svc.AnalyzeTransaction(ctx, pset)
	require.NoError(t, err)
	require.True(t, analysis.IsComplete())

	_, err = svc.BroadcastTransaction(ctx, pset)
	require.NoError(t, err)
}

func TestWalletServiceFails(t *testing.T) {
	chain := testutil.NewChain()
	desc := testutil.SinglesigDescriptor(testutil.NewSigner(t, 1))

	t.Run("config", func(t *testing.T) {
		tests := []struct {
			name string
			cfg  *application.Config
			err  error
		}{
			{
				name: "missing descriptor",
				cfg:  &application.Config{Explorer: chain},
				err:  application.ErrMissingDescriptor,
			},
			{
				name: "missing explorer",
				cfg:  &application.Config{Descriptor: desc},
				err:  application.ErrMissingExplorer,
			},
			{
				name: "invalid descriptor",
				cfg:  &application.Config{Descriptor: "elwpkh()", Explorer: chain},
			},
		}

		for _, tt := range tests {
			tt := tt
			t.Run(tt.name, func(t *testing.T) {
				err := tt.cfg.Validate()
				require.Error(t, err)
				if tt.err != nil {
					require.ErrorIs(t, err, tt.err)
				}
			})
		}
	})

	t.Run("pset", func(t *testing.T) {
		svc := newTestService(t, desc, chain, nil)

		_, err := svc.AnalyzeTransaction(ctx, "not a pset")
		require.ErrorIs(t, err, application.ErrMalformedPset)

		_, err = svc.SignTransaction(ctx, "not a pset", newSoftware(t, 1), "")
		require.ErrorIs(t, err, application.ErrMalformedPset)

		_, err = svc.SignTransaction(ctx, "", nil, "")
		require.ErrorIs(t, err, application.ErrMissingSigner)

		_, err = svc.BroadcastTransaction(ctx, "not a pset")
		require.ErrorIs(t, err, application.ErrMalformedPset)

		_, err = svc.CreateTransaction(ctx, application.SendRequest{
			Recipients: []builder.Recipient{
				{
					Address: testutil.NewWallet(t, desc).Derive(t, descriptor.External, 3).Address,
					Asset:   testutil.LBTC,
					Amount:  1000,
				},
			},
		})
		require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	})
}
