package signer_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/internal/testutil"
	"github.com/tohrxyz/lwk/pkg/analyzer"
	"github.com/tohrxyz/lwk/pkg/builder"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/signer"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon about"

var accountPath = descriptor.DerivationPath{
	0x80000000 + 84, 0x80000000 + 1, 0x80000000,
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

func buildPset(t *testing.T, w *testutil.Wallet) *psetv2.Pset {
	w.Fund(t, 0, 100000, testutil.LBTC, 90)
	w.Fund(t, 1, 40000, testutil.LBTC, 91)
	snap := w.Sync(t)

	receiver := testutil.NewWallet(
		t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 9)),
	)
	dest := receiver.Derive(t, descriptor.External, 0)
	ptx, err := builder.Build(snap, w.Desc, builder.BuildArgs{
		Recipients: []builder.Recipient{
			{Address: dest.Address, Asset: testutil.LBTC, Amount: 120000},
		},
		Fee: wallet.FeePolicy{SatsPerVByte: decimal.NewFromFloat(0.1)},
	})
	require.NoError(t, err)
	return ptx
}

func TestSoftwareIdentity(t *testing.T) {
	s := newSoftware(t, 1)
	expected := testutil.NewSigner(t, 1)

	id := s.Identity()
	require.Equal(t, expected.Fingerprint, id.Fingerprint.String())
	require.Equal(t, descriptor.CapabilitySoftware, id.Capability)
	require.Empty(t, id.Path)

	xpub, err := s.Xpub(accountPath)
	require.NoError(t, err)
	require.Equal(t, expected.Xpub, xpub)

	origin, err := s.KeyOrigin(accountPath)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("[%s/84'/1'/0']%s", expected.Fingerprint, expected.Xpub), origin)
}

func TestNewSoftware(t *testing.T) {
	t.Run("from mnemonic", func(t *testing.T) {
		s, err := signer.NewSoftwareFromMnemonic(testMnemonic, "", &network.Liquid)
		require.NoError(t, err)
		// Well known master fingerprint of the all-abandon mnemonic.
		require.Equal(t, "73c5da0a", s.Identity().Fingerprint.String())

		xpub, err := s.Xpub(descriptor.DerivationPath{})
		require.NoError(t, err)
		require.Contains(t, xpub, "xpub")
	})

	t.Run("from master key", func(t *testing.T) {
		s := newSoftware(t, 3)
		expected := testutil.NewSigner(t, 3)

		other, err := signer.NewSoftware(expected.Master.String())
		require.NoError(t, err)
		require.Equal(t, s.Identity(), other.Identity())
	})

	t.Run("fails", func(t *testing.T) {
		_, err := signer.NewSoftwareFromMnemonic("abandon abandon", "", &network.Liquid)
		require.ErrorIs(t, err, signer.ErrInvalidMnemonic)

		expected := testutil.NewSigner(t, 3)
		_, err = signer.NewSoftware(expected.Xpub)
		require.ErrorIs(t, err, signer.ErrNotMasterKey)

		_, err = signer.NewSoftware("not an extended key")
		require.Error(t, err)
	})
}

func TestSignSinglesig(t *testing.T) {
	s := newSoftware(t, 1)
	w := testutil.NewWallet(t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)))
	ptx := buildPset(t, w)
	unsigned, err := ptx.ToBase64()
	require.NoError(t, err)

	signed, err := s.Sign(context.Background(), ptx, signer.DerivationContext{
		Network: w.Desc.Network,
		Policy:  w.Desc.Policy(),
	})
	require.NoError(t, err)

	// The given pset is left untouched.
	after, err := ptx.ToBase64()
	require.NoError(t, err)
	require.Equal(t, unsigned, after)

	for _, in := range signed.Inputs {
		require.Len(t, in.PartialSigs, 1)
	}
	missing, err := analyzer.MissingSignatures(signed, w.Desc.Policy())
	require.NoError(t, err)
	for _, signers := range missing {
		require.Empty(t, signers)
	}

	// Signing twice adds nothing.
	again, err := s.Sign(context.Background(), signed, signer.DerivationContext{})
	require.NoError(t, err)
	for _, in := range again.Inputs {
		require.Len(t, in.PartialSigs, 1)
	}

	require.NoError(t, psetv2.FinalizeAll(signed))
	tx, err := psetv2.Extract(signed)
	require.NoError(t, err)
	for _, in := range tx.Inputs {
		require.Len(t, in.Witness, 2)
	}
}

func TestSignMultisig(t *testing.T) {
	cosigners := []testutil.Signer{
		testutil.NewSigner(t, 1), testutil.NewSigner(t, 2), testutil.NewSigner(t, 3),
	}
	w := testutil.NewWallet(t, testutil.MultisigDescriptor(2, cosigners...))
	ptx := buildPset(t, w)
	dc := signer.DerivationContext{
		Network: w.Desc.Network,
		Policy:  w.Desc.Policy(),
	}

	signed, err := newSoftware(t, 1).Sign(context.Background(), ptx, dc)
	require.NoError(t, err)
	missing, err := analyzer.MissingSignatures(signed, w.Desc.Policy())
	require.NoError(t, err)
	for _, signers := range missing {
		require.Len(t, signers, 2)
	}

	signed, err = newSoftware(t, 3).Sign(context.Background(), signed, dc)
	require.NoError(t, err)
	missing, err = analyzer.MissingSignatures(signed, w.Desc.Policy())
	require.NoError(t, err)
	for i, in := range signed.Inputs {
		require.Len(t, in.PartialSigs, 2)
		require.Empty(t, missing[i])
	}
}

func TestSignFails(t *testing.T) {
	w := testutil.NewWallet(t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)))
	ptx := buildPset(t, w)
	other := testutil.NewWallet(t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 2)))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name        string
		signer      *signer.Software
		ctx         context.Context
		pset        *psetv2.Pset
		dc          signer.DerivationContext
		expectedErr error
	}{
		{
			name:        "foreign key",
			signer:      newSoftware(t, 2),
			ctx:         context.Background(),
			pset:        ptx,
			expectedErr: signer.ErrKeyNotFound,
		},
		{
			name:        "signer not in policy",
			signer:      newSoftware(t, 1),
			ctx:         context.Background(),
			pset:        ptx,
			dc:          signer.DerivationContext{Policy: other.Desc.Policy()},
			expectedErr: signer.ErrKeyNotFound,
		},
		{
			name:        "null pset",
			signer:      newSoftware(t, 1),
			ctx:         context.Background(),
			expectedErr: signer.ErrInvalidPset,
		},
		{
			name:        "cancelled",
			signer:      newSoftware(t, 1),
			ctx:         cancelled,
			pset:        ptx,
			expectedErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			signed, err := tt.signer.Sign(tt.ctx, tt.pset, tt.dc)
			require.ErrorIs(t, err, tt.expectedErr)
			require.True(t,
				errors.Is(err, signer.ErrKeyNotFound) ||
					errors.Is(err, signer.ErrInvalidPset),
			)
			require.Nil(t, signed)
		})
	}
}

func TestSignRejectsUnderivablePath(t *testing.T) {
	s := newSoftware(t, 1)
	w := testutil.NewWallet(t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)))
	ptx := buildPset(t, w)

	// bip32 keys can't be derived past depth 255.
	tooDeep := make([]uint32, 256)
	ptx.Inputs[0].Bip32Derivation[0].Bip32Path = tooDeep

	signed, err := s.Sign(context.Background(), ptx, signer.DerivationContext{})
	require.ErrorIs(t, err, signer.ErrInvalidPset)
	require.Nil(t, signed)
}

func TestSignRejectsMismatchingDerivation(t *testing.T) {
	s := newSoftware(t, 1)
	w := testutil.NewWallet(t, testutil.SinglesigDescriptor(testutil.NewSigner(t, 1)))
	ptx := buildPset(t, w)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ptx.Inputs[0].Bip32Derivation[0].PubKey = key.PubKey().SerializeCompressed()

	_, err = s.Sign(context.Background(), ptx, signer.DerivationContext{})
	require.ErrorIs(t, err, signer.ErrInvalidPset)
}
