package wallet_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/wallet"
)

func TestEstimateTxSize(t *testing.T) {
	p2shP2wpkh := wallet.InputShape{ScriptType: descriptor.P2SH_P2WPKH}
	p2wpkh := wallet.InputShape{ScriptType: descriptor.P2WPKH}
	p2shOut := wallet.OutputShape{ScriptLen: 23, Confidential: true}
	p2wpkhOut := wallet.OutputShape{ScriptLen: 22, Confidential: true}

	tests := []struct {
		ins          []wallet.InputShape
		outs         []wallet.OutputShape
		expectedSize int
	}{
		// https://blockstream.info/liquid/tx/3bf5b21f9b5785de089be6dc4963058b4734bf86a9434c9910ad739dbf742eb0
		{
			ins:          []wallet.InputShape{p2shP2wpkh},
			outs:         []wallet.OutputShape{p2shOut, p2shOut},
			expectedSize: 2516,
		},
		// https://blockstream.info/liquid/tx/06d4897d60128cccc588ccd5e1d62eba3d23b154ce8954e6b8057356c9eb9fa0
		{
			ins:          []wallet.InputShape{p2shP2wpkh, p2shP2wpkh},
			outs:         []wallet.OutputShape{p2wpkhOut, p2wpkhOut},
			expectedSize: 2621,
		},
		// https://blockstream.info/liquid/tx/34941db50a2128008451304200e396b64b68120f411f0a4fe0c2f9cef1f9864f
		{
			ins:          []wallet.InputShape{p2wpkh, p2wpkh, p2wpkh},
			outs:         []wallet.OutputShape{p2wpkhOut, p2wpkhOut, p2wpkhOut, p2wpkhOut, p2wpkhOut},
			expectedSize: 6258,
		},
	}
	for _, tt := range tests {
		size := wallet.EstimateTxSize(tt.ins, tt.outs)
		assert.GreaterOrEqual(t, size, tt.expectedSize)
	}
}

func TestEstimateMultisigInputs(t *testing.T) {
	out := wallet.OutputShape{ScriptLen: 34, Confidential: true}
	single := wallet.EstimateTxSize(
		[]wallet.InputShape{{ScriptType: descriptor.P2WPKH}},
		[]wallet.OutputShape{out},
	)
	twoOfThree := wallet.EstimateTxSize(
		[]wallet.InputShape{{ScriptType: descriptor.P2WSH, Threshold: 2, NumKeys: 3}},
		[]wallet.OutputShape{out},
	)
	require.Greater(t, twoOfThree, single)

	explicit := wallet.EstimateTxSize(
		[]wallet.InputShape{{ScriptType: descriptor.P2WPKH}},
		[]wallet.OutputShape{{ScriptLen: 34}},
	)
	require.Less(t, explicit, single)
}

func TestFeePolicy(t *testing.T) {
	policy := wallet.FeePolicy{
		SatsPerVByte: decimal.NewFromFloat(0.1),
		FeeAsset:     "lbtc",
	}
	require.Equal(t, uint64(26), policy.Fee(251))
	require.Equal(t, uint64(0), policy.Fee(0))

	policy.SatsPerVByte = decimal.NewFromInt(1)
	require.Equal(t, uint64(251), policy.Fee(251))
}
