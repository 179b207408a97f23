package wallet

import (
	"github.com/shopspring/decimal"
	"github.com/tohrxyz/lwk/pkg/descriptor"
)

const (
	// hash + index + sequence
	inBaseSize = 40
	// asset + value + nonce commitments
	confOutBaseSize = 33 + 33 + 33
	// asset + explicit value + empty nonce
	explicitOutBaseSize = 33 + 9 + 1
	// explicit fee output with empty script
	feeOutSize = explicitOutBaseSize + 1
	// size(range proof) + proof + size(surjection proof) + proof
	confOutWitnessSize = 3 + 4174 + 1 + 131
	// empty range and surjection proofs
	explicitOutWitnessSize = 1 + 1
	// no issuance proof + no token proof + no pegin
	inWitnessOverhead = 1 + 1 + 1
	// len + sig + len + pubkey
	p2wpkhWitnessSize = 1 + 107
	// len + sig
	sigSize = 1 + 72
)

var scriptSigSizeByScriptType = map[descriptor.ScriptType]int{
	descriptor.P2WPKH:      1,  // no scriptsig, still len is serialized
	descriptor.P2WSH:       1,  // no scriptsig
	descriptor.P2SH_P2WPKH: 23, // len + p2wpkh script
	descriptor.P2SH_P2WSH:  35, // len + p2wsh script
}

// InputShape describes a wallet input for size estimation. Threshold and
// NumKeys are used only by multisig script types.
type InputShape struct {
	ScriptType descriptor.ScriptType
	Threshold  int
	NumKeys    int
}

// InputShapeOf returns the shape of the inputs spending the scripts of the
// given descriptor.
func InputShapeOf(desc *descriptor.Descriptor) InputShape {
	policy := desc.Policy()
	return InputShape{
		ScriptType: desc.ScriptType,
		Threshold:  policy.Threshold,
		NumKeys:    len(policy.Signers),
	}
}

// OutputShape describes an output for size estimation.
type OutputShape struct {
	ScriptLen    int
	Confidential bool
}

// EstimateTxSize makes an estimation of the virtual size of a transaction
// with the given inputs and outputs. The explicit fee output is always
// accounted for and must not be listed.
func EstimateTxSize(ins []InputShape, outs []OutputShape) int {
	baseSize := calcTxBaseSize(ins, outs)
	totalSize := baseSize + calcTxWitnessSize(ins, outs)

	weight := baseSize*3 + totalSize
	return (weight + 3) / 4
}

func calcTxBaseSize(ins []InputShape, outs []OutputShape) int {
	insSize := 0
	for _, in := range ins {
		insSize += inBaseSize + scriptSigSizeByScriptType[in.ScriptType]
	}

	outsSize := feeOutSize
	for _, out := range outs {
		scriptSize := varIntSerializeSize(uint64(out.ScriptLen)) + out.ScriptLen
		if out.Confidential {
			outsSize += confOutBaseSize + scriptSize
		} else {
			outsSize += explicitOutBaseSize + scriptSize
		}
	}

	// version + locktime + segwit flag
	return 9 +
		varIntSerializeSize(uint64(len(ins))) +
		varIntSerializeSize(uint64(len(outs)+1)) +
		insSize + outsSize
}

func calcTxWitnessSize(ins []InputShape, outs []OutputShape) int {
	insSize := 0
	for _, in := range ins {
		insSize += inWitnessOverhead
		switch in.ScriptType {
		case descriptor.P2WPKH, descriptor.P2SH_P2WPKH:
			insSize += p2wpkhWitnessSize
		case descriptor.P2WSH, descriptor.P2SH_P2WSH:
			// OP_M <pubkeys> OP_N OP_CHECKMULTISIG
			witnessScriptLen := 3 + 34*in.NumKeys
			// num of items + empty item for CHECKMULTISIG + sigs + script
			insSize += varIntSerializeSize(uint64(in.Threshold+2)) + 1 +
				in.Threshold*sigSize +
				varIntSerializeSize(uint64(witnessScriptLen)) + witnessScriptLen
		}
	}

	outsSize := explicitOutWitnessSize
	for _, out := range outs {
		if out.Confidential {
			outsSize += confOutWitnessSize
		} else {
			outsSize += explicitOutWitnessSize
		}
	}

	return insSize + outsSize
}

func varIntSerializeSize(val uint64) int {
	switch {
	case val < 0xfd:
		return 1
	case val <= 0xffff:
		return 3
	case val <= 0xffffffff:
		return 5
	}
	return 9
}

// FeePolicy is the fee rate in sats per virtual byte and the asset used to
// pay network fees.
type FeePolicy struct {
	SatsPerVByte decimal.Decimal
	FeeAsset     string
}

func (p FeePolicy) validate() error {
	if p.SatsPerVByte.IsNegative() {
		return ErrInvalidFeeRate
	}
	if p.FeeAsset == "" {
		return ErrMissingFeeAsset
	}
	return nil
}

// Fee returns the fee amount for a transaction of the given virtual size,
// rounded up to the next satoshi.
func (p FeePolicy) Fee(vsize int) uint64 {
	return uint64(
		p.SatsPerVByte.Mul(decimal.NewFromInt(int64(vsize))).Ceil().IntPart(),
	)
}
