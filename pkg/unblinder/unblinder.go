package unblinder

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tohrxyz/lwk/pkg/bufferutil"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"
	"golang.org/x/sync/errgroup"
)

const (
	explicitPrefix = 0x01
	blindingKeyLen = 32
)

var (
	// ErrNotOurs is returned when the candidate key cannot rewind the range
	// proof of the output, meaning the output is not addressed to the key.
	ErrNotOurs = errors.New("output is not blinded to the given key")
	// ErrProofInvalid is returned when the commitments, the nonce or the range
	// proof of the output are structurally malformed.
	ErrProofInvalid = errors.New("output has malformed confidential proofs")
	// ErrInvalidBlindingKey ...
	ErrInvalidBlindingKey = errors.New("blinding key must be a 32 bytes private key")
	// ErrNullOutput ...
	ErrNullOutput = errors.New("output must not be null")

	zeroBlinder = make([]byte, 32)
)

// Result holds the revealed secrets of a confidential output. Blinders are
// in the same byte order used by PSET fields.
type Result struct {
	Value        uint64
	Asset        string
	ValueBlinder []byte
	AssetBlinder []byte
}

// IsConfidential tells whether the output hides its value or asset.
func IsConfidential(out *transaction.TxOutput) bool {
	if out == nil {
		return false
	}
	return len(out.Asset) > 0 && out.Asset[0] != explicitPrefix ||
		len(out.Value) > 0 && out.Value[0] != explicitPrefix
}

// Unblind reveals value and asset of the given output with the candidate
// blinding private key. Explicit outputs are returned as they are with zero
// blinders. It is a pure function.
func Unblind(out *transaction.TxOutput, key []byte) (*Result, error) {
	if out == nil {
		return nil, ErrNullOutput
	}
	if !IsConfidential(out) {
		return unblindExplicit(out)
	}
	if len(key) != blindingKeyLen {
		return nil, ErrInvalidBlindingKey
	}
	if err := validateConfidential(out); err != nil {
		return nil, err
	}

	revealed, err := confidential.UnblindOutputWithKey(out, key)
	if err != nil {
		return nil, ErrNotOurs
	}
	if len(revealed.Asset) != 32 {
		return nil, ErrNotOurs
	}

	return &Result{
		Value:        revealed.Value,
		Asset:        hex.EncodeToString(elementsutil.ReverseBytes(revealed.Asset)),
		ValueBlinder: revealed.ValueBlindingFactor,
		AssetBlinder: revealed.AssetBlindingFactor,
	}, nil
}

// Outcome is the result of unblinding one output of a batch.
type Outcome struct {
	Result *Result
	Err    error
}

// UnblindAll unblinds every output with the key at the same position, using
// at most limit goroutines. A nil key is valid for explicit outputs only.
// Per output failures are reported in the outcomes, the returned error is
// set only if ctx is cancelled.
func UnblindAll(
	ctx context.Context, outs []*transaction.TxOutput, keys [][]byte, limit int,
) ([]Outcome, error) {
	if len(keys) != len(outs) {
		return nil, fmt.Errorf("got %d keys for %d outputs", len(keys), len(outs))
	}
	if limit <= 0 {
		limit = 1
	}

	outcomes := make([]Outcome, len(outs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i := range outs {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Unblind(outs[i], keys[i])
			outcomes[i] = Outcome{res, err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func unblindExplicit(out *transaction.TxOutput) (*Result, error) {
	if len(out.Asset) != 33 || len(out.Value) != 9 {
		return nil, fmt.Errorf("%w: explicit asset or value has bad length", ErrProofInvalid)
	}
	value, err := elementsutil.ValueFromBytes(out.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProofInvalid, err)
	}
	asset, err := bufferutil.AssetHashFromBytes(out.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProofInvalid, err)
	}
	return &Result{
		Value:        value,
		Asset:        asset,
		ValueBlinder: zeroBlinder,
		AssetBlinder: zeroBlinder,
	}, nil
}

func validateConfidential(out *transaction.TxOutput) error {
	if len(out.Asset) != 33 || (out.Asset[0] != 0x0a && out.Asset[0] != 0x0b) {
		return fmt.Errorf("%w: bad asset commitment", ErrProofInvalid)
	}
	if len(out.Value) != 33 || (out.Value[0] != 0x08 && out.Value[0] != 0x09) {
		return fmt.Errorf("%w: bad value commitment", ErrProofInvalid)
	}
	if len(out.Nonce) != 33 {
		return fmt.Errorf("%w: bad nonce length", ErrProofInvalid)
	}
	if _, err := btcec.ParsePubKey(out.Nonce); err != nil {
		return fmt.Errorf("%w: bad nonce: %s", ErrProofInvalid, err)
	}
	if len(out.RangeProof) <= 0 {
		return fmt.Errorf("%w: missing range proof", ErrProofInvalid)
	}
	return nil
}
