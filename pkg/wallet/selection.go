package wallet

import (
	"fmt"
	"sort"
)

// p2wsh script length, the largest among the supported change scripts.
const defaultChangeScriptLen = 34

// InsufficientFundsError tells which asset could not be covered. It matches
// ErrInsufficientFunds with errors.Is.
type InsufficientFundsError struct {
	Asset     string
	Needed    uint64
	Available uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf(
		"%s for asset %s: needed %d, available %d",
		ErrInsufficientFunds, e.Asset, e.Needed, e.Available,
	)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// SelectionOpts are the optional parameters of a coin selection.
type SelectionOpts struct {
	// MinConfirmations excludes utxos with fewer confirmations.
	MinConfirmations uint32
	// Input is the shape of the wallet inputs, defaults to p2wpkh.
	Input InputShape
	// Outputs are the recipient outputs, used to estimate the fee. Change
	// outputs are accounted for by the selection.
	Outputs []OutputShape
	// ChangeScriptLen defaults to the length of a p2wsh script.
	ChangeScriptLen int
	// Exclude lists the outpoints that must not be selected.
	Exclude []Outpoint
}

// Selection is the result of a coin selection. The fee is denominated in
// the fee asset of the policy.
type Selection struct {
	Utxos  []*Utxo
	Change map[string]uint64
	Fee    uint64
}

// SelectCoins selects the spendable utxos needed to cover the target amount
// of every asset, plus the network fee in the fee asset. Every asset is
// covered independently with a deterministic largest-first strategy that
// minimizes the number of inputs. The fee grows with the number of
// selected inputs.
func (s *Snapshot) SelectCoins(
	targets map[string]uint64, fee FeePolicy, opts SelectionOpts,
) (*Selection, error) {
	if err := fee.validate(); err != nil {
		return nil, err
	}
	for _, amount := range targets {
		if amount == 0 {
			return nil, ErrInvalidTarget
		}
	}
	if opts.ChangeScriptLen <= 0 {
		opts.ChangeScriptLen = defaultChangeScriptLen
	}

	candidates := s.candidatesByAsset(opts)

	assets := make([]string, 0, len(targets))
	for asset := range targets {
		if asset != fee.FeeAsset {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)

	selection := &Selection{
		Utxos:  make([]*Utxo, 0),
		Change: make(map[string]uint64),
	}
	for _, asset := range assets {
		target := targets[asset]
		utxos, total, err := pickLargestFirst(candidates[asset], target)
		if err != nil {
			return nil, fmt.Errorf("selecting asset %s: %w", asset, err)
		}
		if total < target {
			return nil, &InsufficientFundsError{
				Asset:     asset,
				Needed:    target,
				Available: total,
			}
		}
		selection.Utxos = append(selection.Utxos, utxos...)
		if total > target {
			selection.Change[asset] = total - target
		}
	}

	// The fee asset is covered last since the fee depends on the overall
	// number of inputs and change outputs.
	feeTarget := targets[fee.FeeAsset]
	feeCandidates := candidates[fee.FeeAsset]
	numPicked := 0
	total := uint64(0)
	for {
		txFee := fee.Fee(s.estimateSize(selection, numPicked, opts))
		needed, err := addAmounts(feeTarget, txFee)
		if err != nil {
			return nil, fmt.Errorf("selecting fee asset: %w", err)
		}
		if total >= needed {
			selection.Fee = txFee
			if total > needed {
				selection.Change[fee.FeeAsset] = total - needed
			}
			break
		}
		if numPicked >= len(feeCandidates) {
			return nil, &InsufficientFundsError{
				Asset:     fee.FeeAsset,
				Needed:    needed,
				Available: total,
			}
		}
		sum, err := addAmounts(total, feeCandidates[numPicked].Unblinded.Value)
		if err != nil {
			return nil, fmt.Errorf("selecting fee asset: %w", err)
		}
		total = sum
		numPicked++
	}
	selection.Utxos = append(selection.Utxos, feeCandidates[:numPicked]...)

	return selection, nil
}

func (s *Snapshot) candidatesByAsset(opts SelectionOpts) map[string][]*Utxo {
	excluded := make(map[Outpoint]struct{}, len(opts.Exclude))
	for _, o := range opts.Exclude {
		excluded[o] = struct{}{}
	}

	candidates := make(map[string][]*Utxo)
	it := s.ListUtxos(Filter{MinConfirmations: opts.MinConfirmations})
	for it.Next() {
		u := it.Utxo()
		if _, ok := excluded[u.Outpoint]; ok {
			continue
		}
		asset := u.Unblinded.Asset
		candidates[asset] = append(candidates[asset], u)
	}

	for _, utxos := range candidates {
		sort.SliceStable(utxos, func(i, j int) bool {
			a, b := utxos[i], utxos[j]
			if a.Unblinded.Value != b.Unblinded.Value {
				return a.Unblinded.Value > b.Unblinded.Value
			}
			if a.Outpoint.Txid != b.Outpoint.Txid {
				return a.Outpoint.Txid < b.Outpoint.Txid
			}
			return a.Outpoint.Index < b.Outpoint.Index
		})
	}
	return candidates
}

// estimateSize returns the vsize of the tx spending the selected utxos plus
// numFeeInputs further ones, with a change output for the fee asset and for
// every other asset with change.
func (s *Snapshot) estimateSize(
	selection *Selection, numFeeInputs int, opts SelectionOpts,
) int {
	numInputs := len(selection.Utxos) + numFeeInputs
	ins := make([]InputShape, 0, numInputs)
	for i := 0; i < numInputs; i++ {
		ins = append(ins, opts.Input)
	}

	outs := append([]OutputShape{}, opts.Outputs...)
	change := OutputShape{ScriptLen: opts.ChangeScriptLen, Confidential: true}
	for range selection.Change {
		outs = append(outs, change)
	}
	outs = append(outs, change)

	return EstimateTxSize(ins, outs)
}

// pickLargestFirst takes utxos from the sorted list until the target is
// covered, or all of them if it can't be.
func pickLargestFirst(utxos []*Utxo, target uint64) ([]*Utxo, uint64, error) {
	total := uint64(0)
	for i, u := range utxos {
		sum, err := addAmounts(total, u.Unblinded.Value)
		if err != nil {
			return nil, 0, err
		}
		total = sum
		if total >= target {
			return utxos[:i+1], total, nil
		}
	}
	return utxos, total, nil
}
