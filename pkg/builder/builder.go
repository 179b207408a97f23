// Package builder creates unsigned, blinded PSETs spending the utxos of a
// watch-only wallet.
package builder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/unblinder"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/psetv2"
)

var (
	// ErrUnbalanced is returned if inputs and outputs of the built PSET do not
	// balance for some asset.
	ErrUnbalanced = errors.New("pset is unbalanced")
	// ErrInvalidRecipient ...
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrMissingRecipients ...
	ErrMissingRecipients = errors.New("missing recipients")
	// ErrNullSnapshot ...
	ErrNullSnapshot = errors.New("wallet snapshot must not be null")
	// ErrNullDescriptor ...
	ErrNullDescriptor = errors.New("descriptor must not be null")
	// ErrMissingBlindedOutput is returned when confidential inputs would be
	// spent only to explicit outputs, which can't be balanced.
	ErrMissingBlindedOutput = errors.New(
		"at least one confidential output is required to spend blinded inputs",
	)
)

// BuildError tells why a PSET could not be built.
type BuildError struct {
	Kind error
	// Asset is set for ErrUnbalanced errors.
	Asset string
	// Recipient is the index of the offending recipient for
	// ErrInvalidRecipient errors.
	Recipient int
	Err       error
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case ErrUnbalanced:
		return fmt.Sprintf("%s for asset %s: %s", e.Kind, e.Asset, e.Err)
	case ErrInvalidRecipient:
		return fmt.Sprintf("%s %d: %s", e.Kind, e.Recipient, e.Err)
	}
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Kind
}

// Recipient is a payment of Amount units of Asset to Address. Unconfidential
// addresses are accepted only if Explicit is set, in which case also
// confidential ones get an explicit output.
type Recipient struct {
	Address  string
	Asset    string
	Amount   uint64
	Explicit bool
}

// BuildArgs are the parameters of Build. Fee.FeeAsset defaults to the
// policy asset of the descriptor network.
type BuildArgs struct {
	Recipients       []Recipient
	Fee              wallet.FeePolicy
	MinConfirmations uint32
}

func (a BuildArgs) validate() error {
	if len(a.Recipients) <= 0 {
		return &BuildError{Kind: ErrMissingRecipients}
	}
	for i, r := range a.Recipients {
		if r.Amount == 0 {
			return &BuildError{
				Kind: ErrInvalidRecipient, Recipient: i,
				Err: fmt.Errorf("amount must be positive"),
			}
		}
		if buf, err := hex.DecodeString(r.Asset); err != nil || len(buf) != 32 {
			return &BuildError{
				Kind: ErrInvalidRecipient, Recipient: i,
				Err: fmt.Errorf("asset must be a 32 bytes hash in hex format"),
			}
		}
	}
	return nil
}

type decodedRecipient struct {
	script      []byte
	blindingKey []byte
}

// Build selects the wallet utxos to fund the given recipients and returns
// an unsigned PSET with blinded recipient and change outputs plus the
// explicit fee output. Inputs carry everything a cosigner needs to sign:
// witness utxo, range proof, sighash type, scripts and the bip32 derivation
// of every key. The snapshot is never modified.
func Build(
	snap *wallet.Snapshot, desc *descriptor.Descriptor, args BuildArgs,
) (*psetv2.Pset, error) {
	if snap == nil {
		return nil, ErrNullSnapshot
	}
	if desc == nil {
		return nil, ErrNullDescriptor
	}
	if args.Fee.FeeAsset == "" {
		args.Fee.FeeAsset = desc.Network.AssetID
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	recipients := make([]decodedRecipient, 0, len(args.Recipients))
	targets := make(map[string]uint64)
	shapes := make([]wallet.OutputShape, 0, len(args.Recipients))
	for i, r := range args.Recipients {
		decoded, err := decodeRecipient(r, desc)
		if err != nil {
			return nil, &BuildError{Kind: ErrInvalidRecipient, Recipient: i, Err: err}
		}
		recipients = append(recipients, *decoded)
		targets[r.Asset] += r.Amount
		shapes = append(shapes, wallet.OutputShape{
			ScriptLen:    len(decoded.script),
			Confidential: decoded.blindingKey != nil,
		})
	}

	changeChain := descriptor.External
	if desc.HasInternalChain() {
		changeChain = descriptor.Internal
	}
	change, err := desc.Derive(changeChain, snap.NextUnusedIndex(changeChain))
	if err != nil {
		return nil, err
	}

	selection, err := snap.SelectCoins(targets, args.Fee, wallet.SelectionOpts{
		MinConfirmations: args.MinConfirmations,
		Input:            wallet.InputShapeOf(desc),
		Outputs:          shapes,
		ChangeScriptLen:  len(change.Script),
	})
	if err != nil {
		return nil, err
	}

	ins := make([]psetv2.InputArgs, 0, len(selection.Utxos))
	for _, u := range selection.Utxos {
		ins = append(ins, psetv2.InputArgs{
			Txid:    u.Outpoint.Txid,
			TxIndex: u.Outpoint.Index,
		})
	}

	outs := make([]psetv2.OutputArgs, 0, len(recipients)+len(selection.Change))
	for i, r := range recipients {
		outs = append(outs, psetv2.OutputArgs{
			Asset:       args.Recipients[i].Asset,
			Amount:      args.Recipients[i].Amount,
			Script:      r.script,
			BlindingKey: r.blindingKey,
		})
	}
	changeAssets := make([]string, 0, len(selection.Change))
	for asset := range selection.Change {
		changeAssets = append(changeAssets, asset)
	}
	sort.Strings(changeAssets)
	changeBlindingKey := change.BlindingPubKey.SerializeCompressed()
	for _, asset := range changeAssets {
		outs = append(outs, psetv2.OutputArgs{
			Asset:       asset,
			Amount:      selection.Change[asset],
			Script:      change.Script,
			BlindingKey: changeBlindingKey,
		})
	}

	ptx, err := psetv2.New(ins, outs, nil)
	if err != nil {
		return nil, err
	}
	updater, err := psetv2.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}

	for i, u := range selection.Utxos {
		if err := addInputInfo(updater, desc, i, u); err != nil {
			return nil, fmt.Errorf("failed to update input %d: %w", i, err)
		}
	}
	for i := len(recipients); i < len(outs); i++ {
		if err := addDerivations(
			func(d psetv2.DerivationPathWithPubKey) error {
				return updater.AddOutBip32Derivation(i, d)
			},
			change.Keys,
		); err != nil {
			return nil, fmt.Errorf("failed to update change output %d: %w", i, err)
		}
	}

	if err := blind(ptx, desc, selection.Utxos); err != nil {
		return nil, err
	}

	if err := updater.AddOutputs([]psetv2.OutputArgs{{
		Asset:  args.Fee.FeeAsset,
		Amount: selection.Fee,
	}}); err != nil {
		return nil, err
	}

	if err := checkBalance(ptx, selection.Utxos); err != nil {
		return nil, err
	}

	log.Debugf(
		"builder: built pset with %d inputs, %d outputs, fee %d",
		len(ptx.Inputs), len(ptx.Outputs), selection.Fee,
	)
	return ptx, nil
}

func decodeRecipient(
	r Recipient, desc *descriptor.Descriptor,
) (*decodedRecipient, error) {
	net, err := address.NetworkForAddress(r.Address)
	if err != nil {
		return nil, err
	}
	if net.Name != desc.Network.Name {
		return nil, fmt.Errorf(
			"address %s is for network %s, not %s", r.Address, net.Name, desc.Network.Name,
		)
	}

	isConfidential, err := address.IsConfidential(r.Address)
	if err != nil {
		return nil, err
	}
	if !isConfidential {
		if !r.Explicit {
			return nil, fmt.Errorf(
				"unconfidential address %s requires an explicit output", r.Address,
			)
		}
		script, err := address.ToOutputScript(r.Address)
		if err != nil {
			return nil, err
		}
		return &decodedRecipient{script, nil}, nil
	}

	info, err := address.FromConfidential(r.Address)
	if err != nil {
		return nil, err
	}
	blindingKey := info.BlindingKey
	if r.Explicit {
		blindingKey = nil
	}
	return &decodedRecipient{info.Script, blindingKey}, nil
}

func addInputInfo(
	updater *psetv2.Updater, desc *descriptor.Descriptor, i int, u *wallet.Utxo,
) error {
	if err := updater.AddInWitnessUtxo(i, u.TxOut); err != nil {
		return err
	}
	if len(u.TxOut.RangeProof) > 0 {
		if err := updater.AddInUtxoRangeProof(i, u.TxOut.RangeProof); err != nil {
			return err
		}
	}
	if err := updater.AddInSighashType(i, txscript.SigHashAll); err != nil {
		return err
	}

	derived, err := desc.Derive(u.ScriptInfo.Chain, u.ScriptInfo.Index)
	if err != nil {
		return err
	}
	if len(derived.RedeemScript) > 0 {
		if err := updater.AddInRedeemScript(i, derived.RedeemScript); err != nil {
			return err
		}
	}
	if len(derived.WitnessScript) > 0 {
		if err := updater.AddInWitnessScript(i, derived.WitnessScript); err != nil {
			return err
		}
	}
	return addDerivations(
		func(d psetv2.DerivationPathWithPubKey) error {
			return updater.AddInBip32Derivation(i, d)
		},
		derived.Keys,
	)
}

func addDerivations(
	add func(psetv2.DerivationPathWithPubKey) error, keys []*descriptor.DerivedKey,
) error {
	for _, k := range keys {
		if err := add(psetv2.DerivationPathWithPubKey{
			PubKey:               k.PubKey.SerializeCompressed(),
			MasterKeyFingerprint: uint32(k.Fingerprint),
			Bip32Path:            []uint32(k.Path),
		}); err != nil {
			return err
		}
	}
	return nil
}

// blind blinds the confidential outputs with the secrets of the inputs,
// revealed with the wallet blinding keys. Ephemeral nonces are fresh for
// every output.
func blind(
	ptx *psetv2.Pset, desc *descriptor.Descriptor, utxos []*wallet.Utxo,
) error {
	numBlinded := 0
	for _, out := range ptx.Outputs {
		if len(out.BlindingPubkey) > 0 {
			numBlinded++
		}
	}
	if numBlinded == 0 {
		for _, u := range utxos {
			if unblinder.IsConfidential(u.TxOut) {
				return &BuildError{Kind: ErrMissingBlindedOutput}
			}
		}
		return nil
	}

	keys := make([][]byte, 0, len(utxos))
	for _, u := range utxos {
		key, err := desc.BlindingPrivateKey(u.Script)
		if err != nil {
			return err
		}
		keys = append(keys, key.Serialize())
	}

	zkpValidator := confidential.NewZKPValidator()
	zkpGenerator := confidential.NewZKPGeneratorFromBlindingKeys(keys, nil)
	ownedInputs, err := zkpGenerator.UnblindInputs(ptx, nil)
	if err != nil {
		return fmt.Errorf("failed to unblind inputs: %w", err)
	}
	blinder, err := psetv2.NewBlinder(ptx, ownedInputs, zkpValidator, zkpGenerator)
	if err != nil {
		return err
	}
	outBlindingArgs, err := zkpGenerator.BlindOutputs(ptx, nil)
	if err != nil {
		return fmt.Errorf("failed to blind outputs: %w", err)
	}
	return blinder.BlindLast(nil, outBlindingArgs)
}

// checkBalance verifies that for every asset the selected inputs equal the
// outputs, fee included.
func checkBalance(ptx *psetv2.Pset, utxos []*wallet.Utxo) error {
	balance := make(map[string]int64)
	for _, u := range utxos {
		balance[u.Unblinded.Asset] += int64(u.Unblinded.Value)
	}
	for _, out := range ptx.Outputs {
		asset := hex.EncodeToString(elementsutil.ReverseBytes(out.Asset))
		balance[asset] -= int64(out.Value)
	}

	assets := make([]string, 0, len(balance))
	for asset := range balance {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		if diff := balance[asset]; diff != 0 {
			return &BuildError{
				Kind:  ErrUnbalanced,
				Asset: asset,
				Err:   fmt.Errorf("inputs exceed outputs by %d", diff),
			}
		}
	}
	return nil
}
