// Package analyzer inspects PSETs from the point of view of a wallet: what
// they do to its balance and which cosigners still have to sign them.
package analyzer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/unblinder"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/payment"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"
)

var (
	// ErrNullPset ...
	ErrNullPset = errors.New("pset must not be null")
	// ErrNullOwner ...
	ErrNullOwner = errors.New("owner must define both descriptor and snapshot")
	// ErrNullPolicy ...
	ErrNullPolicy = errors.New("policy must not be null")
	// ErrMissingUtxo is returned for inputs without the previous output,
	// required to compute sighashes.
	ErrMissingUtxo = errors.New("input is missing the previous output")
)

// ItemKind tells whether an Item is an input or an output.
type ItemKind int

const (
	Input ItemKind = iota
	Output
)

func (k ItemKind) String() string {
	if k == Output {
		return "output"
	}
	return "input"
}

// Item is an owned input or output of a PSET whose value could not be
// revealed.
type Item struct {
	Kind   ItemKind
	Index  int
	Reason error
}

func (i Item) String() string {
	return fmt.Sprintf("%s %d: %s", i.Kind, i.Index, i.Reason)
}

// Effect is the net effect of a PSET on a wallet: the signed amount
// received (positive) or sent (negative) per asset. Owned items that could
// not be revealed are listed in Unknown and not counted in Deltas.
type Effect struct {
	Deltas  map[string]int64
	Unknown []Item
}

// IsComplete tells whether every owned item has been accounted for.
func (e *Effect) IsComplete() bool {
	return len(e.Unknown) == 0
}

// DefaultLookAhead is the number of scripts past the next unused index of
// each chain that are checked when detecting owned items.
const DefaultLookAhead = 100

// Owner is the wallet a PSET is analyzed for. Scripts unknown to Snapshot
// are still recognized if a bip32 derivation of the PSET leads to them or if
// they fall within LookAhead indexes after the next unused one.
type Owner struct {
	Descriptor *descriptor.Descriptor
	Snapshot   *wallet.Snapshot
	LookAhead  uint32
}

func (o Owner) validate() error {
	if o.Descriptor == nil || o.Snapshot == nil {
		return ErrNullOwner
	}
	return nil
}

type ownedItem struct {
	kind  ItemKind
	index int
	out   *transaction.TxOutput
	key   []byte
}

// scriptMatcher tells whether a script belongs to the owner wallet.
type scriptMatcher struct {
	owner  Owner
	window map[string]struct{}
}

func (m *scriptMatcher) owns(
	script []byte, derivations []psetv2.DerivationPathWithPubKey,
) (bool, error) {
	if _, ok := m.owner.Snapshot.ScriptInfo(script); ok {
		return true, nil
	}
	if m.derives(derivations, script) {
		return true, nil
	}
	if m.window == nil {
		if err := m.buildWindow(); err != nil {
			return false, err
		}
	}
	_, ok := m.window[hex.EncodeToString(script)]
	return ok, nil
}

// derives tells whether any of the given derivations belongs to the owner
// descriptor. If script is not nil, the derived script must also match it.
func (m *scriptMatcher) derives(
	derivations []psetv2.DerivationPathWithPubKey, script []byte,
) bool {
	desc := m.owner.Descriptor
	for _, d := range derivations {
		chain, index, ok := desc.Locate(
			descriptor.Fingerprint(d.MasterKeyFingerprint),
			descriptor.DerivationPath(d.Bip32Path),
		)
		if !ok {
			continue
		}
		if script == nil {
			return true
		}
		derived, err := desc.Derive(chain, index)
		if err != nil {
			continue
		}
		if bytes.Equal(derived.Script, script) {
			return true
		}
	}
	return false
}

func (m *scriptMatcher) buildWindow() error {
	desc := m.owner.Descriptor
	lookAhead := m.owner.LookAhead
	if lookAhead == 0 {
		lookAhead = DefaultLookAhead
	}
	chains := []descriptor.Chain{descriptor.External}
	if desc.HasInternalChain() {
		chains = append(chains, descriptor.Internal)
	}
	if !desc.IsRanged() {
		lookAhead = 1
	}

	m.window = make(map[string]struct{})
	for _, chain := range chains {
		start := uint32(0)
		if desc.IsRanged() {
			start = m.owner.Snapshot.NextUnusedIndex(chain)
		}
		for i := uint32(0); i < lookAhead; i++ {
			if start+i >= hdkeychain.HardenedKeyStart {
				break
			}
			derived, err := desc.Derive(chain, start+i)
			if err != nil {
				return err
			}
			m.window[hex.EncodeToString(derived.Script)] = struct{}{}
		}
	}
	return nil
}

// NetEffect returns what the given PSET does to the owner wallet. Inputs
// are owned if they spend a wallet outpoint or script, outputs if they pay
// to a wallet script. Values of inputs are taken from the wallet state when
// known, everything else is unblinded with the descriptor blinding keys.
// Owned items that cannot be revealed are reported in Unknown.
func NetEffect(ctx context.Context, p *psetv2.Pset, owner Owner) (*Effect, error) {
	if p == nil {
		return nil, ErrNullPset
	}
	if err := owner.validate(); err != nil {
		return nil, err
	}
	tx, err := p.UnsignedTx()
	if err != nil {
		return nil, err
	}

	effect := &Effect{
		Deltas:  make(map[string]int64),
		Unknown: make([]Item, 0),
	}
	matcher := &scriptMatcher{owner: owner}
	toUnblind := make([]ownedItem, 0)
	addItem := func(kind ItemKind, index int, out *transaction.TxOutput) {
		item, err := owner.item(kind, index, out)
		if err != nil {
			effect.Unknown = append(effect.Unknown, Item{kind, index, err})
			return
		}
		toUnblind = append(toUnblind, *item)
	}

	for i, in := range p.Inputs {
		outpoint := wallet.Outpoint{
			Txid:  elementsutil.TxIDFromBytes(in.PreviousTxid),
			Index: in.PreviousTxIndex,
		}
		if u, ok := owner.Snapshot.Utxo(outpoint); ok {
			if u.IsResolved() {
				effect.Deltas[u.Unblinded.Asset] -= int64(u.Unblinded.Value)
				continue
			}
			if Prevout(in) == nil {
				addItem(Input, i, u.TxOut)
				continue
			}
		}

		prevout := Prevout(in)
		if prevout == nil {
			if matcher.derives(in.Bip32Derivation, nil) {
				effect.Unknown = append(effect.Unknown, Item{Input, i, ErrMissingUtxo})
			}
			continue
		}
		owned, err := matcher.owns(prevout.Script, in.Bip32Derivation)
		if err != nil {
			return nil, err
		}
		if !owned {
			continue
		}
		addItem(Input, i, prevout)
	}

	for i, out := range tx.Outputs {
		if len(out.Script) == 0 {
			continue
		}
		owned, err := matcher.owns(out.Script, p.Outputs[i].Bip32Derivation)
		if err != nil {
			return nil, err
		}
		if !owned {
			continue
		}
		addItem(Output, i, out)
	}

	outs := make([]*transaction.TxOutput, 0, len(toUnblind))
	keys := make([][]byte, 0, len(toUnblind))
	for _, item := range toUnblind {
		outs = append(outs, item.out)
		keys = append(keys, item.key)
	}
	outcomes, err := unblinder.UnblindAll(ctx, outs, keys, 0)
	if err != nil {
		return nil, err
	}

	for i, outcome := range outcomes {
		item := toUnblind[i]
		if outcome.Err != nil {
			log.WithError(outcome.Err).Debugf(
				"analyzer: could not reveal %s %d", item.kind, item.index,
			)
			effect.Unknown = append(effect.Unknown, Item{
				item.kind, item.index, outcome.Err,
			})
			continue
		}
		amount := int64(outcome.Result.Value)
		if item.kind == Input {
			amount = -amount
		}
		effect.Deltas[outcome.Result.Asset] += amount
	}

	for asset, delta := range effect.Deltas {
		if delta == 0 {
			delete(effect.Deltas, asset)
		}
	}
	sort.SliceStable(effect.Unknown, func(i, j int) bool {
		a, b := effect.Unknown[i], effect.Unknown[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Index < b.Index
	})
	return effect, nil
}

func (o Owner) item(
	kind ItemKind, index int, out *transaction.TxOutput,
) (*ownedItem, error) {
	key, err := o.Descriptor.BlindingPrivateKey(out.Script)
	if err != nil {
		return nil, err
	}
	return &ownedItem{kind, index, out, key.Serialize()}, nil
}

// MissingSignatures returns, for every input of the PSET that belongs to
// the given policy, the cosigners that have not yet produced a valid
// signature. Inputs belong to the policy if their bip32 derivations refer to
// some of its signers. The list of an input is empty once the threshold of
// valid signatures has been reached. Invalid signatures are ignored.
func MissingSignatures(
	p *psetv2.Pset, policy *descriptor.MultisigPolicy,
) (map[int][]descriptor.SignerIdentity, error) {
	if p == nil {
		return nil, ErrNullPset
	}
	if policy == nil {
		return nil, ErrNullPolicy
	}

	var tx *transaction.Transaction
	missing := make(map[int][]descriptor.SignerIdentity)
	for i, in := range p.Inputs {
		signers := relevantSigners(in, policy)
		if len(signers) <= 0 {
			continue
		}

		prevout := Prevout(in)
		if prevout == nil {
			return nil, fmt.Errorf("input %d: %w", i, ErrMissingUtxo)
		}
		if tx == nil {
			var err error
			if tx, err = p.UnsignedTx(); err != nil {
				return nil, err
			}
		}

		signed := validSigners(tx, i, in, prevout, policy)
		if len(signed) >= policy.Threshold {
			missing[i] = []descriptor.SignerIdentity{}
			continue
		}

		notSigned := make([]descriptor.SignerIdentity, 0, len(signers))
		for _, s := range signers {
			if _, ok := signed[policy.IndexOf(s)]; !ok {
				notSigned = append(notSigned, s)
			}
		}
		missing[i] = notSigned
	}
	return missing, nil
}

// relevantSigners returns the policy signers, in policy order, with a bip32
// derivation in the given input.
func relevantSigners(
	in psetv2.Input, policy *descriptor.MultisigPolicy,
) []descriptor.SignerIdentity {
	found := make(map[int]struct{})
	for _, d := range in.Bip32Derivation {
		if i := signerIndex(d, policy); i >= 0 {
			found[i] = struct{}{}
		}
	}
	signers := make([]descriptor.SignerIdentity, 0, len(found))
	for i, s := range policy.Signers {
		if _, ok := found[i]; ok {
			signers = append(signers, s)
		}
	}
	return signers
}

// signerIndex returns the position in the policy of the signer owning the
// given derivation, or -1. Cosigners may share a master fingerprint, so a
// derivation is first matched against the exact key expression of every
// signer and only then by fingerprint and longest path prefix.
func signerIndex(
	d psetv2.DerivationPathWithPubKey, policy *descriptor.MultisigPolicy,
) int {
	fingerprint := descriptor.Fingerprint(d.MasterKeyFingerprint)
	path := descriptor.DerivationPath(d.Bip32Path)

	for i, k := range policy.Keys {
		if i >= len(policy.Signers) || k == nil {
			break
		}
		if _, _, ok := k.Locate(fingerprint, path); ok {
			return i
		}
	}

	index, best := -1, -1
	for i, s := range policy.Signers {
		if s.Fingerprint != fingerprint || !path.HasPrefix(s.Path) {
			continue
		}
		if len(s.Path) > best {
			index, best = i, len(s.Path)
		}
	}
	return index
}

// validSigners returns the policy positions of the signers with a valid
// partial signature for the input.
func validSigners(
	tx *transaction.Transaction, index int, in psetv2.Input,
	prevout *transaction.TxOutput, policy *descriptor.MultisigPolicy,
) map[int]struct{} {
	signed := make(map[int]struct{})
	for _, ps := range in.PartialSigs {
		signer := -1
		for _, d := range in.Bip32Derivation {
			if string(d.PubKey) != string(ps.PubKey) {
				continue
			}
			if signer = signerIndex(d, policy); signer >= 0 {
				break
			}
		}
		if signer < 0 {
			continue
		}
		if !verifySignature(tx, index, in, prevout, ps.PubKey, ps.Signature) {
			log.Debugf(
				"analyzer: invalid signature for input %d by %s",
				index, policy.Signers[signer],
			)
			continue
		}
		signed[signer] = struct{}{}
	}
	return signed
}

func verifySignature(
	tx *transaction.Transaction, index int, in psetv2.Input,
	prevout *transaction.TxOutput, pubkey, sig []byte,
) bool {
	if len(sig) < 2 {
		return false
	}
	key, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	signature, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	scriptCode, err := ScriptCode(in, prevout, pubkey)
	if err != nil {
		return false
	}
	sighashType := txscript.SigHashType(sig[len(sig)-1])
	hash := tx.HashForWitnessV0(index, scriptCode, prevout.Value, sighashType)
	return signature.Verify(hash[:], key)
}

// Prevout returns a copy of the output spent by the input, with the utxo
// range proof attached, or nil if the PSET does not carry it.
func Prevout(in psetv2.Input) *transaction.TxOutput {
	var prevout *transaction.TxOutput
	switch {
	case in.WitnessUtxo != nil:
		prevout = in.WitnessUtxo
	case in.NonWitnessUtxo != nil &&
		int(in.PreviousTxIndex) < len(in.NonWitnessUtxo.Outputs):
		prevout = in.NonWitnessUtxo.Outputs[in.PreviousTxIndex]
	}
	if prevout == nil {
		return nil
	}
	out := *prevout
	if len(out.RangeProof) == 0 && len(in.UtxoRangeProof) > 0 {
		out.RangeProof = in.UtxoRangeProof
	}
	return &out
}

// ScriptCode returns the script committed to by the signatures of the given
// segwit v0 input: the witness script for script-hash inputs, the p2pkh
// script of the signing key otherwise.
func ScriptCode(
	in psetv2.Input, prevout *transaction.TxOutput, pubkey []byte,
) ([]byte, error) {
	if len(in.WitnessScript) > 0 {
		return in.WitnessScript, nil
	}
	script := prevout.Script
	if len(in.RedeemScript) > 0 {
		script = in.RedeemScript
	}
	pay, err := payment.FromScript(script, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(pubkey) > 0 {
		key, err := btcec.ParsePubKey(pubkey)
		if err != nil {
			return nil, err
		}
		if string(payment.FromPublicKey(key, nil, nil).Hash) != string(pay.Hash) {
			return nil, fmt.Errorf("key does not match the input script")
		}
	}
	return pay.Script, nil
}
