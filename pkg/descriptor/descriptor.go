package descriptor

import (
	"crypto/sha256"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/payment"
)

// Chain selects the external (receive) or internal (change) branch.
type Chain uint32

const (
	External Chain = iota
	Internal
)

func (c Chain) String() string {
	if c == Internal {
		return "internal"
	}
	return "external"
}

// Chains lists both chains in derivation order.
var Chains = []Chain{External, Internal}

// ScriptType is the kind of output script produced by a descriptor.
type ScriptType int

const (
	P2WPKH ScriptType = iota
	P2WSH
	P2SH_P2WPKH
	P2SH_P2WSH
)

// WrapperKind tells which script template wraps the child node.
type WrapperKind int

const (
	WrapperWpkh WrapperKind = iota
	WrapperWsh
	WrapperSh
)

// Node is a node of the descriptor derivation tree.
type Node interface {
	isNode()
}

// Leaf is a single key source.
type Leaf struct {
	Key *KeyExpr
}

// Multi is a k-of-n multisig over key leaves.
type Multi struct {
	Threshold int
	Sorted    bool
	Children  []*Leaf
}

// Wrapper wraps its child into a script template.
type Wrapper struct {
	Kind  WrapperKind
	Child Node
}

func (*Leaf) isNode()    {}
func (*Multi) isNode()   {}
func (*Wrapper) isNode() {}

// Descriptor is the immutable parsed form of a CT descriptor.
type Descriptor struct {
	Root       Node
	Blinding   BlindingRule
	Network    *network.Network
	ScriptType ScriptType

	desc   string
	policy *MultisigPolicy
}

// DerivedScript is the output of Derive.
type DerivedScript struct {
	Chain          Chain
	Index          uint32
	Script         []byte
	WitnessScript  []byte
	RedeemScript   []byte
	Address        string
	BlindingPubKey *btcec.PublicKey
	Keys           []*DerivedKey
}

// Parse parses a CT descriptor. The network is inferred from the version of
// the extended keys (xpub for liquid, tpub for testnet).
func Parse(text string) (*Descriptor, error) {
	return parse(text, nil)
}

// ParseWithNetwork parses a CT descriptor for the given network.
func ParseWithNetwork(text string, net *network.Network) (*Descriptor, error) {
	return parse(text, net)
}

func parse(text string, net *network.Network) (*Descriptor, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, malformed(text, "empty descriptor")
	}
	desc, _, err := splitChecksum(text)
	if err != nil {
		return nil, err
	}

	name, args, err := splitCall(desc)
	if err != nil {
		return nil, err
	}
	if name != "ct" {
		if _, ok := scriptFunctions[name]; ok {
			return nil, badBlinding(desc, "missing ct() blinding clause")
		}
		return nil, unknownFunction(desc, name)
	}
	if len(args) != 2 {
		return nil, malformed(desc, "ct() expects 2 arguments, got %d", len(args))
	}

	blinding, err := parseBlindingRule(args[0])
	if err != nil {
		return nil, err
	}
	root, scriptType, err := parseScript(args[1])
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Root:       root,
		Blinding:   blinding,
		ScriptType: scriptType,
		desc:       desc,
	}
	d.policy = makePolicy(d)

	if net == nil {
		net = d.inferNetwork()
	}
	d.Network = net
	return d, nil
}

// String returns the descriptor text with its checksum.
func (d *Descriptor) String() string {
	return d.desc + "#" + Checksum(d.desc)
}

// Policy returns the multisig policy of the descriptor.
func (d *Descriptor) Policy() *MultisigPolicy {
	return d.policy
}

// Signers returns the signer identities of the descriptor in key order.
func (d *Descriptor) Signers() []SignerIdentity {
	return append([]SignerIdentity{}, d.policy.Signers...)
}

// HasInternalChain tells whether the descriptor defines a dedicated change
// branch through a multipath step.
func (d *Descriptor) HasInternalChain() bool {
	for _, k := range d.policy.Keys {
		if len(k.Multipath) > 0 {
			return true
		}
	}
	return false
}

// IsRanged tells whether derived scripts change with the index.
func (d *Descriptor) IsRanged() bool {
	for _, k := range d.policy.Keys {
		if k.IsRanged() {
			return true
		}
	}
	return false
}

// BlindingPrivateKey returns the blinding private key of the given script.
func (d *Descriptor) BlindingPrivateKey(script []byte) (*btcec.PrivateKey, error) {
	return d.Blinding.PrivateKey(script)
}

// BlindingPublicKey returns the blinding public key of the given script.
func (d *Descriptor) BlindingPublicKey(script []byte) (*btcec.PublicKey, error) {
	prvkey, err := d.Blinding.PrivateKey(script)
	if err != nil {
		return nil, err
	}
	return prvkey.PubKey(), nil
}

// Locate maps a bip32 derivation of one of the descriptor keys back to the
// chain and index it was derived at.
func (d *Descriptor) Locate(
	fingerprint Fingerprint, path DerivationPath,
) (Chain, uint32, bool) {
	for _, k := range d.policy.Keys {
		if chain, index, ok := k.Locate(fingerprint, path); ok {
			return chain, index, true
		}
	}
	return 0, 0, false
}

// Derive returns the script, the confidential address and the blinding
// pubkey at the given chain and index. It is a pure function of the
// descriptor. Descriptors without a multipath step derive the same scripts
// for both chains.
func (d *Descriptor) Derive(chain Chain, index uint32) (*DerivedScript, error) {
	if chain != External && chain != Internal {
		chain = External
	}

	keys := make([]*DerivedKey, 0, len(d.policy.Keys))
	for _, k := range d.policy.Keys {
		key, err := k.Derive(chain, index)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	derived := &DerivedScript{Chain: chain, Index: index, Keys: keys}
	switch d.ScriptType {
	case P2WPKH:
		derived.Script = p2wpkhScript(keys[0].PubKey)
	case P2SH_P2WPKH:
		derived.RedeemScript = p2wpkhScript(keys[0].PubKey)
		derived.Script = p2shScript(derived.RedeemScript)
	case P2WSH, P2SH_P2WSH:
		witnessScript, err := multisigScript(d.policy, keys)
		if err != nil {
			return nil, err
		}
		derived.WitnessScript = witnessScript
		derived.Script = p2wshScript(witnessScript)
		if d.ScriptType == P2SH_P2WSH {
			derived.RedeemScript = derived.Script
			derived.Script = p2shScript(derived.RedeemScript)
		}
	}

	blindingPubkey, err := d.BlindingPublicKey(derived.Script)
	if err != nil {
		return nil, err
	}
	derived.BlindingPubKey = blindingPubkey

	addr, err := d.confidentialAddress(derived, blindingPubkey)
	if err != nil {
		return nil, err
	}
	derived.Address = addr
	return derived, nil
}

func (d *Descriptor) confidentialAddress(
	derived *DerivedScript, blindingPubkey *btcec.PublicKey,
) (string, error) {
	switch d.ScriptType {
	case P2WPKH:
		return payment.FromPublicKey(
			derived.Keys[0].PubKey, d.Network, blindingPubkey,
		).ConfidentialWitnessPubKeyHash()
	case P2WSH:
		return address.ToBlech32(&address.Blech32{
			Prefix:    d.Network.Blech32,
			Version:   0,
			PublicKey: blindingPubkey.SerializeCompressed(),
			Program:   derived.Script[2:],
		})
	default:
		return address.ToBase58Confidential(&address.Base58Confidential{
			Base58: address.Base58{
				Version: d.Network.ScriptHash,
				Data:    derived.Script[2:22],
			},
			Version:   d.Network.Confidential,
			PublicKey: blindingPubkey.SerializeCompressed(),
		}), nil
	}
}

func (d *Descriptor) inferNetwork() *network.Network {
	for _, k := range d.policy.Keys {
		if k.Xpub == nil {
			continue
		}
		if strings.HasPrefix(k.raw[strings.Index(k.raw, "]")+1:], "xpub") {
			return &network.Liquid
		}
		return &network.Testnet
	}
	return &network.Liquid
}

func makePolicy(d *Descriptor) *MultisigPolicy {
	policy := &MultisigPolicy{Threshold: 1}
	if r, ok := d.Blinding.(*slip77Rule); ok {
		policy.MasterBlindingKey = r.String()[len("slip77(") : len(r.String())-1]
	}

	var walk func(n Node)
	walk = func(n Node) {
		switch node := n.(type) {
		case *Wrapper:
			walk(node.Child)
		case *Multi:
			policy.Threshold = node.Threshold
			policy.Sorted = node.Sorted
			for _, c := range node.Children {
				walk(c)
			}
		case *Leaf:
			policy.Keys = append(policy.Keys, node.Key)
			policy.Signers = append(policy.Signers, node.Key.Identity())
		}
	}
	walk(d.Root)
	return policy
}

func p2wpkhScript(pubkey *btcec.PublicKey) []byte {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubkey.SerializeCompressed())).
		Script()
	return script
}

func p2wshScript(witnessScript []byte) []byte {
	hash := sha256.Sum256(witnessScript)
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash[:]).
		Script()
	return script
}

func p2shScript(redeemScript []byte) []byte {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeemScript)).
		AddOp(txscript.OP_EQUAL).
		Script()
	return script
}

func multisigScript(policy *MultisigPolicy, keys []*DerivedKey) ([]byte, error) {
	pubkeys := make([][]byte, 0, len(keys))
	for _, k := range keys {
		pubkeys = append(pubkeys, k.PubKey.SerializeCompressed())
	}
	if policy.Sorted {
		sort.Slice(pubkeys, func(i, j int) bool {
			return string(pubkeys[i]) < string(pubkeys[j])
		})
	}

	builder := txscript.NewScriptBuilder().AddInt64(int64(policy.Threshold))
	for _, k := range pubkeys {
		builder.AddData(k)
	}
	return builder.
		AddInt64(int64(len(pubkeys))).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}
