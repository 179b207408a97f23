// Package testutil holds fixtures shared by the tests of the wallet
// packages: seeded keys, test descriptors and blinded outputs.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/pkg/bufferutil"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"
)

const dummyFee = 300

var (
	// LBTC is the policy asset of the testnet network, used by test descriptors.
	LBTC = network.Testnet.AssetID
	// USDT is a made up issued asset.
	USDT = strings.Repeat("ab", 32)
	// Slip77Key is the master blinding key used by test descriptors.
	Slip77Key = HexHash("slip77 master blinding key")
)

// HexHash returns the hex sha256 of str.
func HexHash(str string) string {
	h := sha256.Sum256([]byte(str))
	return hex.EncodeToString(h[:])
}

// Signer is a seeded bip32 master key with its account xpub at m/84'/1'/0'.
type Signer struct {
	Master      *hdkeychain.ExtendedKey
	Fingerprint string
	Xpub        string
}

// NewSigner returns a deterministic signer for the given seed byte.
func NewSigner(t *testing.T, seedByte byte) Signer {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	pubkey, err := master.ECPubKey()
	require.NoError(t, err)
	hash := btcutil.Hash160(pubkey.SerializeCompressed())

	account := master
	for _, step := range []uint32{84, 1, 0} {
		account, err = account.Derive(hdkeychain.HardenedKeyStart + step)
		require.NoError(t, err)
	}
	xpub, err := account.Neuter()
	require.NoError(t, err)

	return Signer{master, hex.EncodeToString(hash[:4]), xpub.String()}
}

// KeyExpr returns the descriptor key expression of the signer.
func (s Signer) KeyExpr() string {
	return fmt.Sprintf("[%s/84'/1'/0']%s/<0;1>/*", s.Fingerprint, s.Xpub)
}

// SinglesigDescriptor returns a ct elwpkh descriptor for the signer.
func SinglesigDescriptor(s Signer) string {
	return fmt.Sprintf("ct(slip77(%s),elwpkh(%s))", Slip77Key, s.KeyExpr())
}

// MultisigDescriptor returns a ct elwsh(sortedmulti) descriptor.
func MultisigDescriptor(threshold int, signers ...Signer) string {
	keys := make([]string, 0, len(signers))
	for _, s := range signers {
		keys = append(keys, s.KeyExpr())
	}
	return fmt.Sprintf(
		"ct(slip77(%s),elwsh(sortedmulti(%d,%s)))",
		Slip77Key, threshold, strings.Join(keys, ","),
	)
}

// ExplicitOutput returns an unblinded output.
func ExplicitOutput(t *testing.T, value uint64, asset string, script []byte) *transaction.TxOutput {
	assetBytes, err := bufferutil.AssetHashToBytes(asset)
	require.NoError(t, err)
	valueBytes, err := elementsutil.ValueToBytes(value)
	require.NoError(t, err)
	return transaction.NewTxOutput(assetBytes, valueBytes, script)
}

// BlindedOutput returns an output of the given value and asset blinded to
// blindingPubkey, with its range and surjection proofs.
func BlindedOutput(
	t *testing.T, value uint64, asset string, script []byte,
	blindingPubkey *btcec.PublicKey,
) *transaction.TxOutput {
	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherScript := RandomScript(t)

	ins := []psetv2.InputArgs{{Txid: strings.Repeat("11", 32), TxIndex: 0}}
	outs := []psetv2.OutputArgs{
		{
			Asset:        asset,
			Amount:       value,
			Script:       script,
			BlindingKey:  blindingPubkey.SerializeCompressed(),
			BlinderIndex: 0,
		},
		{
			Asset:        asset,
			Amount:       1000,
			Script:       otherScript,
			BlindingKey:  otherKey.PubKey().SerializeCompressed(),
			BlinderIndex: 0,
		},
	}
	ptx, err := psetv2.New(ins, outs, nil)
	require.NoError(t, err)
	updater, err := psetv2.NewUpdater(ptx)
	require.NoError(t, err)

	prevout := ExplicitOutput(t, value+1000+dummyFee, asset, otherScript)
	require.NoError(t, updater.AddInWitnessUtxo(0, prevout))

	zkpValidator := confidential.NewZKPValidator()
	zkpGenerator := confidential.NewZKPGeneratorFromBlindingKeys(
		[][]byte{otherKey.Serialize()}, nil,
	)
	ownedInputs, err := zkpGenerator.UnblindInputs(ptx, nil)
	require.NoError(t, err)
	blinder, err := psetv2.NewBlinder(ptx, ownedInputs, zkpValidator, zkpGenerator)
	require.NoError(t, err)
	outBlindingArgs, err := zkpGenerator.BlindOutputs(ptx, nil)
	require.NoError(t, err)
	require.NoError(t, blinder.BlindLast(nil, outBlindingArgs))

	tx, err := ptx.UnsignedTx()
	require.NoError(t, err)
	return tx.Outputs[0]
}

// RandomScript returns a p2wpkh script of a fresh key.
func RandomScript(t *testing.T) []byte {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(key.PubKey().SerializeCompressed())).
		Script()
	require.NoError(t, err)
	return script
}

// Outpoint returns a tx input spending the given outpoint.
func Outpoint(t *testing.T, txid string, index uint32) *transaction.TxInput {
	hash, err := bufferutil.TxIDToBytes(txid)
	require.NoError(t, err)
	return transaction.NewTxInput(hash, index)
}

// NewTx returns a transaction with the given inputs and outputs.
func NewTx(
	ins []*transaction.TxInput, outs ...*transaction.TxOutput,
) *transaction.Transaction {
	tx := transaction.NewTx(2)
	for _, in := range ins {
		tx.AddInput(in)
	}
	for _, out := range outs {
		tx.AddOutput(out)
	}
	return tx
}
