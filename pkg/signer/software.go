package signer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/analyzer"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tyler-smith/go-bip39"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"
)

// Software is a signer holding a bip32 master private key in memory.
// Signing is synchronous and does no I/O.
type Software struct {
	master      *hdkeychain.ExtendedKey
	fingerprint descriptor.Fingerprint
}

var _ Signer = (*Software)(nil)

// NewSoftware returns a signer for the given extended private master key.
func NewSoftware(xprv string) (*Software, error) {
	master, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, err
	}
	if !master.IsPrivate() || master.Depth() != 0 {
		return nil, ErrNotMasterKey
	}
	return newSoftware(master)
}

// NewSoftwareFromSeed returns a signer for the master key of the given
// seed. Keys are encoded as xprv/xpub for liquid, tprv/tpub otherwise.
func NewSoftwareFromSeed(seed []byte, net *network.Network) (*Software, error) {
	master, err := hdkeychain.NewMaster(seed, hdParams(net))
	if err != nil {
		return nil, err
	}
	return newSoftware(master)
}

// NewSoftwareFromMnemonic returns a signer for the bip39 mnemonic and
// optional passphrase.
func NewSoftwareFromMnemonic(
	mnemonic, passphrase string, net *network.Network,
) (*Software, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMnemonic, err)
	}
	return NewSoftwareFromSeed(seed, net)
}

func newSoftware(master *hdkeychain.ExtendedKey) (*Software, error) {
	pubkey, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	return &Software{
		master:      master,
		fingerprint: descriptor.FingerprintFromPubKey(pubkey),
	}, nil
}

func hdParams(net *network.Network) *chaincfg.Params {
	if net != nil && net.Name == network.Liquid.Name {
		return &chaincfg.MainNetParams
	}
	return &chaincfg.TestNet3Params
}

// Identity ...
func (s *Software) Identity() descriptor.SignerIdentity {
	return descriptor.SignerIdentity{
		Fingerprint: s.fingerprint,
		Path:        descriptor.DerivationPath{},
		Capability:  descriptor.CapabilitySoftware,
	}
}

// Xpub returns the extended public key at the given path.
func (s *Software) Xpub(path descriptor.DerivationPath) (string, error) {
	key, err := s.derive(path)
	if err != nil {
		return "", err
	}
	xpub, err := key.Neuter()
	if err != nil {
		return "", err
	}
	return xpub.String(), nil
}

// KeyOrigin returns the descriptor key expression [fingerprint/path]xpub of
// the account at the given path.
func (s *Software) KeyOrigin(path descriptor.DerivationPath) (string, error) {
	xpub, err := s.Xpub(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s%s]%s", s.fingerprint, path.String()[1:], xpub), nil
}

func (s *Software) derive(path descriptor.DerivationPath) (*hdkeychain.ExtendedKey, error) {
	key := s.master
	for _, step := range path {
		child, err := key.Derive(step)
		if err != nil {
			return nil, err
		}
		key = child
	}
	return key, nil
}

// Sign adds a signature to every input with a bip32 derivation of the
// signer master key. Inputs already signed by the key are left untouched.
// A context already done is reported as ErrKeyNotFound wrapping its error.
func (s *Software) Sign(
	ctx context.Context, p *psetv2.Pset, dc DerivationContext,
) (*psetv2.Pset, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}
	if dc.Policy != nil {
		if _, ok := dc.Policy.SignerByFingerprint(s.fingerprint); !ok {
			return nil, ErrKeyNotFound
		}
	}

	signed, err := clonePset(p)
	if err != nil {
		return nil, err
	}
	tx, err := signed.UnsignedTx()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPset, err)
	}
	psetSigner, err := psetv2.NewSigner(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPset, err)
	}

	count := 0
	for i := range signed.Inputs {
		for _, d := range signed.Inputs[i].Bip32Derivation {
			if descriptor.Fingerprint(d.MasterKeyFingerprint) != s.fingerprint {
				continue
			}
			in := signed.Inputs[i]
			key, err := s.derive(descriptor.DerivationPath(d.Bip32Path))
			if err != nil {
				return nil, fmt.Errorf(
					"%w: derivation of input %d: %s", ErrInvalidPset, i, err,
				)
			}
			prvkey, err := key.ECPrivKey()
			if err != nil {
				return nil, fmt.Errorf(
					"%w: derivation of input %d: %s", ErrInvalidPset, i, err,
				)
			}
			pubkey := prvkey.PubKey().SerializeCompressed()
			if !bytes.Equal(pubkey, d.PubKey) {
				return nil, fmt.Errorf(
					"%w: derivation of input %d does not match the signer key",
					ErrInvalidPset, i,
				)
			}
			if hasSignature(in, pubkey) {
				count++
				continue
			}

			sig, err := signInput(tx, i, in, prvkey)
			if err != nil {
				return nil, err
			}
			if err := psetSigner.SignInput(i, sig, pubkey, nil, nil); err != nil {
				return nil, fmt.Errorf("%w: input %d: %s", ErrInvalidPset, i, err)
			}
			count++
		}
	}
	if count == 0 {
		return nil, ErrKeyNotFound
	}

	log.Debugf("signer: %s signed %d inputs", s.fingerprint, count)
	return signed, nil
}

func signInput(
	tx *transaction.Transaction, index int, in psetv2.Input, prvkey *btcec.PrivateKey,
) ([]byte, error) {
	prevout := analyzer.Prevout(in)
	if prevout == nil {
		return nil, fmt.Errorf("%w: input %d is missing prevout", ErrInvalidPset, index)
	}
	pubkey := prvkey.PubKey().SerializeCompressed()
	scriptCode, err := analyzer.ScriptCode(in, prevout, pubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: input %d: %s", ErrInvalidPset, index, err)
	}

	sighashType := in.SigHashType
	if sighashType == 0 {
		sighashType = txscript.SigHashAll
	}
	hash := tx.HashForWitnessV0(index, scriptCode, prevout.Value, sighashType)
	sig := ecdsa.Sign(prvkey, hash[:])
	return append(sig.Serialize(), byte(sighashType)), nil
}

func hasSignature(in psetv2.Input, pubkey []byte) bool {
	for _, ps := range in.PartialSigs {
		if bytes.Equal(ps.PubKey, pubkey) {
			return true
		}
	}
	return false
}

func clonePset(p *psetv2.Pset) (*psetv2.Pset, error) {
	if p == nil {
		return nil, ErrInvalidPset
	}
	b64, err := p.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPset, err)
	}
	clone, err := psetv2.NewPsetFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPset, err)
	}
	return clone, nil
}
