// Package signer defines how PSETs are signed on behalf of the cosigners of
// a descriptor and implements an in-process software signer.
package signer

import (
	"context"
	"errors"

	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
)

var (
	// ErrKeyNotFound is returned when the PSET has no input the signer can
	// sign for.
	ErrKeyNotFound = errors.New("no input can be signed with the signer key")
	// ErrInvalidPset is returned for PSETs that can't be parsed or whose
	// inputs lack what is required to sign them.
	ErrInvalidPset = errors.New("invalid pset")
	// ErrNotMasterKey ...
	ErrNotMasterKey = errors.New("extended key must be a private master key")
	// ErrInvalidMnemonic ...
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	// ErrInvalidEntropySize ...
	ErrInvalidEntropySize = errors.New(
		"entropy size must be a multiple of 32 in the range [128, 256]",
	)
	// ErrNullPlainText ...
	ErrNullPlainText = errors.New("plain text must not be null")
	// ErrNullCypherText ...
	ErrNullCypherText = errors.New("cypher text must not be null")
	// ErrInvalidCypherText ...
	ErrInvalidCypherText = errors.New("cypher text must be in base64 format")
	// ErrNullPassphrase ...
	ErrNullPassphrase = errors.New("passphrase must not be null")
)

// DerivationContext tells a signer which wallet a PSET belongs to. The
// derivation paths are always read from the PSET inputs.
type DerivationContext struct {
	Network *network.Network
	// Policy, if defined, restricts signing to the inputs of the policy.
	Policy *descriptor.MultisigPolicy
	// PolicyName is the name under which the policy is registered on
	// hardware signers.
	PolicyName string
}

// Signer produces signatures for the PSET inputs spending its keys.
type Signer interface {
	// Identity returns the master fingerprint of the signer.
	Identity() descriptor.SignerIdentity
	// Sign returns a copy of the PSET with the signatures of the signer
	// added. The given PSET is never modified. Errors wrap ErrKeyNotFound or
	// ErrInvalidPset.
	Sign(ctx context.Context, p *psetv2.Pset, dc DerivationContext) (*psetv2.Pset, error)
}
