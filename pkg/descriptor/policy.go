package descriptor

import "fmt"

// Capability tells how a signer produces signatures.
type Capability int

const (
	// CapabilityUnknown is used for identities read from a descriptor, where
	// nothing is known about the device holding the key.
	CapabilityUnknown Capability = iota
	CapabilitySoftware
	CapabilityHardware
)

func (c Capability) String() string {
	switch c {
	case CapabilitySoftware:
		return "software"
	case CapabilityHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// SignerIdentity identifies a cosigner by master fingerprint and the
// derivation path prefix of its account key.
type SignerIdentity struct {
	Fingerprint Fingerprint
	Path        DerivationPath
	Capability  Capability
}

// Equal compares fingerprint and path. The capability tag is ignored since
// identities coming from a descriptor do not carry it.
func (s SignerIdentity) Equal(other SignerIdentity) bool {
	if s.Fingerprint != other.Fingerprint || len(s.Path) != len(other.Path) {
		return false
	}
	return s.Path.HasPrefix(other.Path)
}

func (s SignerIdentity) String() string {
	return fmt.Sprintf("[%s%s]", s.Fingerprint, s.Path.String()[1:])
}

// MultisigPolicy is the threshold and the ordered set of cosigners of a
// descriptor. Single-sig descriptors have a 1-of-1 policy.
type MultisigPolicy struct {
	Threshold int
	Sorted    bool
	Signers   []SignerIdentity
	// Keys are the key expressions of the signers, same order as Signers.
	Keys []*KeyExpr
	// MasterBlindingKey is the hex slip77 key of the descriptor, if any.
	MasterBlindingKey string
}

// IsMultisig ...
func (p *MultisigPolicy) IsMultisig() bool {
	return len(p.Signers) > 1
}

// IndexOf returns the position of the given identity in the signer set, or
// -1 if not found.
func (p *MultisigPolicy) IndexOf(id SignerIdentity) int {
	for i, s := range p.Signers {
		if s.Equal(id) {
			return i
		}
	}
	return -1
}

// SignerByFingerprint returns the identity with the given fingerprint.
func (p *MultisigPolicy) SignerByFingerprint(
	fingerprint Fingerprint,
) (SignerIdentity, bool) {
	for _, s := range p.Signers {
		if s.Fingerprint == fingerprint {
			return s, true
		}
	}
	return SignerIdentity{}, false
}

// Equal tells whether two policies describe the same multisig setup.
func (p *MultisigPolicy) Equal(other *MultisigPolicy) bool {
	if other == nil {
		return false
	}
	if p.Threshold != other.Threshold || p.Sorted != other.Sorted ||
		len(p.Signers) != len(other.Signers) ||
		p.MasterBlindingKey != other.MasterBlindingKey {
		return false
	}
	if len(p.Keys) != len(other.Keys) {
		return false
	}
	for i := range p.Signers {
		if !p.Signers[i].Equal(other.Signers[i]) {
			return false
		}
	}
	for i := range p.Keys {
		if p.Keys[i].String() != other.Keys[i].String() {
			return false
		}
	}
	return true
}
