package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Fingerprint is a bip32 master key fingerprint, stored with the same byte
// order used by PSET bip32 derivation fields.
type Fingerprint uint32

// FingerprintFromHex parses the 8 hex chars form used in key origins.
func FingerprintFromHex(str string) (Fingerprint, error) {
	buf, err := hex.DecodeString(str)
	if err != nil || len(buf) != 4 {
		return 0, fmt.Errorf("fingerprint must be 4 bytes in hex format")
	}
	return Fingerprint(binary.LittleEndian.Uint32(buf)), nil
}

// FingerprintFromPubKey returns the fingerprint of the given public key.
func FingerprintFromPubKey(key *btcec.PublicKey) Fingerprint {
	hash := btcutil.Hash160(key.SerializeCompressed())
	return Fingerprint(binary.LittleEndian.Uint32(hash[:4]))
}

func (f Fingerprint) String() string {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(f))
	return hex.EncodeToString(buf)
}

// KeyOrigin is the optional [fingerprint/path] prefix of a key expression.
type KeyOrigin struct {
	Fingerprint Fingerprint
	Path        DerivationPath
}

// KeyExpr is a key expression of the descriptor, either a single compressed
// public key or an extended public key followed by unhardened steps, an
// optional <a;b> multipath step and an optional trailing wildcard.
type KeyExpr struct {
	Origin    *KeyOrigin
	PubKey    *btcec.PublicKey
	Xpub      *hdkeychain.ExtendedKey
	Steps     DerivationPath
	Multipath []uint32
	Wildcard  bool

	raw         string
	fingerprint Fingerprint
}

// DerivedKey is a public key obtained from a key expression together with
// its full bip32 derivation from the master key.
type DerivedKey struct {
	PubKey      *btcec.PublicKey
	Fingerprint Fingerprint
	Path        DerivationPath
}

func (k *KeyExpr) String() string {
	return k.raw
}

// IsRanged tells whether the key changes with the derivation index.
func (k *KeyExpr) IsRanged() bool {
	return k.Wildcard
}

// Identity returns the signer identity owning this key.
func (k *KeyExpr) Identity() SignerIdentity {
	if k.Origin != nil {
		return SignerIdentity{
			Fingerprint: k.Origin.Fingerprint,
			Path:        k.Origin.Path.Concat(),
		}
	}
	return SignerIdentity{
		Fingerprint: k.fingerprint,
		Path:        DerivationPath{},
	}
}

// Locate returns the chain and index whose derivation from this key yields
// the given bip32 derivation, if any.
func (k *KeyExpr) Locate(
	fingerprint Fingerprint, path DerivationPath,
) (Chain, uint32, bool) {
	identity := k.Identity()
	if k.Xpub == nil || identity.Fingerprint != fingerprint {
		return 0, 0, false
	}
	prefix := identity.Path.Concat(k.Steps...)
	if !path.HasPrefix(prefix) {
		return 0, 0, false
	}
	rest := path[len(prefix):]

	chain := External
	if len(k.Multipath) > 0 {
		if len(rest) == 0 {
			return 0, 0, false
		}
		found := false
		for i, branch := range k.Multipath {
			if rest[0] == branch {
				chain, found = Chain(i), true
				break
			}
		}
		if !found {
			return 0, 0, false
		}
		rest = rest[1:]
	}

	switch {
	case k.Wildcard && len(rest) == 1 && rest[0] < hdkeychain.HardenedKeyStart:
		return chain, rest[0], true
	case !k.Wildcard && len(rest) == 0:
		return chain, 0, true
	}
	return 0, 0, false
}

// Derive returns the public key for the given chain and index.
func (k *KeyExpr) Derive(chain Chain, index uint32) (*DerivedKey, error) {
	identity := k.Identity()
	if k.Xpub == nil {
		return &DerivedKey{k.PubKey, identity.Fingerprint, identity.Path}, nil
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, ErrHardenedIndex
	}

	steps := k.Steps.Concat()
	if len(k.Multipath) > 0 {
		branch := k.Multipath[0]
		if int(chain) < len(k.Multipath) {
			branch = k.Multipath[chain]
		}
		steps = append(steps, branch)
	}
	if k.Wildcard {
		steps = append(steps, index)
	}

	node := k.Xpub
	for _, step := range steps {
		child, err := node.Derive(step)
		if err != nil {
			return nil, err
		}
		node = child
	}
	pubkey, err := node.ECPubKey()
	if err != nil {
		return nil, err
	}
	return &DerivedKey{
		PubKey:      pubkey,
		Fingerprint: identity.Fingerprint,
		Path:        identity.Path.Concat(steps...),
	}, nil
}

func parseKeyExpr(str string) (*KeyExpr, error) {
	key := &KeyExpr{raw: str}
	rest := str

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return nil, malformed(str, "unterminated key origin")
		}
		origin, err := parseKeyOrigin(rest[1:end])
		if err != nil {
			return nil, malformed(str, "%s", err)
		}
		key.Origin = origin
		rest = rest[end+1:]
	}

	elems := strings.Split(rest, "/")
	keyStr := elems[0]
	if keyStr == "" {
		return nil, malformed(str, "missing key")
	}

	if len(keyStr) == 66 {
		buf, err := hex.DecodeString(keyStr)
		if err != nil {
			return nil, malformed(str, "invalid public key hex")
		}
		pubkey, err := btcec.ParsePubKey(buf)
		if err != nil {
			return nil, malformed(str, "invalid public key: %s", err)
		}
		if len(elems) > 1 {
			return nil, malformed(str, "single public key cannot be derived")
		}
		key.PubKey = pubkey
		key.fingerprint = FingerprintFromPubKey(pubkey)
		return key, nil
	}

	xkey, err := hdkeychain.NewKeyFromString(keyStr)
	if err != nil {
		return nil, malformed(str, "invalid extended key: %s", err)
	}
	if xkey.IsPrivate() {
		return nil, malformed(str, "private extended keys are not allowed")
	}
	xpubkey, err := xkey.ECPubKey()
	if err != nil {
		return nil, malformed(str, "invalid extended key: %s", err)
	}
	key.Xpub = xkey
	key.fingerprint = FingerprintFromPubKey(xpubkey)

	for i, elem := range elems[1:] {
		last := i == len(elems)-2
		switch {
		case elem == "*":
			if !last {
				return nil, malformed(str, "wildcard must be the last step")
			}
			key.Wildcard = true
		case elem == "*'" || elem == "*h":
			return nil, malformed(str, "hardened wildcard requires private keys")
		case strings.HasPrefix(elem, "<"):
			if key.Multipath != nil {
				return nil, malformed(str, "only one multipath step is allowed")
			}
			multipath, err := parseMultipath(elem)
			if err != nil {
				return nil, malformed(str, "%s", err)
			}
			key.Multipath = multipath
		default:
			if key.Multipath != nil {
				return nil, malformed(str, "fixed steps after a multipath step")
			}
			step, err := parsePathElem(elem)
			if err != nil {
				return nil, malformed(str, "%s", err)
			}
			if step >= hdkeychain.HardenedKeyStart {
				return nil, malformed(str, "hardened step after a public key")
			}
			key.Steps = append(key.Steps, step)
		}
	}
	return key, nil
}

func parseKeyOrigin(str string) (*KeyOrigin, error) {
	elems := strings.SplitN(str, "/", 2)
	fingerprint, err := FingerprintFromHex(elems[0])
	if err != nil {
		return nil, err
	}
	origin := &KeyOrigin{Fingerprint: fingerprint, Path: DerivationPath{}}
	if len(elems) > 1 {
		path, err := ParseDerivationPath(elems[1])
		if err != nil {
			return nil, err
		}
		origin.Path = path
	}
	return origin, nil
}

func parseMultipath(elem string) ([]uint32, error) {
	if !strings.HasSuffix(elem, ">") {
		return nil, fmt.Errorf("unterminated multipath step")
	}
	branches := strings.Split(elem[1:len(elem)-1], ";")
	if len(branches) != 2 {
		return nil, fmt.Errorf("multipath step must define exactly 2 branches")
	}
	multipath := make([]uint32, 0, 2)
	for _, b := range branches {
		step, err := parsePathElem(b)
		if err != nil {
			return nil, err
		}
		if step >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("hardened multipath step")
		}
		multipath = append(multipath, step)
	}
	if multipath[0] == multipath[1] {
		return nil, fmt.Errorf("multipath branches must differ")
	}
	return multipath, nil
}
