package descriptor

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/slip77"
)

const (
	slip77MasterKeyLen = 32
	viewKeyTag         = "CT-Blinding-Key/1.0"
)

// BlindingRule derives the blinding key pair of an output script.
type BlindingRule interface {
	PrivateKey(script []byte) (*btcec.PrivateKey, error)
	String() string
}

type slip77Rule struct {
	masterKey []byte
	node      *slip77.Slip77
}

func (r *slip77Rule) PrivateKey(script []byte) (*btcec.PrivateKey, error) {
	if len(script) <= 0 {
		return nil, ErrNullScript
	}
	prvkey, _, err := r.node.DeriveKey(script)
	if err != nil {
		return nil, err
	}
	return prvkey, nil
}

func (r *slip77Rule) String() string {
	return "slip77(" + hex.EncodeToString(r.masterKey) + ")"
}

// viewKeyRule tweaks a single view key with the tagged hash of its public
// key and the output script.
type viewKeyRule struct {
	key *btcec.PrivateKey
}

func (r *viewKeyRule) PrivateKey(script []byte) (*btcec.PrivateKey, error) {
	if len(script) <= 0 {
		return nil, ErrNullScript
	}
	tweak := chainhash.TaggedHash(
		[]byte(viewKeyTag), r.key.PubKey().SerializeCompressed(), script,
	)

	var k, t btcec.ModNScalar
	k.Set(&r.key.Key)
	t.SetBytes((*[32]byte)(tweak))
	k.Add(&t)
	buf := k.Bytes()
	prvkey, _ := btcec.PrivKeyFromBytes(buf[:])
	return prvkey, nil
}

func (r *viewKeyRule) String() string {
	return hex.EncodeToString(r.key.Serialize())
}

func parseBlindingRule(str string) (BlindingRule, error) {
	if strings.HasPrefix(str, "slip77(") {
		if !strings.HasSuffix(str, ")") {
			return nil, badBlinding(str, "unterminated slip77 clause")
		}
		masterKey, err := hex.DecodeString(str[len("slip77(") : len(str)-1])
		if err != nil || len(masterKey) != slip77MasterKeyLen {
			return nil, badBlinding(
				str, "slip77 master key must be %d bytes in hex format",
				slip77MasterKeyLen,
			)
		}
		node, err := slip77.FromMasterKey(masterKey)
		if err != nil {
			return nil, badBlinding(str, "%s", err)
		}
		return &slip77Rule{masterKey, node}, nil
	}

	if strings.Contains(str, "(") {
		return nil, badBlinding(str, "unknown blinding key function")
	}

	buf, err := hex.DecodeString(str)
	if err != nil {
		return nil, badBlinding(str, "blinding key must be in hex format")
	}
	switch len(buf) {
	case 32:
		var k btcec.ModNScalar
		if overflow := k.SetByteSlice(buf); overflow || k.IsZero() {
			return nil, badBlinding(str, "view key out of range")
		}
		prvkey, _ := btcec.PrivKeyFromBytes(buf)
		return &viewKeyRule{prvkey}, nil
	case 33:
		return nil, badBlinding(
			str, "a public blinding key does not allow to unblind outputs",
		)
	default:
		return nil, badBlinding(str, "invalid blinding key length")
	}
}
