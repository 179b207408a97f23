package descriptor

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DerivationPath is the internal representation of a bip32 derivation path.
type DerivationPath []uint32

// ParseDerivationPath converts a derivation path string like m/84'/1'/0' or
// 84h/1h/0h to the internal binary representation.
func ParseDerivationPath(strPath string) (DerivationPath, error) {
	if strings.TrimSpace(strPath) == "" {
		return nil, ErrNullDerivationPath
	}

	elems := strings.Split(strPath, "/")
	if strings.TrimSpace(elems[0]) == "m" {
		elems = elems[1:]
	}
	if containsEmptyString(elems) {
		return nil, ErrMalformedDerivationPath
	}

	path := make(DerivationPath, 0, len(elems))
	for _, elem := range elems {
		value, err := parsePathElem(elem)
		if err != nil {
			return nil, err
		}
		path = append(path, value)
	}
	return path, nil
}

// String converts a binary derivation path to its canonical representation.
func (path DerivationPath) String() string {
	if len(path) <= 0 {
		return "m"
	}

	result := "m"
	for _, component := range path {
		var hardened bool
		if component >= hdkeychain.HardenedKeyStart {
			component -= hdkeychain.HardenedKeyStart
			hardened = true
		}
		result = fmt.Sprintf("%s/%d", result, component)
		if hardened {
			result += "'"
		}
	}
	return result
}

// Concat returns a new path made of path followed by steps.
func (path DerivationPath) Concat(steps ...uint32) DerivationPath {
	out := make(DerivationPath, 0, len(path)+len(steps))
	out = append(out, path...)
	return append(out, steps...)
}

// HasPrefix tells whether prefix is the leading part of path.
func (path DerivationPath) HasPrefix(prefix DerivationPath) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, p := range prefix {
		if path[i] != p {
			return false
		}
	}
	return true
}

func parsePathElem(elem string) (uint32, error) {
	elem = strings.TrimSpace(elem)
	var value uint32

	if strings.HasSuffix(elem, "'") || strings.HasSuffix(elem, "h") {
		value = hdkeychain.HardenedKeyStart
		elem = strings.TrimSpace(elem[:len(elem)-1])
	}

	bigval, ok := new(big.Int).SetString(elem, 10)
	if !ok {
		return 0, fmt.Errorf("invalid elem '%s' in path", elem)
	}

	max := math.MaxUint32 - value
	if bigval.Sign() < 0 || bigval.Cmp(big.NewInt(int64(max))) > 0 {
		if value == 0 {
			return 0, fmt.Errorf("elem %v must be in range [0, %d]", bigval, max)
		}
		return 0, fmt.Errorf("elem %v must be in hardened range [0, %d]", bigval, max)
	}
	return value + uint32(bigval.Uint64()), nil
}

func containsEmptyString(composedPath []string) bool {
	for _, s := range composedPath {
		if s == "" {
			return true
		}
	}
	return false
}
