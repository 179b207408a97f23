// Package bufferutil adds length and prefix checks on top of the elementsutil
// conversions, which trust their input.
package bufferutil

import (
	"encoding/hex"
	"fmt"

	"github.com/vulpemventures/go-elements/elementsutil"
)

const (
	explicitPrefix = 0x01
	assetLen       = 33
	hashLen        = 32
)

// AssetHashFromBytes returns the hex asset hash of an explicit asset field.
func AssetHashFromBytes(buffer []byte) (string, error) {
	if len(buffer) != assetLen || buffer[0] != explicitPrefix {
		return "", fmt.Errorf("invalid explicit asset")
	}
	return elementsutil.AssetHashFromBytes(buffer), nil
}

// AssetHashToBytes returns the explicit asset field for the given hex hash.
func AssetHashToBytes(str string) ([]byte, error) {
	if err := checkHash(str); err != nil {
		return nil, fmt.Errorf("asset hash: %w", err)
	}
	return elementsutil.AssetHashToBytes(str)
}

func TxIDToBytes(str string) ([]byte, error) {
	if err := checkHash(str); err != nil {
		return nil, fmt.Errorf("txid: %w", err)
	}
	return elementsutil.TxIDToBytes(str)
}

func checkHash(str string) error {
	buf, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	if len(buf) != hashLen {
		return fmt.Errorf("must be %d bytes", hashLen)
	}
	return nil
}
