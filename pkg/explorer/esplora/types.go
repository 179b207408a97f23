package esplora

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// maxConfirmedPerPage is the number of confirmed txs returned by a single
// scripthash history request.
const maxConfirmedPerPage = 25

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

type historyTx struct {
	Txid   string   `json:"txid"`
	Status txStatus `json:"status"`
}

type merkleProof struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// scriptHash returns the identifier used by esplora to index the history of
// an output script.
func scriptHash(script []byte) string {
	hash := sha256.Sum256(script)
	return hex.EncodeToString(hash[:])
}

func validateTxid(txid string) error {
	buf, err := hex.DecodeString(txid)
	if err != nil || len(buf) != 32 {
		return fmt.Errorf("invalid txid %q", txid)
	}
	return nil
}
