package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"
)

// Chain is an in-memory chain-data provider. The history of a script is
// made of the added txs paying to it or spending from it.
type Chain struct {
	lock     sync.Mutex
	tip      uint32
	txs      map[string]*transaction.Transaction
	statuses map[string]*explorer.TxStatus
	order    []string
	queries  int
}

// NewChain returns an empty chain with tip at height 100.
func NewChain() *Chain {
	return &Chain{
		tip:      100,
		txs:      make(map[string]*transaction.Transaction),
		statuses: make(map[string]*explorer.TxStatus),
	}
}

// AddTx adds a tx to the chain, unconfirmed if height is zero, and returns
// its hash.
func (c *Chain) AddTx(
	tx *transaction.Transaction, height, position uint32,
) string {
	c.lock.Lock()
	defer c.lock.Unlock()

	txid := tx.TxHash().String()
	c.txs[txid] = tx
	c.statuses[txid] = &explorer.TxStatus{
		Confirmed: height > 0,
		Height:    height,
		Position:  position,
	}
	c.order = append(c.order, txid)
	return txid
}

// Confirm moves a tx into the block at the given height.
func (c *Chain) Confirm(txid string, height, position uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.statuses[txid] = &explorer.TxStatus{
		Confirmed: true,
		Height:    height,
		Position:  position,
	}
}

// RemoveTx drops a tx, like a mempool eviction or a reorg would.
func (c *Chain) RemoveTx(txid string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.txs, txid)
	delete(c.statuses, txid)
	for i, id := range c.order {
		if id == txid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Queries returns the number of history requests served.
func (c *Chain) Queries() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.queries
}

func (c *Chain) GetHistory(
	_ context.Context, script []byte,
) ([]explorer.HistoryEntry, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.queries++
	target := hex.EncodeToString(script)
	history := make([]explorer.HistoryEntry, 0)
	for _, txid := range c.order {
		if c.touches(c.txs[txid], target) {
			history = append(history, explorer.HistoryEntry{
				Txid:   txid,
				Height: c.statuses[txid].Height,
			})
		}
	}
	return history, nil
}

func (c *Chain) touches(tx *transaction.Transaction, script string) bool {
	for _, out := range tx.Outputs {
		if hex.EncodeToString(out.Script) == script {
			return true
		}
	}
	for _, in := range tx.Inputs {
		prev, ok := c.txs[elementsutil.TxIDFromBytes(in.Hash)]
		if !ok || int(in.Index) >= len(prev.Outputs) {
			continue
		}
		if hex.EncodeToString(prev.Outputs[in.Index].Script) == script {
			return true
		}
	}
	return false
}

func (c *Chain) GetTransaction(
	_ context.Context, txid string,
) (*transaction.Transaction, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	tx, ok := c.txs[txid]
	if !ok {
		return nil, explorer.NewProtocolError("tx", nil)
	}
	return tx, nil
}

func (c *Chain) GetTransactionStatus(
	_ context.Context, txid string,
) (*explorer.TxStatus, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	status, ok := c.statuses[txid]
	if !ok {
		return nil, explorer.NewProtocolError("tx_status", nil)
	}
	s := *status
	return &s, nil
}

func (c *Chain) GetTipHeight(context.Context) (uint32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.tip, nil
}

// Broadcast adds the given tx to the mempool.
func (c *Chain) Broadcast(_ context.Context, txhex string) (string, error) {
	tx, err := transaction.NewTxFromHex(txhex)
	if err != nil {
		return "", explorer.NewProtocolError("broadcast", err)
	}
	return c.AddTx(tx, 0, 0), nil
}

// RandomInput returns an input spending a random outpoint, so that every
// test tx gets a distinct hash.
func RandomInput(t *testing.T) *transaction.TxInput {
	hash := make([]byte, 32)
	_, err := rand.Read(hash)
	require.NoError(t, err)
	return transaction.NewTxInput(hash, 0)
}

// PayTx returns a tx paying a blinded output of the given value to the
// derived script, plus an explicit fee output.
func PayTx(
	t *testing.T, derived *descriptor.DerivedScript, value uint64, asset string,
) *transaction.Transaction {
	return NewTx(
		[]*transaction.TxInput{RandomInput(t)},
		BlindedOutput(t, value, asset, derived.Script, derived.BlindingPubKey),
		ExplicitOutput(t, 100, LBTC, nil),
	)
}
