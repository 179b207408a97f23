// Package wallet holds the watch-only state of a CT descriptor wallet and
// the engine that keeps it in sync with the chain.
package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/vulpemventures/go-elements/transaction"
)

var (
	// ErrBusy is returned when a scan is requested for a state that is
	// already being scanned.
	ErrBusy = errors.New("wallet state is busy with another scan")
	// ErrInsufficientFunds ...
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrStateNotFound is returned by stores without a state for a wallet.
	ErrStateNotFound = errors.New("wallet state not found")
	// ErrNullDescriptor ...
	ErrNullDescriptor = errors.New("descriptor must not be null")
	// ErrNullProvider ...
	ErrNullProvider = errors.New("chain-data provider must not be null")
	// ErrNullState ...
	ErrNullState = errors.New("wallet state must not be null")
	// ErrInvalidFeeRate ...
	ErrInvalidFeeRate = errors.New("fee rate must not be negative")
	// ErrMissingFeeAsset ...
	ErrMissingFeeAsset = errors.New("missing fee asset")
	// ErrInvalidTarget ...
	ErrInvalidTarget = errors.New("target amounts must be positive")
	// ErrMalformedOutpoint ...
	ErrMalformedOutpoint = errors.New("outpoint must be in the form txid:vout")
	// ErrAmountOverflow is returned when a sum of amounts does not fit 64
	// bits.
	ErrAmountOverflow = errors.New("amount sum overflows uint64")
)

func addAmounts(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

// ID returns the identifier of the wallet of the given descriptor, used as
// key by state stores.
func ID(desc *descriptor.Descriptor) string {
	hash := sha256.Sum256([]byte(desc.String()))
	return hex.EncodeToString(hash[:])
}

// Outpoint identifies a transaction output.
type Outpoint struct {
	Txid  string `json:"txid"`
	Index uint32 `json:"vout"`
}

// ParseOutpoint parses the txid:vout form.
func ParseOutpoint(str string) (Outpoint, error) {
	parts := strings.Split(str, ":")
	if len(parts) != 2 {
		return Outpoint{}, ErrMalformedOutpoint
	}
	if buf, err := hex.DecodeString(parts[0]); err != nil || len(buf) != 32 {
		return Outpoint{}, ErrMalformedOutpoint
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Outpoint{}, ErrMalformedOutpoint
	}
	return Outpoint{parts[0], uint32(index)}, nil
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Index)
}

// ScriptInfo tells where an owned script has been derived from.
type ScriptInfo struct {
	Chain descriptor.Chain `json:"chain"`
	Index uint32           `json:"index"`
}

// UnblindedData are the revealed secrets of an owned output.
type UnblindedData struct {
	Value        uint64 `json:"value"`
	Asset        string `json:"asset"`
	ValueBlinder []byte `json:"value_blinder"`
	AssetBlinder []byte `json:"asset_blinder"`
}

// Utxo is an output paying to one of the wallet scripts. Unblinded is nil if
// the output could not be revealed, in which case it does not count toward
// balances nor can be selected.
type Utxo struct {
	Outpoint     Outpoint              `json:"outpoint"`
	Script       []byte                `json:"script"`
	ScriptInfo   ScriptInfo            `json:"script_info"`
	Height       uint32                `json:"height"`
	TxOut        *transaction.TxOutput `json:"txout"`
	Unblinded    *UnblindedData        `json:"unblinded,omitempty"`
	InvalidProof bool                  `json:"invalid_proof,omitempty"`
	Spent        bool                  `json:"spent"`
	SpentBy      string                `json:"spent_by,omitempty"`
}

// IsResolved ...
func (u *Utxo) IsResolved() bool {
	return u.Unblinded != nil
}

// IsSpendable tells whether the utxo counts toward balances.
func (u *Utxo) IsSpendable() bool {
	return !u.Spent && u.IsResolved()
}

// Confirmations returns the depth of the utxo for the given tip height.
func (u *Utxo) Confirmations(tip uint32) uint32 {
	return confirmations(u.Height, tip)
}

func (u *Utxo) copy() *Utxo {
	c := *u
	c.Script = append([]byte{}, u.Script...)
	if u.TxOut != nil {
		out := *u.TxOut
		c.TxOut = &out
	}
	if u.Unblinded != nil {
		unblinded := *u.Unblinded
		c.Unblinded = &unblinded
	}
	return &c
}

// Transaction is a transaction touching the wallet. Deltas is the net
// effect on the wallet per asset. Unknown is set when some owned value could
// not be revealed and is therefore missing from Deltas.
type Transaction struct {
	Txid     string           `json:"txid"`
	Inputs   []Outpoint       `json:"inputs"`
	Outputs  int              `json:"outputs"`
	Height   uint32           `json:"height"`
	Position uint32           `json:"position"`
	Arrival  uint64           `json:"arrival"`
	Fee      uint64           `json:"fee"`
	Deltas   map[string]int64 `json:"deltas"`
	Unknown  bool             `json:"unknown"`
}

// IsConfirmed ...
func (t *Transaction) IsConfirmed() bool {
	return t.Height > 0
}

func (t *Transaction) copy() *Transaction {
	c := *t
	c.Inputs = append([]Outpoint{}, t.Inputs...)
	c.Deltas = make(map[string]int64, len(t.Deltas))
	for k, v := range t.Deltas {
		c.Deltas[k] = v
	}
	return &c
}

func confirmations(height, tip uint32) uint32 {
	if height == 0 || height > tip {
		return 0
	}
	return tip - height + 1
}
