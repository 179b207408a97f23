package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tohrxyz/lwk/pkg/descriptor"
)

// stateData is the serializable content of a wallet state. Maps are
// serialized with sorted keys, so equal states give equal bytes.
type stateData struct {
	// Scripts maps the hex owned scripts to their derivation.
	Scripts map[string]ScriptInfo `json:"scripts"`
	// Utxos maps txid:vout to owned outputs, spent ones included.
	Utxos map[string]*Utxo `json:"utxos"`
	// Txs maps txids to wallet transactions.
	Txs map[string]*Transaction `json:"txs"`
	// History is the ordered list of txids.
	History []string `json:"history"`
	// NextIndex is the successor of the last used index, per chain.
	NextIndex [2]uint32 `json:"next_index"`
	TipHeight uint32    `json:"tip_height"`
	// Arrivals counts the transactions ever seen, used to order mempool txs.
	Arrivals uint64 `json:"arrivals"`
}

func newStateData() *stateData {
	return &stateData{
		Scripts: make(map[string]ScriptInfo),
		Utxos:   make(map[string]*Utxo),
		Txs:     make(map[string]*Transaction),
		History: make([]string, 0),
	}
}

func (d *stateData) copy() *stateData {
	c := &stateData{
		Scripts:   make(map[string]ScriptInfo, len(d.Scripts)),
		Utxos:     make(map[string]*Utxo, len(d.Utxos)),
		Txs:       make(map[string]*Transaction, len(d.Txs)),
		History:   append([]string{}, d.History...),
		NextIndex: d.NextIndex,
		TipHeight: d.TipHeight,
		Arrivals:  d.Arrivals,
	}
	for k, v := range d.Scripts {
		c.Scripts[k] = v
	}
	for k, v := range d.Utxos {
		c.Utxos[k] = v.copy()
	}
	for k, v := range d.Txs {
		c.Txs[k] = v.copy()
	}
	return c
}

// sortHistory orders confirmed txs by height and in-block position, and puts
// the unconfirmed ones last by arrival.
func (d *stateData) sortHistory() {
	history := make([]string, 0, len(d.Txs))
	for txid := range d.Txs {
		history = append(history, txid)
	}
	sort.Slice(history, func(i, j int) bool {
		a, b := d.Txs[history[i]], d.Txs[history[j]]
		if a.IsConfirmed() != b.IsConfirmed() {
			return a.IsConfirmed()
		}
		if a.IsConfirmed() {
			if a.Height != b.Height {
				return a.Height < b.Height
			}
			if a.Position != b.Position {
				return a.Position < b.Position
			}
		} else if a.Arrival != b.Arrival {
			return a.Arrival < b.Arrival
		}
		return a.Txid < b.Txid
	})
	d.History = history
}

// State is the authoritative wallet state. It has a single writer, the
// Syncer, while readers work on snapshots.
type State struct {
	// scanning guards against concurrent scans.
	scanning sync.Mutex

	lock sync.RWMutex
	data *stateData
}

// NewState returns an empty wallet state.
func NewState() *State {
	return &State{data: newStateData()}
}

// NewStateFromBytes restores a state serialized with Snapshot.Serialize.
func NewStateFromBytes(buf []byte) (*State, error) {
	data := newStateData()
	if err := json.Unmarshal(buf, data); err != nil {
		return nil, err
	}
	return &State{data: data}, nil
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() *Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return &Snapshot{s.data.copy()}
}

func (s *State) publish(data *stateData) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.data = data
}

// Snapshot is an immutable view of the wallet state captured at a point in
// time. Later syncs are not visible through it.
type Snapshot struct {
	data *stateData
}

// Serialize returns the deterministic encoding of the snapshot.
func (s *Snapshot) Serialize() ([]byte, error) {
	return json.Marshal(s.data)
}

// TipHeight returns the chain tip height at the time of the last scan.
func (s *Snapshot) TipHeight() uint32 {
	return s.data.TipHeight
}

// NextUnusedIndex returns the first index of the given chain without any
// history.
func (s *Snapshot) NextUnusedIndex(chain descriptor.Chain) uint32 {
	if chain != descriptor.Internal {
		chain = descriptor.External
	}
	return s.data.NextIndex[chain]
}

// ScriptInfo returns the derivation of the given script, if owned.
func (s *Snapshot) ScriptInfo(script []byte) (ScriptInfo, bool) {
	info, ok := s.data.Scripts[hex.EncodeToString(script)]
	return info, ok
}

// Utxo returns the owned output at the given outpoint, spent or not.
func (s *Snapshot) Utxo(outpoint Outpoint) (*Utxo, bool) {
	u, ok := s.data.Utxos[outpoint.String()]
	if !ok {
		return nil, false
	}
	return u.copy(), true
}

// Transaction returns the wallet transaction with the given hash.
func (s *Snapshot) Transaction(txid string) (*Transaction, bool) {
	tx, ok := s.data.Txs[txid]
	if !ok {
		return nil, false
	}
	return tx.copy(), true
}

// Transactions returns the wallet history, confirmed txs first by height and
// in-block position, then the unconfirmed ones by arrival.
func (s *Snapshot) Transactions() []Transaction {
	txs := make([]Transaction, 0, len(s.data.History))
	for _, txid := range s.data.History {
		txs = append(txs, *s.data.Txs[txid].copy())
	}
	return txs
}

// Balance returns the sum of the values of the spendable utxos per asset.
func (s *Snapshot) Balance() (map[string]uint64, error) {
	balance := make(map[string]uint64)
	for _, u := range s.data.Utxos {
		if !u.IsSpendable() {
			continue
		}
		asset := u.Unblinded.Asset
		sum, err := addAmounts(balance[asset], u.Unblinded.Value)
		if err != nil {
			return nil, fmt.Errorf("balance of asset %s: %w", asset, err)
		}
		balance[asset] = sum
	}
	return balance, nil
}
