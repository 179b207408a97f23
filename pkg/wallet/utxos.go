package wallet

import (
	"sort"

	"github.com/tohrxyz/lwk/pkg/descriptor"
)

// Filter restricts the utxos listed by a snapshot. Zero values match
// everything, unresolved utxos are listed only if IncludeUnresolved is set
// and never match an asset filter.
type Filter struct {
	Asset             string
	Chain             *descriptor.Chain
	MinConfirmations  uint32
	IncludeUnresolved bool
}

func (f Filter) match(u *Utxo, tip uint32) bool {
	if u.Spent {
		return false
	}
	if !u.IsResolved() {
		if !f.IncludeUnresolved || f.Asset != "" {
			return false
		}
	} else if f.Asset != "" && u.Unblinded.Asset != f.Asset {
		return false
	}
	if f.Chain != nil && u.ScriptInfo.Chain != *f.Chain {
		return false
	}
	return u.Confirmations(tip) >= f.MinConfirmations
}

// UtxoIterator lazily walks the utxos of a snapshot that match a filter. It
// can be restarted with Reset.
type UtxoIterator struct {
	snapshot *Snapshot
	filter   Filter
	keys     []string
	cursor   int
	current  *Utxo
}

// ListUtxos returns an iterator over the unspent utxos matching the filter,
// ordered by outpoint.
func (s *Snapshot) ListUtxos(filter Filter) *UtxoIterator {
	keys := make([]string, 0, len(s.data.Utxos))
	for k, u := range s.data.Utxos {
		if !u.Spent {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	return &UtxoIterator{
		snapshot: s,
		filter:   filter,
		keys:     keys,
		cursor:   -1,
	}
}

// Next moves to the next matching utxo and reports whether there is one.
func (it *UtxoIterator) Next() bool {
	tip := it.snapshot.data.TipHeight
	for it.cursor+1 < len(it.keys) {
		it.cursor++
		u := it.snapshot.data.Utxos[it.keys[it.cursor]]
		if it.filter.match(u, tip) {
			it.current = u
			return true
		}
	}
	it.current = nil
	return false
}

// Utxo returns a copy of the current utxo.
func (it *UtxoIterator) Utxo() *Utxo {
	if it.current == nil {
		return nil
	}
	return it.current.copy()
}

// Reset restarts the iteration from the first utxo.
func (it *UtxoIterator) Reset() {
	it.cursor = -1
	it.current = nil
}

// Collect drains the iterator from its current position.
func (it *UtxoIterator) Collect() []*Utxo {
	utxos := make([]*Utxo, 0)
	for it.Next() {
		utxos = append(utxos, it.Utxo())
	}
	return utxos
}
