package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/tohrxyz/lwk/pkg/stats"
	"github.com/tohrxyz/lwk/pkg/unblinder"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultGapLimit is the number of consecutive unused indexes after
	// which the scan of a chain stops.
	DefaultGapLimit = 20
	// DefaultConcurrency bounds the parallel provider requests and
	// unblinding jobs of a scan.
	DefaultConcurrency = 8
)

var (
	// ErrSyncTransient is the kind of sync errors that can be retried.
	ErrSyncTransient = errors.New("transient sync failure")
	// ErrSyncProtocol is the kind of sync errors that must not be retried.
	ErrSyncProtocol = errors.New("sync protocol failure")
)

// SyncError is returned by Scan when the chain-data provider fails. Kind is
// either ErrSyncTransient or ErrSyncProtocol.
type SyncError struct {
	Kind error
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Kind
}

// IsTransient ...
func (e *SyncError) IsTransient() bool {
	return e.Kind == ErrSyncTransient
}

func newSyncError(op string, err error) error {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind := ErrSyncTransient
	if errors.Is(err, explorer.ErrProtocol) {
		kind = ErrSyncProtocol
	}
	return &SyncError{kind, op, err}
}

// Store persists serialized wallet states.
type Store interface {
	// SaveState stores the state of the given wallet, replacing the
	// previous one.
	SaveState(ctx context.Context, walletID string, state []byte) error
	// LoadState returns ErrStateNotFound if nothing was stored for the
	// given wallet.
	LoadState(ctx context.Context, walletID string) ([]byte, error)
}

// SyncerOpts are the optional parameters of a Syncer.
type SyncerOpts struct {
	GapLimit    uint32
	Concurrency int
	// Store, if defined, persists the state after every scan changing it.
	Store Store
}

// ScanResult summarizes what a scan changed.
type ScanResult struct {
	ScannedScripts      int
	NewTransactions     []string
	UpdatedTransactions []string
	RemovedTransactions []string
	InvalidProofs       int
	TipHeight           uint32
	Changed             bool
}

// Syncer updates wallet states with the history of the descriptor scripts.
type Syncer struct {
	desc        *descriptor.Descriptor
	provider    explorer.Service
	gapLimit    uint32
	concurrency int
	store       Store
	walletID    string
}

// NewSyncer returns a Syncer for the given descriptor and chain provider.
func NewSyncer(
	desc *descriptor.Descriptor, provider explorer.Service, opts SyncerOpts,
) (*Syncer, error) {
	if desc == nil {
		return nil, ErrNullDescriptor
	}
	if provider == nil {
		return nil, ErrNullProvider
	}
	if opts.GapLimit == 0 {
		opts.GapLimit = DefaultGapLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	return &Syncer{
		desc:        desc,
		provider:    provider,
		gapLimit:    opts.GapLimit,
		concurrency: opts.Concurrency,
		store:       opts.Store,
		walletID:    ID(desc),
	}, nil
}

// LoadState returns the persisted state of the wallet, or an empty one if
// nothing was stored yet.
func (s *Syncer) LoadState(ctx context.Context) (*State, error) {
	if s.store == nil {
		return NewState(), nil
	}
	buf, err := s.store.LoadState(ctx, s.walletID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return NewState(), nil
		}
		return nil, err
	}
	return NewStateFromBytes(buf)
}

// Scan updates the state with the latest history of the wallet scripts. It
// works on a copy of the state that is published at the end, so readers
// never see a half updated state and a failing scan leaves it untouched.
// Concurrent scans of the same state are rejected with ErrBusy.
func (s *Syncer) Scan(ctx context.Context, state *State) (*ScanResult, error) {
	if state == nil {
		return nil, ErrNullState
	}
	if !state.scanning.TryLock() {
		return nil, ErrBusy
	}
	defer state.scanning.Unlock()

	start := time.Now()
	defer func() {
		stats.ScanDuration.Observe(time.Since(start).Seconds())
	}()

	prev := state.Snapshot()
	work := prev.data.copy()
	result := &ScanResult{}

	tip, err := s.provider.GetTipHeight(ctx)
	if err != nil {
		return nil, newSyncError("tip", err)
	}
	result.TipHeight = tip

	history := make(map[string]uint32)
	for _, chain := range s.chains() {
		next, err := s.scanChain(ctx, chain, work, history, result)
		if err != nil {
			return nil, err
		}
		work.NextIndex[chain] = next
	}
	stats.ScannedScripts.Add(float64(result.ScannedScripts))

	if err := s.applyHistory(ctx, work, history, result); err != nil {
		return nil, err
	}

	for _, tx := range work.Txs {
		computeEffect(work, tx)
	}
	work.sortHistory()
	work.TipHeight = tip

	prevBytes, err := prev.Serialize()
	if err != nil {
		return nil, err
	}
	next := &Snapshot{work}
	nextBytes, err := next.Serialize()
	if err != nil {
		return nil, err
	}
	if bytes.Equal(prevBytes, nextBytes) {
		log.Debug("sync: no changes")
		return result, nil
	}

	state.publish(work)
	result.Changed = true
	log.Infof(
		"sync: tip %d, %d new, %d updated, %d removed txs",
		tip, len(result.NewTransactions), len(result.UpdatedTransactions),
		len(result.RemovedTransactions),
	)

	if s.store != nil {
		if err := s.store.SaveState(ctx, s.walletID, nextBytes); err != nil {
			log.WithError(err).Warn("sync: failed to persist wallet state")
			return result, fmt.Errorf("failed to persist wallet state: %w", err)
		}
	}
	return result, nil
}

func (s *Syncer) chains() []descriptor.Chain {
	if s.desc.HasInternalChain() {
		return descriptor.Chains
	}
	return []descriptor.Chain{descriptor.External}
}

// scanChain queries the history of the chain scripts and returns the
// successor of the last used index. Below the stored next index only the
// scripts the wallet has outputs for are queried again, then new indexes are
// scanned window by window until the gap limit is reached.
func (s *Syncer) scanChain(
	ctx context.Context, chain descriptor.Chain, work *stateData,
	history map[string]uint32, result *ScanResult,
) (uint32, error) {
	window := s.gapLimit
	next := work.NextIndex[chain]
	if !s.desc.IsRanged() {
		window, next = 1, 0
	}

	if used := usedScripts(work, chain, next); len(used) > 0 {
		histories, err := s.getHistories(ctx, used)
		if err != nil {
			return 0, err
		}
		result.ScannedScripts += len(used)
		for _, entries := range histories {
			recordHistory(history, entries)
		}
	}

	brs := newBranchRecoveryState(window, next)
	for {
		from, count := brs.extendHorizon()
		if count == 0 {
			break
		}
		if !s.desc.IsRanged() && from > 0 {
			break
		}

		scripts := make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			derived, err := s.desc.Derive(chain, from+i)
			if err != nil {
				return 0, err
			}
			scripts = append(scripts, derived.Script)
			work.Scripts[hex.EncodeToString(derived.Script)] = ScriptInfo{
				Chain: chain,
				Index: from + i,
			}
		}

		histories, err := s.getHistories(ctx, scripts)
		if err != nil {
			return 0, err
		}
		result.ScannedScripts += len(scripts)

		for i, entries := range histories {
			if len(entries) <= 0 {
				continue
			}
			index := from + uint32(i)
			log.Debugf(
				"sync: %s index %d has %d txs", chain, index, len(entries),
			)
			brs.reportFound(index)
			recordHistory(history, entries)
		}
	}

	return brs.nextUnfound, nil
}

// usedScripts returns the scripts of the chain below next that the wallet
// holds outputs for, spent ones included, sorted by index.
func usedScripts(work *stateData, chain descriptor.Chain, next uint32) [][]byte {
	byIndex := make(map[uint32][]byte)
	for _, u := range work.Utxos {
		info := u.ScriptInfo
		if info.Chain != chain || info.Index >= next {
			continue
		}
		byIndex[info.Index] = u.Script
	}
	indexes := make([]uint32, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	scripts := make([][]byte, 0, len(indexes))
	for _, i := range indexes {
		scripts = append(scripts, byIndex[i])
	}
	return scripts
}

func recordHistory(history map[string]uint32, entries []explorer.HistoryEntry) {
	for _, e := range entries {
		if h, ok := history[e.Txid]; !ok || e.Height > h {
			history[e.Txid] = e.Height
		}
	}
}

func (s *Syncer) getHistories(
	ctx context.Context, scripts [][]byte,
) ([][]explorer.HistoryEntry, error) {
	histories := make([][]explorer.HistoryEntry, len(scripts))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i := range scripts {
		i := i
		eg.Go(func() error {
			entries, err := s.provider.GetHistory(gctx, scripts[i])
			if err != nil {
				return newSyncError("history", err)
			}
			histories[i] = entries
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return histories, nil
}

type fetchedTx struct {
	txid   string
	tx     *transaction.Transaction
	status *explorer.TxStatus
}

// applyHistory brings the transactions of the working state in line with
// the scripts history: new txs are fetched and their owned outputs
// unblinded, txs with a new height are moved and txs no longer in history
// are dropped.
func (s *Syncer) applyHistory(
	ctx context.Context, work *stateData, history map[string]uint32,
	result *ScanResult,
) error {
	for txid := range work.Txs {
		if _, ok := history[txid]; !ok {
			removeTx(work, txid)
			result.RemovedTransactions = append(result.RemovedTransactions, txid)
		}
	}
	sort.Strings(result.RemovedTransactions)

	toFetch := make([]string, 0)
	toLocate := make([]string, 0)
	for txid, height := range history {
		tx, ok := work.Txs[txid]
		if !ok {
			toFetch = append(toFetch, txid)
			continue
		}
		if tx.Height != height {
			toLocate = append(toLocate, txid)
		}
	}
	sort.Strings(toFetch)
	sort.Strings(toLocate)

	fetched, err := s.fetchTxs(ctx, toFetch, history)
	if err != nil {
		return err
	}
	located, err := s.fetchStatuses(ctx, toLocate, history)
	if err != nil {
		return err
	}

	for _, f := range located {
		tx := work.Txs[f.txid]
		tx.Height, tx.Position = heightAndPosition(f.status)
		for key, u := range work.Utxos {
			if u.Outpoint.Txid == f.txid {
				work.Utxos[key].Height = tx.Height
			}
		}
		result.UpdatedTransactions = append(result.UpdatedTransactions, f.txid)
	}

	// New txs get their arrival sequence in chain order, so that the ordering
	// of unconfirmed ones does not depend on map iteration.
	sort.SliceStable(fetched, func(i, j int) bool {
		hi, pi := heightAndPosition(fetched[i].status)
		hj, pj := heightAndPosition(fetched[j].status)
		if (hi == 0) != (hj == 0) {
			return hi != 0
		}
		if hi != hj {
			return hi < hj
		}
		return pi < pj
	})

	newUtxos := make([]*Utxo, 0)
	for _, f := range fetched {
		height, position := heightAndPosition(f.status)
		work.Arrivals++
		tx := &Transaction{
			Txid:     f.txid,
			Inputs:   make([]Outpoint, 0, len(f.tx.Inputs)),
			Outputs:  len(f.tx.Outputs),
			Height:   height,
			Position: position,
			Arrival:  work.Arrivals,
			Fee:      explicitFee(f.tx),
		}
		for _, in := range f.tx.Inputs {
			tx.Inputs = append(tx.Inputs, Outpoint{
				Txid:  elementsutil.TxIDFromBytes(in.Hash),
				Index: in.Index,
			})
		}
		work.Txs[f.txid] = tx

		for vout, out := range f.tx.Outputs {
			info, ok := work.Scripts[hex.EncodeToString(out.Script)]
			if !ok {
				continue
			}
			u := &Utxo{
				Outpoint:   Outpoint{f.txid, uint32(vout)},
				Script:     out.Script,
				ScriptInfo: info,
				Height:     height,
				TxOut:      out,
			}
			work.Utxos[u.Outpoint.String()] = u
			newUtxos = append(newUtxos, u)
		}
		result.NewTransactions = append(result.NewTransactions, f.txid)
	}

	if err := s.unblindUtxos(ctx, newUtxos, result); err != nil {
		return err
	}

	markSpent(work)
	return nil
}

func (s *Syncer) fetchTxs(
	ctx context.Context, txids []string, history map[string]uint32,
) ([]*fetchedTx, error) {
	fetched := make([]*fetchedTx, len(txids))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i := range txids {
		i := i
		eg.Go(func() error {
			txid := txids[i]
			tx, err := s.provider.GetTransaction(gctx, txid)
			if err != nil {
				return newSyncError("tx", err)
			}
			if hash := tx.TxHash().String(); hash != txid {
				return &SyncError{
					ErrSyncProtocol, "tx",
					fmt.Errorf("got tx %s, expected %s", hash, txid),
				}
			}

			status := &explorer.TxStatus{}
			if history[txid] > 0 {
				status, err = s.provider.GetTransactionStatus(gctx, txid)
				if err != nil {
					return newSyncError("tx_status", err)
				}
			}
			fetched[i] = &fetchedTx{txid, tx, status}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}

func (s *Syncer) fetchStatuses(
	ctx context.Context, txids []string, history map[string]uint32,
) ([]*fetchedTx, error) {
	located := make([]*fetchedTx, len(txids))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i := range txids {
		i := i
		eg.Go(func() error {
			txid := txids[i]
			status := &explorer.TxStatus{}
			if history[txid] > 0 {
				var err error
				status, err = s.provider.GetTransactionStatus(gctx, txid)
				if err != nil {
					return newSyncError("tx_status", err)
				}
			}
			located[i] = &fetchedTx{txid: txid, status: status}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return located, nil
}

// unblindUtxos reveals the new owned outputs. Outputs that can't be revealed
// with the wallet blinding keys stay unresolved.
func (s *Syncer) unblindUtxos(
	ctx context.Context, utxos []*Utxo, result *ScanResult,
) error {
	outs := make([]*transaction.TxOutput, 0, len(utxos))
	keys := make([][]byte, 0, len(utxos))
	for _, u := range utxos {
		key, err := s.desc.BlindingPrivateKey(u.Script)
		if err != nil {
			return err
		}
		outs = append(outs, u.TxOut)
		keys = append(keys, key.Serialize())
	}

	outcomes, err := unblinder.UnblindAll(ctx, outs, keys, s.concurrency)
	if err != nil {
		return err
	}

	for i, outcome := range outcomes {
		u := utxos[i]
		switch {
		case outcome.Err == nil:
			u.Unblinded = &UnblindedData{
				Value:        outcome.Result.Value,
				Asset:        outcome.Result.Asset,
				ValueBlinder: outcome.Result.ValueBlinder,
				AssetBlinder: outcome.Result.AssetBlinder,
			}
		case errors.Is(outcome.Err, unblinder.ErrNotOurs):
			log.Debugf("sync: output %s is not blinded to us", u.Outpoint)
		default:
			log.WithError(outcome.Err).Warnf(
				"sync: output %s has invalid proofs", u.Outpoint,
			)
			u.InvalidProof = true
			result.InvalidProofs++
			stats.InvalidProofs.Inc()
		}
	}
	return nil
}

func heightAndPosition(status *explorer.TxStatus) (uint32, uint32) {
	if status == nil || !status.Confirmed {
		return 0, 0
	}
	return status.Height, status.Position
}

// removeTx drops a tx that is no longer part of the history, together with
// the outputs it created and its spending marks.
func removeTx(work *stateData, txid string) {
	delete(work.Txs, txid)
	for key, u := range work.Utxos {
		if u.Outpoint.Txid == txid {
			delete(work.Utxos, key)
			continue
		}
		if u.SpentBy == txid {
			u.Spent = false
			u.SpentBy = ""
		}
	}
}

func markSpent(work *stateData) {
	for txid, tx := range work.Txs {
		for _, in := range tx.Inputs {
			if u, ok := work.Utxos[in.String()]; ok {
				u.Spent = true
				u.SpentBy = txid
			}
		}
	}
}

// computeEffect sums the owned outputs and subtracts the owned inputs of the
// tx, per asset. Owned items that are not resolved mark the effect unknown.
func computeEffect(work *stateData, tx *Transaction) {
	deltas := make(map[string]int64)
	unknown := false

	for vout := 0; vout < tx.Outputs; vout++ {
		u, ok := work.Utxos[Outpoint{tx.Txid, uint32(vout)}.String()]
		if !ok {
			continue
		}
		if !u.IsResolved() {
			unknown = true
			continue
		}
		deltas[u.Unblinded.Asset] += int64(u.Unblinded.Value)
	}
	for _, in := range tx.Inputs {
		u, ok := work.Utxos[in.String()]
		if !ok {
			continue
		}
		if !u.IsResolved() {
			unknown = true
			continue
		}
		deltas[u.Unblinded.Asset] -= int64(u.Unblinded.Value)
	}

	for asset, delta := range deltas {
		if delta == 0 {
			delete(deltas, asset)
		}
	}
	tx.Deltas = deltas
	tx.Unknown = unknown
}

// explicitFee returns the amount of the explicit outputs with empty script.
func explicitFee(tx *transaction.Transaction) uint64 {
	fee := uint64(0)
	for _, out := range tx.Outputs {
		if len(out.Script) > 0 || unblinder.IsConfidential(out) {
			continue
		}
		if value, err := elementsutil.ValueFromBytes(out.Value); err == nil {
			fee += value
		}
	}
	return fee
}
