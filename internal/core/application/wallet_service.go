package application

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/analyzer"
	"github.com/tohrxyz/lwk/pkg/builder"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/tohrxyz/lwk/pkg/signer"
	"github.com/tohrxyz/lwk/pkg/unblinder"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/psetv2"
)

// WalletService defines the methods of the application layer for a
// watch-only descriptor wallet.
type WalletService interface {
	Descriptor() *descriptor.Descriptor
	Sync(ctx context.Context) (*wallet.ScanResult, error)
	GetBalance(ctx context.Context) (map[string]uint64, error)
	ListUtxos(ctx context.Context, filter wallet.Filter) ([]*wallet.Utxo, error)
	ListTransactions(ctx context.Context) ([]wallet.Transaction, error)
	DeriveAddress(
		ctx context.Context, chain descriptor.Chain,
	) (*AddressInfo, error)
	CreateTransaction(ctx context.Context, req SendRequest) (string, error)
	AnalyzeTransaction(
		ctx context.Context, pset string,
	) (*TransactionAnalysis, error)
	SignTransaction(
		ctx context.Context, pset string, s signer.Signer, policyName string,
	) (string, error)
	BroadcastTransaction(ctx context.Context, pset string) (string, error)
}

type walletService struct {
	desc     *descriptor.Descriptor
	syncer   *wallet.Syncer
	explorer explorer.Service
	feeRate  decimal.Decimal

	lock  sync.Mutex
	state *wallet.State
}

func newWalletService(
	desc *descriptor.Descriptor, syncer *wallet.Syncer,
	explorerSvc explorer.Service, feeRate decimal.Decimal,
) *walletService {
	return &walletService{
		desc:     desc,
		syncer:   syncer,
		explorer: explorerSvc,
		feeRate:  feeRate,
	}
}

func (w *walletService) Descriptor() *descriptor.Descriptor {
	return w.desc
}

func (w *walletService) Sync(ctx context.Context) (*wallet.ScanResult, error) {
	state, err := w.getState(ctx)
	if err != nil {
		return nil, err
	}

	result, err := w.syncer.Scan(ctx, state)
	if err != nil {
		return nil, err
	}

	log.Debugf(
		"wallet synced at height %d: %d new, %d updated, %d removed txs",
		result.TipHeight, len(result.NewTransactions),
		len(result.UpdatedTransactions), len(result.RemovedTransactions),
	)
	if result.InvalidProofs > 0 {
		log.Warnf("found %d outputs with invalid proofs", result.InvalidProofs)
	}
	return result, nil
}

func (w *walletService) GetBalance(
	ctx context.Context,
) (map[string]uint64, error) {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Balance()
}

func (w *walletService) ListUtxos(
	ctx context.Context, filter wallet.Filter,
) ([]*wallet.Utxo, error) {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ListUtxos(filter).Collect(), nil
}

func (w *walletService) ListTransactions(
	ctx context.Context,
) ([]wallet.Transaction, error) {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Transactions(), nil
}

// DeriveAddress returns the first address of the given chain that has no
// history as of the last sync.
func (w *walletService) DeriveAddress(
	ctx context.Context, chain descriptor.Chain,
) (*AddressInfo, error) {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	index := snap.NextUnusedIndex(chain)
	derived, err := w.desc.Derive(chain, index)
	if err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        derived.Address,
		Chain:          derived.Chain,
		Index:          derived.Index,
		Script:         hex.EncodeToString(derived.Script),
		BlindingPubkey: hex.EncodeToString(derived.BlindingPubKey.SerializeCompressed()),
	}, nil
}

func (w *walletService) CreateTransaction(
	ctx context.Context, req SendRequest,
) (string, error) {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return "", err
	}

	feeRate := req.SatsPerVByte
	if feeRate.IsZero() {
		feeRate = w.feeRate
	}

	ptx, err := builder.Build(snap, w.desc, builder.BuildArgs{
		Recipients:       req.Recipients,
		Fee:              wallet.FeePolicy{SatsPerVByte: feeRate},
		MinConfirmations: req.MinConfirmations,
	})
	if err != nil {
		return "", err
	}
	return ptx.ToBase64()
}

func (w *walletService) AnalyzeTransaction(
	ctx context.Context, pset string,
) (*TransactionAnalysis, error) {
	ptx, err := parsePset(pset)
	if err != nil {
		return nil, err
	}
	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	effect, err := analyzer.NetEffect(ctx, ptx, analyzer.Owner{
		Descriptor: w.desc,
		Snapshot:   snap,
	})
	if err != nil {
		return nil, err
	}
	missing, err := analyzer.MissingSignatures(ptx, w.desc.Policy())
	if err != nil {
		return nil, err
	}

	return &TransactionAnalysis{
		Balance:           effect.Deltas,
		Unknown:           effect.Unknown,
		Fee:               psetFee(ptx),
		MissingSignatures: missing,
	}, nil
}

func (w *walletService) SignTransaction(
	ctx context.Context, pset string, s signer.Signer, policyName string,
) (string, error) {
	if s == nil {
		return "", ErrMissingSigner
	}
	ptx, err := parsePset(pset)
	if err != nil {
		return "", err
	}

	signed, err := s.Sign(ctx, ptx, signer.DerivationContext{
		Network:    w.desc.Network,
		Policy:     w.desc.Policy(),
		PolicyName: policyName,
	})
	if err != nil {
		return "", err
	}

	log.Debugf("pset signed by %s", s.Identity())
	return signed.ToBase64()
}

// BroadcastTransaction finalizes the given PSET and publishes the extracted
// transaction. The wallet state is updated at the next sync.
func (w *walletService) BroadcastTransaction(
	ctx context.Context, pset string,
) (string, error) {
	ptx, err := parsePset(pset)
	if err != nil {
		return "", err
	}

	if err := psetv2.FinalizeAll(ptx); err != nil {
		return "", fmt.Errorf("%w: %s", ErrPsetNotFinalizable, err)
	}
	tx, err := psetv2.Extract(ptx)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPsetNotFinalizable, err)
	}
	txhex, err := tx.ToHex()
	if err != nil {
		return "", err
	}

	txid, err := w.explorer.Broadcast(ctx, txhex)
	if err != nil {
		return "", err
	}

	log.Infof("broadcasted tx %s", txid)
	return txid, nil
}

func (w *walletService) getState(ctx context.Context) (*wallet.State, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.state != nil {
		return w.state, nil
	}

	state, err := w.syncer.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet state: %w", err)
	}
	w.state = state
	return w.state, nil
}

func (w *walletService) snapshot(ctx context.Context) (*wallet.Snapshot, error) {
	state, err := w.getState(ctx)
	if err != nil {
		return nil, err
	}
	return state.Snapshot(), nil
}

func parsePset(pset string) (*psetv2.Pset, error) {
	ptx, err := psetv2.NewPsetFromBase64(pset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPset, err)
	}
	return ptx, nil
}

// psetFee returns the amount of the explicit fee outputs.
func psetFee(ptx *psetv2.Pset) uint64 {
	tx, err := ptx.UnsignedTx()
	if err != nil {
		return 0
	}

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
