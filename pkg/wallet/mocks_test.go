package wallet_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/internal/testutil"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/tohrxyz/lwk/pkg/wallet"
	"github.com/vulpemventures/go-elements/transaction"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) GetHistory(
	ctx context.Context, script []byte,
) ([]explorer.HistoryEntry, error) {
	args := m.Called(ctx, script)
	var res []explorer.HistoryEntry
	if a := args.Get(0); a != nil {
		res = a.([]explorer.HistoryEntry)
	}
	return res, args.Error(1)
}

func (m *mockProvider) GetTransaction(
	ctx context.Context, txid string,
) (*transaction.Transaction, error) {
	args := m.Called(ctx, txid)
	var res *transaction.Transaction
	if a := args.Get(0); a != nil {
		res = a.(*transaction.Transaction)
	}
	return res, args.Error(1)
}

func (m *mockProvider) GetTransactionStatus(
	ctx context.Context, txid string,
) (*explorer.TxStatus, error) {
	args := m.Called(ctx, txid)
	var res *explorer.TxStatus
	if a := args.Get(0); a != nil {
		res = a.(*explorer.TxStatus)
	}
	return res, args.Error(1)
}

func (m *mockProvider) GetTipHeight(ctx context.Context) (uint32, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *mockProvider) Broadcast(ctx context.Context, txhex string) (string, error) {
	args := m.Called(ctx, txhex)
	return args.String(0), args.Error(1)
}

type memStore struct {
	lock   sync.Mutex
	states map[string][]byte
	saves  int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string][]byte)}
}

func (s *memStore) SaveState(_ context.Context, id string, state []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.states[id] = append([]byte{}, state...)
	s.saves++
	return nil
}

func (s *memStore) LoadState(_ context.Context, id string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.states[id]
	if !ok {
		return nil, wallet.ErrStateNotFound
	}
	return buf, nil
}

func payTx(
	t *testing.T, w *testWallet, index uint32, internal bool,
	value uint64, asset string,
) *transaction.Transaction {
	return testutil.PayTx(t, w.derive(t, index, internal), value, asset)
}

func balance(t *testing.T, snap *wallet.Snapshot) map[string]uint64 {
	b, err := snap.Balance()
	require.NoError(t, err)
	return b
}
