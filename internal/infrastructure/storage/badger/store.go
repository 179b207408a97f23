package walletstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
	"github.com/tohrxyz/lwk/pkg/wallet"
)

const (
	walletDir  = "wallets"
	gcInterval = 30 * time.Minute
)

var (
	// ErrMissingWalletID ...
	ErrMissingWalletID = errors.New("missing wallet id")
	// ErrNullState ...
	ErrNullState = errors.New("wallet state must not be null")
)

type walletState struct {
	ID        string
	State     []byte
	UpdatedAt int64
}

// Store is a badger implementation of wallet.Store. An empty datadir makes
// it in-memory.
type Store struct {
	store *badgerhold.Store
	quit  chan struct{}
}

var _ wallet.Store = (*Store)(nil)

// NewStore opens (or creates if not exists) the wallet db under the given
// base dir.
func NewStore(baseDbDir string, logger badger.Logger) (*Store, error) {
	var dbDir string
	if len(baseDbDir) > 0 {
		dbDir = filepath.Join(baseDbDir, walletDir)
	}

	db, err := createDb(dbDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening wallet db: %w", err)
	}

	s := &Store{store: db, quit: make(chan struct{})}
	if len(dbDir) > 0 {
		go s.runGC()
	}
	return s, nil
}

// SaveState implements wallet.Store.
func (s *Store) SaveState(
	ctx context.Context, walletID string, state []byte,
) error {
	if len(walletID) <= 0 {
		return ErrMissingWalletID
	}
	if state == nil {
		return ErrNullState
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.store.Upsert(walletID, &walletState{
		ID:        walletID,
		State:     state,
		UpdatedAt: time.Now().Unix(),
	})
}

// LoadState implements wallet.Store.
func (s *Store) LoadState(
	ctx context.Context, walletID string,
) ([]byte, error) {
	if len(walletID) <= 0 {
		return nil, ErrMissingWalletID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ws walletState
	if err := s.store.Get(walletID, &ws); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, wallet.ErrStateNotFound
		}
		return nil, err
	}
	return ws.State, nil
}

// DeleteState removes the state of the given wallet, if any.
func (s *Store) DeleteState(ctx context.Context, walletID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.Delete(walletID, walletState{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return err
	}
	return nil
}

// ListWallets returns the ids of the stored wallets, most recently updated
// first.
func (s *Store) ListWallets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var states []walletState
	query := (&badgerhold.Query{}).SortBy("UpdatedAt").Reverse()
	if err := s.store.Find(&states, query); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(states))
	for _, ws := range states {
		ids = append(ids, ws.ID)
	}
	return ids, nil
}

func (s *Store) Close() error {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	return s.store.Close()
}

func (s *Store) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.store.Badger().RunValueLogGC(0.5); err != nil &&
				err != badger.ErrNoRewrite {
				log.WithError(err).Warn("wallet db value log gc failed")
			}
		}
	}
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
