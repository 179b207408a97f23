package explorer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vulpemventures/go-elements/transaction"
)

var (
	// ErrTransient is returned for faults that may disappear by retrying the
	// request later, like timeouts, refused connections or overloaded servers.
	ErrTransient = errors.New("transient chain-data provider fault")
	// ErrProtocol is returned when the provider answers with something that
	// cannot be accepted, like malformed bodies or unexpected statuses.
	ErrProtocol = errors.New("chain-data provider protocol violation")
)

// Error wraps a provider failure with its kind, either ErrTransient or
// ErrProtocol.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// NewTransientError ...
func NewTransientError(op string, err error) error {
	return &Error{ErrTransient, op, err}
}

// NewProtocolError ...
func NewProtocolError(op string, err error) error {
	return &Error{ErrProtocol, op, err}
}

// IsTransient tells whether err is a transient provider fault.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// HistoryEntry is a transaction that spends from or pays to a script.
// Height is zero for transactions still in mempool.
type HistoryEntry struct {
	Txid   string
	Height uint32
}

// TxStatus is the confirmation status of a transaction. Position is the
// index of the transaction in its block, meaningful only if confirmed.
type TxStatus struct {
	Confirmed bool
	Height    uint32
	Position  uint32
}

// Service is the chain-data source consumed by the wallet. Implementations
// must be safe for concurrent use.
type Service interface {
	// GetHistory returns every transaction touching the given output script,
	// an unused script has an empty history.
	GetHistory(ctx context.Context, script []byte) ([]HistoryEntry, error)
	// GetTransaction fetches and parses the transaction with the given hash.
	GetTransaction(ctx context.Context, txid string) (*transaction.Transaction, error)
	// GetTransactionStatus returns whether and where the transaction has been
	// included in the blockchain.
	GetTransactionStatus(ctx context.Context, txid string) (*TxStatus, error)
	// GetTipHeight returns the height of the best block.
	GetTipHeight(ctx context.Context) (uint32, error)
	// Broadcast attempts to add the given tx in hex format to the mempool and
	// returns its hash.
	Broadcast(ctx context.Context, txhex string) (string, error)
}
