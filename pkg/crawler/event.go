package crawler

const (
	QuitSignal EventType = iota
	TransactionAdded
	TransactionUpdated
	TransactionRemoved
)

type EventType int

func (et EventType) String() string {
	switch et {
	case QuitSignal:
		return "QuitSignal"
	case TransactionAdded:
		return "TransactionAdded"
	case TransactionUpdated:
		return "TransactionUpdated"
	case TransactionRemoved:
		return "TransactionRemoved"
	default:
		return "Unknown"
	}
}

type QuitEvent struct{}

func (q QuitEvent) Type() EventType {
	return QuitSignal
}

// TransactionEvent notifies a change in the history of a wallet. Updated
// transactions are the ones that got confirmed, or moved to another block.
type TransactionEvent struct {
	EventType EventType
	WalletID  string
	TxID      string
	TipHeight uint32
}

func (t TransactionEvent) Type() EventType {
	return t.EventType
}
