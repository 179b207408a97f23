package application

import (
	"github.com/shopspring/decimal"
	"github.com/tohrxyz/lwk/pkg/analyzer"
	"github.com/tohrxyz/lwk/pkg/builder"
	"github.com/tohrxyz/lwk/pkg/descriptor"
)

// AddressInfo is a wallet address with the info needed to verify it.
type AddressInfo struct {
	Address        string
	Chain          descriptor.Chain
	Index          uint32
	Script         string
	BlindingPubkey string
}

// SendRequest holds the parameters to create a transaction. A zero fee rate
// is replaced with the one of the service.
type SendRequest struct {
	Recipients       []builder.Recipient
	SatsPerVByte     decimal.Decimal
	MinConfirmations uint32
}

// TransactionAnalysis is what a PSET does to the wallet and who still has
// to sign it.
type TransactionAnalysis struct {
	Balance           map[string]int64
	Unknown           []analyzer.Item
	Fee               uint64
	MissingSignatures map[int][]descriptor.SignerIdentity
}

// IsComplete tells whether every input of the wallet reached its signature
// threshold.
func (a *TransactionAnalysis) IsComplete() bool {
	for _, missing := range a.MissingSignatures {
		if len(missing) > 0 {
			return false
		}
	}
	return true
}
