// Package crawler periodically syncs wallets with the chain and notifies
// the changes of their history through an event channel.
package crawler

import (
	"context"

	"github.com/tohrxyz/lwk/pkg/wallet"
)

// Event are emitted through a channel during observation.
type Event interface {
	Type() EventType
}

// Scanner is a wallet that can be synced with the chain.
type Scanner interface {
	Sync(ctx context.Context) (*wallet.ScanResult, error)
}

// Service is the interface for Crawler
type Service interface {
	Start()
	Stop()
	AddWallet(id string, scanner Scanner)
	RemoveWallet(id string)
	IsWatching(id string) bool
	GetEventChannel() chan Event
}
