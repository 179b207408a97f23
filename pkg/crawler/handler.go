package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tohrxyz/lwk/pkg/wallet"
)

type walletHandler struct {
	id        string
	scanner   Scanner
	interval  time.Duration
	eventChan chan Event
	errChan   chan error

	ctx    context.Context
	cancel context.CancelFunc
}

func newWalletHandler(
	id string, scanner Scanner, interval time.Duration,
	eventChan chan Event, errChan chan error,
) *walletHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &walletHandler{
		id:        id,
		scanner:   scanner,
		interval:  interval,
		eventChan: eventChan,
		errChan:   errChan,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *walletHandler) start() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.scan()

		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *walletHandler) stop() {
	h.cancel()
}

func (h *walletHandler) scan() {
	result, err := h.scanner.Sync(h.ctx)
	if err != nil {
		if h.ctx.Err() != nil {
			return
		}
		if errors.Is(err, wallet.ErrBusy) {
			log.Debugf("crawler: wallet %s busy, skipping scan", h.id)
			return
		}
		h.notifyError(fmt.Errorf("wallet %s: %w", h.id, err))
		return
	}

	events := make([]Event, 0)
	for _, txid := range result.NewTransactions {
		events = append(events, h.event(TransactionAdded, txid, result))
	}
	for _, txid := range result.UpdatedTransactions {
		events = append(events, h.event(TransactionUpdated, txid, result))
	}
	for _, txid := range result.RemovedTransactions {
		events = append(events, h.event(TransactionRemoved, txid, result))
	}

	for _, e := range events {
		select {
		case h.eventChan <- e:
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *walletHandler) event(
	eventType EventType, txid string, result *wallet.ScanResult,
) TransactionEvent {
	return TransactionEvent{
		EventType: eventType,
		WalletID:  h.id,
		TxID:      txid,
		TipHeight: result.TipHeight,
	}
}

// notifyError drops the error if the queue is full, the next scan would
// likely report it again.
func (h *walletHandler) notifyError(err error) {
	select {
	case h.errChan <- err:
	default:
		log.WithError(err).Warn("crawler: error queue full")
	}
}
