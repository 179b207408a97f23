package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tohrxyz/lwk/pkg/explorer"
)

func (e *esplora) GetHistory(
	ctx context.Context, script []byte,
) ([]explorer.HistoryEntry, error) {
	if len(script) <= 0 {
		return nil, fmt.Errorf("missing script")
	}

	hash := scriptHash(script)
	path := fmt.Sprintf("/scripthash/%s/txs", hash)
	history := make([]explorer.HistoryEntry, 0)
	seen := make(map[string]struct{})

	for {
		txs, err := e.getHistoryPage(ctx, path)
		if err != nil {
			return nil, err
		}

		confirmed := 0
		lastConfirmed := ""
		for _, tx := range txs {
			if err := validateTxid(tx.Txid); err != nil {
				return nil, explorer.NewProtocolError("history", err)
			}
			if tx.Status.Confirmed {
				confirmed++
				lastConfirmed = tx.Txid
			}
			if _, ok := seen[tx.Txid]; ok {
				continue
			}
			seen[tx.Txid] = struct{}{}

			entry := explorer.HistoryEntry{Txid: tx.Txid}
			if tx.Status.Confirmed {
				entry.Height = tx.Status.BlockHeight
			}
			history = append(history, entry)
		}

		if confirmed < maxConfirmedPerPage {
			break
		}
		path = fmt.Sprintf("/scripthash/%s/txs/chain/%s", hash, lastConfirmed)
	}

	return history, nil
}

func (e *esplora) getHistoryPage(
	ctx context.Context, path string,
) ([]historyTx, error) {
	resp, err := e.call(ctx, "history", http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}

	var txs []historyTx
	if err := json.Unmarshal([]byte(resp), &txs); err != nil {
		return nil, explorer.NewProtocolError("history", err)
	}
	return txs, nil
}
