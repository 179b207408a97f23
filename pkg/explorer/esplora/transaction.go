package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/vulpemventures/go-elements/transaction"
)

func (e *esplora) GetTransaction(
	ctx context.Context, txid string,
) (*transaction.Transaction, error) {
	if err := validateTxid(txid); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/tx/%s/hex", txid)
	resp, err := e.call(ctx, "tx", http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}

	tx, err := transaction.NewTxFromHex(resp)
	if err != nil {
		return nil, explorer.NewProtocolError("tx", err)
	}
	if hash := tx.TxHash().String(); hash != txid {
		return nil, explorer.NewProtocolError(
			"tx", fmt.Errorf("got tx %s, expected %s", hash, txid),
		)
	}
	return tx, nil
}

func (e *esplora) GetTransactionStatus(
	ctx context.Context, txid string,
) (*explorer.TxStatus, error) {
	if err := validateTxid(txid); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/tx/%s/status", txid)
	resp, err := e.call(ctx, "tx_status", http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}

	var status txStatus
	if err := json.Unmarshal([]byte(resp), &status); err != nil {
		return nil, explorer.NewProtocolError("tx_status", err)
	}
	if !status.Confirmed {
		return &explorer.TxStatus{}, nil
	}

	path = fmt.Sprintf("/tx/%s/merkle-proof", txid)
	resp, err = e.call(ctx, "merkle_proof", http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}

	var proof merkleProof
	if err := json.Unmarshal([]byte(resp), &proof); err != nil {
		return nil, explorer.NewProtocolError("merkle_proof", err)
	}

	return &explorer.TxStatus{
		Confirmed: true,
		Height:    status.BlockHeight,
		Position:  proof.Pos,
	}, nil
}

func (e *esplora) Broadcast(ctx context.Context, txhex string) (string, error) {
	tx, err := transaction.NewTxFromHex(txhex)
	if err != nil {
		return "", fmt.Errorf("invalid tx: %w", err)
	}

	resp, err := e.call(ctx, "broadcast", http.MethodPost, "/tx", txhex)
	if err != nil {
		return "", err
	}
	if hash := tx.TxHash().String(); resp != hash {
		return "", explorer.NewProtocolError(
			"broadcast", fmt.Errorf("got txid %s, expected %s", resp, hash),
		)
	}
	return resp, nil
}
