package esplora

import (
	"context"
	"net/http"
	"strconv"

	"github.com/tohrxyz/lwk/pkg/explorer"
)

func (e *esplora) GetTipHeight(ctx context.Context) (uint32, error) {
	resp, err := e.call(ctx, "tip", http.MethodGet, "/blocks/tip/height", "")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(resp, 10, 32)
	if err != nil {
		return 0, explorer.NewProtocolError("tip", err)
	}
	return uint32(height), nil
}
