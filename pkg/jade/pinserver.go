package jade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tohrxyz/lwk/pkg/circuitbreaker"
)

// PinServer forwards the pin server request of the device during unlock
// and returns the reply to hand back to the device.
type PinServer interface {
	Exchange(ctx context.Context, req PinServerRequest) (map[string]interface{}, error)
}

// HTTPPinServer is a PinServer speaking http. Onion urls are skipped.
type HTTPPinServer struct {
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewHTTPPinServer returns a client whose exchanges last at most
// requestTimeout.
func NewHTTPPinServer(requestTimeout time.Duration) *HTTPPinServer {
	return &HTTPPinServer{
		client:  &http.Client{Timeout: requestTimeout},
		cb:      circuitbreaker.NewCircuitBreaker("pinserver"),
		timeout: requestTimeout,
	}
}

func (s *HTTPPinServer) Exchange(
	ctx context.Context, req PinServerRequest,
) (map[string]interface{}, error) {
	url := ""
	for _, u := range req.URLs {
		if u != "" && !strings.Contains(u, ".onion") {
			url = u
			break
		}
	}
	if url == "" {
		return nil, fmt.Errorf("pin server request has no reachable url")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(req.Data)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		status, resp, err := s.doRequest(httpReq)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("pin server replied with status %d: %s", status, resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pin server: %w", err)
	}

	reply := make(map[string]interface{})
	if err := json.Unmarshal(res.([]byte), &reply); err != nil {
		return nil, fmt.Errorf("invalid pin server reply: %w", err)
	}
	return reply, nil
}

func (s *HTTPPinServer) doRequest(req *http.Request) (int, []byte, error) {
	rs, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer rs.Body.Close()

	bodyBytes, err := io.ReadAll(rs.Body)
	if err != nil {
		return -1, nil, err
	}
	return rs.StatusCode, bodyBytes, nil
}
