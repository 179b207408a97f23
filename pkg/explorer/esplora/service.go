package esplora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tohrxyz/lwk/pkg/circuitbreaker"
	"github.com/tohrxyz/lwk/pkg/explorer"
	"github.com/tohrxyz/lwk/pkg/stats"
	"go.uber.org/ratelimit"
)

const (
	// DefaultRequestTimeout ...
	DefaultRequestTimeout = 15 * time.Second
	// DefaultRateLimit is the max number of requests per second.
	DefaultRateLimit = 10
	// DefaultMaxAttempts ...
	DefaultMaxAttempts = 3
	// DefaultBackoff is the delay before the first retry, doubled at every
	// further attempt.
	DefaultBackoff = 500 * time.Millisecond
)

var (
	// ErrMissingURL ...
	ErrMissingURL = errors.New("missing esplora url")
	// ErrInvalidRateLimit ...
	ErrInvalidRateLimit = errors.New("rate limit must not be negative")
	// ErrInvalidMaxAttempts ...
	ErrInvalidMaxAttempts = errors.New("max attempts must not be negative")
)

// Opts defines the connection parameters of the esplora service. Zero values
// are replaced with defaults.
type Opts struct {
	URL            string
	RequestTimeout time.Duration
	RateLimit      int
	MaxAttempts    int
	Backoff        time.Duration
}

func (o *Opts) validate() error {
	if len(o.URL) <= 0 {
		return ErrMissingURL
	}
	if o.RateLimit < 0 {
		return ErrInvalidRateLimit
	}
	if o.MaxAttempts < 0 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

func (o *Opts) withDefaults() {
	o.URL = strings.TrimSuffix(o.URL, "/")
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.RateLimit == 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
}

type esplora struct {
	apiURL      string
	client      *http.Client
	cb          *gobreaker.CircuitBreaker
	limiter     ratelimit.Limiter
	maxAttempts int
	backoff     time.Duration
}

// NewService returns a new esplora service as an explorer.Service interface
func NewService(opts Opts) (explorer.Service, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.withDefaults()

	service := &esplora{
		apiURL:      opts.URL,
		client:      &http.Client{Timeout: opts.RequestTimeout},
		cb:          circuitbreaker.NewCircuitBreaker("esplora"),
		limiter:     ratelimit.New(opts.RateLimit),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.RequestTimeout)
	defer cancel()
	if _, err := service.GetTipHeight(ctx); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	return service, nil
}

type response struct {
	status int
	body   string
}

// call sends the request, retrying transient faults with exponential backoff
// until the max number of attempts is reached.
func (e *esplora) call(
	ctx context.Context, op, method, path, body string,
) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff << (attempt - 1)
			log.WithError(lastErr).Debugf(
				"esplora: %s failed, retrying in %s", op, delay,
			)
			stats.ProviderRetries.Inc()

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := e.request(ctx, op, method, path, body)
		if err == nil {
			stats.ProviderRequests.WithLabelValues(op, "ok").Inc()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !explorer.IsTransient(err) {
			stats.ProviderRequests.WithLabelValues(op, "protocol").Inc()
			return "", err
		}
		stats.ProviderRequests.WithLabelValues(op, "transient").Inc()
		lastErr = err
	}

	return "", lastErr
}

func (e *esplora) request(
	ctx context.Context, op, method, path, body string,
) (string, error) {
	e.limiter.Take()

	iRes, err := e.cb.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if len(body) > 0 {
			reqBody = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(
			ctx, method, e.apiURL+path, reqBody,
		)
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "text/plain")
		}

		res, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		buf, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		resp := response{res.StatusCode, strings.TrimSpace(string(buf))}
		if resp.status >= http.StatusInternalServerError ||
			resp.status == http.StatusTooManyRequests {
			return nil, fmt.Errorf("status %d: %s", resp.status, resp.body)
		}
		return resp, nil
	})
	if err != nil {
		return "", explorer.NewTransientError(op, err)
	}

	resp := iRes.(response)
	if resp.status != http.StatusOK {
		return "", explorer.NewProtocolError(
			op, fmt.Errorf("status %d: %s", resp.status, resp.body),
		)
	}
	return resp.body, nil
}
