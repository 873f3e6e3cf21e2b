package sanitize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
)

// Prober reports whether a remote image can be fetched.
type Prober interface {
	Reachable(ctx context.Context, url string) bool
}

// statusError is a reachable server answering with a failure status.
// It does not count against the circuit breaker.
type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

// HTTPProber probes images with a bounded GET. Results are cached per URL and
// a circuit breaker stops probing once the network looks dead.
type HTTPProber struct {
	client  *http.Client
	cache   *lru.Cache[string, bool]
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewHTTPProber builds a prober with the given request timeout and cache size.
func NewHTTPProber(timeout time.Duration, cacheSize int, logger *slog.Logger) (*HTTPProber, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create probe cache: %w", err)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "image-probe",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var se statusError
			return err == nil || errors.As(err, &se)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("probe breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Reachable returns false for failed fetches and while the breaker is open.
func (p *HTTPProber) Reachable(ctx context.Context, url string) bool {
	if ok, hit := p.cache.Get(url); hit {
		return ok
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.fetch(ctx, url)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	ok := err == nil
	p.cache.Add(url, ok)
	return ok
}

func (p *HTTPProber) fetch(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		// malformed URLs are a property of the image, not the network
		return statusError{code: 0}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError{code: resp.StatusCode}
	}
	return nil
}

var _ Prober = (*HTTPProber)(nil)
