// Package fetcher downloads tracker listing pages. It retries transient
// failures with exponential backoff and can route traffic through a SOCKS
// proxy when the tracker is unreachable directly.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/metrics"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"

// RetryPolicy controls how many attempts a fetch gets and how the delay
// between them grows.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// NetworkError is the terminal error after every attempt failed. It wraps
// the last underlying cause.
type NetworkError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %d attempts failed: %v", e.URL, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// tokenAcquirer gates attempts against the shared fetch budget.
type tokenAcquirer interface {
	Acquire(ctx context.Context) error
}

// Fetcher downloads pages with retry and rate limiting.
type Fetcher struct {
	client  *http.Client
	policy  RetryPolicy
	limiter tokenAcquirer
	logger  *slog.Logger
}

// New builds a Fetcher. proxyURL selects a SOCKS proxy ("socks5://host:port");
// an empty value means a direct connection. limiter may be nil.
func New(logger *slog.Logger, timeout time.Duration, policy RetryPolicy, proxyURL string, limiter tokenAcquirer) (*Fetcher, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("build proxy dialer: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	}

	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		policy:  policy.normalized(),
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Fetch downloads the page at pageURL. It retries transport errors, 429
// and 5xx responses; any other non-2xx status fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.FetchRetriesTotal.Inc()
			delay := f.backoff(attempt)
			f.logger.Warn("retrying fetch",
				slog.String("url", pageURL),
				slog.Int("attempt", attempt),
				slog.String("delay", delay.String()),
				slog.String("error", lastErr.Error()))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &NetworkError{URL: pageURL, Attempts: attempt - 1, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx); err != nil {
				return nil, &NetworkError{URL: pageURL, Attempts: attempt - 1, Err: err}
			}
		}

		body, retryable, err := f.attempt(ctx, pageURL)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, &NetworkError{URL: pageURL, Attempts: attempt, Err: err}
		}
		lastErr = err
	}

	return nil, &NetworkError{URL: pageURL, Attempts: f.policy.MaxAttempts, Err: lastErr}
}

// attempt performs one request. The second return value reports whether
// the failure is worth retrying.
func (f *Fetcher) attempt(ctx context.Context, pageURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("read body: %w", err)
		}
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.policy.BaseDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * f.policy.Multiplier)
	}
	return delay
}
