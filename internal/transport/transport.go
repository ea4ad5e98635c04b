// Package transport fetches segments over HTTP on behalf of the scheduler,
// retrying transient failures and reporting whether a response was served
// from a caching proxy so the adaptation bandwidth estimator can exclude
// it.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/coreerr"
	"github.com/arnerak/360transitions/internal/logger"
)

// Result is one completed fetch: the response body, whether it was served
// from cache, and how long the attempt that eventually succeeded took.
type Result struct {
	Data     []byte
	CacheHit bool
	Duration time.Duration
}

// Fetcher retrieves a URL's body. Implemented by Client against the real
// network and fakeable in tests.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// Client is the net/http-backed Fetcher, making up to cfg.MaxRetries
// attempts in total (the first included) with cfg.RetryDelay between
// attempts and cfg.RequestTimeout per attempt.
type Client struct {
	httpClient *http.Client
	log        logger.Logger
	userAgent  string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
}

// New builds a Client from the shared HTTP transport knobs in cfg.
func New(httpClient *http.Client, log logger.Logger, cfg config.Config) *Client {
	return &Client{
		httpClient: httpClient,
		log:        log,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.RequestTimeout,
	}
}

// cacheHitHeader is the proxy header this client consults to decide
// whether a fetch should be excluded from the bandwidth estimate: cache
// hits are instantaneous and would make the origin look faster than it is.
const cacheHitHeader = "X-Cache"

// Fetch implements Fetcher against the real network, retrying on request
// errors, non-200 status, and body-read failures.
func (c *Client) Fetch(ctx context.Context, url string) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.attempt(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.log.Warnf("%v", err)
		if attempt < c.maxRetries {
			time.Sleep(c.retryDelay)
		}
	}

	return Result{}, fmt.Errorf("%w: %s after %d attempts: %v", coreerr.ErrFetchFailed, url, c.maxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, url string) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch %s received non-200 status: %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s failed while reading body: %w", url, err)
	}
	duration := time.Since(start)

	cacheHit := strings.HasPrefix(resp.Header.Get(cacheHitHeader), "HIT")

	c.log.Debugf("fetched %s (%d bytes, cacheHit=%v, %s)", url, len(data), cacheHit, duration)
	return Result{Data: data, CacheHit: cacheHit, Duration: duration}, nil
}
