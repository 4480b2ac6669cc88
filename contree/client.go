// Package contree is the typed HTTP client for the contree container
// execution service. It layers read-through caching, bounded retries and
// background operation polling on top of the service's REST API, recording
// image lineage into the shared cache as operations complete.
package contree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/contree-dev/contree-broker/cache"
	"github.com/contree-dev/contree-broker/errdef"
)

const (
	clientVersion = "0.1.0"
	apiPrefix     = "/v1"

	defaultTimeout      = 30 * time.Second
	defaultPollInterval = time.Second
	defaultRetryTime    = 2 * time.Second
	defaultRetryCount   = 5
	defaultPayloadLimit = 64 * 1024
	defaultChunkSize    = 64 * 1024

	// pollConcurrency caps the number of in-flight status pollers so a burst
	// of spawned operations does not turn into a burst of HTTP traffic.
	pollConcurrency = 10
)

// Client talks to a contree endpoint on behalf of a single bearer token.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
	cache     *cache.Cache

	pollInterval time.Duration
	retryTime    time.Duration
	retryCount   int
	payloadLimit int64

	// rootCtx outlives any single caller so that pollers keep running when
	// the request that spawned an operation is cancelled.
	rootCtx context.Context
	stop    context.CancelFunc
	pollSem *semaphore.Weighted
	wg      sync.WaitGroup

	mu      sync.Mutex
	tracked map[string]*operationHandle
	closed  bool
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.http = httpClient }
}

// WithPollInterval changes the delay between operation status polls.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) { c.pollInterval = interval }
}

// WithRetry changes the 5xx retry schedule.
func WithRetry(delay time.Duration, attempts int) Option {
	return func(c *Client) {
		c.retryTime = delay
		c.retryCount = attempts
	}
}

// WithPayloadLimit changes the maximum accepted JSON response size.
func WithPayloadLimit(limit int64) Option {
	return func(c *Client) { c.payloadLimit = limit }
}

// NewClient creates a client for the service at baseURL. The general cache is
// required: it backs the read-through caches and the lineage records.
func NewClient(baseURL, token string, generalCache *cache.Cache, opts ...Option) *Client {
	rootCtx, stop := context.WithCancel(context.Background())
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/") + apiPrefix,
		token:   token,
		userAgent: fmt.Sprintf("contree-broker/%s go/%s %s/%s",
			clientVersion, strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS, runtime.GOARCH),
		http:         &http.Client{Timeout: defaultTimeout},
		cache:        generalCache,
		pollInterval: defaultPollInterval,
		retryTime:    defaultRetryTime,
		retryCount:   defaultRetryCount,
		payloadLimit: defaultPayloadLimit,
		rootCtx:      rootCtx,
		stop:         stop,
		pollSem:      semaphore.NewWeighted(pollConcurrency),
		tracked:      make(map[string]*operationHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close cancels every tracked operation on the server best-effort, stops the
// pollers and waits for them to exit. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := len(c.tracked)
	c.mu.Unlock()

	if pending > 0 {
		log.Info().Int("operations", pending).Msg("Cancelling incomplete operations.")
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		c.CancelIncompleteOperations(ctx)
		cancel()
	}

	c.stop()
	c.wg.Wait()
	c.http.CloseIdleConnections()
	return nil
}

// requestOptions carries the optional parts of a request. rawBody (not a
// reader) keeps the payload replayable across retries.
type requestOptions struct {
	query       url.Values
	jsonBody    any
	rawBody     []byte
	contentType string
}

// do performs one authenticated request against the API. Responses of 500 and
// above are retried on a fixed schedule; 4xx responses become RemoteError
// with the JSON "error" field extracted when present. On success the response
// body is the caller's to close.
func (c *Client) do(ctx context.Context, method, path string, opts requestOptions) (*http.Response, error) {
	requestURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(opts.query) > 0 {
		requestURL += "?" + opts.query.Encode()
	}

	body := opts.rawBody
	contentType := opts.contentType
	if opts.jsonBody != nil {
		encoded, err := json.Marshal(opts.jsonBody)
		if err != nil {
			return nil, errdef.Protocolf("could not encode request body: %v", err)
		}
		body = encoded
		contentType = "application/json"
	}

	var lastStatus int
	for attempt := 0; attempt < c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		request, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return nil, errdef.Protocolf("could not build request: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+c.token)
		request.Header.Set("User-Agent", c.userAgent)
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}

		response, err := c.http.Do(request)
		if err != nil {
			return nil, err
		}
		if response.StatusCode >= 500 {
			lastStatus = response.StatusCode
			response.Body.Close()
			log.Debug().
				Str("method", method).
				Str("path", path).
				Int("status", response.StatusCode).
				Msg("Server error, retrying request.")
			continue
		}
		if response.StatusCode >= 400 {
			message := extractErrorMessage(response.Body, c.payloadLimit)
			response.Body.Close()
			return nil, &errdef.RemoteError{Status: response.StatusCode, Message: message}
		}
		return response, nil
	}
	return nil, errdef.Protocolf("%s %s still failing with HTTP %d after %d attempts",
		method, path, lastStatus, c.retryCount)
}

// doJSON performs a request and decodes a size-bounded JSON response into
// out (which may be nil when only the status matters). Returns the response
// headers so callers can read Location and friends.
func (c *Client) doJSON(ctx context.Context, method, path string, opts requestOptions, out any) (http.Header, error) {
	response, err := c.do(ctx, method, path, opts)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.ContentLength > c.payloadLimit {
		return response.Header, errdef.Protocolf("response of %d bytes exceeds the %d byte limit",
			response.ContentLength, c.payloadLimit)
	}
	payload, err := io.ReadAll(io.LimitReader(response.Body, c.payloadLimit+1))
	if err != nil {
		return response.Header, errdef.Protocolf("could not read response body: %v", err)
	}
	if int64(len(payload)) > c.payloadLimit {
		return response.Header, errdef.Protocolf("response exceeds the %d byte limit", c.payloadLimit)
	}
	if out != nil && len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return response.Header, errdef.Protocolf("malformed JSON response: %v", err)
		}
	}
	return response.Header, nil
}

// head performs a HEAD request and returns the status code. 4xx statuses are
// a result, not an error (HEAD responses carry no body to extract).
func (c *Client) head(ctx context.Context, path string, query url.Values) (int, error) {
	response, err := c.do(ctx, http.MethodHead, path, requestOptions{query: query})
	if err != nil {
		if remote, ok := errdef.AsRemote(err); ok {
			return remote.Status, nil
		}
		return 0, err
	}
	response.Body.Close()
	return response.StatusCode, nil
}

// extractErrorMessage pulls the "error" field out of a JSON error body,
// falling back to the raw text.
func extractErrorMessage(body io.Reader, limit int64) string {
	raw, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil || len(raw) == 0 {
		return "unknown error"
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}
