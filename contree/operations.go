package contree

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/errdef"
)

// operationHandle is the client-side record of one in-flight operation. done
// closes exactly once, after result or err is set and lineage is recorded.
type operationHandle struct {
	id     string
	kind   OperationKind
	meta   operationMeta
	done   chan struct{}
	result *OperationResponse
	err    error
}

// operationMeta is the submission context needed later for lineage records.
type operationMeta struct {
	inputImage  string
	command     string
	registryURL string
	tag         string
}

// SpawnInstance submits a command for execution and returns the operation ID.
// The operation is polled in the background; use WaitForOperation to collect
// the result.
func (c *Client) SpawnInstance(ctx context.Context, spec InstanceSpec) (string, error) {
	if spec.Image == "" {
		return "", errdef.InvalidArgumentf("instance spec needs an image")
	}
	spec.applyDefaults()

	var response spawnResponse
	headers, err := c.doJSON(ctx, http.MethodPost, "/instances", requestOptions{jsonBody: &spec}, &response)
	if err != nil {
		return "", err
	}
	operationID := response.UUID
	if operationID == "" {
		operationID = operationIDFromLocation(headers.Get("Location"))
	}
	if operationID == "" {
		return "", errdef.Protocolf("instance spawn accepted but no operation id was returned")
	}

	c.trackOperation(operationID, KindInstance, operationMeta{
		inputImage: spec.Image,
		command:    spec.Command,
	})
	log.Debug().
		Str("operation", operationID).
		Str("image", spec.Image).
		Msg("Spawned instance.")
	return operationID, nil
}

// ImportImage submits an image import from an OCI registry and returns the
// operation ID. Credentials may be nil for anonymous pulls.
func (c *Client) ImportImage(ctx context.Context, registryURL, tag string, creds *RegistryCredentials, timeout int) (string, error) {
	if timeout <= 0 {
		timeout = 300
	}
	request := importImageRequest{
		Registry: registrySpec{URL: registryURL, Credentials: creds},
		Tag:      tag,
		Timeout:  timeout,
	}

	var response spawnResponse
	headers, err := c.doJSON(ctx, http.MethodPost, "/images/import", requestOptions{jsonBody: &request}, &response)
	if err != nil {
		return "", err
	}
	operationID := response.UUID
	if operationID == "" {
		operationID = operationIDFromLocation(headers.Get("Location"))
	}
	if operationID == "" {
		return "", errdef.Protocolf("image import accepted but no operation id was returned")
	}

	c.trackOperation(operationID, KindImageImport, operationMeta{
		registryURL: registryURL,
		tag:         tag,
	})
	log.Info().
		Str("operation", operationID).
		Str("registry", registryURL).
		Str("tag", tag).
		Msg("Importing image.")
	return operationID, nil
}

func operationIDFromLocation(location string) string {
	if location == "" {
		return ""
	}
	trimmed := strings.TrimRight(location, "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

// trackOperation starts a background poller for the operation. Tracking is
// idempotent: a second call for the same ID returns the existing handle.
func (c *Client) trackOperation(id string, kind OperationKind, meta operationMeta) *operationHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle, ok := c.tracked[id]; ok {
		return handle
	}
	handle := &operationHandle{
		id:   id,
		kind: kind,
		meta: meta,
		done: make(chan struct{}),
	}
	c.tracked[id] = handle
	c.wg.Add(1)
	go c.pollUntilComplete(handle)
	return handle
}

// IsTracked reports whether a background poller exists for the operation.
func (c *Client) IsTracked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[id]
	return ok
}

// fetchOperation asks the server for the operation state and caches the
// response under kind "operation" so later lookups of finished work stay
// local.
func (c *Client) fetchOperation(ctx context.Context, id string) (*OperationResponse, error) {
	var operation OperationResponse
	_, err := c.doJSON(ctx, http.MethodGet, "/operations/"+url.PathEscape(id), requestOptions{}, &operation)
	if err != nil {
		return nil, err
	}
	c.cachePut(kindOperation, id, operation)
	return &operation, nil
}

// pollUntilComplete drives one operation to a terminal status. It runs on the
// client's root context, never a caller's, so that a waiter giving up does
// not kill the poller.
func (c *Client) pollUntilComplete(handle *operationHandle) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.tracked, handle.id)
		c.mu.Unlock()
		close(handle.done)
	}()

	ctx := c.rootCtx
	if err := c.pollSem.Acquire(ctx, 1); err != nil {
		handle.err = err
		return
	}
	defer c.pollSem.Release(1)

	for {
		operation, err := c.fetchOperation(ctx, handle.id)
		if err != nil {
			handle.err = err
			return
		}
		if operation.Status.IsTerminal() {
			log.Debug().
				Str("operation", handle.id).
				Str("status", string(operation.Status)).
				Msg("Operation reached a terminal status.")
			c.recordLineage(handle, operation)
			handle.result = operation
			return
		}
		select {
		case <-ctx.Done():
			handle.err = ctx.Err()
			return
		case <-time.After(c.pollInterval):
		}
	}
}

// GetOperation returns the operation state, preferring the cache. Terminal
// operations never change, and non-terminal cached responses are refreshed by
// the background poller anyway.
func (c *Client) GetOperation(ctx context.Context, id string) (*OperationResponse, error) {
	entry, err := c.cache.Get(kindOperation, id, 0)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		var operation OperationResponse
		if err := entry.Decode(&operation); err != nil {
			return nil, err
		}
		return &operation, nil
	}
	return c.fetchOperation(ctx, id)
}

// WaitForOperation blocks until the operation reaches a terminal status, the
// context is cancelled, or maxWait elapses (maxWait <= 0 waits forever). On
// timeout or cancellation the remote operation is cancelled best-effort and
// ErrTimeout respectively the context error is returned.
func (c *Client) WaitForOperation(ctx context.Context, id string, maxWait time.Duration) (*OperationResponse, error) {
	c.mu.Lock()
	handle := c.tracked[id]
	c.mu.Unlock()

	if handle == nil {
		operation, err := c.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		if operation.Status.IsTerminal() {
			return operation, nil
		}
		handle = c.trackOperation(id, operation.Kind, operationMeta{})
	}

	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-handle.done:
		if handle.err != nil {
			return nil, handle.err
		}
		return handle.result, nil
	case <-timeout:
		c.cancelDetached(id)
		return nil, fmt.Errorf("%w: operation %s did not complete within %s", errdef.ErrTimeout, id, maxWait)
	case <-ctx.Done():
		c.cancelDetached(id)
		return nil, ctx.Err()
	}
}

// cancelDetached issues a remote cancel on a fresh context so it survives the
// cancellation that triggered it.
func (c *Client) cancelDetached(id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if _, err := c.CancelOperation(ctx, id); err != nil {
			log.Warn().Err(err).Str("operation", id).Msg("Best-effort cancellation failed.")
		}
	}()
}

// CancelOperation cancels an operation unless it already reached a terminal
// status, in which case that status is returned unchanged.
func (c *Client) CancelOperation(ctx context.Context, id string) (OperationStatus, error) {
	operation, err := c.GetOperation(ctx, id)
	if err != nil {
		return "", err
	}
	if operation.Status.IsTerminal() {
		return operation.Status, nil
	}

	response, err := c.do(ctx, http.MethodDelete, "/operations/"+url.PathEscape(id), requestOptions{})
	if err != nil {
		return "", err
	}
	response.Body.Close()
	log.Info().Str("operation", id).Msg("Cancelled operation.")
	return StatusCancelled, nil
}

// CancelIncompleteOperations cancels every tracked operation that has not
// reached a terminal status. Failures are logged, not returned: this is the
// shutdown path and there is nobody left to handle them.
func (c *Client) CancelIncompleteOperations(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.CancelOperation(ctx, id); err != nil {
				log.Warn().Err(err).Str("operation", id).Msg("Could not cancel operation.")
			}
		}(id)
	}
	wg.Wait()
}

// ListOperationsOptions filter an operation listing. Since and Until bound
// the listing by creation time, inclusive.
type ListOperationsOptions struct {
	Limit  int
	Status OperationStatus
	Kind   OperationKind
	Since  time.Time
	Until  time.Time
}

// ListOperations returns recent operations, newest first.
func (c *Client) ListOperations(ctx context.Context, opts ListOperationsOptions) ([]OperationSummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	query := url.Values{"limit": {strconv.Itoa(opts.Limit)}}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}
	if opts.Kind != "" {
		query.Set("kind", string(opts.Kind))
	}
	if !opts.Since.IsZero() {
		query.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		query.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}

	var response operationListResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/operations", requestOptions{query: query}, &response); err != nil {
		return nil, err
	}
	return response.Operations, nil
}
