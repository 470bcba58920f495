// Package transport issues single HTTP requests to the backend. It performs no
// retries, authentication or caching: those belong to the pipeline.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/request"
)

// maxResponseBytes bounds how much of a response body is read into memory.
const maxResponseBytes = 10 << 20 // 10 MB

// Request is a fully resolved outgoing call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Adapter issues a single request. Transport failures, timeouts included, are
// returned as *apierror.Error of kind Network. Cancellation by the caller is
// returned as the context's error.
type Adapter interface {
	Do(ctx context.Context, req Request) (*request.Response, error)
}

type HTTP struct {
	client         *http.Client
	defaultTimeout time.Duration
}

// NewHTTP creates an adapter using client, falling back to
// http.DefaultClient. defaultTimeout applies to requests that do not carry
// their own.
func NewHTTP(client *http.Client, defaultTimeout time.Duration) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		client:         client,
		defaultTimeout: defaultTimeout,
	}
}

func (h *HTTP) Do(ctx context.Context, req Request) (*request.Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errTimeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, transportFailure(ctx, err)
	}
	defer drain(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportFailure(ctx, err)
	}

	return &request.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}

var errTimeout = errors.New("request timed out")

// transportFailure distinguishes the caller abandoning the request from the
// network failing it. A per-request timeout is a network failure.
func transportFailure(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return apierror.Network(err)
	case errors.Is(cause, errTimeout):
		return apierror.Network(fmt.Errorf("%w: %w", errTimeout, err))
	default:
		return cause
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseBytes))
	_ = body.Close()
}
