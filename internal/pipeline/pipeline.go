// Package pipeline is the single entry point through which requests reach the
// backend. It serves reads from the cache, collapses duplicate calls, attaches
// and refreshes credentials, retries what is retryable and queues mutations
// that cannot be delivered.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/cache"
	"github.com/rewardly/sync-bridge/internal/dedup"
	"github.com/rewardly/sync-bridge/internal/request"
	"github.com/rewardly/sync-bridge/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TokenSource supplies access tokens. It is implemented by session.Manager.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
	Logout(ctx context.Context) error
}

// Queue durably accepts undeliverable mutations. It is implemented by
// queue.Queue.
type Queue interface {
	Enqueue(ctx context.Context, d request.Descriptor) (string, error)
	HasPending(group string) bool
}

// Connectivity reports whether the device is known to be offline.
type Connectivity interface {
	Offline() bool
}

// Policy fills undeclared cache tags and TTLs.
type Policy interface {
	Apply(d request.Descriptor) request.Descriptor
}

// Result is the outcome of a request that did not fail. A queued mutation has
// no response: it will be delivered when the queue drains.
type Result struct {
	Response  *request.Response
	FromCache bool
	Queued    bool
	QueueID   string
	// Shared is set when the response was produced for a concurrent
	// identical request.
	Shared bool
}

type Pipeline struct {
	base     *url.URL
	adapter  transport.Adapter
	tokens   TokenSource
	cache    cache.TaggedCache[*request.Response]
	inflight *dedup.Registry[Result]
	queue    Queue
	online   Connectivity
	policy   Policy
	retry    request.RetryPolicy
	tracer   trace.Tracer
}

type Option func(*Pipeline)

// WithQueue enables offline queueing of mutations. Without a queue, a
// mutation that cannot reach the backend fails with a network error.
func WithQueue(q Queue) Option {
	return func(p *Pipeline) { p.queue = q }
}

// WithConnectivity queues mutations directly while the device is known to be
// offline.
func WithConnectivity(c Connectivity) Option {
	return func(p *Pipeline) { p.online = c }
}

// WithPolicy applies a resource policy to every request. Reads without a TTL
// are not cached.
func WithPolicy(policy Policy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithRetryPolicy sets the defaults for requests that do not declare their
// own retry policy.
func WithRetryPolicy(policy request.RetryPolicy) Option {
	return func(p *Pipeline) { p.retry = policy }
}

func New(baseURL string, adapter transport.Adapter, tokens TokenSource, responses cache.TaggedCache[*request.Response], opts ...Option) (*Pipeline, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	initMetrics()

	p := &Pipeline{
		base:     base,
		adapter:  adapter,
		tokens:   tokens,
		cache:    responses,
		inflight: dedup.NewRegistry[Result](),
		retry: request.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		tracer: otel.Tracer("github.com/rewardly/sync-bridge/internal/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Execute performs the request described by d.
//
// A fresh cached response is returned without a network call. Otherwise the
// request is deduplicated against identical outstanding requests and sent.
// Successful reads are cached; successful mutations invalidate their tags
// before Execute returns. A mutation that cannot reach the backend is queued
// and reported as Queued rather than as an error.
func (p *Pipeline) Execute(ctx context.Context, d request.Descriptor) (Result, error) {
	if p.policy != nil {
		d = p.policy.Apply(d)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("http.request.method", d.Method),
		attribute.String("pipeline.group", d.Group()),
	))
	defer span.End()

	if err := d.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return Result{}, err
	}

	res, err := p.execute(ctx, d)

	recordRequest(ctx, d, res, err)
	span.SetAttributes(
		attribute.Bool("pipeline.cache_hit", res.FromCache),
		attribute.Bool("pipeline.queued", res.Queued),
		attribute.Bool("pipeline.shared", res.Shared),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
	}

	return res, err
}

func (p *Pipeline) execute(ctx context.Context, d request.Descriptor) (Result, error) {
	if d.IsRead() {
		if resp, found := p.cached(ctx, d); found {
			return Result{Response: resp, FromCache: true}, nil
		}
	} else if reason := p.mustQueue(d); reason != "" {
		return p.enqueue(ctx, d, reason)
	}

	res, shared, err := p.inflight.Do(ctx, d.DedupKey(), func(ctx context.Context) (Result, error) {
		return p.run(ctx, d)
	})
	if err != nil {
		return Result{}, err
	}

	res.Response = res.Response.Clone()
	res.Shared = shared
	return res, nil
}

// Replay delivers a queued mutation once, without inline retries or
// queueing. It implements queue.Replayer.
func (p *Pipeline) Replay(ctx context.Context, d request.Descriptor) error {
	if p.policy != nil {
		d = p.policy.Apply(d)
	}

	resp, err := p.send(ctx, d)
	if classify(resp, err) != outcomeSuccess {
		if err == nil {
			err = apierror.FromResponse(resp)
		}
		return err
	}

	p.invalidate(ctx, d)
	return nil
}

// run is the deduplicated part of a request. ctx ends only when every caller
// waiting for the result has gone.
func (p *Pipeline) run(ctx context.Context, d request.Descriptor) (Result, error) {
	var since cache.Version
	if d.IsRead() {
		since = p.cache.Version()
	}

	resp, err := p.sendWithRetry(ctx, d)
	if err != nil {
		if !d.IsRead() && p.queue != nil && classify(nil, err) == outcomeQueueable && ctx.Err() == nil {
			return p.enqueue(ctx, d, "network unavailable")
		}
		return Result{}, err
	}

	if d.IsRead() {
		p.store(ctx, d, resp, since)
	} else {
		p.invalidate(ctx, d)
	}

	return Result{Response: resp}, nil
}

func (p *Pipeline) sendWithRetry(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	policy := p.retryPolicy(d)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, func() (*request.Response, error) {
		resp, err := p.send(ctx, d)
		outcome := classify(resp, err)
		if outcome == outcomeSuccess {
			return resp, nil
		}
		if err == nil {
			err = apierror.FromResponse(resp)
		}
		if outcome.retries(d.IsRead()) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Ctx(ctx).Info().Err(err).
				Str("key", d.Key()).
				Dur("wait", wait).
				Msg("request failed, retrying")
		}),
	)
}

// send dispatches the request with a valid token. A 401 triggers one shared
// token refresh and one resend; a second 401 ends the session.
func (p *Pipeline) send(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	if d.Anonymous {
		return p.dispatch(ctx, d, "")
	}

	token, err := p.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.dispatch(ctx, d, token)
	if classify(resp, err) != outcomeUnauthorized {
		return resp, err
	}

	log.Ctx(ctx).Info().Str("key", d.Key()).Msg("access token rejected, refreshing")

	token, err = p.tokens.ForceRefresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = p.dispatch(ctx, d, token)
	if classify(resp, err) == outcomeUnauthorized {
		log.Ctx(ctx).Warn().Str("key", d.Key()).Msg("refreshed access token rejected, ending session")
		if err := p.tokens.Logout(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("logout failed")
		}
		return nil, apierror.Auth("session expired", apierror.FromResponse(resp))
	}

	return resp, err
}

func (p *Pipeline) dispatch(ctx context.Context, d request.Descriptor, token string) (*request.Response, error) {
	header := d.Header()
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if d.IdempotencyKey != "" {
		header.Set("Idempotency-Key", d.IdempotencyKey)
	}

	return p.adapter.Do(ctx, transport.Request{
		Method:  d.Method,
		URL:     d.URL(p.base).String(),
		Header:  header,
		Body:    d.Body,
		Timeout: d.Timeout,
	})
}

// mustQueue returns why a mutation must be queued instead of sent, or "".
func (p *Pipeline) mustQueue(d request.Descriptor) string {
	switch {
	case p.queue == nil:
		return ""
	case p.online != nil && p.online.Offline():
		return "offline"
	case p.queue.HasPending(d.Group()):
		// delivering now would overtake earlier mutations of the group
		return "group has queued mutations"
	default:
		return ""
	}
}

func (p *Pipeline) enqueue(ctx context.Context, d request.Descriptor, reason string) (Result, error) {
	id, err := p.queue.Enqueue(ctx, d)
	if err != nil {
		return Result{}, fmt.Errorf("mutation could not be queued: %w", err)
	}

	log.Ctx(ctx).Info().
		Str("key", d.Key()).
		Str("queue_id", id).
		Str("reason", reason).
		Msg("mutation queued for later delivery")

	return Result{Queued: true, QueueID: id}, nil
}

func (p *Pipeline) cached(ctx context.Context, d request.Descriptor) (*request.Response, bool) {
	resp, found, err := p.cache.Get(ctx, d.Key())
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", d.Key()).Msg("cache read failed, treating as miss")
		return nil, false
	}
	if !found {
		return nil, false
	}
	return resp.Clone(), true
}

func (p *Pipeline) store(ctx context.Context, d request.Descriptor, resp *request.Response, since cache.Version) {
	if d.TTL <= 0 || resp.Status == http.StatusNoContent {
		return
	}

	stored, err := p.cache.PutIfFresh(ctx, d.Key(), resp.Clone(), d.CacheTags(), d.TTL, since)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", d.Key()).Msg("cache write failed")
		return
	}
	if !stored {
		log.Ctx(ctx).Debug().Str("key", d.Key()).Msg("response invalidated while in flight, not cached")
	}
}

func (p *Pipeline) invalidate(ctx context.Context, d request.Descriptor) {
	tags := d.CacheTags()
	if len(tags) == 0 {
		return
	}
	if err := p.cache.InvalidateTags(ctx, tags...); err != nil {
		log.Ctx(ctx).Warn().Err(err).Strs("tags", tags).Msg("cache invalidation failed, clearing cache")
		if err := p.cache.Clear(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("cache clear failed")
		}
	}
}

func (p *Pipeline) retryPolicy(d request.Descriptor) request.RetryPolicy {
	policy := p.retry
	if d.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = d.Retry.MaxAttempts
	}
	if d.Retry.InitialInterval > 0 {
		policy.InitialInterval = d.Retry.InitialInterval
	}
	if d.Retry.MaxInterval > 0 {
		policy.MaxInterval = d.Retry.MaxInterval
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return policy
}
