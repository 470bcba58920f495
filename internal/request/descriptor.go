package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Descriptor describes a single logical request to the backend. It is treated
// as immutable once created: options are applied by New, and the accessors
// return copies of any reference-typed fields.
//
// The exported fields exist so that a Descriptor can be persisted in the
// offline queue and restored after a process restart.
type Descriptor struct {
	Method         string        `json:"method"`
	Path           string        `json:"path"`
	Query          url.Values    `json:"query,omitempty"`
	Body           []byte        `json:"body,omitempty"`
	Headers        http.Header   `json:"headers,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Retry          RetryPolicy   `json:"retry"`
	Tags           []string      `json:"tags,omitempty"`
	TTL            time.Duration `json:"ttl,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Anonymous      bool          `json:"anonymous,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// RetryPolicy bounds the retries of retryable failures. Zero values defer to
// the pipeline defaults.
type RetryPolicy struct {
	MaxAttempts     int           `json:"maxAttempts,omitempty"`
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
}

// Option configures a Descriptor during construction.
type Option func(*Descriptor) error

var (
	ErrMissingMethod         = errors.New("request method is required")
	ErrMissingPath           = errors.New("request path is required")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required for mutations")
)

// New creates a descriptor for the given method and path. Mutations are
// assigned a random idempotency key when one is not supplied: the key is then
// stable for every retry and replay of this descriptor.
func New(method, p string, opts ...Option) (Descriptor, error) {
	d := Descriptor{
		Method:    strings.ToUpper(strings.TrimSpace(method)),
		Path:      p,
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		if err := opt(&d); err != nil {
			return Descriptor{}, err
		}
	}

	if !d.IsRead() && d.IdempotencyKey == "" {
		d.IdempotencyKey = uuid.NewString()
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}

	return d, nil
}

// WithQuery adds query parameters to the request.
func WithQuery(query url.Values) Option {
	return func(d *Descriptor) error {
		if d.Query == nil {
			d.Query = url.Values{}
		}
		for k, vals := range query {
			d.Query[k] = append(d.Query[k], vals...)
		}
		return nil
	}
}

// WithParam adds a single query parameter.
func WithParam(key, value string) Option {
	return WithQuery(url.Values{key: {value}})
}

// WithJSON marshals v as the request body.
func WithJSON(v any) Option {
	return func(d *Descriptor) error {
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("request body could not be marshalled: %w", err)
		}
		d.Body = body
		return nil
	}
}

// WithBody sets a pre-encoded JSON body.
func WithBody(body []byte) Option {
	return func(d *Descriptor) error {
		d.Body = slices.Clone(body)
		return nil
	}
}

func WithHeader(key, value string) Option {
	return func(d *Descriptor) error {
		if d.Headers == nil {
			d.Headers = http.Header{}
		}
		d.Headers.Add(key, value)
		return nil
	}
}

// WithIdempotencyKey sets the key identifying the logical intent of a
// mutation. Callers re-issuing the same intent (e.g. a double tap) must pass
// the same key.
func WithIdempotencyKey(key string) Option {
	return func(d *Descriptor) error {
		d.IdempotencyKey = key
		return nil
	}
}

// WithTags declares the cache tags of the request. For reads, the tags are
// stored with the cached response; for mutations, they are invalidated on
// success.
func WithTags(tags ...string) Option {
	return func(d *Descriptor) error {
		d.Tags = append(d.Tags, tags...)
		return nil
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(d *Descriptor) error {
		d.TTL = ttl
		return nil
	}
}

func WithRetry(policy RetryPolicy) Option {
	return func(d *Descriptor) error {
		d.Retry = policy
		return nil
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Descriptor) error {
		d.Timeout = timeout
		return nil
	}
}

// WithAnonymous marks the request as not requiring an access token.
func WithAnonymous() Option {
	return func(d *Descriptor) error {
		d.Anonymous = true
		return nil
	}
}

// WithCreatedAt overrides the creation time, mainly for tests.
func WithCreatedAt(t time.Time) Option {
	return func(d *Descriptor) error {
		d.CreatedAt = t
		return nil
	}
}

// Validate checks the invariants of the descriptor.
func (d Descriptor) Validate() error {
	if d.Method == "" {
		return ErrMissingMethod
	}
	if strings.Trim(d.Path, "/ ") == "" && d.Path != "/" {
		return ErrMissingPath
	}
	if !d.IsRead() && d.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	return nil
}

// IsRead reports whether the request is a cacheable read.
func (d Descriptor) IsRead() bool {
	return d.Method == http.MethodGet || d.Method == http.MethodHead
}

// NormalizedPath returns the cleaned, slash-prefixed path without a trailing
// slash.
func (d Descriptor) NormalizedPath() string {
	return normalizePath(d.Path)
}

// Key returns the cache key: method, normalized path and sorted query. Two
// descriptors for the same resource and parameters produce the same key,
// independent of the order parameters were added.
func (d Descriptor) Key() string {
	var b strings.Builder
	b.WriteString(d.Method)
	b.WriteByte(' ')
	b.WriteString(d.NormalizedPath())

	if q := sortedQuery(d.Query); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}

	return b.String()
}

// DedupKey identifies requests that may be collapsed into one underlying call:
// the cache key for reads and the idempotency key for mutations.
func (d Descriptor) DedupKey() string {
	if d.IsRead() {
		return d.Key()
	}
	return "idempotency:" + d.IdempotencyKey
}

// Group returns the resource group of the request, the first segment of the
// normalized path. Queued mutations in the same group are replayed in order.
func (d Descriptor) Group() string {
	p := strings.TrimPrefix(d.NormalizedPath(), "/")
	first, _, _ := strings.Cut(p, "/")
	return "/" + first
}

// URL resolves the descriptor against the given base URL.
func (d Descriptor) URL(base *url.URL) *url.URL {
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + d.NormalizedPath()
	u.RawQuery = sortedQuery(d.Query)
	return &u
}

// Header returns a copy of the request headers.
func (d Descriptor) Header() http.Header {
	if d.Headers == nil {
		return http.Header{}
	}
	return d.Headers.Clone()
}

// CacheTags returns a copy of the declared tags.
func (d Descriptor) CacheTags() []string {
	return slices.Clone(d.Tags)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func sortedQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}

	sorted := make(url.Values, len(q))
	for _, k := range slices.Sorted(maps.Keys(q)) {
		vals := slices.Clone(q[k])
		slices.Sort(vals)
		sorted[k] = vals
	}

	// Encode sorts by key
	return sorted.Encode()
}
