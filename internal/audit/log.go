// Package audit records one structured log entry per control API request,
// describing what the request did to the session, the cache or the queue.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level of audit entries. It sits above every standard level
// so audit entries are written regardless of the configured level.
const Level = zerolog.Level(20)

// LevelName is the level field value written for audit entries.
const LevelName = "audit"

type key struct{}

// Entry is the audit record of a single request. Handlers fill in the fields
// describing their operation; the middleware fills in the rest.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	// Operation names what the request did, e.g. "execute" or "drain".
	Operation string

	// RequestKey is the cache key of a proxied backend request.
	RequestKey     string
	IdempotencyKey string
	Result         string
	QueueIDs       []string

	Succeeded int
	Failed    int
	Remaining int

	SessionState      string
	ConnectivityState string

	Error string
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	if e.Operation != "" {
		event.Str("operation", e.Operation)
	}

	backend := NewOptionalEvent(nil).
		Str("key", e.RequestKey).
		Str("idempotencyKey", e.IdempotencyKey).
		Str("result", e.Result)
	backend.Set(event, "backend")

	queue := NewOptionalEvent(nil).
		Strs("ids", e.QueueIDs).
		Int("succeeded", e.Succeeded).
		Int("failed", e.Failed).
		Int("remaining", e.Remaining)
	queue.Set(event, "queue")

	state := NewOptionalEvent(nil).
		Str("session", e.SessionState).
		Str("connectivity", e.ConnectivityState)
	state.Set(event, "state")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin records the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.SourceIP = host
	} else {
		e.SourceIP = r.RemoteAddr
	}
}

// End returns a function that writes the entry. It is intended to be
// deferred: a panic in flight is recorded in the entry and then re-raised.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)

			defer panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")
	}
}

// Middleware attaches an Entry to the request context and writes it once the
// request completes.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			sw := &statusWriter{ResponseWriter: w, entry: entry}
			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

// Context returns the entry attached to ctx, attaching a new one when there
// is none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(key{}).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, key{}, e), e
}

// Log returns the entry attached to ctx. Outside the middleware the entry is
// detached, so writes to it are discarded.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

type statusWriter struct {
	http.ResponseWriter
	entry *Entry
}

func (w *statusWriter) WriteHeader(status int) {
	if w.entry.Status == 0 {
		w.entry.Status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
