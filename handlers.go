package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/audit"
	"github.com/rewardly/sync-bridge/internal/connectivity"
	"github.com/rewardly/sync-bridge/internal/pipeline"
	"github.com/rewardly/sync-bridge/internal/queue"
	"github.com/rewardly/sync-bridge/internal/request"
	"github.com/rewardly/sync-bridge/internal/session"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	HTTPStatus() (int, string)
}

type sessionTokens interface {
	State() session.State
	Login(ctx context.Context, tokens session.Tokens) error
	Logout(ctx context.Context) error
}

type executor interface {
	Execute(ctx context.Context, d request.Descriptor) (pipeline.Result, error)
}

type sessionRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type sessionResponse struct {
	State string `json:"state"`
}

func handleGetSession(sessions sessionTokens) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		state := sessions.State().String()
		audit.Log(r.Context()).SessionState = state

		writeJSON(w, http.StatusOK, sessionResponse{State: state})
	})
}

func handlePostSession(sessions sessionTokens) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		entry := audit.Log(r.Context())
		entry.Operation = "login"

		var body sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Info().Err(err).Msg("invalid session request")
			writeJSONError(w, http.StatusBadRequest, "request body must be a JSON session")
			return
		}
		if body.AccessToken == "" || body.RefreshToken == "" {
			writeJSONError(w, http.StatusBadRequest, "accessToken and refreshToken are required")
			return
		}

		err := sessions.Login(r.Context(), session.Tokens{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			ExpiresAt:    body.ExpiresAt,
		})
		if err != nil {
			log.Info().Err(err).Msg("login failed")
			entry.Error = err.Error()
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		state := sessions.State().String()
		entry.SessionState = state

		writeJSON(w, http.StatusOK, sessionResponse{State: state})
	})
}

func handleDeleteSession(sessions sessionTokens) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		entry := audit.Log(r.Context())
		entry.Operation = "logout"

		if err := sessions.Logout(r.Context()); err != nil {
			log.Info().Err(err).Msg("logout failed")
			entry.Error = err.Error()
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		entry.SessionState = sessions.State().String()
		w.WriteHeader(http.StatusNoContent)
	})
}

// proxyRequest is a backend request submitted through the control API.
type proxyRequest struct {
	Method         string              `json:"method"`
	Path           string              `json:"path"`
	Query          map[string][]string `json:"query,omitempty"`
	Body           json.RawMessage     `json:"body,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	TTLSeconds     int                 `json:"ttlSeconds,omitempty"`
	Anonymous      bool                `json:"anonymous,omitempty"`
}

func (p proxyRequest) descriptor() (request.Descriptor, error) {
	var opts []request.Option
	if len(p.Query) > 0 {
		opts = append(opts, request.WithQuery(url.Values(p.Query)))
	}
	if len(p.Body) > 0 {
		opts = append(opts, request.WithBody(p.Body))
	}
	if p.IdempotencyKey != "" {
		opts = append(opts, request.WithIdempotencyKey(p.IdempotencyKey))
	}
	if len(p.Tags) > 0 {
		opts = append(opts, request.WithTags(p.Tags...))
	}
	if p.TTLSeconds > 0 {
		opts = append(opts, request.WithTTL(time.Duration(p.TTLSeconds)*time.Second))
	}
	if p.Anonymous {
		opts = append(opts, request.WithAnonymous())
	}

	return request.New(p.Method, p.Path, opts...)
}

type proxyResponse struct {
	Status    int             `json:"status,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	FromCache bool            `json:"fromCache,omitempty"`
	Shared    bool            `json:"shared,omitempty"`
	Queued    bool            `json:"queued,omitempty"`
	QueueID   string          `json:"queueId,omitempty"`
}

type fieldErrorResponse struct {
	Error  string              `json:"error"`
	Kind   string              `json:"kind,omitempty"`
	Fields map[string][]string `json:"fields,omitempty"`
}

func handlePostRequest(exec executor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		entry := audit.Log(r.Context())
		entry.Operation = "execute"

		var body proxyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Info().Err(err).Msg("invalid proxied request")
			writeJSONError(w, http.StatusBadRequest, "request body must be a JSON request description")
			return
		}

		d, err := body.descriptor()
		if err != nil {
			entry.Error = err.Error()
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		entry.RequestKey = d.Key()
		entry.IdempotencyKey = d.IdempotencyKey

		res, err := exec.Execute(r.Context(), d)
		if err != nil {
			entry.Error = err.Error()
			writeExecuteError(w, err)
			return
		}
		entry.Result = resultName(res)
		if res.QueueID != "" {
			entry.QueueIDs = []string{res.QueueID}
		}

		status := http.StatusOK
		out := proxyResponse{
			FromCache: res.FromCache,
			Shared:    res.Shared,
			Queued:    res.Queued,
			QueueID:   res.QueueID,
		}
		if res.Queued {
			status = http.StatusAccepted
		}
		if res.Response != nil {
			out.Status = res.Response.Status
			if json.Valid(res.Response.Body) {
				out.Body = res.Response.Body
			}
		}

		writeJSON(w, status, out)
	})
}

func resultName(res pipeline.Result) string {
	switch {
	case res.FromCache:
		return "cache_hit"
	case res.Queued:
		return "queued"
	case res.Shared:
		return "shared"
	default:
		return "fetched"
	}
}

func writeExecuteError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)

	out := fieldErrorResponse{Error: message}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		out.Kind = apiErr.Kind.String()
		out.Fields = apiErr.FieldErrors
	}

	log.Info().Err(err).Int("status", status).Msg("proxied request failed")
	writeJSON(w, status, out)
}

type queueEntryResponse struct {
	ID             string    `json:"id"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Group          string    `json:"group"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Attempts       int       `json:"attempts"`
	Status         string    `json:"status"`
	LastError      string    `json:"lastError,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

func newQueueEntryResponse(e queue.Entry) queueEntryResponse {
	return queueEntryResponse{
		ID:             e.ID,
		Method:         e.Descriptor.Method,
		Path:           e.Descriptor.NormalizedPath(),
		Group:          e.Group(),
		IdempotencyKey: e.Descriptor.IdempotencyKey,
		Attempts:       e.Attempts,
		Status:         string(e.Status),
		LastError:      e.LastError,
		EnqueuedAt:     e.EnqueuedAt,
	}
}

type queueResponse struct {
	Entries []queueEntryResponse `json:"entries"`
}

func handleGetQueue(q *queue.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		pending := q.Pending()
		out := queueResponse{Entries: make([]queueEntryResponse, 0, len(pending))}
		for _, e := range pending {
			out.Entries = append(out.Entries, newQueueEntryResponse(e))
		}

		writeJSON(w, http.StatusOK, out)
	})
}

type drainFailure struct {
	Entry queueEntryResponse `json:"entry"`
	Error string             `json:"error"`
}

type drainResponse struct {
	Succeeded []queueEntryResponse `json:"succeeded"`
	Failed    []drainFailure       `json:"failed"`
	Remaining int                  `json:"remaining"`
	Stopped   string               `json:"stopped,omitempty"`
}

func handlePostDrain(q *queue.Queue, replayer queue.Replayer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		report, err := q.Drain(r.Context(), replayer)

		entry := audit.Log(r.Context())
		entry.Operation = "drain"
		entry.Succeeded = len(report.Succeeded)
		entry.Failed = len(report.Failed)
		entry.Remaining = report.Remaining

		out := drainResponse{
			Succeeded: make([]queueEntryResponse, 0, len(report.Succeeded)),
			Failed:    make([]drainFailure, 0, len(report.Failed)),
			Remaining: report.Remaining,
		}
		for _, e := range report.Succeeded {
			out.Succeeded = append(out.Succeeded, newQueueEntryResponse(e))
		}
		for _, f := range report.Failed {
			out.Failed = append(out.Failed, drainFailure{Entry: newQueueEntryResponse(f.Entry), Error: f.Err.Error()})
		}
		if err != nil {
			// a stopped drain still reports what it settled
			out.Stopped = err.Error()
			entry.Error = err.Error()
		}

		writeJSON(w, http.StatusOK, out)
	})
}

func handleDeleteQueueEntry(q *queue.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id := r.PathValue("id")
		entry := audit.Log(r.Context())
		entry.Operation = "discard"
		entry.QueueIDs = []string{id}

		err := q.Remove(r.Context(), id)
		if err != nil {
			entry.Error = err.Error()
		}
		switch {
		case errors.Is(err, queue.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("queue entry %q not found", id))
		case errors.Is(err, queue.ErrInFlight):
			writeJSONError(w, http.StatusConflict, fmt.Sprintf("queue entry %q is being replayed", id))
		case err != nil:
			log.Info().Err(err).Str("queue_id", id).Msg("queue entry removal failed")
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
}

type connectivityResponse struct {
	State string `json:"state"`
}

func handlePostConnectivity(notifier *connectivity.Notifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		state, err := connectivity.ParseState(r.PathValue("state"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		notifier.Set(state)
		audit.Log(r.Context()).ConnectivityState = notifier.State().String()

		writeJSON(w, http.StatusOK, connectivityResponse{State: notifier.State().String()})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.HTTPStatus()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024)
	}
}
