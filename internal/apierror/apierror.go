// Package apierror defines the failures surfaced by the synchronization core.
// Every failure is an *Error with a Kind that determines whether it is retried.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rewardly/sync-bridge/internal/request"
)

type Kind int

const (
	// KindNetwork is a transport failure: unreachable host, reset connection
	// or timeout. Retryable.
	KindNetwork Kind = iota + 1
	// KindAuth is a 401 that survived a token refresh, or a failed refresh.
	// Terminal: the session has ended.
	KindAuth
	// KindClient is a 4xx other than 401. Terminal and caller-actionable.
	KindClient
	// KindServer is a 5xx. Retryable with bounded attempts.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error carries enough structure for a caller to render feedback.
type Error struct {
	Kind        Kind
	Status      int
	Message     string
	FieldErrors map[string][]string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error onto an HTTP status and message, for surfaces that
// report failures over HTTP.
func (e *Error) HTTPStatus() (int, string) {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized, e.messageOr(http.StatusUnauthorized)
	case KindClient:
		return e.Status, e.messageOr(e.Status)
	default:
		return http.StatusBadGateway, e.messageOr(http.StatusBadGateway)
	}
}

func (e *Error) messageOr(status int) string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(status)
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "network unavailable", Err: err}
}

func Auth(message string, err error) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: message, Err: err}
}

// body is the error payload returned by the backend.
type body struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// FromResponse builds the error for a non-2xx response, extracting the
// server-provided message and field errors when the body is JSON.
func FromResponse(resp *request.Response) *Error {
	e := &Error{Status: resp.Status}

	switch {
	case resp.Status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case resp.Status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindClient
	}

	var b body
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &b) == nil {
		e.Message = b.Message
		e.FieldErrors = b.Errors
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.Status)
	}

	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
