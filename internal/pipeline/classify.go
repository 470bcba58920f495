package pipeline

import (
	"errors"
	"net/http"

	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/request"
)

// Outcome is the classification of a single dispatch. Retry, refresh and
// queueing decisions are made on the outcome alone.
type Outcome int

const (
	outcomeSuccess Outcome = iota
	// outcomeUnauthorized is a 401: refresh the token once and resend.
	outcomeUnauthorized
	// outcomeTerminal is never retried.
	outcomeTerminal
	// outcomeRetryable is a 5xx from a reachable server.
	outcomeRetryable
	// outcomeQueueable is a connectivity failure: reads retry it, mutations
	// are handed to the offline queue.
	outcomeQueueable
)

func (o Outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeUnauthorized:
		return "unauthorized"
	case outcomeRetryable:
		return "retryable"
	case outcomeQueueable:
		return "queueable"
	default:
		return "terminal"
	}
}

func classify(resp *request.Response, err error) Outcome {
	if err != nil {
		var apiErr *apierror.Error
		if !errors.As(err, &apiErr) {
			// cancellation and local failures
			return outcomeTerminal
		}
		switch apiErr.Kind {
		case apierror.KindNetwork:
			return outcomeQueueable
		case apierror.KindServer:
			return outcomeRetryable
		default:
			return outcomeTerminal
		}
	}

	switch {
	case resp.Successful():
		return outcomeSuccess
	case resp.Status == http.StatusUnauthorized:
		return outcomeUnauthorized
	case resp.Status >= 500:
		return outcomeRetryable
	default:
		return outcomeTerminal
	}
}

// retries reports whether an outcome is retried inline for the request.
func (o Outcome) retries(read bool) bool {
	return o == outcomeRetryable || (o == outcomeQueueable && read)
}
