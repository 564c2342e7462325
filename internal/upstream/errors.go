package upstream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/folio-labs/chat-edge/internal/model"
)

// Kind classifies an upstream failure for the client.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindBadRequest  Kind = "bad_request"
	KindUnavailable Kind = "service_unavailable"
)

// StatusError is a provider rejection before streaming began. It never
// leaves the edge.
type StatusError struct {
	Provider   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned status %d", e.Provider, e.StatusCode)
}

// StreamError is an error reported by the provider inside an open stream.
type StreamError struct {
	Provider string
	Code     int
	Status   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream error %d %s", e.Provider, e.Code, e.Status)
}

// Error is a classified failure of a whole Open call.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus is the status the edge answers with.
func (e *Error) HTTPStatus() int {
	if e.Kind == KindRateLimited {
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

// PublicMessage is the message shown to the visitor.
func (e *Error) PublicMessage() string {
	if e.Kind == KindRateLimited {
		return model.MsgUpstreamBusy
	}
	return model.MsgServiceUnavailable
}

// RetryAfter is the Retry-After hint in seconds, zero when not applicable.
func (e *Error) RetryAfter() int {
	if e.Kind == KindRateLimited {
		return 60
	}
	return 0
}

// Classify maps a provider error to a Kind.
func Classify(err error) Kind {
	var se *StatusError
	if !errors.As(err, &se) {
		return KindUnavailable
	}
	switch se.StatusCode {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return KindBadRequest
	default:
		return KindUnavailable
	}
}
