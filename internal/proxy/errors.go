package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type ErrorKind int

const (
	KindUnexpected ErrorKind = iota
	KindInvalidRequest
	KindSubmissionFailed
	KindFailed
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindSubmissionFailed:
		return "submission_failed"
	case KindFailed:
		return "failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unexpected"
	}
}

// Sentinels for errors.Is; only the Kind is compared.
var (
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrSubmissionFailed = &Error{Kind: KindSubmissionFailed}
	ErrFailed           = &Error{Kind: KindFailed}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrUnexpected       = &Error{Kind: KindUnexpected}
)

// Error is the single failure type RunJob returns.
type Error struct {
	Kind    ErrorKind
	Message string
	// Status is the upstream HTTP status for SubmissionFailed.
	Status int
	// Body is the upstream response body for SubmissionFailed.
	Body string
	// Details is the remote failure payload for Failed.
	Details json.RawMessage
	JobID   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus is the status code the inbound endpoint answers with for this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindSubmissionFailed:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
