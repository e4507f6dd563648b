package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput marks a malformed URL. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoHandlers marks a service/initiator pair with no eligible handler.
	ErrNoHandlers = errors.New("no handlers available")
	// ErrValidation marks remote content that failed type or size checks.
	ErrValidation = errors.New("validation failed")
	// ErrTranscodeFailed marks a nonzero transcoder exit or missing output.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrAllHandlersFailed marks exhaustion of a fallback chain.
	ErrAllHandlersFailed = errors.New("all handlers failed")
)

// RetrievalError carries the failure kind along with where it happened.
type RetrievalError struct {
	Kind    error
	URL     string
	Handler string
	Message string
	Err     error
}

func (e *RetrievalError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Handler != "" {
		fmt.Fprintf(&b, " [%s]", e.Handler)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " %s", e.URL)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RetrievalError) Is(target error) bool { return target == e.Kind }

func (e *RetrievalError) Unwrap() error { return e.Err }

// Wrap builds a RetrievalError of the given kind.
func Wrap(kind error, url, handler, message string, err error) error {
	return &RetrievalError{Kind: kind, URL: url, Handler: handler, Message: message, Err: err}
}
