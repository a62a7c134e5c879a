// Package apperror classifies failures from the remote job API into the
// small set of categories the orchestration code branches on.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	Auth         Code = "AUTH"
	Validation   Code = "VALIDATION"
	Conflict     Code = "CONFLICT"
	ResourceBusy Code = "RESOURCE_BUSY"
	NotFound     Code = "NOT_FOUND"
	Transient    Code = "TRANSIENT"
	Timeout      Code = "TIMEOUT"
	Unsupported  Code = "UNSUPPORTED"
	Internal     Code = "INTERNAL"
)

// Coder is implemented by every classified error in the module.
type Coder interface {
	Code() Code
}

// Error is a classified failure of a single remote operation.
type Error struct {
	code       Code
	Op         string // e.g. "create job", "get job"
	StatusCode int    // 0 for network failures
	JobID      string
	ResourceID string
	Message    string // remote message, never credentials
	Err        error
}

func New(code Code, op, message string) *Error {
	return &Error{code: code, Op: op, Message: message}
}

// FromStatus maps an HTTP status code and response body to a classified error.
func FromStatus(op string, status int, body string) *Error {
	msg := strings.TrimSpace(body)
	e := &Error{Op: op, StatusCode: status, Message: msg}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.code = Auth
	case status == http.StatusNotFound:
		e.code = NotFound
	case status == http.StatusConflict:
		e.code = Conflict
	case status == http.StatusMethodNotAllowed:
		e.code = Unsupported
	case status == http.StatusTooManyRequests || status >= 500:
		e.code = Transient
	case status >= 400:
		if IsConflictMessage(msg) {
			e.code = Conflict
		} else {
			e.code = Validation
		}
	default:
		e.code = Internal
	}
	return e
}

// conflictMarkers are substrings the remote service uses when rejecting a
// job because the target resource already has one in flight.
var conflictMarkers = []string{
	"already running",
	"already in progress",
	"another import",
	"job in progress",
	"concurrent",
}

// IsConflictMessage reports whether a rejection message names a busy resource.
func IsConflictMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range conflictMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(strings.ToLower(string(e.code)))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	if e.ResourceID != "" {
		fmt.Fprintf(&b, " resource=%s", e.ResourceID)
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

func (e *Error) Code() Code    { return e.code }
func (e *Error) Unwrap() error { return e.Err }

// WithJob returns e annotated with a job id.
func (e *Error) WithJob(id string) *Error {
	e.JobID = id
	return e
}

// WithResource returns e annotated with a resource id.
func (e *Error) WithResource(id string) *Error {
	e.ResourceID = id
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// CodeOf returns the code of the outermost classified error in err's chain,
// or Internal when nothing in the chain is classified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return Internal
}

// Is reports whether err is classified as code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports transient failures that a short backoff may clear.
func IsRetryable(err error) bool {
	return Is(err, Transient)
}
