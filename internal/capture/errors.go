package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies why a source could not be opened
type ErrorKind string

const (
	ErrorUnreachable ErrorKind = "unreachable"
	ErrorAuth        ErrorKind = "auth"
	ErrorFormat      ErrorKind = "format"
	ErrorGeneric     ErrorKind = "generic"
)

// OpenError is returned when a source cannot be opened or verified
type OpenError struct {
	Kind   ErrorKind
	Source string
	Detail string
	Err    error
}

func (e *OpenError) Error() string {
	msg := e.Message()
	if e.Source != "" {
		return fmt.Sprintf("%s (%s)", msg, Redact(e.Source))
	}
	return msg
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Message is the operator-facing text for the error kind
func (e *OpenError) Message() string {
	switch e.Kind {
	case ErrorUnreachable:
		return "Cannot reach stream source. Check the address and network connectivity"
	case ErrorAuth:
		return "Authentication failed. Check username and password in URL"
	case ErrorFormat:
		return "Invalid stream format or URL"
	default:
		if e.Detail != "" {
			return e.Detail
		}
		return "Failed to open stream source"
	}
}

// Classify returns the error kind of err. Errors that are not an
// OpenError are classified by inspecting their text.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.Kind
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrReadTimeout) {
		return ErrorUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorUnreachable
	}
	return classifyText(err.Error())
}

// classifyText maps capture backend diagnostics to an error kind
func classifyText(text string) ErrorKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "401 unauthorized"), strings.Contains(lower, "403 forbidden"),
		strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return ErrorAuth
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"),
		strings.Contains(lower, "network is unreachable"), strings.Contains(lower, "name or service not known"),
		strings.Contains(lower, "no such host"):
		return ErrorUnreachable
	case strings.Contains(lower, "invalid data"), strings.Contains(lower, "invalid argument"),
		strings.Contains(lower, "no such file"), strings.Contains(lower, "protocol not found"),
		strings.Contains(lower, "could not find codec"), strings.Contains(lower, "unsupported"):
		return ErrorFormat
	default:
		return ErrorGeneric
	}
}

// NewOpenError wraps err as an OpenError, classifying it when needed
func NewOpenError(source string, err error) *OpenError {
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr
	}
	oe := &OpenError{Kind: Classify(err), Source: source, Err: err}
	if oe.Kind == ErrorGeneric && err != nil {
		oe.Detail = err.Error()
	}
	return oe
}

// ErrorMessage returns the operator-facing message for any capture error
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.Message()
	}
	return NewOpenError("", err).Message()
}
