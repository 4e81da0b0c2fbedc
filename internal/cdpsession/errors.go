package cdpsession

import (
	"errors"
	"fmt"
)

const (
	CodeTransport     = "TRANSPORT"
	CodeProtocol      = "PROTOCOL"
	CodeTimeout       = "TIMEOUT"
	CodeNotFound      = "NOT_FOUND"
	CodeCommandFailed = "COMMAND_FAILED"
	CodeValidation    = "VALIDATION"
	CodeBootstrap     = "BOOTSTRAP"
	CodeCanceled      = "CANCELED"
)

var (
	ErrTransportClosed   = errors.New("cdpsession: transport closed")
	ErrMalformedResponse = errors.New("cdpsession: malformed response")
	ErrTimeout           = errors.New("cdpsession: timed out")
	ErrCanceled          = errors.New("cdpsession: wait canceled")
	ErrNotFound          = errors.New("cdpsession: not found")
	ErrNoActiveTab       = errors.New("cdpsession: no active tab")
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CommandError is an error response returned by the browser for a command.
type CommandError struct {
	Method  string
	Code    int64
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// HasCode reports whether err carries a CodedError with the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
