// Package mailerr defines the single error type returned by the mail delivery
// path. Callers classify failures by Kind instead of matching error strings.
package mailerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindValidation
	KindConnect
	KindProtocol
	KindTimeout
	KindTemplateNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindConnect:
		return "connect"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindTemplateNotFound:
		return "template_not_found"
	default:
		return "unknown"
	}
}

// Error is a classified delivery failure.
// Expected, Got and Raw are only populated for KindProtocol.
type Error struct {
	Kind     Kind
	Op       string
	Message  string
	Expected int
	Got      int
	Raw      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Kind == KindProtocol && e.Expected != 0 {
		msg = fmt.Sprintf("expected %d, got %d: %s", e.Expected, e.Got, e.Raw)
	}

	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %s: %v", e.Kind, e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, msg, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Config(msg string) *Error {
	return &Error{Kind: KindConfig, Message: msg}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Connect(op string, err error) *Error {
	return &Error{Kind: KindConnect, Op: op, Message: "connection failed", Err: err}
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: "deadline exceeded", Err: err}
}

// Protocol reports an unexpected SMTP reply code. raw is the full reply text.
func Protocol(op string, expected, got int, raw string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Expected: expected, Got: got, Raw: raw}
}

// Malformed reports a reply that does not start with a three digit code.
func Malformed(op, raw string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: fmt.Sprintf("malformed reply %q", raw), Raw: raw}
}

func TemplateNotFound(key string) *Error {
	return &Error{Kind: KindTemplateNotFound, Message: fmt.Sprintf("template %q not found", key)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent reports whether retrying err can never succeed without an
// operator changing configuration or the caller changing input.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindValidation, KindTemplateNotFound:
		return true
	default:
		return false
	}
}
