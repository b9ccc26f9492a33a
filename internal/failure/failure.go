// Package failure classifies dispatch errors into codes and classes.
//
// A queue item's failure reason is stored as "<code>: <detail>" so the code
// survives persistence and can be recovered with ParseReason.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	CodeInvalidNumber   Code = "invalid_number"
	CodeInvalidRequest  Code = "invalid_request"
	CodeBlacklisted     Code = "blacklisted"
	CodeOptedOut        Code = "opted_out"
	CodeSpendingBlocked Code = "spending_limit_blocked"
	CodeNoProvider      Code = "no_active_provider"
	CodeUnknownProvider Code = "unknown_provider"
	CodeTemplateMissing Code = "template_not_found"
	CodeProviderError   Code = "provider_error"
	CodeProviderTimeout Code = "provider_timeout"
	CodeRejected        Code = "provider_rejected"
	CodeClaimExpired    Code = "claim_expired"
	CodeInternal        Code = "internal_error"
)

type Class int

const (
	ClassTransient Class = iota
	ClassValidation
	ClassPolicy
	ClassConfiguration
	// ClassTerminal marks a delivery the provider refused outright.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassPolicy:
		return "policy"
	case ClassConfiguration:
		return "configuration"
	case ClassTerminal:
		return "terminal"
	default:
		return "transient"
	}
}

func (c Code) Class() Class {
	switch c {
	case CodeInvalidNumber, CodeInvalidRequest:
		return ClassValidation
	case CodeBlacklisted, CodeOptedOut, CodeSpendingBlocked:
		return ClassPolicy
	case CodeNoProvider, CodeUnknownProvider, CodeTemplateMissing:
		return ClassConfiguration
	case CodeRejected:
		return ClassTerminal
	default:
		return ClassTransient
	}
}

// Retryable reports whether a delivery failure with this code may be retried.
func (c Code) Retryable() bool {
	return c.Class() == ClassTransient
}

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, msg string) *Error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code carried by err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// ParseReason recovers the code from a stored failure reason.
func ParseReason(reason string) Code {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ""
	}
	code, _, _ := strings.Cut(reason, ":")
	return Code(strings.TrimSpace(code))
}
