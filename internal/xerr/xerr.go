// Package xerr provides coded errors used throughout the daemon to carry
// enough information for the control plane to pick an exit status (§6/§7
// of the design) without string-matching error messages.
package xerr

import (
	"errors"
	"fmt"
)

// Code classifies an error the way an HTTP status code classifies a
// response: callers switch on ranges, not on exact values.
type Code uint16

const (
	// Unknown is the zero value: an error with no particular classification.
	Unknown Code = 0

	// Input-class codes (4xx): bad request, exit status 1.
	CodeBadInput       Code = 400
	CodeUnknownVerb    Code = 404
	CodeUnknownRuntime Code = 410
	CodeDenied         Code = 403
	CodeTypeConflict   Code = 409
	CodeNameInUse      Code = 419
	CodeBadKind        Code = 422

	// Resource-class codes (5xx band, low): reported per-request, runtime continues.
	CodeOutOfMemory   Code = 507
	CodeConnLimit     Code = 529
	CodeRateLimited   Code = 531

	// Transient-class codes (6xx): internal retry already engaged.
	CodeTransient Code = 600

	// Fatal-class codes (9xx): the daemon exits with code 2.
	CodeFatal Code = 900
)

// Error is a Code-carrying error, compatible with errors.Is/errors.As
// via Unwrap.
type Error struct {
	code   Code
	msg    string
	parent error
}

func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func Wrap(code Code, msg string, parent error) *Error {
	return &Error{code: code, msg: msg, parent: parent}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.parent != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.parent
}

func (e *Error) Code() Code {
	if e == nil {
		return Unknown
	}
	return e.code
}

// Is reports whether target carries the same Code, so callers can write
// errors.Is(err, xerr.New(xerr.CodeTypeConflict, "")) to classify an error
// without caring about its message.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.code == e.code
	}
	return false
}

// ExitStatus maps an error to the control-plane exit status of §4.9/§6:
// 0 success, 1 bad input, 2 fatal. Resource and transient errors are
// reported to the caller as bad input (1) since the runtime itself keeps
// running; only fatal codes abort the daemon.
func ExitStatus(err error) byte {
	if err == nil {
		return 0
	}

	var e *Error
	if !errors.As(err, &e) {
		return 2
	}

	switch {
	case e.code >= CodeFatal:
		return 2
	default:
		return 1
	}
}

// IsFatal reports whether err should take the daemon down (bind failure,
// persistence directory unwritable, reactor init failure — §7).
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.code >= CodeFatal
}
