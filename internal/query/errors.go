package query

import (
	"errors"
	"fmt"
)

// Status codes. Non-negative codes come from the server; negative codes are
// produced locally.
const (
	CodeOK            int32 = 0
	CodeEmptyResponse int32 = -1
	CodeTransport     int32 = -2
	CodeParse         int32 = -3

	// CodeInvalidChannelID is reported when a command names a channel that
	// no longer exists.
	CodeInvalidChannelID int32 = 768
	// CodeChannelNameInUse is reported by channelcreate when a sibling
	// already carries the requested name.
	CodeChannelNameInUse int32 = 771
)

// Error is a failed query. Code is either a server status id or one of the
// local negative codes; Err holds the underlying cause for local failures.
type Error struct {
	Code    int32
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("query: %s (%d): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("query: %s (%d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEmptyResponse is returned when a response carries no status line, or
// when a command guaranteed to return a row returned none.
var ErrEmptyResponse = &Error{Code: CodeEmptyResponse, Message: "expected result but none found"}

func transportError(op string, err error) error {
	return &Error{Code: CodeTransport, Message: op, Err: err}
}

func parseError(msg string, err error) error {
	return &Error{Code: CodeParse, Message: msg, Err: err}
}

// Code extracts the query code from err, or CodeOK when err is not a query error.
func Code(err error) int32 {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeOK
}

// IsCode reports whether err is a query error carrying code.
func IsCode(err error, code int32) bool {
	var qe *Error
	return errors.As(err, &qe) && qe.Code == code
}

// IsTransport reports whether err was caused by the connection itself rather
// than a server-side status.
func IsTransport(err error) bool {
	return IsCode(err, CodeTransport)
}
