// Package errors wraps github.com/pkg/errors with the helpers used throughout
// tbak. Errors are wrapped with a short "verb noun" context at every layer so
// that the final message reads like a trace, e.g.
// "push folder: upload: write packet: connection reset by peer".
package errors

import (
	stdErrors "errors"
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

// New returns an error with the supplied message.
func New(msg string, args ...interface{}) error {
	if len(args) == 0 {
		return pkgErrors.New(msg)
	}
	return pkgErrors.Errorf(msg, args...)
}

// WithContext annotates `err` with `context`. Nil errors stay nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgErrors.WithMessage(err, context)
}

// RootCause returns the innermost error that isn't a context annotation.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stdErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stdErrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown directly to the
// user, without the usual context chain.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message to show to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

// Friendly is implemented by errors that have a user facing message.
type Friendly interface {
	FriendlyMessage() string
}

// GetFriendlyMessage returns the friendly message of the first error in the
// chain that has one.
func GetFriendlyMessage(err error) (string, bool) {
	var friendly Friendly
	if As(err, &friendly) {
		return friendly.FriendlyMessage(), true
	}
	return "", false
}
