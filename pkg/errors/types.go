package errors

import (
	"fmt"
)

// ErrNotFound is returned when a requested folder or stored file doesn't
// exist.
var ErrNotFound = New("not found")

// ErrLocked is returned when an object is locked by someone else.
var ErrLocked = New("locked by another process")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// TransportError is a failure of the underlying connection. It is fatal to
// the connection but not to the process.
type TransportError struct {
	Op  string
	Err error
}

func (err TransportError) Error() string {
	return fmt.Sprintf("%s: %s", err.Op, err.Err)
}

func (err TransportError) Unwrap() error {
	return err.Err
}

// ProtocolError represents a peer that sent something we didn't expect, such
// as the wrong packet type, a payload of the wrong size, or data that failed
// authentication.
type ProtocolError struct {
	Reason string
}

// NewProtocolError creates a ProtocolError from a format string.
func NewProtocolError(format string, args ...interface{}) error {
	return ProtocolError{fmt.Sprintf(format, args...)}
}

func (err ProtocolError) Error() string {
	return "protocol error: " + err.Reason
}

// IsTransport returns whether the error was caused by the connection.
func IsTransport(err error) bool {
	var te TransportError
	return As(err, &te)
}

// IsProtocol returns whether the error was caused by a misbehaving peer.
func IsProtocol(err error) bool {
	var pe ProtocolError
	return As(err, &pe)
}
