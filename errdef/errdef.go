// Package errdef defines the error classes shared by the broker's packages.
// Callers classify failures with errors.Is/errors.As rather than string
// matching.
package errdef

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a violated caller precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPersistence marks a failed database or local-disk operation.
	ErrPersistence = errors.New("persistence failure")

	// ErrProtocol marks a malformed or oversized response from the remote
	// service, or a response missing a required field.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout is returned when waiting on an operation exceeds its
	// deadline. The remote operation is cancelled best-effort as a side
	// effect.
	ErrTimeout = errors.New("timed out")
)

// RemoteError is an HTTP 4xx response from the contree service. Message
// carries the "error" field of the JSON body when one was present, or the
// raw body otherwise.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("HTTP %d - %s", e.Status, e.Message)
}

// RegistryAuthError means no usable credentials exist for a registry and the
// caller did not opt into anonymous access.
type RegistryAuthError struct {
	Registry string
}

func (e *RegistryAuthError) Error() string {
	return fmt.Sprintf("not authenticated with %q - store a registry token first "+
		"or explicitly allow anonymous access", e.Registry)
}

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Persistencef wraps ErrPersistence with a formatted message.
func Persistencef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPersistence, fmt.Sprintf(format, args...))
}

// Protocolf wraps ErrProtocol with a formatted message.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// IsInvalidArgument reports whether err is an ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsPersistence reports whether err is an ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsProtocol reports whether err is an ErrProtocol.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsTimeout reports whether err is an ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// AsRemote extracts a RemoteError from err's chain.
func AsRemote(err error) (*RemoteError, bool) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote, true
	}
	return nil, false
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	remote, ok := AsRemote(err)
	return ok && remote.Status == 404
}
