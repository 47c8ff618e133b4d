// Package errdefs defines the error classes surfaced by the engine.
//
// Every class unwraps to the matching containerd error class, so callers can
// test with either the sentinels here or the helpers in containerd/errdefs.
package errdefs

import (
	"errors"

	cerrdefs "github.com/containerd/errdefs"
)

type class struct {
	name  string
	cause error
}

func (c *class) Error() string {
	return c.name
}

func (c *class) Unwrap() error {
	return c.cause
}

var (
	// ErrNotFound is returned when a reference or digest is absent.
	ErrNotFound error = &class{"not found", cerrdefs.ErrNotFound}
	// ErrIntegrity is returned when fetched content does not match its digest.
	ErrIntegrity error = &class{"integrity error", cerrdefs.ErrDataLoss}
	// ErrAuth is returned when the registry rejects the credentials.
	ErrAuth error = &class{"authentication error", cerrdefs.ErrUnauthenticated}
	// ErrNetwork is returned on transport failures. Callers may retry.
	ErrNetwork error = &class{"network error", cerrdefs.ErrUnavailable}
	// ErrCorruptIndex is returned when the image index references missing content.
	ErrCorruptIndex error = &class{"corrupt index", cerrdefs.ErrFailedPrecondition}
	// ErrBootFailure is returned when a VM could not be started.
	ErrBootFailure error = &class{"boot failure", cerrdefs.ErrInternal}
	// ErrResource is returned when the host cannot satisfy a resource request.
	ErrResource error = &class{"resource error", cerrdefs.ErrResourceExhausted}
	// ErrInvalidState is returned when an operation is illegal for the container state.
	ErrInvalidState error = &class{"invalid state", cerrdefs.ErrConflict}
	ErrInvalidArgument error = &class{"invalid argument", cerrdefs.ErrInvalidArgument}
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNetwork reports whether err is a transport failure that is safe to retry.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func IsCorruptIndex(err error) bool {
	return errors.Is(err, ErrCorruptIndex)
}

func IsBootFailure(err error) bool {
	return errors.Is(err, ErrBootFailure)
}

func IsResource(err error) bool {
	return errors.Is(err, ErrResource)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
