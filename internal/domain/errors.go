package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeNotFound means a binding does not expose the requested call shape.
	ErrShapeNotFound = errors.New("call shape not found")

	// ErrPackageNotFound means the target package is not installed.
	ErrPackageNotFound = errors.New("package not found")

	// ErrBrokerUnavailable means the broker could not be reached.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrUnknownCapability means the capability is outside the catalog.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrOpNotFound means the operation name has no code on this OS.
	ErrOpNotFound = errors.New("operation not found")
)

// InvocationErrorKind classifies an OS-side invocation failure.
type InvocationErrorKind string

const (
	InvocationSecurity InvocationErrorKind = "security"
	InvocationOther    InvocationErrorKind = "other"
)

// InvocationError is returned when a call shape was found but the OS
// rejected the invocation.
type InvocationError struct {
	Kind    InvocationErrorKind
	Class   string // OS exception class, e.g. java.lang.SecurityException
	Message string
}

func (e *InvocationError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("invocation failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("invocation failed: %s: %s", e.Class, e.Message)
}

// IsSecurity reports whether err is an OS security rejection.
func IsSecurity(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Kind == InvocationSecurity
}
