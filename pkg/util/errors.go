package util

import (
	"errors"
)

// Error taxonomy shared by every component of the capping engine. Callers wrap
// these with context using fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrInvalidState is returned when a required lookup (pstate, clock domain,
	// VF entry, client slot) returned nothing valid.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument is returned for malformed caller input such as a zero
	// sized buffer.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAllocationFailure is returned when fixed buffers could not be
	// reserved at construction time. It is never retried.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrNotReady is returned when an upstream subsystem is not yet
	// initialized.
	ErrNotReady = errors.New("not ready")
)

// IsCycleAbort reports whether err should abort the current evaluation cycle
// while keeping the last applied limits.
func IsCycleAbort(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotReady)
}

// UnpackErrsToStrings flattens an error built with errors.Join into a list
// of messages. A nil error yields an empty list.
func UnpackErrsToStrings(err error) *[]string {
	list := []string{}
	if err == nil {
		return &list
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			list = append(list, *UnpackErrsToStrings(e)...)
		}
		return &list
	}
	list = append(list, err.Error())
	return &list
}
