package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when a publish cycle is already in flight.
	ErrBusy = errors.New("publish already in progress")

	// ErrUnauthorized indicates missing credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates credentials that do not match the entity.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a uniqueness invariant would be broken.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports malformed desired-state input. Entities failing
// validation never enter a publish stage.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s: %s", e.Entity, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
}

// ExternalServiceError wraps a failed DNS provider, CA or API call.
type ExternalServiceError struct {
	Service string
	Op      string
	Entity  string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Service, e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call failed because its deadline elapsed.
func (e *ExternalServiceError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// FatalIOError reports that the config files could not be written or the
// reload command could not be run.
type FatalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *FatalIOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalIOError) Unwrap() error {
	return e.Err
}
