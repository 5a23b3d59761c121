// Package fault defines the error taxonomy shared by storage, compute and
// the dispatcher. Every failure is attributable to exactly one Kind so
// callers can apply differentiated retry and backoff. Retry policy itself
// belongs to callers.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure category
type Kind string

const (
	KindNone               Kind = ""
	KindBadRequest         Kind = "BadRequest"
	KindUnknownOperation   Kind = "UnknownOperation"
	KindMissingInput       Kind = "MissingInput"
	KindNotFound           Kind = "NotFound"
	KindStorageUnavailable Kind = "StorageUnavailable"
	KindInvocation         Kind = "InvocationError"
	KindComputeFailure     Kind = "ComputeFailure"
	KindTimeout            Kind = "Timeout"
	KindConfiguration      Kind = "ConfigurationError"
	KindInternal           Kind = "Internal"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrMissingInput       = errors.New("missing input")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvocation         = errors.New("invocation error")
	ErrComputeFailure     = errors.New("compute failure")
	ErrTimeout            = errors.New("compute timeout")
	ErrConfiguration      = errors.New("configuration error")
)

// ordered so that the most specific kind wins when an error wraps several
var sentinels = []struct {
	kind Kind
	err  error
}{
	{KindMissingInput, ErrMissingInput},
	{KindBadRequest, ErrBadRequest},
	{KindUnknownOperation, ErrUnknownOperation},
	{KindTimeout, ErrTimeout},
	{KindComputeFailure, ErrComputeFailure},
	{KindInvocation, ErrInvocation},
	{KindStorageUnavailable, ErrStorageUnavailable},
	{KindNotFound, ErrNotFound},
	{KindConfiguration, ErrConfiguration},
}

// KindOf returns the failure kind of err. A nil error has KindNone and an
// error that wraps none of the sentinels is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code reported to callers
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNone:
		return http.StatusOK
	case KindBadRequest, KindUnknownOperation:
		return http.StatusBadRequest
	case KindMissingInput, KindNotFound:
		return http.StatusNotFound
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindComputeFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ComputeError is returned when an external engine exits with a non-zero
// status. It unwraps to ErrComputeFailure.
type ComputeError struct {
	Operation string
	ExitCode  int
	Stderr    string
}

func (e *ComputeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Operation, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Operation, e.ExitCode, e.Stderr)
}

func (e *ComputeError) Unwrap() error {
	return ErrComputeFailure
}
