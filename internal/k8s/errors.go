package k8s

import (
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Sentinel error kinds every Gateway operation normalizes onto, per
// spec.md §7. Callers use errors.Is against these, never inspecting the
// underlying Kubernetes API error directly.
var (
	ErrNotFound      = errors.New("k8s: object not found")
	ErrAlreadyExists = errors.New("k8s: object already exists")
	ErrTransient     = errors.New("k8s: transient orchestrator error")
	ErrFatal         = errors.New("k8s: fatal orchestrator error")
)

// classify maps a raw client-go error onto one of the package's sentinel
// kinds, keeping the original error so callers can still inspect it with
// Cause if they need to (errors.Unwrap yields the sentinel).
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(err):
		return &gatewayError{sentinel: ErrNotFound, cause: err}
	case apierrors.IsAlreadyExists(err):
		return &gatewayError{sentinel: ErrAlreadyExists, cause: err}
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsConflict(err):
		return &gatewayError{sentinel: ErrTransient, cause: err}
	default:
		return &gatewayError{sentinel: ErrFatal, cause: err}
	}
}

type gatewayError struct {
	sentinel error
	cause    error
}

func (e *gatewayError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *gatewayError) Unwrap() error {
	return e.sentinel
}

// Cause returns the underlying client-go error a gatewayError wraps.
func Cause(err error) error {
	var ge *gatewayError
	if errors.As(err, &ge) {
		return ge.cause
	}
	return err
}
