package cloudfilter

import "github.com/winfsp/go-cloudfilter/status"

// The errors of the runtime, see package status for their
// classes and codes.
var (
	ErrAlreadyRegistered = status.ErrAlreadyRegistered
	ErrInvalidPath       = status.ErrInvalidPath
	ErrPermissionDenied  = status.ErrPermissionDenied
	ErrRootInUse         = status.ErrRootInUse

	ErrNotRegistered     = status.ErrNotRegistered
	ErrAlreadyConnected  = status.ErrAlreadyConnected
	ErrDriverUnavailable = status.ErrDriverUnavailable

	ErrOperationDenied          = status.ErrOperationDenied
	ErrPinnedCannotDehydrate    = status.ErrPinnedCannotDehydrate
	ErrHandleClosed             = status.ErrHandleClosed
	ErrNotAPlaceholderCandidate = status.ErrNotAPlaceholderCandidate
	ErrNotAPlaceholder          = status.ErrNotAPlaceholder
	ErrInvalidRequest           = status.ErrInvalidRequest
	ErrNotSupported             = status.ErrNotSupported
	ErrAlreadyCompleted         = status.ErrAlreadyCompleted
	ErrCancelled                = status.ErrCancelled
	ErrTimeout                  = status.ErrTimeout
	ErrProviderTerminated       = status.ErrProviderTerminated
)

// ErrPending is returned by a handler to signify that it
// will complete the operation later, through one of the
// Complete methods of the OperationContext.
var ErrPending = pendingError{}

type pendingError struct{}

func (pendingError) Error() string {
	return "operation pending"
}

// FaultError is reported when a handler panics.
type FaultError = status.FaultError
