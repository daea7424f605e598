package cloudfilter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/winfsp/go-cloudfilter/status"
)

// Outcome is how an operation has been completed.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// result is what the handler completes an operation with.
type result struct {
	data    []byte
	entries []PlaceholderEntry
	err     error
}

// OperationContext is a driver request in flight.
//
// It carries what is needed to complete the request, and
// guarantees the request is completed exactly once: the
// first completion wins, whether it comes from the handler
// or from the dispatcher force failing the request, and
// the later ones return ErrAlreadyCompleted.
//
// Handlers completing asynchronously retain the context,
// return ErrPending and call one of the Complete methods
// later, from any goroutine.
type OperationContext struct {
	id         uint64
	kind       NotificationKind
	opType     OperationType
	request    Request
	rng        Range
	started    time.Time
	dispatcher *Dispatcher
	finish     func(op *OperationContext, res result)
	span       trace.Span

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mtx      sync.Mutex
	claimed  bool
	reported bool
	outcome  Outcome
	code     status.Code
	done     chan struct{}
}

// ID is the sequence number assigned by the dispatcher.
func (op *OperationContext) ID() uint64 {
	return op.id
}

// Kind is the kind of the notification being served.
func (op *OperationContext) Kind() NotificationKind {
	return op.kind
}

// Request returns the common fields of the notification.
func (op *OperationContext) Request() Request {
	return op.request
}

// TransferKey identifies the file handle the notification arrived on.
func (op *OperationContext) TransferKey() TransferKey {
	return op.request.TransferKey
}

// FileID is the placeholder the notification targets.
func (op *OperationContext) FileID() FileID {
	return op.request.FileID
}

// Priority is the scheduling hint the driver attached to the request.
func (op *OperationContext) Priority() uint8 {
	return op.request.Priority
}

// Range is the requested byte range of data requests.
func (op *OperationContext) Range() Range {
	return op.rng
}

// Context is done once the operation is cancelled, force
// failed or completed.
func (op *OperationContext) Context() context.Context {
	return op.ctx
}

// Cancelled reports whether the driver asked to cancel the
// operation. It is advisory: handlers are expected to check
// it and return early, with ErrCancelled or any error.
func (op *OperationContext) Cancelled() bool {
	return op.cancelled.Load()
}

func (op *OperationContext) markCancelled() {
	op.cancelled.Store(true)
	op.cancel()
}

// Done is closed when the completion has been reported.
func (op *OperationContext) Done() <-chan struct{} {
	return op.done
}

// Outcome returns how the operation has been completed and
// the status reported to the driver.
func (op *OperationContext) Outcome() (Outcome, status.Code) {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	return op.outcome, op.code
}

// CompleteFetchData completes a FetchData operation with
// the data starting at the requested offset, or an error.
func (op *OperationContext) CompleteFetchData(data []byte, err error) error {
	if op.kind != NotifyFetchData {
		return errors.Wrapf(ErrInvalidRequest,
			"complete %s with data", op.kind)
	}
	return op.complete(result{data: data, err: err})
}

// CompletePlaceholders completes a FetchPlaceholders
// operation with the entries, or an error.
func (op *OperationContext) CompletePlaceholders(entries []PlaceholderEntry, err error) error {
	if op.kind != NotifyFetchPlaceholders {
		return errors.Wrapf(ErrInvalidRequest,
			"complete %s with placeholders", op.kind)
	}
	return op.complete(result{entries: entries, err: err})
}

// Complete completes an acknowledgement operation, a nil
// error approves the change. Operations that carry a
// payload may only be failed through it.
func (op *OperationContext) Complete(err error) error {
	if err == nil && (op.kind == NotifyFetchData ||
		op.kind == NotifyFetchPlaceholders) {
		return errors.Wrapf(ErrInvalidRequest,
			"complete %s without payload", op.kind)
	}
	return op.complete(result{err: err})
}

// claim takes the right of completing the operation.
func (op *OperationContext) claim() bool {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	if op.claimed {
		return false
	}
	op.claimed = true
	return true
}

func (op *OperationContext) complete(res result) error {
	if errors.Is(res.err, ErrPending) {
		return errors.Wrap(ErrInvalidRequest, "complete with pending")
	}
	if !op.claim() {
		return errors.Wrapf(ErrAlreadyCompleted, "operation %d", op.id)
	}
	op.dispatcher.finishOperation(op, res)
	return nil
}

// forceFail completes the operation with the error if no
// completion has happened yet, and reports whether it did.
func (op *OperationContext) forceFail(err error) bool {
	if !op.claim() {
		return false
	}
	op.cancel()
	op.dispatcher.finishOperation(op, result{err: err})
	return true
}

func (op *OperationContext) isReported() bool {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	return op.reported
}

// report sends the completion to the driver, only the first
// report of an operation is sent.
func (op *OperationContext) report(o *Operation, outcome Outcome) error {
	op.mtx.Lock()
	if op.reported {
		op.mtx.Unlock()
		return errors.Wrapf(ErrAlreadyCompleted, "operation %d", op.id)
	}
	op.reported = true
	op.mtx.Unlock()

	o.Type = op.opType
	o.TransferKey = op.request.TransferKey
	o.RequestKey = op.request.RequestKey
	err := op.dispatcher.execute(op, o)
	if err != nil {
		outcome = OutcomeFailed
	}
	op.mtx.Lock()
	op.outcome = outcome
	op.code = o.Status
	op.mtx.Unlock()
	return err
}

// settle closes the operation after its report.
func (op *OperationContext) settle() {
	op.cancel()
	close(op.done)
}
