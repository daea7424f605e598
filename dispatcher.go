package cloudfilter

import (
	"context"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/winfsp/go-cloudfilter/log"
	"github.com/winfsp/go-cloudfilter/rangeset"
	"github.com/winfsp/go-cloudfilter/status"
)

// Dispatcher routes the notifications of a connection to
// the handler of its session.
//
// Every notification expecting a completion is wrapped into
// an OperationContext, which stays live until completed.
// Once the dispatcher starts closing, new notifications are
// failed with ProviderTerminated and the handler is never
// invoked again.
type Dispatcher struct {
	connector Connector
	store     *Store
	handler   *behaviours
	log       log.Log
	metrics   Metrics
	tracer    trace.Tracer
	fault     func(*FaultError)
	ctx       context.Context

	key    atomic.Int64
	nextID atomic.Uint64

	mtx     sync.Mutex
	closing bool
	live    map[uint64]*OperationContext

	// calls counts the handler invocations in flight, it is
	// only increased while not closing.
	calls sync.WaitGroup
}

func newDispatcher(
	ctx context.Context, connector Connector, store *Store,
	handler *behaviours, option *option,
) *Dispatcher {
	return &Dispatcher{
		connector: connector,
		store:     store,
		handler:   handler,
		log:       log.OrNoLog(option.log),
		metrics:   option.metrics,
		tracer:    option.tracer,
		fault:     option.faultHandler,
		ctx:       ctx,
		live:      make(map[uint64]*OperationContext),
	}
}

func (d *Dispatcher) setConnectionKey(key ConnectionKey) {
	d.key.Store(int64(key))
}

// Outstanding returns the number of live operations.
func (d *Dispatcher) Outstanding() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.live)
}

// Deliver implements CallbackSink.
func (d *Dispatcher) Deliver(n *Notification) {
	if d.log.Enabled(log.TopicTrace) {
		d.log.Logf(log.TopicTrace, "deliver %s", DebugNotification{n})
	}
	switch n.Kind {
	case NotifyCancelFetchData, NotifyCancelFetchPlaceholders:
		d.dispatchCancel(n)
		return
	}
	if _, ok := n.Kind.completionType(); !ok {
		d.dispatchInformational(n)
		return
	}
	op := d.begin(n)
	if op == nil {
		return
	}
	d.invoke(op, n)
}

// enter admits a handler invocation unless closing.
func (d *Dispatcher) enter() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closing {
		return false
	}
	d.calls.Add(1)
	return true
}

func (d *Dispatcher) begin(n *Notification) *OperationContext {
	opType, _ := n.Kind.completionType()
	op := &OperationContext{
		id:         d.nextID.Add(1),
		kind:       n.Kind,
		opType:     opType,
		request:    requestOf(n),
		started:    time.Now(),
		dispatcher: d,
		finish:     d.finisher(n),
		done:       make(chan struct{}),
	}
	if n.Kind == NotifyFetchData || n.Kind == NotifyValidateData {
		op.rng = n.Range
	}
	ctx, span := d.tracer.Start(d.ctx, "cloudfilter."+n.Kind.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("cloudfilter.path", n.Path),
			attribute.Int64("cloudfilter.file_id", int64(n.FileID)),
			attribute.Int64("cloudfilter.transfer_key", int64(n.TransferKey)),
		))
	if !op.rng.Empty() {
		span.SetAttributes(
			attribute.Int64("cloudfilter.offset", int64(op.rng.Start)),
			attribute.Int64("cloudfilter.length", int64(op.rng.Len())))
	}
	op.span = span
	op.ctx, op.cancel = context.WithCancel(ctx)
	d.metrics.OperationStarted(n.Kind.String())

	d.mtx.Lock()
	if d.closing {
		d.mtx.Unlock()
		d.log.Logf(log.TopicTrace, "reject %s of %q after disconnect",
			n.Kind, n.Path)
		op.forceFail(errors.Wrap(ErrProviderTerminated, "disconnecting"))
		return nil
	}
	d.live[op.id] = op
	d.calls.Add(1)
	d.mtx.Unlock()
	return op
}

// recoverFault contains a handler panic. The operation, if
// any, is force failed and the fault handler is told.
func (d *Dispatcher) recoverFault(kind NotificationKind, op *OperationContext) {
	v := recover()
	if v == nil {
		return
	}
	fault := &FaultError{
		Operation: kind.String(),
		Value:     v,
		Stack:     debug.Stack(),
	}
	d.log.Logf(log.TopicError, "%v\n%s", fault, fault.Stack)
	d.metrics.HandlerFault(kind.String())
	if op != nil && op.forceFail(fault) {
		d.metrics.ForcedFailure(kind.String(), "fault")
	}
	if d.fault != nil {
		d.fault(fault)
	}
}

func (d *Dispatcher) logCall(kind NotificationKind, args log.M) string {
	if !d.log.Enabled(log.TopicCall) {
		return ""
	}
	return d.log.Call(kind.String(), args)
}

func (d *Dispatcher) logReturn(kind NotificationKind, cookie string, rets log.M) {
	if !d.log.Enabled(log.TopicCall) {
		return
	}
	d.log.Return(kind.String(), cookie, rets)
}

// invoke calls the handler for the operation, and completes
// the operation with the result unless it is pending.
func (d *Dispatcher) invoke(op *OperationContext, n *Notification) {
	defer d.calls.Done()
	defer d.recoverFault(n.Kind, op)
	var res result
	switch n.Kind {
	case NotifyFetchData:
		res = d.callFetchData(op, n)
	case NotifyValidateData:
		res = d.callValidateData(op, n)
	case NotifyFetchPlaceholders:
		res = d.callFetchPlaceholders(op, n)
	case NotifyDehydrate:
		res = d.callVeto(op, d.handler.dehydrate != nil, func() error {
			return d.handler.dehydrate.Dehydrate(op, &DehydrateRequest{
				Request:    op.request,
				Background: n.Background,
				Reason:     n.Reason,
			})
		})
	case NotifyDelete:
		res = d.callVeto(op, d.handler.delete != nil, func() error {
			return d.handler.delete.Delete(op, &DeleteRequest{
				Request:     op.request,
				IsDirectory: n.IsDirectory,
				Undelete:    n.Undelete,
			})
		})
	case NotifyRename:
		res = d.callVeto(op, d.handler.rename != nil, func() error {
			return d.handler.rename.Rename(op, &RenameRequest{
				Request:       op.request,
				TargetPath:    n.TargetPath,
				IsDirectory:   n.IsDirectory,
				SourceInScope: n.SourceInScope,
				TargetInScope: n.TargetInScope,
			})
		})
	case NotifyConvertToPlaceholder:
		res = d.callVeto(op, d.handler.convert != nil, func() error {
			return d.handler.convert.ConvertToPlaceholder(op, &ConvertRequest{
				Request:  op.request,
				Metadata: n.Metadata,
			})
		})
	case NotifyRehydrate:
		res = d.callVeto(op, d.handler.rehydrate != nil, func() error {
			return d.handler.rehydrate.Rehydrate(op, &RehydrateRequest{
				Request: op.request,
			})
		})
	}
	if errors.Is(res.err, ErrPending) {
		d.log.Logf(log.TopicTrace, "operation %d (%s) pending", op.id, op.kind)
		return
	}
	if err := op.complete(res); err != nil {
		d.log.Logf(log.TopicTrace, "discard completion of %s: %v", op.kind, err)
	}
}

func (d *Dispatcher) callFetchData(op *OperationContext, n *Notification) result {
	if d.handler.fetchData == nil {
		return result{err: errors.Wrap(ErrNotSupported, "fetch data")}
	}
	p, err := d.store.Adopt(n.FileID, n.Path, Metadata{
		Size:     n.FileSize,
		Identity: n.Identity,
	})
	if err != nil {
		d.log.Logf(log.TopicError, "adopt %q: %v", n.Path, err)
		p = nil
	}
	req := &FetchDataRequest{
		Request:       op.request,
		Range:         n.Range,
		OptionalRange: n.OptionalRange,
		Explicit:      n.Explicit,
		Placeholder:   p,
	}
	cookie := d.logCall(op.kind, log.M{
		"path": n.Path, "range": n.Range, "placeholder": DebugPlaceholder{p},
	})
	data, err := d.handler.fetchData.FetchData(op, req)
	d.logReturn(op.kind, cookie, log.M{"length": len(data), "err": err})
	return result{data: data, err: err}
}

func (d *Dispatcher) callValidateData(op *OperationContext, n *Notification) result {
	if d.handler.validateData == nil {
		return result{}
	}
	cookie := d.logCall(op.kind, log.M{"path": n.Path, "range": n.Range})
	err := d.handler.validateData.ValidateData(op, &ValidateDataRequest{
		Request:  op.request,
		Range:    n.Range,
		Explicit: n.Explicit,
	})
	d.logReturn(op.kind, cookie, log.M{"err": err})
	return result{err: err}
}

func (d *Dispatcher) callFetchPlaceholders(op *OperationContext, n *Notification) result {
	if d.handler.fetchPlaceholders == nil {
		return result{err: errors.Wrap(ErrNotSupported, "fetch placeholders")}
	}
	cookie := d.logCall(op.kind, log.M{"path": n.Path, "pattern": n.Pattern})
	entries, err := d.handler.fetchPlaceholders.FetchPlaceholders(
		op, &FetchPlaceholdersRequest{
			Request: op.request,
			Pattern: n.Pattern,
		})
	d.logReturn(op.kind, cookie, log.M{"entries": len(entries), "err": err})
	return result{entries: entries, err: err}
}

// callVeto runs a handler that may veto a change, the
// change is approved when the handler has no opinion.
func (d *Dispatcher) callVeto(op *OperationContext, present bool, fn func() error) result {
	if !present {
		return result{}
	}
	cookie := d.logCall(op.kind, log.M{"path": op.request.Path})
	err := fn()
	d.logReturn(op.kind, cookie, log.M{"err": err})
	return result{err: err}
}

// finishOperation runs the finisher of the claimed
// operation, and guarantees a report has been sent when it
// returns, even if the finisher panics.
func (d *Dispatcher) finishOperation(op *OperationContext, res result) {
	defer d.settle(op)
	defer func() {
		if v := recover(); v != nil {
			fault := &FaultError{
				Operation: op.kind.String(),
				Value:     v,
				Stack:     debug.Stack(),
			}
			d.log.Logf(log.TopicError, "%v\n%s", fault, fault.Stack)
			if !op.isReported() {
				d.fail(op, fault)
			}
			if d.fault != nil {
				d.fault(fault)
			}
		}
	}()
	op.finish(op, res)
	if !op.isReported() {
		d.log.Logf(log.TopicError, "operation %d (%s) finished unreported",
			op.id, op.kind)
		d.fail(op, errors.New("unreported operation"))
	}
}

func (d *Dispatcher) settle(op *OperationContext) {
	d.mtx.Lock()
	delete(d.live, op.id)
	d.mtx.Unlock()

	outcome, code := op.Outcome()
	elapsed := time.Since(op.started)
	d.metrics.OperationCompleted(op.kind.String(), outcome.String(), elapsed)
	op.span.SetAttributes(
		attribute.String("cloudfilter.outcome", outcome.String()),
		attribute.String("cloudfilter.status", code.String()))
	if outcome != OutcomeSucceeded {
		op.span.SetStatus(codes.Error, code.String())
	}
	op.span.End()
	d.log.Logf(log.TopicVerdict, "%s %q %s: %s in %s",
		op.kind, op.request.Path, outcome, code, elapsed)
	op.settle()
}

// execute sends the report of the operation to the driver.
func (d *Dispatcher) execute(op *OperationContext, o *Operation) error {
	key := op.request.ConnectionKey
	if key == 0 {
		key = ConnectionKey(d.key.Load())
	}
	if d.log.Enabled(log.TopicTrace) {
		d.log.Logf(log.TopicTrace, "execute %s", DebugOperation{o})
	}
	if err := d.connector.Execute(key, o); err != nil {
		d.log.Logf(log.TopicError, "execute %s of %q: %v",
			o.Type, op.request.Path, err)
		return errors.Wrapf(err, "execute %s", o.Type)
	}
	return nil
}

// vetoable kinds are those whose handler may refuse the
// change they notify.
func vetoable(kind NotificationKind) bool {
	switch kind {
	case NotifyDehydrate, NotifyDelete, NotifyRename,
		NotifyConvertToPlaceholder, NotifyRehydrate:
		return true
	}
	return false
}

// classify derives the outcome and status of a failure.
func classify(op *OperationContext, err error) (Outcome, status.Code) {
	var fault *FaultError
	if errors.As(err, &fault) {
		return OutcomeFailed, status.Unsuccessful
	}
	code := status.FromError(err)
	if op.Cancelled() || code == status.RequestCanceled {
		return OutcomeCancelled, status.RequestCanceled
	}
	if code.Succeeded() {
		code = status.Unsuccessful
	}
	if code == status.Unsuccessful && vetoable(op.kind) {
		code = status.FromError(ErrOperationDenied)
	}
	return OutcomeFailed, code
}

// fail reports the failure of the operation.
func (d *Dispatcher) fail(op *OperationContext, err error) {
	outcome, code := classify(op, err)
	o := &Operation{Status: code}
	if op.opType == OperationTransferData || op.opType == OperationAckData {
		o.Offset, o.Length = op.rng.Start, op.rng.Len()
	}
	d.log.Logf(log.TopicTrace, "fail %s of %q: %v", op.kind, op.request.Path, err)
	_ = op.report(o, outcome)
}

// finisher selects how an operation of the notification
// is completed against the driver and the store.
func (d *Dispatcher) finisher(n *Notification) func(*OperationContext, result) {
	id := n.FileID
	switch n.Kind {
	case NotifyFetchData:
		return d.finishFetchData
	case NotifyValidateData:
		return d.finishValidateData
	case NotifyFetchPlaceholders:
		return d.finishFetchPlaceholders
	case NotifyDehydrate:
		return func(op *OperationContext, res result) {
			d.finishAck(op, res, func(commit Commit) error {
				_, err := d.store.Dehydrate(id, FullRange, commit)
				return err
			})
		}
	case NotifyDelete:
		path, isDirectory := n.Path, n.IsDirectory
		return func(op *OperationContext, res result) {
			d.finishAck(op, res, func(commit Commit) error {
				_, err := d.store.Delete(id, commit)
				if err == nil && isDirectory {
					d.forgetChildren(path)
				}
				return err
			})
		}
	case NotifyRename:
		target, inScope := n.TargetPath, n.TargetInScope
		return func(op *OperationContext, res result) {
			d.finishAck(op, res, func(commit Commit) error {
				if !inScope {
					_, err := d.store.Delete(id, commit)
					return err
				}
				if err := d.store.evictPath(id, target); err != nil {
					return err
				}
				_, err := d.store.Rename(id, target, commit)
				return err
			})
		}
	case NotifyConvertToPlaceholder:
		path, meta := n.Path, n.Metadata
		return func(op *OperationContext, res result) {
			d.finishAck(op, res, func(commit Commit) error {
				_, err := d.store.ConvertToPlaceholder(id, path, meta, 0, commit)
				return err
			})
		}
	case NotifyRehydrate:
		return func(op *OperationContext, res result) {
			d.finishAck(op, res, func(commit Commit) error {
				_, err := d.store.ResetHydration(id, commit)
				return err
			})
		}
	}
	return func(op *OperationContext, res result) {
		d.finishAck(op, res, nil)
	}
}

// finishAck acknowledges an approved change, within the
// store mutation recording it. Changes to files unknown to
// the store are acknowledged all the same.
func (d *Dispatcher) finishAck(
	op *OperationContext, res result, mutation func(Commit) error,
) {
	if res.err != nil {
		d.fail(op, res.err)
		return
	}
	ack := func(*Placeholder) error {
		o := &Operation{Status: status.Success}
		if op.opType == OperationAckDehydrate {
			o.Identity = op.request.Identity
		}
		return op.report(o, OutcomeSucceeded)
	}
	if mutation == nil {
		_ = ack(nil)
		return
	}
	err := mutation(ack)
	switch {
	case err == nil:
	case op.isReported():
		d.log.Logf(log.TopicError, "record %s of %q: %v",
			op.kind, op.request.Path, err)
	case errors.Is(err, ErrNotAPlaceholder):
		_ = ack(nil)
	default:
		d.fail(op, err)
	}
}

func (d *Dispatcher) finishFetchData(op *OperationContext, res result) {
	if res.err != nil {
		d.fail(op, res.err)
		return
	}
	start, data := op.rng.Start, res.data
	size := op.request.FileSize
	if size > 0 {
		if start >= size {
			d.fail(op, errors.Wrapf(ErrInvalidRequest,
				"offset %d beyond size %d", start, size))
			return
		}
		if uint64(len(data)) > size-start {
			data = data[:size-start]
		}
	}
	if len(data) == 0 {
		d.fail(op, errors.Wrap(ErrInvalidRequest, "empty data supplied"))
		return
	}
	o := &Operation{
		Status: status.Success,
		Offset: start,
		Length: uint64(len(data)),
		Buffer: data,
	}
	if err := op.report(o, OutcomeSucceeded); err != nil {
		return
	}
	d.metrics.BytesTransferred(len(data))
	if _, err := d.store.MarkRangeHydrated(
		op.request.FileID, rangeset.Span(start, uint64(len(data))),
	); err != nil {
		d.log.Logf(log.TopicError, "record hydration of %q: %v",
			op.request.Path, err)
	}
}

func (d *Dispatcher) finishValidateData(op *OperationContext, res result) {
	if res.err != nil {
		d.fail(op, res.err)
		return
	}
	_ = op.report(&Operation{
		Status: status.Success,
		Offset: op.rng.Start,
		Length: op.rng.Len(),
	}, OutcomeSucceeded)
}

func (d *Dispatcher) finishFetchPlaceholders(op *OperationContext, res result) {
	if res.err != nil {
		d.fail(op, res.err)
		return
	}
	infos := make([]PlaceholderCreateInfo, 0, len(res.entries))
	for _, entry := range res.entries {
		if entry.Name == "" || len(entry.Metadata.Identity) > MaxIdentityLength {
			d.fail(op, errors.Wrapf(ErrInvalidRequest,
				"invalid placeholder entry %q", entry.Name))
			return
		}
		infos = append(infos, PlaceholderCreateInfo{
			RelativeName: entry.Name,
			Metadata:     entry.Metadata,
			InSync:       entry.InSync,
			NoChildren:   entry.NoChildren,
		})
	}
	o := &Operation{Status: status.Success, Placeholders: infos}
	if err := op.report(o, OutcomeSucceeded); err != nil {
		return
	}
	for _, info := range o.Placeholders {
		if !info.Result.Succeeded() || info.FileID == 0 {
			continue
		}
		sync := OutOfSync
		if info.InSync {
			sync = InSync
		}
		path := filepath.Join(op.request.Path, info.RelativeName)
		if _, err := d.store.UpsertGhost(
			info.FileID, path, info.Metadata, sync,
		); err != nil {
			d.log.Logf(log.TopicError, "record placeholder %q: %v", path, err)
		}
	}
}

// forgetChildren removes the records under a directory.
func (d *Dispatcher) forgetChildren(dir string) {
	for _, p := range d.store.List() {
		if nested(dir, p.Path) {
			if _, err := d.store.Delete(p.ID); err != nil &&
				!errors.Is(err, ErrNotAPlaceholder) {
				d.log.Logf(log.TopicError, "forget %q: %v", p.Path, err)
			}
		}
	}
}

// dispatchCancel raises the cancellation flag of the live
// operations the cancellation refers to. A cancellation
// refers to the operation with its request key, or else to
// the fetches through its transfer key overlapping its range.
func (d *Dispatcher) dispatchCancel(n *Notification) {
	target := NotifyFetchData
	if n.Kind == NotifyCancelFetchPlaceholders {
		target = NotifyFetchPlaceholders
	}
	var matched []*OperationContext
	d.mtx.Lock()
	for _, op := range d.live {
		if op.kind != target {
			continue
		}
		switch {
		case n.RequestKey != 0 && op.request.RequestKey == n.RequestKey:
		case op.request.TransferKey != n.TransferKey:
			continue
		case target == NotifyFetchData && !n.Range.Empty() &&
			!op.rng.Overlaps(n.Range):
			continue
		}
		matched = append(matched, op)
	}
	d.mtx.Unlock()
	for _, op := range matched {
		op.markCancelled()
	}
	d.log.Logf(log.TopicTrace, "cancel %s of %q: %d matched",
		target, n.Path, len(matched))

	if d.handler.cancel == nil || !d.enter() {
		return
	}
	defer d.calls.Done()
	defer d.recoverFault(n.Kind, nil)
	req := &CancelRequest{
		Request:       requestOf(n),
		Range:         n.Range,
		UserCancelled: n.UserCancelled,
		TimedOut:      n.TimedOut,
		Matched:       len(matched),
	}
	cookie := d.logCall(n.Kind, log.M{"path": n.Path, "matched": len(matched)})
	d.handler.cancel.Cancel(req)
	d.logReturn(n.Kind, cookie, nil)
}

// dispatchInformational serves the notifications that
// expect no completion.
func (d *Dispatcher) dispatchInformational(n *Notification) {
	switch n.Kind {
	case NotifyDeleted:
		if _, err := d.store.Delete(n.FileID); err != nil &&
			!errors.Is(err, ErrNotAPlaceholder) {
			d.log.Logf(log.TopicError, "forget %q: %v", n.Path, err)
		}
	case NotifyRenamed:
		if p, err := d.store.Get(n.FileID); err == nil &&
			pathKey(p.Path) != pathKey(n.Path) {
			if err := d.store.evictPath(n.FileID, n.Path); err == nil {
				_, err = d.store.Rename(n.FileID, n.Path)
			}
			if err != nil {
				d.log.Logf(log.TopicError, "rename %q: %v", n.Path, err)
			}
		}
	}
	if !d.enter() {
		return
	}
	defer d.calls.Done()
	defer d.recoverFault(n.Kind, nil)
	req := requestOf(n)
	cookie := d.logCall(n.Kind, log.M{"path": n.Path})
	switch n.Kind {
	case NotifyOpened:
		if d.handler.opened != nil {
			d.handler.opened.Opened(&req)
		}
	case NotifyClosed:
		if d.handler.closed != nil {
			d.handler.closed.Closed(&ClosedRequest{
				Request: req,
				Deleted: n.Deleted,
			})
		}
	case NotifyDehydrated:
		if d.handler.dehydrated != nil {
			d.handler.dehydrated.Dehydrated(&DehydrateRequest{
				Request:    req,
				Background: n.Background,
				Reason:     n.Reason,
			})
		}
	case NotifyDeleted:
		if d.handler.deleted != nil {
			d.handler.deleted.Deleted(&req)
		}
	case NotifyRenamed:
		if d.handler.renamed != nil {
			d.handler.renamed.Renamed(&RenamedRequest{
				Request:     req,
				SourcePath:  n.SourcePath,
				IsDirectory: n.IsDirectory,
			})
		}
	}
	d.logReturn(n.Kind, cookie, nil)
}

// stateChanged forwards attribute changes to the handler.
func (d *Dispatcher) stateChanged(paths []string) {
	if d.handler.stateChanged == nil || !d.enter() {
		return
	}
	defer d.calls.Done()
	defer d.recoverFault(NotifyStateChanged, nil)
	d.handler.stateChanged.StateChanged(paths)
}

// drain stops admitting handler invocations, and waits for
// the live operations and the invocations in flight until
// the deadline. The operations still live at the deadline
// are force failed with RequestTimeout.
//
// It returns the number of operations force failed.
func (d *Dispatcher) drain(deadline time.Time) int {
	d.mtx.Lock()
	d.closing = true
	pending := make([]*OperationContext, 0, len(d.live))
	for _, op := range d.live {
		pending = append(pending, op)
	}
	d.mtx.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	expired := false
	forced := 0
	for _, op := range pending {
		if !expired {
			select {
			case <-op.Done():
				continue
			case <-timer.C:
				expired = true
			}
		}
		if op.forceFail(errors.Wrap(ErrTimeout, "disconnect drain")) {
			forced++
			d.metrics.ForcedFailure(op.kind.String(), "drain")
		}
	}
	if forced > 0 {
		d.log.Logf(log.TopicError,
			"force failed %d operations at disconnect", forced)
	}

	calls := make(chan struct{})
	go func() {
		d.calls.Wait()
		close(calls)
	}()
	if !expired {
		select {
		case <-calls:
		case <-timer.C:
			expired = true
		}
	}
	if expired {
		select {
		case <-calls:
		default:
			d.log.Log(log.TopicError,
				"handler invocations still running after disconnect drain")
		}
	}
	return forced
}
