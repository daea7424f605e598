package cloudfilter

import (
	"github.com/pkg/errors"
)

// Handler is the sync engine plugged into a session.
//
// It must implement at least one of the Behaviour*
// interfaces, which are checked upon connecting. The
// notifications of a kind the handler does not implement
// take the default behaviour documented on the interface.
type Handler any

// Request carries the fields common to all notifications.
type Request struct {
	Kind           NotificationKind
	ConnectionKey  ConnectionKey
	TransferKey    TransferKey
	RequestKey     RequestKey
	FileID         FileID
	SyncRootFileID FileID
	Path           string
	FileSize       uint64
	Identity       []byte
	Priority       uint8
	Process        ProcessInfo
}

func requestOf(n *Notification) Request {
	return Request{
		Kind:           n.Kind,
		ConnectionKey:  n.ConnectionKey,
		TransferKey:    n.TransferKey,
		RequestKey:     n.RequestKey,
		FileID:         n.FileID,
		SyncRootFileID: n.SyncRootFileID,
		Path:           n.Path,
		FileSize:       n.FileSize,
		Identity:       n.Identity,
		Priority:       n.Priority,
		Process:        n.Process,
	}
}

type FetchDataRequest struct {
	Request

	// Range must be supplied from its start, the supply may
	// be shorter and the driver will ask for the rest.
	Range Range

	// OptionalRange may be supplied along with Range.
	OptionalRange Range

	// Explicit is set when the hydration was requested by
	// the engine rather than implied by a read.
	Explicit bool

	// Placeholder is the state of the placeholder when the
	// notification was dispatched.
	Placeholder *Placeholder
}

type ValidateDataRequest struct {
	Request
	Range    Range
	Explicit bool
}

type FetchPlaceholdersRequest struct {
	Request

	// Pattern is the search pattern of the enumeration.
	Pattern string
}

type CancelRequest struct {
	Request
	Range         Range
	UserCancelled bool
	TimedOut      bool

	// Matched is the number of live operations flagged.
	Matched int
}

type RenameRequest struct {
	Request
	TargetPath    string
	IsDirectory   bool
	SourceInScope bool
	TargetInScope bool
}

type RenamedRequest struct {
	Request
	SourcePath  string
	IsDirectory bool
}

type DeleteRequest struct {
	Request
	IsDirectory bool
	Undelete    bool
}

type ConvertRequest struct {
	Request
	Metadata Metadata
}

type RehydrateRequest struct {
	Request
}

type DehydrateRequest struct {
	Request
	Background bool
	Reason     DehydrationReason
}

type ClosedRequest struct {
	Request
	Deleted bool
}

// PlaceholderEntry is a remote entry to be created as a
// placeholder by FetchPlaceholders.
type PlaceholderEntry struct {
	// Name is relative to the directory being populated.
	Name       string
	Metadata   Metadata
	InSync     bool
	NoChildren bool
}

// BehaviourFetchData supplies the content of placeholders.
//
// The data returned starts at req.Range.Start. Without this
// behaviour, fetches fail with status NotSupported.
type BehaviourFetchData interface {
	FetchData(op *OperationContext, req *FetchDataRequest) ([]byte, error)
}

// BehaviourValidateData checks the content materialized
// by the driver. Without it the content is accepted.
type BehaviourValidateData interface {
	ValidateData(op *OperationContext, req *ValidateDataRequest) error
}

// BehaviourFetchPlaceholders enumerates a remote directory.
//
// Without this behaviour, the enumeration fails with status
// NotSupported.
type BehaviourFetchPlaceholders interface {
	FetchPlaceholders(op *OperationContext, req *FetchPlaceholdersRequest) ([]PlaceholderEntry, error)
}

// BehaviourCancel is notified after the cancellation flag
// has been raised on the matching operations.
type BehaviourCancel interface {
	Cancel(req *CancelRequest)
}

// BehaviourRename may veto a rename by returning an error.
type BehaviourRename interface {
	Rename(op *OperationContext, req *RenameRequest) error
}

// BehaviourRenamed is notified after a rename.
type BehaviourRenamed interface {
	Renamed(req *RenamedRequest)
}

// BehaviourDelete may veto a deletion by returning an error.
type BehaviourDelete interface {
	Delete(op *OperationContext, req *DeleteRequest) error
}

// BehaviourDeleted is notified after a deletion.
type BehaviourDeleted interface {
	Deleted(req *Request)
}

// BehaviourConvert may veto the conversion of a file into
// a placeholder by returning an error.
type BehaviourConvert interface {
	ConvertToPlaceholder(op *OperationContext, req *ConvertRequest) error
}

// BehaviourRehydrate may veto restarting the hydration of
// a placeholder by returning an error.
type BehaviourRehydrate interface {
	Rehydrate(op *OperationContext, req *RehydrateRequest) error
}

// BehaviourDehydrate may veto a dehydration requested by
// the system by returning an error.
type BehaviourDehydrate interface {
	Dehydrate(op *OperationContext, req *DehydrateRequest) error
}

// BehaviourDehydrated is notified after a dehydration.
type BehaviourDehydrated interface {
	Dehydrated(req *DehydrateRequest)
}

// BehaviourOpened is notified when a placeholder is opened.
type BehaviourOpened interface {
	Opened(req *Request)
}

// BehaviourClosed is notified when a placeholder is closed.
type BehaviourClosed interface {
	Closed(req *ClosedRequest)
}

// BehaviourStateChanged is notified when the attributes of
// files under the sync root change, e.g. when the user pins
// them from the shell.
type BehaviourStateChanged interface {
	StateChanged(paths []string)
}

// BehaviourDefaultOptions allows the handler to supply
// the default options of its sessions, which are applied
// before the options specified to Connect.
type BehaviourDefaultOptions interface {
	DefaultOptions() []Option
}

// behaviours is the callback table of a handler.
type behaviours struct {
	fetchData         BehaviourFetchData
	validateData      BehaviourValidateData
	fetchPlaceholders BehaviourFetchPlaceholders
	cancel            BehaviourCancel
	rename            BehaviourRename
	renamed           BehaviourRenamed
	delete            BehaviourDelete
	deleted           BehaviourDeleted
	convert           BehaviourConvert
	rehydrate         BehaviourRehydrate
	dehydrate         BehaviourDehydrate
	dehydrated        BehaviourDehydrated
	opened            BehaviourOpened
	closed            BehaviourClosed
	stateChanged      BehaviourStateChanged
}

// detectBehaviours interprets the handler into the table.
func detectBehaviours(handler Handler) (*behaviours, error) {
	if handler == nil {
		return nil, errors.New("invalid nil handler")
	}
	b := &behaviours{}
	found := false
	if inner, ok := handler.(BehaviourFetchData); ok {
		b.fetchData, found = inner, true
	}
	if inner, ok := handler.(BehaviourValidateData); ok {
		b.validateData, found = inner, true
	}
	if inner, ok := handler.(BehaviourFetchPlaceholders); ok {
		b.fetchPlaceholders, found = inner, true
	}
	if inner, ok := handler.(BehaviourCancel); ok {
		b.cancel, found = inner, true
	}
	if inner, ok := handler.(BehaviourRename); ok {
		b.rename, found = inner, true
	}
	if inner, ok := handler.(BehaviourRenamed); ok {
		b.renamed, found = inner, true
	}
	if inner, ok := handler.(BehaviourDelete); ok {
		b.delete, found = inner, true
	}
	if inner, ok := handler.(BehaviourDeleted); ok {
		b.deleted, found = inner, true
	}
	if inner, ok := handler.(BehaviourConvert); ok {
		b.convert, found = inner, true
	}
	if inner, ok := handler.(BehaviourRehydrate); ok {
		b.rehydrate, found = inner, true
	}
	if inner, ok := handler.(BehaviourDehydrate); ok {
		b.dehydrate, found = inner, true
	}
	if inner, ok := handler.(BehaviourDehydrated); ok {
		b.dehydrated, found = inner, true
	}
	if inner, ok := handler.(BehaviourOpened); ok {
		b.opened, found = inner, true
	}
	if inner, ok := handler.(BehaviourClosed); ok {
		b.closed, found = inner, true
	}
	if inner, ok := handler.(BehaviourStateChanged); ok {
		b.stateChanged, found = inner, true
	}
	if !found {
		return nil, errors.Errorf(
			"handler %T implements no behaviour", handler)
	}
	return b, nil
}
