package cloudfilter

import (
	"github.com/google/uuid"

	"github.com/winfsp/go-cloudfilter/status"
)

// ConnectionKey identifies a live connection between the
// process and the driver.
type ConnectionKey int64

// TransferKey identifies the file handle a request came
// through, it is shared by a fetch and its cancellation.
type TransferKey int64

// RequestKey identifies a single request of the driver.
type RequestKey int64

// RawHandle is a handle opened through the driver.
type RawHandle uintptr

// ConnectFlags tune what the driver will deliver.
type ConnectFlags uint32

const (
	ConnectRequireProcessInfo         ConnectFlags = 0x2
	ConnectRequireFullFilePath        ConnectFlags = 0x4
	ConnectBlockSelfImplicitHydration ConnectFlags = 0x8
)

// ConvertFlags tune the conversion of a file into a
// placeholder.
type ConvertFlags uint32

const (
	ConvertMarkInSync               ConvertFlags = 0x1
	ConvertDehydrate                ConvertFlags = 0x2
	ConvertEnableOnDemandPopulation ConvertFlags = 0x4
	ConvertAlwaysFull               ConvertFlags = 0x8
)

// HydrationPolicy is how the driver hydrates placeholders
// of the sync root.
type HydrationPolicy uint16

const (
	HydrationPartial HydrationPolicy = iota
	HydrationProgressive
	HydrationFull
	HydrationAlwaysFull
)

// PopulationPolicy is how the driver populates directories
// of the sync root.
type PopulationPolicy uint16

const (
	PopulationPartial    PopulationPolicy = 0
	PopulationFull       PopulationPolicy = 2
	PopulationAlwaysFull PopulationPolicy = 3
)

// SyncRootInfo is what gets recorded into the registry of
// sync roots for a registration.
type SyncRootInfo struct {
	Path                string
	ID                  string
	ProviderID          uuid.UUID
	DisplayName         string
	Version             string
	IconResource        string
	Identity            []byte
	HydrationPolicy     HydrationPolicy
	PopulationPolicy    PopulationPolicy
	AllowPinning        bool
	AllowHardlinks      bool
	ShowSiblingsAsGroup bool
	RecycleBinURI       string
}

// NotificationKind is the kind of a driver notification.
type NotificationKind int

const (
	NotifyFetchData NotificationKind = iota
	NotifyValidateData
	NotifyCancelFetchData
	NotifyFetchPlaceholders
	NotifyCancelFetchPlaceholders
	NotifyOpened
	NotifyClosed
	NotifyDehydrate
	NotifyDehydrated
	NotifyDelete
	NotifyDeleted
	NotifyRename
	NotifyRenamed
	NotifyConvertToPlaceholder
	NotifyRehydrate

	// NotifyStateChanged is raised by the watcher of the
	// sync root rather than the driver.
	NotifyStateChanged
)

var notificationKindNames = [...]string{
	NotifyFetchData:               "FetchData",
	NotifyValidateData:            "ValidateData",
	NotifyCancelFetchData:         "CancelFetchData",
	NotifyFetchPlaceholders:       "FetchPlaceholders",
	NotifyCancelFetchPlaceholders: "CancelFetchPlaceholders",
	NotifyOpened:                  "Opened",
	NotifyClosed:                  "Closed",
	NotifyDehydrate:               "Dehydrate",
	NotifyDehydrated:              "Dehydrated",
	NotifyDelete:                  "Delete",
	NotifyDeleted:                 "Deleted",
	NotifyRename:                  "Rename",
	NotifyRenamed:                 "Renamed",
	NotifyConvertToPlaceholder:    "ConvertToPlaceholder",
	NotifyRehydrate:               "Rehydrate",
	NotifyStateChanged:            "StateChanged",
}

func (k NotificationKind) String() string {
	if k >= 0 && int(k) < len(notificationKindNames) {
		return notificationKindNames[k]
	}
	return "Unknown"
}

// completionType is the operation that completes a request
// of the kind, notifications without one return false.
func (k NotificationKind) completionType() (OperationType, bool) {
	switch k {
	case NotifyFetchData:
		return OperationTransferData, true
	case NotifyValidateData:
		return OperationAckData, true
	case NotifyFetchPlaceholders:
		return OperationTransferPlaceholders, true
	case NotifyDehydrate:
		return OperationAckDehydrate, true
	case NotifyDelete:
		return OperationAckDelete, true
	case NotifyRename:
		return OperationAckRename, true
	case NotifyConvertToPlaceholder:
		return OperationAckConvert, true
	case NotifyRehydrate:
		return OperationRestartHydration, true
	default:
		return 0, false
	}
}

// ProcessInfo describes the process that triggered the
// notification, if the driver was asked to provide it.
type ProcessInfo struct {
	ProcessID     uint32
	ImagePath     string
	PackageName   string
	ApplicationID string
	CommandLine   string
	SessionID     uint32
}

// Notification is a driver notification, the fields not
// related to the kind are left zero.
//
// The driver must not retain any buffer referenced by the
// notification after Deliver returns, since handlers may
// complete the request asynchronously.
type Notification struct {
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

	// FetchData, ValidateData and the cancellations.
	Range         Range
	OptionalRange Range
	Explicit      bool

	// FetchPlaceholders.
	Pattern string

	// Rename, Renamed, Delete, Deleted and Closed.
	TargetPath    string
	SourcePath    string
	IsDirectory   bool
	TargetInScope bool
	SourceInScope bool
	Undelete      bool

	// Closed.
	Deleted bool

	// Dehydrate and Dehydrated.
	Background bool
	Reason     DehydrationReason

	// ConvertToPlaceholder.
	Metadata Metadata

	// The cancellations.
	UserCancelled bool
	TimedOut      bool
}

// DehydrationReason tells why the system dehydrates a
// placeholder.
type DehydrationReason int

const (
	DehydrationNone DehydrationReason = iota
	DehydrationUserManually
	DehydrationSystemLowSpace
	DehydrationSystemInactivity
	DehydrationSystemOSUpgrade
)

// OperationType is the kind of an operation reported
// to the driver.
type OperationType int

const (
	OperationTransferData OperationType = iota
	OperationAckData
	OperationRestartHydration
	OperationTransferPlaceholders
	OperationAckDehydrate
	OperationAckDelete
	OperationAckRename
	OperationAckConvert
)

var operationTypeNames = [...]string{
	OperationTransferData:         "TransferData",
	OperationAckData:              "AckData",
	OperationRestartHydration:     "RestartHydration",
	OperationTransferPlaceholders: "TransferPlaceholders",
	OperationAckDehydrate:         "AckDehydrate",
	OperationAckDelete:            "AckDelete",
	OperationAckRename:            "AckRename",
	OperationAckConvert:           "AckConvert",
}

func (t OperationType) String() string {
	if t >= 0 && int(t) < len(operationTypeNames) {
		return operationTypeNames[t]
	}
	return "Unknown"
}

// PlaceholderCreateInfo is an entry of TransferPlaceholders.
type PlaceholderCreateInfo struct {
	RelativeName string
	Metadata     Metadata
	InSync       bool
	NoChildren   bool

	// Filled by the driver upon Execute.
	FileID FileID
	Result status.Code
}

// Operation is a completion reported to the driver.
type Operation struct {
	Type        OperationType
	TransferKey TransferKey
	RequestKey  RequestKey
	Status      status.Code

	// TransferData and AckData.
	Offset uint64
	Length uint64
	Buffer []byte

	// TransferPlaceholders.
	Placeholders              []PlaceholderCreateInfo
	DisableOnDemandPopulation bool

	// AckDehydrate.
	Identity []byte
}

// CallbackSink receives the notifications of a connection.
//
// Deliver is called concurrently from the threads of the
// driver and must be safe for reentrance.
type CallbackSink interface {
	Deliver(n *Notification)
}

// Registry is the registration side of the driver.
type Registry interface {
	RegisterSyncRoot(info *SyncRootInfo) error
	UnregisterSyncRoot(path string) error
	IsSyncRoot(path string) (bool, error)
}

// Connector is the connection side of the driver.
type Connector interface {
	Connect(path string, flags ConnectFlags, sink CallbackSink) (ConnectionKey, error)
	Disconnect(key ConnectionKey) error

	// Execute reports an operation. For TransferPlaceholders
	// the driver fills the FileID and Result of each entry.
	Execute(key ConnectionKey, op *Operation) error
}

// HandleOps are the placeholder operations the driver
// performs on opened handles.
type HandleOps interface {
	OpenHandle(path string) (RawHandle, error)
	CloseHandle(h RawHandle) error
	FileID(h RawHandle) (FileID, error)
	ConvertToPlaceholder(h RawHandle, identity []byte, flags ConvertFlags) error
	HydratePlaceholder(h RawHandle, r Range) error
	DehydratePlaceholder(h RawHandle, r Range) error
	SetPinState(h RawHandle, state PinState, recursive bool) error
	SetInSyncState(h RawHandle, state SyncState) error
}

// Driver is the cloud files filter driver, as seen from
// the process.
type Driver interface {
	Registry
	Connector
	HandleOps
}
