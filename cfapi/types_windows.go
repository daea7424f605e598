package cfapi

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// The layouts below follow cfapi.h for the 64-bit targets,
// where the natural alignment of Go matches the one of C.

type fileBasicInfo struct {
	CreationTime   int64
	LastAccessTime int64
	LastWriteTime  int64
	ChangeTime     int64
	FileAttributes uint32
}

type cfFsMetadata struct {
	BasicInfo fileBasicInfo
	FileSize  int64
}

const (
	cfPlaceholderCreateFlagDisableOnDemandPopulation = 0x1
	cfPlaceholderCreateFlagMarkInSync                = 0x2
)

type cfPlaceholderCreateInfo struct {
	RelativeFileName   *uint16
	FsMetadata         cfFsMetadata
	FileIdentity       *byte
	FileIdentityLength uint32
	Flags              uint32
	Result             uint32
	CreateUsn          int64
}

type cfSyncRegistration struct {
	StructSize             uint32
	ProviderName           *uint16
	ProviderVersion        *uint16
	SyncRootIdentity       *byte
	SyncRootIdentityLength uint32
	FileIdentity           *byte
	FileIdentityLength     uint32
	ProviderID             windows.GUID
}

type cfPolicy struct {
	Primary  uint16
	Modifier uint16
}

const (
	cfInSyncPolicyNone   = 0x0
	cfHardlinkPolicyNone = 0x0
	cfHardlinkAllowed    = 0x1
)

type cfSyncPolicies struct {
	StructSize            uint32
	Hydration             cfPolicy
	Population            cfPolicy
	InSync                uint32
	HardLink              uint32
	PlaceholderManagement uint32
}

type cfSyncRootBasicInfo struct {
	SyncRootFileID int64
}

const cfSyncRootInfoBasic = 0

const (
	cfCallbackTypeFetchData               = 0
	cfCallbackTypeValidateData            = 1
	cfCallbackTypeCancelFetchData         = 2
	cfCallbackTypeFetchPlaceholders       = 3
	cfCallbackTypeCancelFetchPlaceholders = 4
	cfCallbackTypeOpenCompletion          = 5
	cfCallbackTypeCloseCompletion         = 6
	cfCallbackTypeDehydrate               = 7
	cfCallbackTypeDehydrateCompletion     = 8
	cfCallbackTypeDelete                  = 9
	cfCallbackTypeDeleteCompletion        = 10
	cfCallbackTypeRename                  = 11
	cfCallbackTypeRenameCompletion        = 12
	cfCallbackTypeNone                    = 0xffffffff
)

type cfCallbackRegistration struct {
	Type     uint32
	Callback uintptr
}

type cfProcessInfo struct {
	StructSize    uint32
	ProcessID     uint32
	ImagePath     *uint16
	PackageName   *uint16
	ApplicationID *uint16
	CommandLine   *uint16
	SessionID     uint32
}

type cfCallbackInfo struct {
	StructSize             uint32
	ConnectionKey          int64
	CallbackContext        uintptr
	VolumeGuidName         *uint16
	VolumeDosName          *uint16
	VolumeSerialNumber     uint32
	SyncRootFileID         int64
	SyncRootIdentity       *byte
	SyncRootIdentityLength uint32
	FileID                 int64
	FileSize               int64
	FileIdentity           *byte
	FileIdentityLength     uint32
	NormalizedPath         *uint16
	TransferKey            int64
	PriorityHint           uint8
	CorrelationVector      uintptr
	ProcessInfo            *cfProcessInfo
	RequestKey             int64
}

// cfCallbackParameters is the header of the parameters,
// the union of the callback type follows at offset 8.
type cfCallbackParameters struct {
	ParamSize uint32
	_         uint32
}

func callbackParams[T any](p *cfCallbackParameters) *T {
	return (*T)(unsafe.Add(unsafe.Pointer(p), 8))
}

const (
	cfFetchDataFlagExplicitHydration    = 0x2
	cfValidateDataFlagExplicitHydration = 0x2
	cfCancelFlagIOTimeout               = 0x1
	cfCancelFlagIOAborted               = 0x2
	cfCloseCompletionFlagDeleted        = 0x1
	cfDehydrateFlagBackground           = 0x1
	cfDeleteFlagIsDirectory             = 0x1
	cfDeleteFlagIsUndelete              = 0x2
	cfRenameFlagIsDirectory             = 0x1
	cfRenameFlagSourceInScope           = 0x2
	cfRenameFlagTargetInScope           = 0x4
)

type cfFetchDataParams struct {
	Flags                 uint32
	RequiredFileOffset    int64
	RequiredLength        int64
	OptionalFileOffset    int64
	OptionalLength        int64
	LastDehydrationTime   int64
	LastDehydrationReason uint32
}

type cfValidateDataParams struct {
	Flags              uint32
	RequiredFileOffset int64
	RequiredLength     int64
}

type cfCancelParams struct {
	Flags      uint32
	FileOffset int64
	Length     int64
}

type cfFetchPlaceholdersParams struct {
	Flags   uint32
	Pattern *uint16
}

// cfFlagsParams serves the completions carrying flags only.
type cfFlagsParams struct {
	Flags uint32
}

type cfDehydrateParams struct {
	Flags  uint32
	Reason uint32
}

// cfRenameParams carries the target path of a rename, or
// the source path of its completion.
type cfRenameParams struct {
	Flags uint32
	Path  *uint16
}

const (
	cfOperationTypeTransferData         = 0
	cfOperationTypeAckData              = 2
	cfOperationTypeRestartHydration     = 3
	cfOperationTypeTransferPlaceholders = 4
	cfOperationTypeAckDehydrate         = 5
	cfOperationTypeAckDelete            = 6
	cfOperationTypeAckRename            = 7
)

const (
	cfRequestKeyDefault                                = 0
	cfOperationTransferPlaceholdersFlagDisableOnDemand = 0x2
	cfOperationRestartHydrationFlagMarkInSync          = 0x2
)

type cfOperationInfo struct {
	StructSize        uint32
	Type              uint32
	ConnectionKey     int64
	TransferKey       int64
	CorrelationVector uintptr
	SyncStatus        uintptr
	RequestKey        int64
}

// cfOperationParameters places the union member at offset
// 8 whatever its own alignment is.
type cfOperationParameters[T any] struct {
	ParamSize uint32
	_         uint32
	Param     T
}

func newOperationParameters[T any](param T) *cfOperationParameters[T] {
	return &cfOperationParameters[T]{
		ParamSize: uint32(8 + unsafe.Sizeof(param)),
		Param:     param,
	}
}

type cfTransferDataParams struct {
	Flags            uint32
	CompletionStatus uint32
	Buffer           *byte
	Offset           int64
	Length           int64
}

type cfAckDataParams struct {
	Flags            uint32
	CompletionStatus uint32
	Offset           int64
	Length           int64
}

type cfRestartHydrationParams struct {
	Flags              uint32
	FsMetadata         *cfFsMetadata
	FileIdentity       *byte
	FileIdentityLength uint32
}

type cfTransferPlaceholdersParams struct {
	Flags                 uint32
	CompletionStatus      uint32
	PlaceholderTotalCount int64
	PlaceholderArray      *cfPlaceholderCreateInfo
	PlaceholderCount      uint32
	EntriesProcessed      uint32
}

type cfAckDehydrateParams struct {
	Flags              uint32
	CompletionStatus   uint32
	FileIdentity       *byte
	FileIdentityLength uint32
}

// cfAckParams serves AckDelete and AckRename.
type cfAckParams struct {
	Flags            uint32
	CompletionStatus uint32
}

const (
	cfPinStatePinned   = 1
	cfPinStateUnpinned = 2
	cfPinStateExcluded = 3

	cfSetPinFlagRecurse = 0x1

	cfInSyncStateNotInSync = 0
	cfInSyncStateInSync    = 1
)
