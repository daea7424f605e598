package cfapi

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/rangeset"
)

// refMap maps the callback context handed to the driver to
// the connection it belongs to.
var refMap sync.Map

func loadConnection(info *cfCallbackInfo) *connection {
	value, ok := refMap.Load(info.CallbackContext)
	if !ok {
		return nil
	}
	return value.(*connection)
}

var callbackKinds = map[uint32]cloudfilter.NotificationKind{
	cfCallbackTypeFetchData:               cloudfilter.NotifyFetchData,
	cfCallbackTypeValidateData:            cloudfilter.NotifyValidateData,
	cfCallbackTypeCancelFetchData:         cloudfilter.NotifyCancelFetchData,
	cfCallbackTypeFetchPlaceholders:       cloudfilter.NotifyFetchPlaceholders,
	cfCallbackTypeCancelFetchPlaceholders: cloudfilter.NotifyCancelFetchPlaceholders,
	cfCallbackTypeOpenCompletion:          cloudfilter.NotifyOpened,
	cfCallbackTypeCloseCompletion:         cloudfilter.NotifyClosed,
	cfCallbackTypeDehydrate:               cloudfilter.NotifyDehydrate,
	cfCallbackTypeDehydrateCompletion:     cloudfilter.NotifyDehydrated,
	cfCallbackTypeDelete:                  cloudfilter.NotifyDelete,
	cfCallbackTypeDeleteCompletion:        cloudfilter.NotifyDeleted,
	cfCallbackTypeRename:                  cloudfilter.NotifyRename,
	cfCallbackTypeRenameCompletion:        cloudfilter.NotifyRenamed,
}

// callbackTable is shared by every connection, since the
// callbacks created by syscall.NewCallback are never freed.
var callbackTable = func() []cfCallbackRegistration {
	var table []cfCallbackRegistration
	for typ := uint32(cfCallbackTypeFetchData); typ <= cfCallbackTypeRenameCompletion; typ++ {
		kind := callbackKinds[typ]
		table = append(table, cfCallbackRegistration{
			Type: typ,
			Callback: syscall.NewCallback(func(
				info *cfCallbackInfo, params *cfCallbackParameters,
			) uintptr {
				delegate(kind, info, params)
				return 0
			}),
		})
	}
	return append(table, cfCallbackRegistration{Type: cfCallbackTypeNone})
}()

func delegate(
	kind cloudfilter.NotificationKind,
	info *cfCallbackInfo, params *cfCallbackParameters,
) {
	conn := loadConnection(info)
	if conn == nil {
		return
	}
	n := newNotification(kind, info)
	fillParams(n, info, params)
	if kind == cloudfilter.NotifyFetchPlaceholders {
		conn.transfers.Store(n.TransferKey, n.Path)
	}
	conn.sink.Deliver(n)
}

func utf16PtrToString(ptr *uint16) string {
	if ptr == nil {
		return ""
	}
	return windows.UTF16PtrToString(ptr)
}

// cloneBytes copies a buffer of the driver, which is only
// valid during the callback.
func cloneBytes(ptr *byte, length uint32) []byte {
	if ptr == nil || length == 0 {
		return nil
	}
	return append([]byte(nil), unsafe.Slice(ptr, length)...)
}

// volumePath joins the path relative to the volume root
// that the driver reports with the DOS name of the volume.
func volumePath(info *cfCallbackInfo, path *uint16) string {
	if path == nil {
		return ""
	}
	return utf16PtrToString(info.VolumeDosName) + utf16PtrToString(path)
}

func newNotification(
	kind cloudfilter.NotificationKind, info *cfCallbackInfo,
) *cloudfilter.Notification {
	n := &cloudfilter.Notification{
		Kind:           kind,
		ConnectionKey:  cloudfilter.ConnectionKey(info.ConnectionKey),
		TransferKey:    cloudfilter.TransferKey(info.TransferKey),
		RequestKey:     cloudfilter.RequestKey(info.RequestKey),
		FileID:         cloudfilter.FileID(info.FileID),
		SyncRootFileID: cloudfilter.FileID(info.SyncRootFileID),
		Path:           volumePath(info, info.NormalizedPath),
		FileSize:       uint64(info.FileSize),
		Identity:       cloneBytes(info.FileIdentity, info.FileIdentityLength),
		Priority:       info.PriorityHint,
	}
	if p := info.ProcessInfo; p != nil {
		n.Process = cloudfilter.ProcessInfo{
			ProcessID:     p.ProcessID,
			ImagePath:     utf16PtrToString(p.ImagePath),
			PackageName:   utf16PtrToString(p.PackageName),
			ApplicationID: utf16PtrToString(p.ApplicationID),
			CommandLine:   utf16PtrToString(p.CommandLine),
			SessionID:     p.SessionID,
		}
	}
	return n
}

func span(offset, length int64) cloudfilter.Range {
	if offset < 0 || length < 0 {
		return cloudfilter.FullRange
	}
	return rangeset.Span(uint64(offset), uint64(length))
}

func fillParams(
	n *cloudfilter.Notification,
	info *cfCallbackInfo, params *cfCallbackParameters,
) {
	if params == nil {
		return
	}
	switch n.Kind {
	case cloudfilter.NotifyFetchData:
		p := callbackParams[cfFetchDataParams](params)
		n.Range = span(p.RequiredFileOffset, p.RequiredLength)
		if p.OptionalLength > 0 {
			n.OptionalRange = span(p.OptionalFileOffset, p.OptionalLength)
		}
		n.Explicit = p.Flags&cfFetchDataFlagExplicitHydration != 0
	case cloudfilter.NotifyValidateData:
		p := callbackParams[cfValidateDataParams](params)
		n.Range = span(p.RequiredFileOffset, p.RequiredLength)
		n.Explicit = p.Flags&cfValidateDataFlagExplicitHydration != 0
	case cloudfilter.NotifyCancelFetchData:
		p := callbackParams[cfCancelParams](params)
		n.Range = span(p.FileOffset, p.Length)
		n.TimedOut = p.Flags&cfCancelFlagIOTimeout != 0
		n.UserCancelled = p.Flags&cfCancelFlagIOAborted != 0
	case cloudfilter.NotifyCancelFetchPlaceholders:
		p := callbackParams[cfCancelParams](params)
		n.TimedOut = p.Flags&cfCancelFlagIOTimeout != 0
		n.UserCancelled = p.Flags&cfCancelFlagIOAborted != 0
	case cloudfilter.NotifyFetchPlaceholders:
		p := callbackParams[cfFetchPlaceholdersParams](params)
		n.Pattern = utf16PtrToString(p.Pattern)
	case cloudfilter.NotifyClosed:
		p := callbackParams[cfFlagsParams](params)
		n.Deleted = p.Flags&cfCloseCompletionFlagDeleted != 0
	case cloudfilter.NotifyDehydrate, cloudfilter.NotifyDehydrated:
		p := callbackParams[cfDehydrateParams](params)
		n.Background = p.Flags&cfDehydrateFlagBackground != 0
		n.Reason = cloudfilter.DehydrationReason(p.Reason)
	case cloudfilter.NotifyDelete:
		p := callbackParams[cfFlagsParams](params)
		n.IsDirectory = p.Flags&cfDeleteFlagIsDirectory != 0
		n.Undelete = p.Flags&cfDeleteFlagIsUndelete != 0
	case cloudfilter.NotifyRename:
		p := callbackParams[cfRenameParams](params)
		n.IsDirectory = p.Flags&cfRenameFlagIsDirectory != 0
		n.SourceInScope = p.Flags&cfRenameFlagSourceInScope != 0
		n.TargetInScope = p.Flags&cfRenameFlagTargetInScope != 0
		n.SourcePath = n.Path
		n.TargetPath = volumePath(info, p.Path)
	case cloudfilter.NotifyRenamed:
		p := callbackParams[cfRenameParams](params)
		n.SourcePath = volumePath(info, p.Path)
		n.TargetPath = n.Path
	}
}
