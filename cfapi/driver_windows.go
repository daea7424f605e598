package cfapi

import (
	"encoding/binary"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/filetime"
	"github.com/winfsp/go-cloudfilter/status"
)

// Driver is the cloud files filter driver reached through
// cldapi.dll.
type Driver struct {
	mtx   sync.Mutex
	conns map[cloudfilter.ConnectionKey]*connection
}

type connection struct {
	context uintptr
	sink    cloudfilter.CallbackSink

	// transfers maps the transfer key of a pending
	// FetchPlaceholders to its directory.
	transfers sync.Map
}

var lastContext atomic.Uintptr

// New loads cldapi.dll and creates the driver.
func New() (cloudfilter.Driver, error) {
	if err := Load(); err != nil {
		return nil, errors.Wrapf(status.ProviderNotRunning, "%v", err)
	}
	return &Driver{
		conns: make(map[cloudfilter.ConnectionKey]*connection),
	}, nil
}

func guidFromUUID(id uuid.UUID) windows.GUID {
	guid := windows.GUID{
		Data1: binary.BigEndian.Uint32(id[0:4]),
		Data2: binary.BigEndian.Uint16(id[4:6]),
		Data3: binary.BigEndian.Uint16(id[6:8]),
	}
	copy(guid.Data4[:], id[8:16])
	return guid
}

func bytesPtr(b []byte) (*byte, uint32) {
	if len(b) == 0 {
		return nil, 0
	}
	return &b[0], uint32(len(b))
}

func (d *Driver) RegisterSyncRoot(info *cloudfilter.SyncRootInfo) error {
	path, err := windows.UTF16PtrFromString(info.Path)
	if err != nil {
		return errors.Wrapf(err, "encode path %q", info.Path)
	}
	name, err := windows.UTF16PtrFromString(info.DisplayName)
	if err != nil {
		return errors.Wrapf(err, "encode name %q", info.DisplayName)
	}
	version, err := windows.UTF16PtrFromString(info.Version)
	if err != nil {
		return errors.Wrapf(err, "encode version %q", info.Version)
	}
	reg := cfSyncRegistration{
		ProviderName:    name,
		ProviderVersion: version,
		ProviderID:      guidFromUUID(info.ProviderID),
	}
	reg.StructSize = uint32(unsafe.Sizeof(reg))
	reg.SyncRootIdentity, reg.SyncRootIdentityLength = bytesPtr(info.Identity)
	policies := cfSyncPolicies{
		Hydration:  cfPolicy{Primary: uint16(info.HydrationPolicy)},
		Population: cfPolicy{Primary: uint16(info.PopulationPolicy)},
		InSync:     cfInSyncPolicyNone,
		HardLink:   cfHardlinkPolicyNone,
	}
	policies.StructSize = uint32(unsafe.Sizeof(policies))
	if info.AllowHardlinks {
		policies.HardLink = cfHardlinkAllowed
	}
	err = cfRegisterSyncRoot.CallHRESULT(
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(&reg)),
		uintptr(unsafe.Pointer(&policies)),
		0,
	)
	runtime.KeepAlive(info)
	return err
}

func (d *Driver) UnregisterSyncRoot(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return errors.Wrapf(err, "encode path %q", path)
	}
	return cfUnregisterSyncRoot.CallHRESULT(uintptr(unsafe.Pointer(p)))
}

func (d *Driver) IsSyncRoot(path string) (bool, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false, errors.Wrapf(err, "encode path %q", path)
	}
	var info cfSyncRootBasicInfo
	var returned uint32
	err = cfGetSyncRootInfoByPath.CallHRESULT(
		uintptr(unsafe.Pointer(p)),
		cfSyncRootInfoBasic,
		uintptr(unsafe.Pointer(&info)),
		unsafe.Sizeof(info),
		uintptr(unsafe.Pointer(&returned)),
	)
	switch status.FromError(err) {
	case status.Success:
		// The basic info is only retrieved for the sync
		// root itself, not for the files beneath it.
		return true, nil
	case status.NotACloudSyncRoot, status.NotUnderSyncRoot:
		return false, nil
	}
	return false, err
}

func (d *Driver) Connect(
	path string, flags cloudfilter.ConnectFlags,
	sink cloudfilter.CallbackSink,
) (cloudfilter.ConnectionKey, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, errors.Wrapf(err, "encode path %q", path)
	}
	conn := &connection{
		context: lastContext.Add(1),
		sink:    sink,
	}
	refMap.Store(conn.context, conn)
	var key int64
	if err := cfConnectSyncRoot.CallHRESULT(
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&callbackTable[0])),
		conn.context,
		uintptr(flags),
		uintptr(unsafe.Pointer(&key)),
	); err != nil {
		refMap.Delete(conn.context)
		return 0, err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.conns[cloudfilter.ConnectionKey(key)] = conn
	return cloudfilter.ConnectionKey(key), nil
}

func (d *Driver) Disconnect(key cloudfilter.ConnectionKey) error {
	d.mtx.Lock()
	conn, ok := d.conns[key]
	delete(d.conns, key)
	d.mtx.Unlock()
	if !ok {
		return errors.Wrapf(status.InvalidRequest,
			"unknown connection %d", key)
	}
	err := cfDisconnectSyncRoot.CallHRESULT(uintptr(key))
	refMap.Delete(conn.context)
	return err
}

func (d *Driver) connection(key cloudfilter.ConnectionKey) (*connection, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	conn, ok := d.conns[key]
	if !ok {
		return nil, errors.Wrapf(status.InvalidRequest,
			"unknown connection %d", key)
	}
	return conn, nil
}

func execute[T any](info *cfOperationInfo, param T) error {
	params := newOperationParameters(param)
	err := cfExecute.CallHRESULT(
		uintptr(unsafe.Pointer(info)),
		uintptr(unsafe.Pointer(params)),
	)
	runtime.KeepAlive(params)
	return err
}

func (d *Driver) Execute(key cloudfilter.ConnectionKey, op *cloudfilter.Operation) error {
	conn, err := d.connection(key)
	if err != nil {
		return err
	}
	info := &cfOperationInfo{
		ConnectionKey: int64(key),
		TransferKey:   int64(op.TransferKey),
		RequestKey:    int64(op.RequestKey),
	}
	info.StructSize = uint32(unsafe.Sizeof(*info))
	defer runtime.KeepAlive(op)
	switch op.Type {
	case cloudfilter.OperationTransferData:
		info.Type = cfOperationTypeTransferData
		param := cfTransferDataParams{
			CompletionStatus: uint32(op.Status),
			Offset:           int64(op.Offset),
			Length:           int64(op.Length),
		}
		param.Buffer, _ = bytesPtr(op.Buffer)
		return execute(info, param)
	case cloudfilter.OperationAckData:
		info.Type = cfOperationTypeAckData
		return execute(info, cfAckDataParams{
			CompletionStatus: uint32(op.Status),
			Offset:           int64(op.Offset),
			Length:           int64(op.Length),
		})
	case cloudfilter.OperationRestartHydration:
		info.Type = cfOperationTypeRestartHydration
		var param cfRestartHydrationParams
		param.FileIdentity, param.FileIdentityLength = bytesPtr(op.Identity)
		return execute(info, param)
	case cloudfilter.OperationTransferPlaceholders:
		info.Type = cfOperationTypeTransferPlaceholders
		return conn.transferPlaceholders(info, op)
	case cloudfilter.OperationAckDehydrate:
		info.Type = cfOperationTypeAckDehydrate
		param := cfAckDehydrateParams{CompletionStatus: uint32(op.Status)}
		param.FileIdentity, param.FileIdentityLength = bytesPtr(op.Identity)
		return execute(info, param)
	case cloudfilter.OperationAckDelete:
		info.Type = cfOperationTypeAckDelete
		return execute(info, cfAckParams{CompletionStatus: uint32(op.Status)})
	case cloudfilter.OperationAckRename:
		info.Type = cfOperationTypeAckRename
		return execute(info, cfAckParams{CompletionStatus: uint32(op.Status)})
	}
	return errors.Wrapf(status.NotSupported, "operation %s", op.Type)
}

func fsMetadata(m *cloudfilter.Metadata) cfFsMetadata {
	attributes := m.Attributes
	if m.IsDirectory {
		attributes |= windows.FILE_ATTRIBUTE_DIRECTORY
	} else if attributes == 0 {
		attributes = windows.FILE_ATTRIBUTE_NORMAL
	}
	written := int64(filetime.Timestamp(m.LastWriteTime))
	result := cfFsMetadata{
		BasicInfo: fileBasicInfo{
			CreationTime:   int64(filetime.Timestamp(m.CreationTime)),
			LastAccessTime: written,
			LastWriteTime:  written,
			ChangeTime:     written,
			FileAttributes: attributes,
		},
	}
	if !m.IsDirectory {
		result.FileSize = int64(m.Size)
	}
	return result
}

func (c *connection) transferPlaceholders(
	info *cfOperationInfo, op *cloudfilter.Operation,
) error {
	entries := make([]cfPlaceholderCreateInfo, len(op.Placeholders))
	for i := range op.Placeholders {
		p := &op.Placeholders[i]
		name, err := windows.UTF16PtrFromString(p.RelativeName)
		if err != nil {
			return errors.Wrapf(err, "encode name %q", p.RelativeName)
		}
		entry := &entries[i]
		entry.RelativeFileName = name
		entry.FsMetadata = fsMetadata(&p.Metadata)
		entry.FileIdentity, entry.FileIdentityLength = bytesPtr(p.Metadata.Identity)
		if p.InSync {
			entry.Flags |= cfPlaceholderCreateFlagMarkInSync
		}
		if p.NoChildren {
			entry.Flags |= cfPlaceholderCreateFlagDisableOnDemandPopulation
		}
	}
	param := cfTransferPlaceholdersParams{
		CompletionStatus:      uint32(op.Status),
		PlaceholderTotalCount: int64(len(entries)),
		PlaceholderCount:      uint32(len(entries)),
	}
	if len(entries) > 0 {
		param.PlaceholderArray = &entries[0]
	}
	if op.DisableOnDemandPopulation {
		param.Flags |= cfOperationTransferPlaceholdersFlagDisableOnDemand
	}
	err := execute(info, param)
	runtime.KeepAlive(entries)

	dir, _ := c.transfers.LoadAndDelete(op.TransferKey)
	for i := range op.Placeholders {
		p := &op.Placeholders[i]
		if err != nil {
			p.Result = status.FromError(err)
			continue
		}
		p.Result = status.FromError(hresultError(entries[i].Result))
		if dir, ok := dir.(string); ok && p.Result.Succeeded() {
			p.FileID, _ = fileIDByPath(filepath.Join(dir, p.RelativeName))
		}
	}
	return err
}

func fileIDByPath(path string) (cloudfilter.FileID, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(p, windows.FILE_READ_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT, 0)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h)
	return fileID(h)
}

func fileID(h windows.Handle) (cloudfilter.FileID, error) {
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return 0, err
	}
	return cloudfilter.FileID(uint64(info.FileIndexHigh)<<32 |
		uint64(info.FileIndexLow)), nil
}

func (d *Driver) OpenHandle(path string) (cloudfilter.RawHandle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, errors.Wrapf(err, "encode path %q", path)
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.FILE_WRITE_DATA|windows.FILE_WRITE_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "open %q", path)
	}
	return cloudfilter.RawHandle(h), nil
}

func (d *Driver) CloseHandle(h cloudfilter.RawHandle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (d *Driver) FileID(h cloudfilter.RawHandle) (cloudfilter.FileID, error) {
	return fileID(windows.Handle(h))
}

func (d *Driver) ConvertToPlaceholder(
	h cloudfilter.RawHandle, identity []byte, flags cloudfilter.ConvertFlags,
) error {
	ptr, length := bytesPtr(identity)
	err := cfConvertToPlaceholder.CallHRESULT(
		uintptr(h),
		uintptr(unsafe.Pointer(ptr)),
		uintptr(length),
		uintptr(flags),
		0, 0,
	)
	runtime.KeepAlive(identity)
	return err
}

// rangeArgs converts the range into the offset and length
// arguments, where a length of -1 extends to the end.
func rangeArgs(r cloudfilter.Range) (uintptr, uintptr) {
	length := int64(r.Len())
	if r.End == cloudfilter.FullRange.End {
		length = -1
	}
	return uintptr(int64(r.Start)), uintptr(length)
}

func (d *Driver) HydratePlaceholder(h cloudfilter.RawHandle, r cloudfilter.Range) error {
	offset, length := rangeArgs(r)
	return cfHydratePlaceholder.CallHRESULT(uintptr(h), offset, length, 0, 0)
}

func (d *Driver) DehydratePlaceholder(h cloudfilter.RawHandle, r cloudfilter.Range) error {
	offset, length := rangeArgs(r)
	return cfDehydratePlaceholder.CallHRESULT(uintptr(h), offset, length, 0, 0)
}

var pinStates = map[cloudfilter.PinState]uintptr{
	cloudfilter.Unpinned: cfPinStateUnpinned,
	cloudfilter.Pinned:   cfPinStatePinned,
	cloudfilter.Excluded: cfPinStateExcluded,
}

func (d *Driver) SetPinState(
	h cloudfilter.RawHandle, state cloudfilter.PinState, recursive bool,
) error {
	value, ok := pinStates[state]
	if !ok {
		return errors.Wrapf(status.InvalidRequest, "pin state %s", state)
	}
	var flags uintptr
	if recursive {
		flags |= cfSetPinFlagRecurse
	}
	return cfSetPinState.CallHRESULT(uintptr(h), value, flags, 0)
}

func (d *Driver) SetInSyncState(h cloudfilter.RawHandle, state cloudfilter.SyncState) error {
	value := uintptr(cfInSyncStateNotInSync)
	if state == cloudfilter.InSync {
		value = cfInSyncStateInSync
	}
	return cfSetInSyncState.CallHRESULT(uintptr(h), value, 0, 0)
}

var _ cloudfilter.Driver = (*Driver)(nil)
