package cfapi

import (
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/windows"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/filetime"
	"github.com/winfsp/go-cloudfilter/rangeset"
	"github.com/winfsp/go-cloudfilter/status"
)

func TestHRESULT(t *testing.T) {
	assert := assert.New(t)
	assert.NoError(hresultError(0))
	assert.NoError(hresultError(1))
	assert.Equal(syscall.Errno(392), hresultError(0x80070188))
	assert.Equal(status.Pinned, status.FromError(hresultError(0x80070188)))
	assert.Equal(status.InUse, status.FromError(hresultError(0xD000CF14)))
	assert.Equal(status.Unsuccessful, status.FromError(hresultError(0x80004005)))
}

func TestGUID(t *testing.T) {
	id := uuid.MustParse("6b29fc40-ca47-1067-b31d-00dd010662da")
	guid := guidFromUUID(id)
	assert.Equal(t, "{6B29FC40-CA47-1067-B31D-00DD010662DA}", guid.String())
}

func TestLayouts(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uintptr(48), unsafe.Sizeof(cfFsMetadata{}))
	assert.Equal(uintptr(88), unsafe.Sizeof(cfPlaceholderCreateInfo{}))
	assert.Equal(uintptr(16), unsafe.Sizeof(cfCallbackRegistration{}))
	assert.Equal(uintptr(8), unsafe.Offsetof(cfCallbackInfo{}.ConnectionKey))
	assert.Equal(uintptr(144), unsafe.Offsetof(cfCallbackInfo{}.RequestKey))
	assert.Equal(uint32(16), newOperationParameters(cfAckParams{}).ParamSize)
	assert.Equal(uintptr(8), unsafe.Offsetof(cfOperationParameters[cfAckParams]{}.Param))
}

func TestFsMetadata(t *testing.T) {
	assert := assert.New(t)
	written := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := fsMetadata(&cloudfilter.Metadata{Size: 10, LastWriteTime: written})
	assert.Equal(int64(10), m.FileSize)
	assert.Equal(uint32(windows.FILE_ATTRIBUTE_NORMAL), m.BasicInfo.FileAttributes)
	assert.Equal(int64(filetime.Timestamp(written)), m.BasicInfo.LastWriteTime)
	assert.Zero(m.BasicInfo.CreationTime)

	m = fsMetadata(&cloudfilter.Metadata{Size: 10, IsDirectory: true})
	assert.Zero(m.FileSize)
	assert.Equal(uint32(windows.FILE_ATTRIBUTE_DIRECTORY), m.BasicInfo.FileAttributes)
}

func TestRangeArgs(t *testing.T) {
	assert := assert.New(t)
	offset, length := rangeArgs(rangeset.Span(4096, 8192))
	assert.Equal(uintptr(4096), offset)
	assert.Equal(uintptr(8192), length)
	offset, length = rangeArgs(cloudfilter.FullRange)
	assert.Zero(offset)
	assert.Equal(^uintptr(0), length)
}

func TestNotification(t *testing.T) {
	assert := assert.New(t)
	dos := windows.StringToUTF16Ptr(`C:`)
	path := windows.StringToUTF16Ptr(`\Sync\a.txt`)
	target := windows.StringToUTF16Ptr(`\Sync\b.txt`)
	identity := []byte("remote")
	info := &cfCallbackInfo{
		ConnectionKey:      7,
		VolumeDosName:      dos,
		FileID:             42,
		FileSize:           100,
		FileIdentity:       &identity[0],
		FileIdentityLength: uint32(len(identity)),
		NormalizedPath:     path,
		TransferKey:        3,
		RequestKey:         5,
		ProcessInfo: &cfProcessInfo{
			ProcessID: 1234,
			ImagePath: windows.StringToUTF16Ptr(`C:\notepad.exe`),
		},
	}

	n := newNotification(cloudfilter.NotifyFetchData, info)
	assert.Equal(`C:\Sync\a.txt`, n.Path)
	assert.Equal(cloudfilter.FileID(42), n.FileID)
	assert.Equal(cloudfilter.TransferKey(3), n.TransferKey)
	assert.Equal(identity, n.Identity)
	assert.Equal(`C:\notepad.exe`, n.Process.ImagePath)
	identity[0] = 'R'
	assert.Equal([]byte("remote"), n.Identity)

	var fetch struct {
		header cfCallbackParameters
		param  cfFetchDataParams
	}
	fetch.param = cfFetchDataParams{
		Flags:              cfFetchDataFlagExplicitHydration,
		RequiredFileOffset: 0,
		RequiredLength:     4096,
		OptionalFileOffset: 4096,
		OptionalLength:     8192,
	}
	fillParams(n, info, &fetch.header)
	assert.Equal(rangeset.Span(0, 4096), n.Range)
	assert.Equal(rangeset.Span(4096, 8192), n.OptionalRange)
	assert.True(n.Explicit)

	var rename struct {
		header cfCallbackParameters
		param  cfRenameParams
	}
	rename.param = cfRenameParams{
		Flags: cfRenameFlagSourceInScope | cfRenameFlagTargetInScope,
		Path:  target,
	}
	n = newNotification(cloudfilter.NotifyRename, info)
	fillParams(n, info, &rename.header)
	assert.Equal(`C:\Sync\a.txt`, n.SourcePath)
	assert.Equal(`C:\Sync\b.txt`, n.TargetPath)
	assert.True(n.SourceInScope)
	assert.True(n.TargetInScope)
	assert.False(n.IsDirectory)
}
