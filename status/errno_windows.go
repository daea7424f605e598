package status

import (
	"syscall"

	"golang.org/x/sys/windows"
)

var syscallCodeMap = map[syscall.Errno]Code{
	syscall.ERROR_ACCESS_DENIED:     AccessDenied,
	syscall.ERROR_FILE_NOT_FOUND:    NotUnderSyncRoot,
	syscall.ERROR_PATH_NOT_FOUND:    NotUnderSyncRoot,
	windows.ERROR_NOT_SUPPORTED:     NotSupported,
	windows.ERROR_INVALID_PARAMETER: InvalidRequest,
	syscall.ERROR_OPERATION_ABORTED: RequestAborted,
	windows.ERROR_SHARING_VIOLATION: InUse,
	windows.ERROR_WRITE_PROTECT:     ReadOnlyVolume,

	// ERROR_CLOUD_FILE_* of winerror.h, which is what
	// cldapi.dll reports wrapped into its HRESULTs.
	syscall.Errno(362): ProviderNotRunning,
	syscall.Errno(363): MetadataCorrupt,
	syscall.Errno(364): MetadataTooLarge,
	syscall.Errno(365): PropertyBlobTooLarge,
	syscall.Errno(369): TooManyPropertyBlobs,
	syscall.Errno(370): PropertyVersionNotSupported,
	syscall.Errno(371): NotACloudFile,
	syscall.Errno(377): NotInSync,
	syscall.Errno(378): AlreadyConnected,
	syscall.Errno(379): NotSupported,
	syscall.Errno(380): InvalidRequest,
	syscall.Errno(381): ReadOnlyVolume,
	syscall.Errno(382): ConnectedProviderOnly,
	syscall.Errno(383): ValidationFailed,
	syscall.Errno(386): AuthenticationFailed,
	syscall.Errno(387): InsufficientResources,
	syscall.Errno(388): NetworkUnavailable,
	syscall.Errno(389): Unsuccessful,
	syscall.Errno(390): NotUnderSyncRoot,
	syscall.Errno(391): InUse,
	syscall.Errno(392): Pinned,
	syscall.Errno(393): RequestAborted,
	syscall.Errno(394): PropertyCorrupt,
	syscall.Errno(395): AccessDenied,
	syscall.Errno(396): IncompatibleHardlinks,
	syscall.Errno(397): PropertyLockConflict,
	syscall.Errno(398): RequestCanceled,
	syscall.Errno(404): ProviderTerminated,
	syscall.Errno(405): NotACloudSyncRoot,
	syscall.Errno(426): RequestTimeout,
	syscall.Errno(427): DehydrationDisallowed,
}
