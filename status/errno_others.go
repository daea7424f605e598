//go:build !windows

package status

import "syscall"

var syscallCodeMap = map[syscall.Errno]Code{
	syscall.EACCES:  AccessDenied,
	syscall.EPERM:   AccessDenied,
	syscall.ENOENT:  NotUnderSyncRoot,
	syscall.ENOTSUP: NotSupported,
	syscall.EINVAL:  InvalidRequest,
	syscall.EBUSY:   InUse,
	syscall.EROFS:   ReadOnlyVolume,
}
