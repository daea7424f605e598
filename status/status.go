// Package status defines the completion codes and the error
// taxonomy shared by the sync root runtime and the drivers.
//
// Codes carry the NTSTATUS values of the cloud files family,
// so that a driver binding can hand them to the operating
// system verbatim, while the rest of the module stays free
// of any platform specific type.
package status

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Code is the status reported along with a completion.
//
// A Code is also an error, so that a handler may return
// the exact status it wants the requester to observe.
type Code uint32

const (
	Success Code = 0x00000000

	SyncRootMetadataCorrupt     Code = 0xC000CF00
	ProviderNotRunning          Code = 0xC000CF01
	MetadataCorrupt             Code = 0xC000CF02
	MetadataTooLarge            Code = 0xC000CF03
	PropertyBlobTooLarge        Code = 0x8000CF04
	TooManyPropertyBlobs        Code = 0x8000CF05
	PropertyVersionNotSupported Code = 0xC000CF06
	NotACloudFile               Code = 0xC000CF07
	NotInSync                   Code = 0xC000CF08
	AlreadyConnected            Code = 0xC000CF09
	NotSupported                Code = 0xC000CF0A
	InvalidRequest              Code = 0xC000CF0B
	ReadOnlyVolume              Code = 0xC000CF0C
	ConnectedProviderOnly       Code = 0xC000CF0D
	ValidationFailed            Code = 0xC000CF0E
	AuthenticationFailed        Code = 0xC000CF0F
	InsufficientResources       Code = 0xC000CF10
	NetworkUnavailable          Code = 0xC000CF11
	Unsuccessful                Code = 0xC000CF12
	NotUnderSyncRoot            Code = 0xC000CF13
	InUse                       Code = 0xC000CF14
	Pinned                      Code = 0xC000CF15
	RequestAborted              Code = 0xC000CF16
	PropertyCorrupt             Code = 0xC000CF17
	AccessDenied                Code = 0xC000CF18
	IncompatibleHardlinks       Code = 0xC000CF19
	PropertyLockConflict        Code = 0xC000CF1A
	RequestCanceled             Code = 0xC000CF1B
	ProviderTerminated          Code = 0xC000CF1D
	NotACloudSyncRoot           Code = 0xC000CF1E
	RequestTimeout              Code = 0xC000CF1F
	DehydrationDisallowed       Code = 0xC000CF20
)

var codeNames = map[Code]string{
	Success:                     "SUCCESS",
	SyncRootMetadataCorrupt:     "SYNC_ROOT_METADATA_CORRUPT",
	ProviderNotRunning:          "PROVIDER_NOT_RUNNING",
	MetadataCorrupt:             "METADATA_CORRUPT",
	MetadataTooLarge:            "METADATA_TOO_LARGE",
	PropertyBlobTooLarge:        "PROPERTY_BLOB_TOO_LARGE",
	TooManyPropertyBlobs:        "TOO_MANY_PROPERTY_BLOBS",
	PropertyVersionNotSupported: "PROPERTY_VERSION_NOT_SUPPORTED",
	NotACloudFile:               "NOT_A_CLOUD_FILE",
	NotInSync:                   "NOT_IN_SYNC",
	AlreadyConnected:            "ALREADY_CONNECTED",
	NotSupported:                "NOT_SUPPORTED",
	InvalidRequest:              "INVALID_REQUEST",
	ReadOnlyVolume:              "READ_ONLY_VOLUME",
	ConnectedProviderOnly:       "CONNECTED_PROVIDER_ONLY",
	ValidationFailed:            "VALIDATION_FAILED",
	AuthenticationFailed:        "AUTHENTICATION_FAILED",
	InsufficientResources:       "INSUFFICIENT_RESOURCES",
	NetworkUnavailable:          "NETWORK_UNAVAILABLE",
	Unsuccessful:                "UNSUCCESSFUL",
	NotUnderSyncRoot:            "NOT_UNDER_SYNC_ROOT",
	InUse:                       "IN_USE",
	Pinned:                      "PINNED",
	RequestAborted:              "REQUEST_ABORTED",
	PropertyCorrupt:             "PROPERTY_CORRUPT",
	AccessDenied:                "ACCESS_DENIED",
	IncompatibleHardlinks:       "INCOMPATIBLE_HARDLINKS",
	PropertyLockConflict:        "PROPERTY_LOCK_CONFLICT",
	RequestCanceled:             "REQUEST_CANCELED",
	ProviderTerminated:          "PROVIDER_TERMINATED",
	NotACloudSyncRoot:           "NOT_A_CLOUD_SYNC_ROOT",
	RequestTimeout:              "REQUEST_TIMEOUT",
	DehydrationDisallowed:       "DEHYDRATION_DISALLOWED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(c))
}

func (c Code) Error() string {
	return "cloud file status " + c.String()
}

// Succeeded reports whether the code is a success or an
// informational status.
func (c Code) Succeeded() bool {
	return c>>30 < 2
}

// Class groups the errors by the party that has to react
// to them.
type Class int

const (
	// ClassNone is the class of errors out of the taxonomy.
	ClassNone Class = iota

	// ClassRegistration errors are surfaced to the caller
	// of register and unregister, and never retried.
	ClassRegistration

	// ClassConnection errors are surfaced to the caller of
	// connect, who may retry after resolving the cause.
	ClassConnection

	// ClassRequest errors are scoped to a single request and
	// do not affect others in flight.
	ClassRequest

	// ClassCompletion errors signify a handler fault while
	// a request was outstanding.
	ClassCompletion
)

func (c Class) String() string {
	switch c {
	case ClassRegistration:
		return "registration"
	case ClassConnection:
		return "connection"
	case ClassRequest:
		return "request"
	case ClassCompletion:
		return "completion"
	default:
		return "none"
	}
}

// Error is a classified error with the status code that
// will be reported to the driver for it.
//
// The predefined errors are compared by identity, so use
// errors.Is against them rather than comparing codes.
type Error struct {
	Class Class
	Code  Code
	msg   string
}

func newError(class Class, code Code, msg string) *Error {
	return &Error{Class: class, Code: code, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Registration errors.
var (
	ErrAlreadyRegistered = newError(
		ClassRegistration, InUse, "sync root already registered")
	ErrInvalidPath = newError(
		ClassRegistration, NotUnderSyncRoot, "invalid sync root path")
	ErrPermissionDenied = newError(
		ClassRegistration, AccessDenied, "permission denied")
	ErrRootInUse = newError(
		ClassRegistration, InUse, "sync root is connected")
)

// Connection errors.
var (
	ErrNotRegistered = newError(
		ClassConnection, NotACloudSyncRoot, "sync root not registered")
	ErrAlreadyConnected = newError(
		ClassConnection, AlreadyConnected, "sync root already connected")
	ErrDriverUnavailable = newError(
		ClassConnection, ProviderNotRunning, "cloud files driver unavailable")
)

// Request errors.
var (
	ErrOperationDenied = newError(
		ClassRequest, AccessDenied, "operation denied")
	ErrPinnedCannotDehydrate = newError(
		ClassRequest, Pinned, "pinned placeholder cannot dehydrate")
	ErrHandleClosed = newError(
		ClassRequest, InvalidRequest, "handle closed")
	ErrNotAPlaceholderCandidate = newError(
		ClassRequest, NotSupported, "not a placeholder candidate")
	ErrNotAPlaceholder = newError(
		ClassRequest, NotACloudFile, "not a placeholder")
	ErrInvalidRequest = newError(
		ClassRequest, InvalidRequest, "invalid request")
	ErrNotSupported = newError(
		ClassRequest, NotSupported, "operation not supported")
	ErrAlreadyCompleted = newError(
		ClassRequest, InvalidRequest, "operation already completed")
	ErrCancelled = newError(
		ClassRequest, RequestCanceled, "operation cancelled")
	ErrTimeout = newError(
		ClassRequest, RequestTimeout, "operation timed out")
	ErrProviderTerminated = newError(
		ClassConnection, ProviderTerminated, "session disconnected")
)

// FaultError records a handler fault that has been
// contained by force failing the affected operation.
type FaultError struct {
	Operation string
	Value     any
	Stack     []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("handler fault in %s: %v", e.Operation, e.Value)
}

// FromError converts an error into the status code that is
// reported to the driver. Nil converts to Success and the
// errors out of the known set convert to Unsuccessful.
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if code, ok := syscallCodeMap[errno]; ok {
			return code
		}
	}
	if errors.Is(err, context.Canceled) {
		return RequestCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RequestTimeout
	}
	if errors.Is(err, os.ErrPermission) {
		return AccessDenied
	}
	if errors.Is(err, os.ErrNotExist) {
		return NotUnderSyncRoot
	}
	return Unsuccessful
}

// ClassOf returns the class of the error, or ClassNone if
// it carries no classification.
func ClassOf(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	var fault *FaultError
	if errors.As(err, &fault) {
		return ClassCompletion
	}
	return ClassNone
}
