package cloudfilter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/winfsp/go-cloudfilter/filetime"
)

// DebugStruct is the interface to signify that
// the struct has internal fields, which can be
// serialized by the .Field method.
//
// Please notice that the .Field method can return
// nil, and the caller must handle that.
type DebugStruct interface {
	Fields() map[string]any
}

// JoinDebugStructFields with comma, sorted by name.
func JoinDebugStructFields(s DebugStruct) string {
	m := s.Fields()
	if m == nil {
		return ""
	}
	var fields []string
	for key, value := range m {
		fields = append(fields, fmt.Sprintf("%s: %v", key, value))
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}

// DebugFileAttributes is the format wrapper
// for debugging `fileAttributes` flags.
type DebugFileAttributes uint32

var fileAttributesNames = []struct {
	flag uint32
	name string
}{
	{0x00000001, "READONLY"},
	{0x00000002, "HIDDEN"},
	{0x00000004, "SYSTEM"},
	{0x00000010, "DIRECTORY"},
	{0x00000020, "ARCHIVE"},
	{0x00000080, "NORMAL"},
	{0x00000100, "TEMPORARY"},
	{0x00000200, "SPARSE_FILE"},
	{0x00000400, "REPARSE_POINT"},
	{0x00000800, "COMPRESSED"},
	{0x00001000, "OFFLINE"},
	{0x00002000, "NOT_CONTENT_INDEXED"},
	{0x00004000, "ENCRYPTED"},
	{0x00040000, "RECALL_ON_OPEN"},
	{0x00080000, "PINNED"},
	{0x00100000, "UNPINNED"},
	{0x00400000, "RECALL_ON_DATA_ACCESS"},
}

func (d DebugFileAttributes) String() string {
	fileAttributes := uint32(d)
	var flags []string
	for _, item := range fileAttributesNames {
		if fileAttributes&item.flag != 0 {
			flags = append(flags, item.name)
			fileAttributes ^= item.flag
		}
	}
	if fileAttributes != 0 {
		flags = append(flags, fmt.Sprintf("0x%x", fileAttributes))
	}
	if len(flags) == 0 {
		return "0"
	}
	return strings.Join(flags, "|")
}

// DebugFiletime is the format wrapper for
// debugging FILETIME values.
type DebugFiletime uint64

func (d DebugFiletime) String() string {
	fileTime := uint64(d)
	return fmt.Sprintf("filetime(%d, %q)", fileTime,
		filetime.Time(fileTime).UTC().Format(time.RFC3339))
}

// DebugMetadata is the format wrapper for
// debugging *Metadata struct.
type DebugMetadata struct {
	*Metadata
}

func (d DebugMetadata) Fields() map[string]any {
	meta := d.Metadata
	if meta == nil {
		return nil
	}
	return map[string]any{
		"Size":          meta.Size,
		"IsDirectory":   meta.IsDirectory,
		"Attributes":    DebugFileAttributes(meta.Attributes),
		"CreationTime":  DebugFiletime(filetime.Timestamp(meta.CreationTime)),
		"LastWriteTime": DebugFiletime(filetime.Timestamp(meta.LastWriteTime)),
		"Identity":      len(meta.Identity),
	}
}

func (d DebugMetadata) String() string {
	if d.Metadata == nil {
		return "(*Metadata)(nil)"
	}
	return "&Metadata{ " + JoinDebugStructFields(d) + " }"
}

// DebugPlaceholder is the format wrapper for
// debugging *Placeholder struct.
type DebugPlaceholder struct {
	*Placeholder
}

func (d DebugPlaceholder) Fields() map[string]any {
	p := d.Placeholder
	if p == nil {
		return nil
	}
	return map[string]any{
		"ID":        p.ID,
		"Path":      p.Path,
		"Size":      p.Metadata.Size,
		"Pin":       p.Pin,
		"Sync":      p.Sync,
		"Hydration": p.Hydration(),
		"Ranges":    p.Ranges,
	}
}

func (d DebugPlaceholder) String() string {
	if d.Placeholder == nil {
		return "(*Placeholder)(nil)"
	}
	return "&Placeholder{ " + JoinDebugStructFields(d) + " }"
}

// DebugNotification is the format wrapper for
// debugging *Notification struct, only the fields
// related to the kind are included.
type DebugNotification struct {
	*Notification
}

func (d DebugNotification) Fields() map[string]any {
	n := d.Notification
	if n == nil {
		return nil
	}
	m := map[string]any{
		"Kind":        n.Kind,
		"TransferKey": n.TransferKey,
		"RequestKey":  n.RequestKey,
		"FileID":      n.FileID,
		"Path":        n.Path,
		"FileSize":    n.FileSize,
	}
	if n.Process.ProcessID != 0 {
		m["ProcessID"] = n.Process.ProcessID
		m["ImagePath"] = n.Process.ImagePath
	}
	switch n.Kind {
	case NotifyFetchData, NotifyValidateData:
		m["Range"] = n.Range
		m["Explicit"] = n.Explicit
		if !n.OptionalRange.Empty() {
			m["OptionalRange"] = n.OptionalRange
		}
	case NotifyCancelFetchData, NotifyCancelFetchPlaceholders:
		m["Range"] = n.Range
		m["UserCancelled"] = n.UserCancelled
		m["TimedOut"] = n.TimedOut
	case NotifyFetchPlaceholders:
		m["Pattern"] = n.Pattern
	case NotifyRename:
		m["TargetPath"] = n.TargetPath
		m["TargetInScope"] = n.TargetInScope
	case NotifyRenamed:
		m["SourcePath"] = n.SourcePath
	case NotifyDelete, NotifyDeleted:
		m["IsDirectory"] = n.IsDirectory
		m["Undelete"] = n.Undelete
	case NotifyDehydrate, NotifyDehydrated:
		m["Background"] = n.Background
		m["Reason"] = n.Reason
	case NotifyConvertToPlaceholder:
		m["Metadata"] = DebugMetadata{&n.Metadata}
	}
	return m
}

func (d DebugNotification) String() string {
	if d.Notification == nil {
		return "(*Notification)(nil)"
	}
	return "&Notification{ " + JoinDebugStructFields(d) + " }"
}

// DebugOperation is the format wrapper for
// debugging *Operation struct.
type DebugOperation struct {
	*Operation
}

func (d DebugOperation) Fields() map[string]any {
	o := d.Operation
	if o == nil {
		return nil
	}
	m := map[string]any{
		"Type":        o.Type,
		"TransferKey": o.TransferKey,
		"Status":      o.Status,
	}
	switch o.Type {
	case OperationTransferData, OperationAckData:
		m["Offset"] = o.Offset
		m["Length"] = o.Length
	case OperationTransferPlaceholders:
		m["Placeholders"] = len(o.Placeholders)
	}
	return m
}

func (d DebugOperation) String() string {
	if d.Operation == nil {
		return "(*Operation)(nil)"
	}
	return "&Operation{ " + JoinDebugStructFields(d) + " }"
}
