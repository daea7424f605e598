package cloudfilter

import (
	"time"

	"github.com/winfsp/go-cloudfilter/rangeset"
)

// FileID is the file system identity of a placeholder, it
// survives renames of the file.
type FileID int64

// Range is a half open byte range [Start, End).
type Range = rangeset.Range

// FullRange covers every byte of any file.
var FullRange = Range{Start: 0, End: ^uint64(0)}

// HydrationState tells how much of a placeholder has been
// materialized on the local disk.
type HydrationState int

const (
	// Ghost placeholders have no byte materialized.
	Ghost HydrationState = iota

	// Partial placeholders have some bytes materialized.
	Partial

	// Full placeholders have every byte materialized.
	Full
)

func (s HydrationState) String() string {
	switch s {
	case Ghost:
		return "Ghost"
	case Partial:
		return "Partial"
	case Full:
		return "Full"
	default:
		return "Unknown"
	}
}

// HydrationOf derives the hydration state from the
// materialized ranges of a file of the given size.
//
// A file of zero size has nothing to materialize and is
// always Full.
func HydrationOf(ranges rangeset.Set, size uint64) HydrationState {
	switch {
	case size == 0:
		return Full
	case ranges.Len() == 0:
		return Ghost
	case ranges.Covers(Range{Start: 0, End: size}):
		return Full
	default:
		return Partial
	}
}

// PinState is the user's intent on keeping the content
// of a placeholder locally.
type PinState int

const (
	// Unpinned placeholders may be dehydrated freely.
	Unpinned PinState = iota

	// Pinned placeholders must stay fully hydrated.
	Pinned

	// Excluded placeholders are out of the sync scope.
	Excluded
)

func (s PinState) String() string {
	switch s {
	case Unpinned:
		return "Unpinned"
	case Pinned:
		return "Pinned"
	case Excluded:
		return "Excluded"
	default:
		return "Unknown"
	}
}

// SyncState tells whether the local placeholder matches
// the remote content.
type SyncState int

const (
	InSync SyncState = iota
	OutOfSync
)

func (s SyncState) String() string {
	switch s {
	case InSync:
		return "InSync"
	case OutOfSync:
		return "OutOfSync"
	default:
		return "Unknown"
	}
}

// MaxIdentityLength is the largest engine metadata blob
// that can be attached to a placeholder.
const MaxIdentityLength = 4096

// Metadata describes the file a placeholder stands for.
type Metadata struct {
	Size          uint64    `json:"size" cbor:"1,keyasint"`
	IsDirectory   bool      `json:"is_directory" cbor:"2,keyasint"`
	Attributes    uint32    `json:"attributes" cbor:"3,keyasint"`
	CreationTime  time.Time `json:"creation_time" cbor:"4,keyasint"`
	LastWriteTime time.Time `json:"last_write_time" cbor:"5,keyasint"`

	// Identity is the opaque engine metadata, which the
	// driver hands back in every notification of the file.
	Identity []byte `json:"identity" cbor:"6,keyasint"`
}

// Placeholder is the state of a placeholder file kept by
// the Store.
type Placeholder struct {
	ID       FileID       `json:"id" cbor:"1,keyasint"`
	Path     string       `json:"path" cbor:"2,keyasint"`
	Metadata Metadata     `json:"metadata" cbor:"3,keyasint"`
	Pin      PinState     `json:"pin" cbor:"4,keyasint"`
	Sync     SyncState    `json:"sync" cbor:"5,keyasint"`
	Ranges   rangeset.Set `json:"ranges" cbor:"6,keyasint"`
}

// Hydration derives the hydration state of the placeholder.
func (p *Placeholder) Hydration() HydrationState {
	if p.Metadata.IsDirectory {
		return Full
	}
	return HydrationOf(p.Ranges, p.Metadata.Size)
}

// Clone returns a deep copy of the placeholder.
func (p *Placeholder) Clone() *Placeholder {
	result := *p
	result.Ranges = p.Ranges.Clone()
	if p.Metadata.Identity != nil {
		result.Metadata.Identity = append(
			[]byte(nil), p.Metadata.Identity...)
	}
	return &result
}
