// Package rangeset tracks the byte ranges of a placeholder
// that have been materialized.
//
// A Set is kept sorted and coalesced, so that two sets
// holding the same bytes are always equal element-wise.
// All operations return a new Set and never modify the
// receiver, which makes it safe to share snapshots.
package rangeset

import (
	"fmt"
	"sort"
)

// Range is a half open byte range [Start, End).
type Range struct {
	Start uint64 `json:"start" cbor:"1,keyasint"`
	End   uint64 `json:"end" cbor:"2,keyasint"`
}

// Span returns the range [offset, offset+length), saturated
// at the maximum offset.
func Span(offset, length uint64) Range {
	end := offset + length
	if end < offset {
		end = ^uint64(0)
	}
	return Range{Start: offset, End: end}
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range holds no byte.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Overlaps reports whether two ranges share a byte.
func (r Range) Overlaps(o Range) bool {
	return !r.Empty() && !o.Empty() &&
		r.Start < o.End && o.Start < r.End
}

// Clamp restricts the range to [0, size).
func (r Range) Clamp(size uint64) Range {
	if r.End > size {
		r.End = size
	}
	if r.Start > r.End {
		r.Start = r.End
	}
	return r
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Set is a sorted list of disjoint, non adjacent ranges.
type Set []Range

// Of builds a set from arbitrary ranges.
func Of(ranges ...Range) Set {
	var s Set
	for _, r := range ranges {
		s = s.Add(r)
	}
	return s
}

// Add returns the union of the set and r.
func (s Set) Add(r Range) Set {
	if r.Empty() {
		return s.Clone()
	}
	result := make(Set, 0, len(s)+1)
	i := 0
	for ; i < len(s) && s[i].End < r.Start; i++ {
		result = append(result, s[i])
	}
	merged := r
	for ; i < len(s) && s[i].Start <= merged.End; i++ {
		if s[i].Start < merged.Start {
			merged.Start = s[i].Start
		}
		if s[i].End > merged.End {
			merged.End = s[i].End
		}
	}
	result = append(result, merged)
	return append(result, s[i:]...)
}

// Remove returns the set with the bytes of r removed.
func (s Set) Remove(r Range) Set {
	if r.Empty() {
		return s.Clone()
	}
	result := make(Set, 0, len(s)+1)
	for _, item := range s {
		if !item.Overlaps(r) {
			result = append(result, item)
			continue
		}
		if item.Start < r.Start {
			result = append(result, Range{Start: item.Start, End: r.Start})
		}
		if item.End > r.End {
			result = append(result, Range{Start: r.End, End: item.End})
		}
	}
	return result
}

// Covers reports whether every byte of r is in the set.
func (s Set) Covers(r Range) bool {
	if r.Empty() {
		return true
	}
	i := sort.Search(len(s), func(i int) bool {
		return s[i].End > r.Start
	})
	return i < len(s) && s[i].Start <= r.Start && s[i].End >= r.End
}

// Missing returns the parts of r not in the set.
func (s Set) Missing(r Range) Set {
	if r.Empty() {
		return nil
	}
	return Set{r}.subtract(s)
}

func (s Set) subtract(o Set) Set {
	result := s
	for _, r := range o {
		result = result.Remove(r)
	}
	return result
}

// Len returns the number of bytes in the set.
func (s Set) Len() uint64 {
	var total uint64
	for _, r := range s {
		total += r.Len()
	}
	return total
}

// Clamp restricts the set to [0, size).
func (s Set) Clamp(size uint64) Set {
	result := make(Set, 0, len(s))
	for _, r := range s {
		if r = r.Clamp(size); !r.Empty() {
			result = append(result, r)
		}
	}
	return result
}

// Clone returns a copy not sharing storage with s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return append(Set(nil), s...)
}

// Equal compares two sets element-wise.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}
