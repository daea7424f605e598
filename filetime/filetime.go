// Package filetime converts between time.Time and the
// FILETIME representation used by the cloud files API,
// which counts 100-nanosecond intervals since 1601-01-01.
package filetime

import "time"

// epochDelta is the number of 100ns intervals between
// 1601-01-01 and 1970-01-01.
const epochDelta = 116444736000000000

// Timestamp converts t into a FILETIME value, a zero time
// converts into zero, which means "not specified".
func Timestamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	ticks := t.UnixNano()/100 + epochDelta
	if ticks < 0 {
		return 0
	}
	return uint64(ticks)
}

// Time converts a FILETIME value back into time.Time, zero
// converts into the zero time.
func Time(t uint64) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(t)-epochDelta)*100)
}

// Split returns the low and high parts of the value, in
// the order they are laid out in a FILETIME struct.
func Split(t uint64) (low, high uint32) {
	return uint32(t), uint32(t >> 32)
}
