// Package unsafehelpers centralizes every unavoidable use of the unsafe
// package behind small, precondition-documented helpers, so the rest of the
// engine's zero-copy key/value handling doesn't each reinvent its own
// unsafe.Pointer arithmetic. hlog's blittable codec and the default key
// comparer's fallback hash both route through here.
//
// © 2025 hlogkv authors. MIT License.
package unsafehelpers

import "unsafe"

// StringToBytes reinterprets string data as a byte slice without copying.
// The slice must never be written to — doing so mutates Go's immutable
// string storage and is undefined behavior.
func StringToBytes(s string) []byte {
	strHdr := (*[2]uintptr)(unsafe.Pointer(&s))
	return unsafe.Slice((*byte)(unsafe.Pointer(strHdr[0])), strHdr[1])
}

// ByteSliceFrom returns a []byte view of n bytes starting at ptr. Used to
// view a blittable K or V's raw memory for memcopy into a log record.
func ByteSliceFrom(ptr unsafe.Pointer, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// AlignUp rounds x up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether x has exactly one bit set.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && (x&(x-1)) == 0
}
