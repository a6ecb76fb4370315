package hlog

import (
	"unsafe"

	"github.com/hlogkv/hlogkv/internal/unsafehelpers"
)

// ValueCodec abstracts over the two allocator variants spec §4.3 calls for:
// a blittable codec for fixed-layout values (size derivable from the type
// alone) and a serialized codec for variable-length values (size derived
// per-instance via a caller-supplied function, matching the
// serializer_settings/variable_length_settings collaborator contracts in
// spec §6). Keys take no codec: string keys are stored as their content
// bytes (variable length), every other key type as its fixed-layout bytes —
// see keyEncodedSize below and DESIGN.md.
type ValueCodec[V any] struct {
	FixedSize int // >0 for the blittable codec, 0 for serialized
	SizeFn    func(V) int
	WriteFn   func(dst []byte, v V)
	ReadFn    func(src []byte) V
	Default   V // written by the generic allocator's Delete in addition to the tombstone bit
}

func (c ValueCodec[V]) IsVarLen() bool { return c.FixedSize == 0 }

func (c ValueCodec[V]) Size(v V) int {
	if c.FixedSize > 0 {
		return c.FixedSize
	}
	return c.SizeFn(v)
}

// BlittableValueCodec builds a codec for a fixed-layout V using unsafe
// memcopy, mirroring the teacher's internal/arena.NewValue approach to
// placing a T's raw bytes without going through the garbage collector.
func BlittableValueCodec[V any]() ValueCodec[V] {
	var zero V
	size := int(unsafe.Sizeof(zero))
	return ValueCodec[V]{
		FixedSize: size,
		WriteFn: func(dst []byte, v V) {
			copy(dst, unsafehelpers.ByteSliceFrom(unsafe.Pointer(&v), size))
		},
		ReadFn: func(src []byte) V {
			var v V
			copy(unsafehelpers.ByteSliceFrom(unsafe.Pointer(&v), size), src)
			return v
		},
	}
}

// SerializedValueCodec builds a codec for a variable-length V from
// caller-supplied size/write/read functions (spec §6's serializer_settings
// + variable_length_settings).
func SerializedValueCodec[V any](sizeFn func(V) int, writeFn func([]byte, V), readFn func([]byte) V, defaultValue V) ValueCodec[V] {
	return ValueCodec[V]{FixedSize: 0, SizeFn: sizeFn, WriteFn: writeFn, ReadFn: readFn, Default: defaultValue}
}

// keyEncodedSize reports how many bytes k occupies in a log record. For
// string keys this is the string's content length (the record stores the
// actual characters, not Go's string header); every other comparable type
// is assumed blittable and sized via unsafe.Sizeof, mirroring the value
// codec's fixed-size path. A raw header-and-pointer memcopy of a string (as
// opposed to its content) would embed a pointer inside a []byte page buffer
// the garbage collector never scans for pointers — the backing array could
// be collected out from under a record the log still references. Copying
// the bytes themselves sidesteps that: the decoded string is a fresh copy,
// not an alias into the page.
func keyEncodedSize[K any](k K) int {
	if s, ok := any(k).(string); ok {
		return len(s)
	}
	return int(unsafe.Sizeof(k))
}

func encodeKeyBytes[K any](dst []byte, k K) {
	if s, ok := any(k).(string); ok {
		copy(dst, s)
		return
	}
	copy(dst, unsafehelpers.ByteSliceFrom(unsafe.Pointer(&k), int(unsafe.Sizeof(k))))
}

func decodeKeyBytes[K any](src []byte, n int) K {
	var k K
	if _, ok := any(k).(string); ok {
		return any(string(src[:n])).(K)
	}
	copy(unsafehelpers.ByteSliceFrom(unsafe.Pointer(&k), n), src[:n])
	return k
}
