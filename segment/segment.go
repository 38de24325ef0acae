package segment

import (
	"encoding/binary"
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/shmwrapper/segalloc/shmutils"
)

// WordAlign is the alignment the atomic words in the root record require of
// the segment base address.
const WordAlign = 4

// Segment wraps the raw shared byte buffer handed to the allocator by whatever
// created and mapped it. The buffer is mapped at a different virtual address in
// every attaching process, so a Segment never persists pointers: the only values
// written into the buffer are offsets relative to its start.
//
// The Segment does not own the buffer and never grows or shrinks it.
type Segment struct {
	data []byte
}

// FromBytes wraps an externally created shared buffer. The buffer must be at
// least minSize bytes; callers choose minSize based on the fixed records they
// intend to place in it.
func FromBytes(data []byte, minSize int) (*Segment, error) {
	if data == nil {
		return nil, cerrors.Wrap(shmutils.ErrInvalidArgument, "segment buffer is nil")
	}
	if len(data) < minSize {
		return nil, cerrors.Wrapf(shmutils.ErrInvalidArgument, "segment buffer is %d bytes, need at least %d", len(data), minSize)
	}
	if !fitsOffsetWidth(int64(len(data))) {
		return nil, cerrors.Wrapf(shmutils.ErrInvalidArgument, "segment buffer is %d bytes, offsets are 32-bit and cap segments at %d", len(data), math.MaxUint32)
	}

	base := int(uintptr(unsafe.Pointer(&data[0])))
	shmutils.DebugCheckPow2(uint(WordAlign), "WordAlign")
	if shmutils.AlignDown(base, WordAlign) != base {
		return nil, cerrors.Wrapf(shmutils.ErrInvalidArgument, "segment base %#x is not %d-byte aligned, the lock and state words need aligned atomics", base, WordAlign)
	}
	return &Segment{data: data}, nil
}

// Offsets and sizes persist in the segment as 32-bit fields; a larger buffer
// would silently truncate on the first header write.
func fitsOffsetWidth(size int64) bool {
	return size <= math.MaxUint32
}

// Size returns the total size of the underlying buffer in bytes.
func (s *Segment) Size() int {
	return len(s.data)
}

// Base returns the process-local address of the buffer's first byte.
func (s *Segment) Base() unsafe.Pointer {
	return unsafe.Pointer(&s.data[0])
}

// CheckRange verifies that the byte range [off, off+length) lies entirely inside
// the segment. A failed check is reported as structural corruption: offsets read
// out of the shared buffer are only ever produced by this module, so an
// out-of-range value means the stored metadata can no longer be trusted.
func (s *Segment) CheckRange(off, length int) error {
	if off < 0 || length < 0 || off+length > len(s.data) {
		return cerrors.Wrapf(shmutils.ErrCorrupted, "range [%d, %d) escapes the %d-byte segment", off, off+length, len(s.data))
	}
	return nil
}

// OffsetOf translates a process-local pointer into the segment into its
// segment-relative offset. Pointers outside [base, base+size] translate to an
// UnknownPointer error rather than a bogus offset. The one-past-end address is
// a valid payload address: it belongs to a zero-capacity block carved flush
// against the segment end.
func (s *Segment) OffsetOf(ptr unsafe.Pointer) (int, error) {
	base := uintptr(unsafe.Pointer(&s.data[0]))
	p := uintptr(ptr)
	if p < base || p > base+uintptr(len(s.data)) {
		return 0, cerrors.Wrapf(shmutils.ErrUnknownPointer, "pointer %#x is outside the segment [%#x, %#x]", p, base, base+uintptr(len(s.data)))
	}
	return int(p - base), nil
}

// PointerOf translates a segment-relative offset into a process-local pointer.
// The one-past-end offset is allowed: a zero-capacity payload at the segment
// end owns no bytes, and its address is the first byte past the buffer.
func (s *Segment) PointerOf(off int) (unsafe.Pointer, error) {
	if off < 0 || off > len(s.data) {
		return nil, cerrors.Wrapf(shmutils.ErrCorrupted, "offset %d is outside the %d-byte segment", off, len(s.data))
	}
	return unsafe.Add(unsafe.Pointer(&s.data[0]), off), nil
}

// Bytes returns the payload byte slice [off, off+length). The range must have
// been validated with CheckRange first.
func (s *Segment) Bytes(off, length int) []byte {
	return s.data[off : off+length]
}

// WordPointer returns a *uint32 aliasing the four bytes at off, for fields that
// other processes mutate with atomic operations (the lock word and the
// initialization state word). The offset must be 4-byte aligned.
func (s *Segment) WordPointer(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

// Fixed-layout records in the segment are read and written field by field in
// little-endian byte order, never by casting a byte region to a struct.

func (s *Segment) PutU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(s.data[off:off+2], v)
}

func (s *Segment) PutU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.data[off:off+4], v)
}

func (s *Segment) PutU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(s.data[off:off+8], v)
}

func (s *Segment) ReadU16(off int) uint16 {
	return binary.LittleEndian.Uint16(s.data[off : off+2])
}

func (s *Segment) ReadU32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.data[off : off+4])
}

func (s *Segment) ReadU64(off int) uint64 {
	return binary.LittleEndian.Uint64(s.data[off : off+8])
}
