package metadata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/shmwrapper/segalloc/segment"
	"github.com/shmwrapper/segalloc/shmutils"
)

// Persisted layout, little-endian, all cross-process references expressed as
// segment-relative offsets.
//
// Segment root record at offset 0:
//
//	Offset  Size  Description
//	0x00    4     Root magic ("SEGM"). Doubles as the initialization sentinel.
//	0x04    4     Layout version.
//	0x08    4     Lock word for the process-shared mutex.
//	0x0C    4     Initialization state word (raw / initializing / ready).
//	0x10    8     Segment size recorded at initialization time.
//
// Block header record, one immediately before every payload:
//
//	Offset  Size  Description
//	0x00    4     Header magic, validated before any other field is read.
//	0x04    4     Payload size in bytes, excluding the header itself.
//	0x08    4     Offset of the previous header, or NoOffset.
//	0x0C    4     Offset of the next header, or NoOffset.
//	0x10    4     Owner id. 0 marks a private block.
//	0x14    2     Reference count.
//	0x16    2     Flags. Bit 0 set means the block is free.
const (
	RootMagic     uint32 = 0x5345474D
	LayoutVersion uint32 = 1

	rootMagicOffset   = 0
	rootVersionOffset = 4
	// LockWordOffset is the segment offset of the 4-byte cell backing the
	// process-shared mutex. Kept 4-byte aligned for futex use.
	LockWordOffset = 8
	// InitWordOffset is the segment offset of the initialization state word.
	InitWordOffset = 12
	rootSizeOffset = 16
	// RootOverhead is the total size of the root record. The header chain
	// starts immediately after it.
	RootOverhead = 24

	HeaderMagic uint32 = 0x48454164
	// HeaderOverhead is the fixed size of one block header record.
	HeaderOverhead = 24
	// NoOffset is the stored sentinel meaning "no neighbor on this side".
	// Offset 0 can never name a header, but an explicit out-of-band value
	// keeps a zeroed link from silently aliasing the root record.
	NoOffset uint32 = 0xFFFFFFFF

	headerMagicOffset    = 0
	headerSizeOffset     = 4
	headerPrevOffset     = 8
	headerNextOffset     = 12
	headerOwnerOffset    = 16
	headerRefcountOffset = 20
	headerFlagsOffset    = 22

	flagFree uint16 = 1
)

// Initialization state word values. Exactly one attaching process moves the
// word from raw to initializing, populates the root and the first header, then
// publishes ready. Every other process waits for ready.
const (
	InitStateRaw          uint32 = 0
	InitStateInitializing uint32 = 1
	InitStateReady        uint32 = 2
)

// Header is the decoded, process-local copy of one block header record. It is
// a snapshot: mutations are only durable once written back with Chain.Update.
type Header struct {
	// Offset of the header record itself within the segment
	Offset int
	// Size of the payload in bytes, excluding HeaderOverhead
	Size     int
	Prev     uint32
	Next     uint32
	OwnerID  uint32
	Refcount uint16
	Free     bool
}

// PayloadOffset returns the segment offset of the first payload byte.
func (h *Header) PayloadOffset() int {
	return h.Offset + HeaderOverhead
}

// End returns the segment offset one past the last payload byte. With a valid
// chain this is exactly the next header's offset, or the segment size for the
// last header.
func (h *Header) End() int {
	return h.Offset + HeaderOverhead + h.Size
}

func (h *Header) HasPrev() bool {
	return h.Prev != NoOffset
}

func (h *Header) HasNext() bool {
	return h.Next != NoOffset
}

// WriteRoot stamps the root record onto a raw segment. The lock and
// initialization words are intentionally not touched here: they are managed
// with atomic operations by the caller coordinating first-time initialization.
func WriteRoot(seg *segment.Segment) {
	seg.PutU32(rootMagicOffset, RootMagic)
	seg.PutU32(rootVersionOffset, LayoutVersion)
	seg.PutU64(rootSizeOffset, uint64(seg.Size()))
}

// ValidateRoot checks the root record of an already-initialized segment before
// attaching to it. A magic or version mismatch means the buffer holds something
// other than a compatible chain; a size mismatch means the caller mapped a
// different amount of memory than the initializing process did.
func ValidateRoot(seg *segment.Segment) error {
	if magic := seg.ReadU32(rootMagicOffset); magic != RootMagic {
		return cerrors.Wrapf(shmutils.ErrCorrupted, "root magic is %#08x, want %#08x", magic, RootMagic)
	}
	if version := seg.ReadU32(rootVersionOffset); version != LayoutVersion {
		return cerrors.Wrapf(shmutils.ErrCorrupted, "segment uses layout version %d, this build understands %d", version, LayoutVersion)
	}
	if recorded := seg.ReadU64(rootSizeOffset); recorded != uint64(seg.Size()) {
		return cerrors.Wrapf(shmutils.ErrCorrupted, "segment was initialized as %d bytes but is mapped as %d bytes", recorded, seg.Size())
	}
	return nil
}

// RootInitialized reports whether the root record carries a valid sentinel,
// without judging the rest of the root.
func RootInitialized(seg *segment.Segment) bool {
	return seg.ReadU32(rootMagicOffset) == RootMagic
}
