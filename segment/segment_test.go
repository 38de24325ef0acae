package segment_test

import (
	"testing"
	"unsafe"

	"github.com/shmwrapper/segalloc/segment"
	"github.com/shmwrapper/segalloc/shmutils"
	"github.com/stretchr/testify/require"
)

func TestFromBytesRejectsBadBuffers(t *testing.T) {
	_, err := segment.FromBytes(nil, 48)
	require.ErrorIs(t, err, shmutils.ErrInvalidArgument)

	_, err = segment.FromBytes(make([]byte, 47), 48)
	require.ErrorIs(t, err, shmutils.ErrInvalidArgument)

	seg, err := segment.FromBytes(make([]byte, 48), 48)
	require.NoError(t, err)
	require.Equal(t, 48, seg.Size())
}

func TestFromBytesRejectsMisalignedBase(t *testing.T) {
	// Skew an aligned backing buffer by one byte so the atomic words in the
	// root record would land on unaligned addresses.
	backing := make([]byte, 64+segment.WordAlign)
	base := int(uintptr(unsafe.Pointer(&backing[0])))
	skew := shmutils.AlignUp(base, segment.WordAlign) - base + 1

	_, err := segment.FromBytes(backing[skew:skew+64], 48)
	require.ErrorIs(t, err, shmutils.ErrInvalidArgument)
}

func TestOffsetPointerRoundTrip(t *testing.T) {
	seg, err := segment.FromBytes(make([]byte, 256), 48)
	require.NoError(t, err)

	ptr, err := seg.PointerOf(100)
	require.NoError(t, err)

	off, err := seg.OffsetOf(ptr)
	require.NoError(t, err)
	require.Equal(t, 100, off)
}

func TestOffsetOfRejectsForeignPointers(t *testing.T) {
	seg, err := segment.FromBytes(make([]byte, 256), 48)
	require.NoError(t, err)

	var local int
	_, err = seg.OffsetOf(unsafe.Pointer(&local))
	require.ErrorIs(t, err, shmutils.ErrUnknownPointer)
}

func TestPointerOfRejectsOutOfRangeOffsets(t *testing.T) {
	seg, err := segment.FromBytes(make([]byte, 256), 48)
	require.NoError(t, err)

	_, err = seg.PointerOf(257)
	require.ErrorIs(t, err, shmutils.ErrCorrupted)

	_, err = seg.PointerOf(-1)
	require.ErrorIs(t, err, shmutils.ErrCorrupted)
}

func TestOnePastEndIsAValidPayloadAddress(t *testing.T) {
	// A zero-capacity block flush against the segment end has the one-past-end
	// address as its payload, and that address must round-trip so the block
	// can be released.
	seg, err := segment.FromBytes(make([]byte, 256), 48)
	require.NoError(t, err)

	ptr, err := seg.PointerOf(256)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	off, err := seg.OffsetOf(ptr)
	require.NoError(t, err)
	require.Equal(t, 256, off)
}

func TestCheckRange(t *testing.T) {
	seg, err := segment.FromBytes(make([]byte, 256), 48)
	require.NoError(t, err)

	require.NoError(t, seg.CheckRange(0, 256))
	require.NoError(t, seg.CheckRange(255, 1))
	require.ErrorIs(t, seg.CheckRange(255, 2), shmutils.ErrCorrupted)
	require.ErrorIs(t, seg.CheckRange(-1, 4), shmutils.ErrCorrupted)
	require.ErrorIs(t, seg.CheckRange(0, -1), shmutils.ErrCorrupted)
}

func TestFieldCodec(t *testing.T) {
	seg, err := segment.FromBytes(make([]byte, 64), 48)
	require.NoError(t, err)

	seg.PutU32(8, 0xDEADBEEF)
	seg.PutU16(12, 0x1234)
	seg.PutU64(16, 0x0102030405060708)

	require.Equal(t, uint32(0xDEADBEEF), seg.ReadU32(8))
	require.Equal(t, uint16(0x1234), seg.ReadU16(12))
	require.Equal(t, uint64(0x0102030405060708), seg.ReadU64(16))

	// Little-endian on the wire: the low byte lands first.
	require.Equal(t, byte(0xEF), seg.Bytes(8, 1)[0])
}
