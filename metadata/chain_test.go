package metadata_test

import (
	"math"
	"testing"

	"github.com/shmwrapper/segalloc/metadata"
	"github.com/shmwrapper/segalloc/segment"
	"github.com/shmwrapper/segalloc/shmutils"
	"github.com/stretchr/testify/require"
)

func newChain(t *testing.T, size int) (*metadata.Chain, *segment.Segment) {
	seg, err := segment.FromBytes(make([]byte, size), metadata.RootOverhead+metadata.HeaderOverhead)
	require.NoError(t, err)

	chain := metadata.NewChain(seg)
	require.NoError(t, chain.Init())
	return chain, seg
}

// splitFree mimics the allocator's split: the first free header large enough
// becomes an allocated block of the given payload size and a free remainder is
// spliced in after it.
func splitFree(t *testing.T, chain *metadata.Chain, size int) (metadata.Header, metadata.Header) {
	var head metadata.Header
	found := false
	require.NoError(t, chain.Visit(func(h metadata.Header) error {
		if !found && h.Free && h.Size >= size+metadata.HeaderOverhead+1 {
			head = h
			found = true
		}
		return nil
	}))
	require.True(t, found, "no free header can hold %d bytes plus a remainder", size)

	remainder := metadata.Header{
		Offset: head.Offset + metadata.HeaderOverhead + size,
		Size:   head.Size - size - metadata.HeaderOverhead,
		Free:   true,
	}
	head.Size = size
	head.Free = false
	head.Refcount = 1

	head, err := chain.SpliceAfter(head, remainder)
	require.NoError(t, err)

	remainder, err = chain.HeaderAt(remainder.Offset)
	require.NoError(t, err)
	return head, remainder
}

func TestInitProducesSingleSpanningHeader(t *testing.T) {
	chain, seg := newChain(t, 1000)

	first, err := chain.First()
	require.NoError(t, err)
	require.Equal(t, metadata.RootOverhead, first.Offset)
	require.Equal(t, seg.Size()-metadata.RootOverhead-metadata.HeaderOverhead, first.Size)
	require.True(t, first.Free)
	require.False(t, first.HasPrev())
	require.False(t, first.HasNext())
	require.Equal(t, uint16(0), first.Refcount)

	require.NoError(t, chain.Validate())

	empty, err := chain.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestHeaderAtValidatesMagicBeforeAnythingElse(t *testing.T) {
	chain, seg := newChain(t, 1000)

	// Stamp garbage over the first header's magic.
	seg.PutU32(metadata.RootOverhead, 0x0BADF00D)

	_, err := chain.First()
	require.ErrorIs(t, err, shmutils.ErrCorrupted)

	// The traversal-based operations report the same failure.
	require.ErrorIs(t, chain.CheckCorruption(), shmutils.ErrCorrupted)
}

func TestHeaderAtRejectsOversizedPayload(t *testing.T) {
	chain, seg := newChain(t, 1000)

	first, err := chain.First()
	require.NoError(t, err)

	// Corrupt the size field directly; the stored payload now escapes the
	// segment and must not be trusted.
	seg.PutU32(first.Offset+4, uint32(seg.Size()))

	_, err = chain.First()
	require.ErrorIs(t, err, shmutils.ErrCorrupted)
}

func TestSpliceAfterLinksBothDirections(t *testing.T) {
	chain, _ := newChain(t, 1000)

	head, remainder := splitFree(t, chain, 100)
	require.Equal(t, uint32(remainder.Offset), head.Next)
	require.Equal(t, uint32(head.Offset), remainder.Prev)
	require.False(t, remainder.HasNext())

	require.NoError(t, chain.Validate())

	next, ok, err := chain.NextOf(head)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, remainder.Offset, next.Offset)

	prev, ok, err := chain.PrevOf(next)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, head.Offset, prev.Offset)
}

func TestMergeWithNextDestroysTheAbsorbedIdentity(t *testing.T) {
	chain, _ := newChain(t, 1000)

	head, remainder := splitFree(t, chain, 100)

	// Free the head again and merge the two blocks back together.
	head.Free = true
	head.Refcount = 0
	require.NoError(t, chain.Update(head))

	merged, err := chain.MergeWithNext(head)
	require.NoError(t, err)
	require.Equal(t, head.Offset, merged.Offset)
	require.Equal(t, 100+metadata.HeaderOverhead+remainder.Size, merged.Size)
	require.False(t, merged.HasNext())

	// The absorbed header's magic was erased; its old offset no longer
	// decodes as a header.
	_, err = chain.HeaderAt(remainder.Offset)
	require.ErrorIs(t, err, shmutils.ErrCorrupted)

	require.NoError(t, chain.Validate())
}

func TestRemoveUnlinks(t *testing.T) {
	chain, _ := newChain(t, 1000)

	head, _ := splitFree(t, chain, 100)
	middle, tail := splitFree(t, chain, 50)
	require.Equal(t, uint32(middle.Offset), head.Next)

	// Removing the middle header leaves its space unaccounted for, which is
	// the caller's responsibility; here we only verify the relinking.
	require.NoError(t, chain.Remove(middle))

	head, err := chain.HeaderAt(head.Offset)
	require.NoError(t, err)
	require.Equal(t, uint32(tail.Offset), head.Next)

	tail, err = chain.HeaderAt(tail.Offset)
	require.NoError(t, err)
	require.Equal(t, uint32(head.Offset), tail.Prev)

	_, err = chain.HeaderAt(middle.Offset)
	require.ErrorIs(t, err, shmutils.ErrCorrupted)
}

func TestValidateDetectsAdjacentFreeBlocks(t *testing.T) {
	chain, _ := newChain(t, 1000)

	head, _ := splitFree(t, chain, 100)

	// Mark the head free without coalescing: two free neighbors in a row.
	head.Free = true
	head.Refcount = 0
	require.NoError(t, chain.Update(head))

	err := chain.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "both free")
}

func TestValidateDetectsBrokenPartition(t *testing.T) {
	chain, seg := newChain(t, 1000)

	head, _ := splitFree(t, chain, 100)

	// Shrink the allocated head's stored size; its payload no longer ends at
	// the next header.
	seg.PutU32(head.Offset+4, 99)

	err := chain.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "gap or overlap")
}

func TestStatisticsAccumulation(t *testing.T) {
	chain, seg := newChain(t, 1000)

	var stats shmutils.DetailedStatistics
	stats.Clear()
	require.NoError(t, chain.AddDetailedStatistics(&stats))

	freeSize := seg.Size() - metadata.RootOverhead - metadata.HeaderOverhead
	require.Equal(t, shmutils.DetailedStatistics{
		Statistics: shmutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: freeSize,
		UnusedRangeSizeMax: freeSize,
	}, stats)

	_, remainder := splitFree(t, chain, 100)

	stats.Clear()
	require.NoError(t, chain.AddDetailedStatistics(&stats))
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 100, stats.AllocationBytes)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, remainder.Size, stats.UnusedRangeSizeMax)
}

func TestRootRecordRoundTrip(t *testing.T) {
	seg, err := segment.FromBytes(make([]byte, 1000), metadata.RootOverhead+metadata.HeaderOverhead)
	require.NoError(t, err)

	require.False(t, metadata.RootInitialized(seg))

	metadata.WriteRoot(seg)
	require.True(t, metadata.RootInitialized(seg))
	require.NoError(t, metadata.ValidateRoot(seg))

	// A shorter mapping of the same segment is rejected.
	shorter, err := segment.FromBytes(seg.Bytes(0, 999), metadata.RootOverhead+metadata.HeaderOverhead)
	require.NoError(t, err)
	require.ErrorIs(t, metadata.ValidateRoot(shorter), shmutils.ErrCorrupted)
}
