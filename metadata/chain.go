package metadata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/shmwrapper/segalloc/segment"
	"github.com/shmwrapper/segalloc/shmutils"
)

// Chain is the ordered set of block headers spanning the usable region of the
// segment, linked by offsets. Headers, taken in ascending offset order, exactly
// partition [RootOverhead, segment size): each header's payload ends where the
// next header begins.
//
// Chain performs no locking of its own. Callers serialize all traversal and
// mutation through the segment's process-shared mutex.
type Chain struct {
	seg *segment.Segment
}

func NewChain(seg *segment.Segment) *Chain {
	return &Chain{seg: seg}
}

// Init writes the initial chain onto a freshly stamped segment: one free header
// spanning the entire usable region.
func (c *Chain) Init() error {
	first := Header{
		Offset:   RootOverhead,
		Size:     c.seg.Size() - RootOverhead - HeaderOverhead,
		Prev:     NoOffset,
		Next:     NoOffset,
		OwnerID:  0,
		Refcount: 0,
		Free:     true,
	}
	return c.Update(first)
}

// HeaderAt decodes the header record at the given segment offset. The magic tag
// is validated before any other field is read, and the payload size is checked
// against the segment bounds before it is trusted, so a stale or overwritten
// record is reported as structural corruption instead of steering later offset
// arithmetic out of the segment.
func (c *Chain) HeaderAt(off int) (Header, error) {
	var h Header

	if err := c.seg.CheckRange(off, HeaderOverhead); err != nil {
		return h, err
	}
	if magic := c.seg.ReadU32(off + headerMagicOffset); magic != HeaderMagic {
		return h, cerrors.Wrapf(shmutils.ErrCorrupted, "header magic at offset %d is %#08x, want %#08x", off, magic, HeaderMagic)
	}

	size := int(c.seg.ReadU32(off + headerSizeOffset))
	if err := c.seg.CheckRange(off+HeaderOverhead, size); err != nil {
		return h, cerrors.Wrapf(err, "header at offset %d claims a %d-byte payload", off, size)
	}

	h.Offset = off
	h.Size = size
	h.Prev = c.seg.ReadU32(off + headerPrevOffset)
	h.Next = c.seg.ReadU32(off + headerNextOffset)
	h.OwnerID = c.seg.ReadU32(off + headerOwnerOffset)
	h.Refcount = c.seg.ReadU16(off + headerRefcountOffset)
	h.Free = c.seg.ReadU16(off+headerFlagsOffset)&flagFree != 0
	return h, nil
}

// Update writes the header record back to the segment, restamping the magic
// tag. Every creation, resize, and state change goes through here.
func (c *Chain) Update(h Header) error {
	if err := c.seg.CheckRange(h.Offset, HeaderOverhead+h.Size); err != nil {
		return err
	}

	c.seg.PutU32(h.Offset+headerMagicOffset, HeaderMagic)
	c.seg.PutU32(h.Offset+headerSizeOffset, uint32(h.Size))
	c.seg.PutU32(h.Offset+headerPrevOffset, h.Prev)
	c.seg.PutU32(h.Offset+headerNextOffset, h.Next)
	c.seg.PutU32(h.Offset+headerOwnerOffset, h.OwnerID)
	c.seg.PutU16(h.Offset+headerRefcountOffset, h.Refcount)

	var flags uint16
	if h.Free {
		flags |= flagFree
	}
	c.seg.PutU16(h.Offset+headerFlagsOffset, flags)
	return nil
}

// First returns the header at the lowest offset. The chain always contains at
// least one header once initialized.
func (c *Chain) First() (Header, error) {
	return c.HeaderAt(RootOverhead)
}

// NextOf returns the header following h in ascending offset order. The second
// return value is false when h is the last header.
func (c *Chain) NextOf(h Header) (Header, bool, error) {
	if !h.HasNext() {
		return Header{}, false, nil
	}
	next, err := c.HeaderAt(int(h.Next))
	return next, err == nil, err
}

// PrevOf returns the header preceding h in ascending offset order. The second
// return value is false when h is the first header.
func (c *Chain) PrevOf(h Header) (Header, bool, error) {
	if !h.HasPrev() {
		return Header{}, false, nil
	}
	prev, err := c.HeaderAt(int(h.Prev))
	return prev, err == nil, err
}

// maxHeaders bounds traversal. A valid chain can never hold more headers than
// fit in the usable region, so exceeding it means the links cycle.
func (c *Chain) maxHeaders() int {
	return (c.seg.Size()-RootOverhead)/HeaderOverhead + 1
}

// Visit calls fn once per header in ascending offset order. Traversal stops at
// the first error, including corruption detected while decoding a header.
func (c *Chain) Visit(fn func(h Header) error) error {
	h, err := c.First()
	if err != nil {
		return err
	}

	for count := 0; ; count++ {
		if count > c.maxHeaders() {
			return cerrors.Wrapf(shmutils.ErrCorrupted, "chain traversal exceeded %d headers, links must cycle", c.maxHeaders())
		}

		if err = fn(h); err != nil {
			return err
		}

		next, ok, err := c.NextOf(h)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		h = next
	}
}

// SpliceAfter links a newly created header into the chain immediately after h
// and stamps its record. It returns h with its forward link updated.
func (c *Chain) SpliceAfter(h Header, newHeader Header) (Header, error) {
	if err := c.seg.CheckRange(newHeader.Offset, HeaderOverhead+newHeader.Size); err != nil {
		return h, err
	}

	newHeader.Prev = uint32(h.Offset)
	newHeader.Next = h.Next

	if h.HasNext() {
		next, err := c.HeaderAt(int(h.Next))
		if err != nil {
			return h, err
		}
		next.Prev = uint32(newHeader.Offset)
		if err = c.Update(next); err != nil {
			return h, err
		}
	}

	h.Next = uint32(newHeader.Offset)
	if err := c.Update(newHeader); err != nil {
		return h, err
	}
	if err := c.Update(h); err != nil {
		return h, err
	}
	return h, nil
}

// Remove unlinks h from the chain and erases its magic tag so the dead record
// can never pass validation again. The space h occupied is the caller's to
// account for; merging it into a neighbor is the caller's responsibility.
func (c *Chain) Remove(h Header) error {
	if h.HasPrev() {
		prev, err := c.HeaderAt(int(h.Prev))
		if err != nil {
			return err
		}
		prev.Next = h.Next
		if err = c.Update(prev); err != nil {
			return err
		}
	}

	if h.HasNext() {
		next, err := c.HeaderAt(int(h.Next))
		if err != nil {
			return err
		}
		next.Prev = h.Prev
		if err = c.Update(next); err != nil {
			return err
		}
	}

	c.seg.PutU32(h.Offset+headerMagicOffset, 0)
	return nil
}

// MergeWithNext absorbs h's successor into h: h's payload grows by the
// successor's payload plus its header overhead, the successor's identity is
// destroyed, and the updated h is returned.
func (c *Chain) MergeWithNext(h Header) (Header, error) {
	next, err := c.HeaderAt(int(h.Next))
	if err != nil {
		return h, err
	}

	h.Size += HeaderOverhead + next.Size
	h.Next = next.Next

	if next.HasNext() {
		afterNext, err := c.HeaderAt(int(next.Next))
		if err != nil {
			return h, err
		}
		afterNext.Prev = uint32(h.Offset)
		if err = c.Update(afterNext); err != nil {
			return h, err
		}
	}

	c.seg.PutU32(next.Offset+headerMagicOffset, 0)

	if err = c.Update(h); err != nil {
		return h, err
	}
	return h, nil
}

// Validate performs a full structural audit of the chain. When the allocator is
// functioning correctly this can only fail if the shared segment was damaged,
// but it pins down exactly which invariant broke and where.
func (c *Chain) Validate() error {
	off := RootOverhead
	prevOffset := NoOffset
	prevFree := false

	for count := 0; ; count++ {
		if count > c.maxHeaders() {
			return errors.Errorf("chain holds more than %d headers, links must cycle", c.maxHeaders())
		}

		h, err := c.HeaderAt(off)
		if err != nil {
			return err
		}

		if h.Prev != prevOffset {
			return errors.Errorf("header at offset %d stores previous offset %d, but the preceding header is at %d", off, h.Prev, prevOffset)
		}

		if h.Free {
			if h.Refcount != 0 {
				return errors.Errorf("free header at offset %d has refcount %d, free blocks must have refcount 0", off, h.Refcount)
			}
			if prevFree {
				return errors.Errorf("headers at offsets %d and %d are both free, adjacent free blocks must have been coalesced", prevOffset, off)
			}
		} else if h.Refcount < 1 {
			return errors.Errorf("allocated header at offset %d has refcount %d, live blocks must have refcount >= 1", off, h.Refcount)
		}

		if !h.HasNext() {
			if h.End() != c.seg.Size() {
				return errors.Errorf("last header's payload ends at offset %d, but the segment is %d bytes: the chain does not partition the segment", h.End(), c.seg.Size())
			}
			return nil
		}

		if int(h.Next) != h.End() {
			return errors.Errorf("header at offset %d ends at %d but links to a next header at %d: the chain has a gap or overlap", off, h.End(), h.Next)
		}

		prevOffset = uint32(h.Offset)
		prevFree = h.Free
		off = int(h.Next)
	}
}

// CheckCorruption walks every header verifying its magic tag and size bounds,
// reporting the first damaged record. Unlike Validate it does not audit the
// link and partition invariants, making it the cheaper routine sweep.
func (c *Chain) CheckCorruption() error {
	return c.Visit(func(h Header) error { return nil })
}

// AddDetailedStatistics sums this chain's block statistics into stats.
func (c *Chain) AddDetailedStatistics(stats *shmutils.DetailedStatistics) error {
	stats.BlockCount++
	stats.BlockBytes += c.seg.Size()

	return c.Visit(func(h Header) error {
		if h.Free {
			stats.AddUnusedRange(h.Size)
		} else {
			stats.AddAllocation(h.Size)
		}
		return nil
	})
}

// AddStatistics sums this chain's block statistics into stats.
func (c *Chain) AddStatistics(stats *shmutils.Statistics) error {
	var detailed shmutils.DetailedStatistics
	detailed.Clear()

	if err := c.AddDetailedStatistics(&detailed); err != nil {
		return err
	}

	stats.BlockCount += detailed.BlockCount
	stats.AllocationCount += detailed.AllocationCount
	stats.BlockBytes += detailed.BlockBytes
	stats.AllocationBytes += detailed.AllocationBytes
	return nil
}

// SumFreeSize returns the number of free payload bytes in the chain.
func (c *Chain) SumFreeSize() (int, error) {
	var total int
	err := c.Visit(func(h Header) error {
		if h.Free {
			total += h.Size
		}
		return nil
	})
	return total, err
}

// AllocationCount returns the number of live allocations in the chain.
func (c *Chain) AllocationCount() (int, error) {
	var count int
	err := c.Visit(func(h Header) error {
		if !h.Free {
			count++
		}
		return nil
	})
	return count, err
}

// FreeRegionsCount returns the number of distinct free blocks in the chain.
func (c *Chain) FreeRegionsCount() (int, error) {
	var count int
	err := c.Visit(func(h Header) error {
		if h.Free {
			count++
		}
		return nil
	})
	return count, err
}

// IsEmpty reports whether the chain has collapsed back to a single free header.
func (c *Chain) IsEmpty() (bool, error) {
	first, err := c.First()
	if err != nil {
		return false, err
	}
	return first.Free && !first.HasNext(), nil
}

// BlockJsonData populates a json object with summary information about this chain
func (c *Chain) BlockJsonData(json *jwriter.ObjectState) error {
	var stats shmutils.DetailedStatistics
	stats.Clear()

	if err := c.AddDetailedStatistics(&stats); err != nil {
		return err
	}

	json.Name("TotalBytes").Int(c.seg.Size())
	json.Name("UnusedBytes").Int(stats.BlockBytes - stats.AllocationBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
	return nil
}
