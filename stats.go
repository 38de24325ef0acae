package segalloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/shmwrapper/segalloc/metadata"
	"github.com/shmwrapper/segalloc/shmutils"
)

// AddStatistics sums the segment's allocation statistics into stats.
func (a *Arena) AddStatistics(stats *shmutils.Statistics) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.AddStatistics(stats)
}

// AddDetailedStatistics sums the segment's allocation statistics, including
// unused-range and allocation size extremes, into stats.
func (a *Arena) AddDetailedStatistics(stats *shmutils.DetailedStatistics) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.AddDetailedStatistics(stats)
}

// Validate performs a full structural audit of the shared chain. When every
// attached process is functioning correctly this cannot fail, but it pins down
// exactly which invariant broke and where when the segment has been damaged.
func (a *Arena) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.Validate()
}

// CheckCorruption sweeps every header's magic tag and size bounds, reporting
// the first damaged record. Cheaper than Validate; suitable as a routine check.
func (a *Arena) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.CheckCorruption()
}

// VisitAllRegions calls the provided callback once per block, allocated or
// free, in ascending offset order. This is a diagnostic aid; the chain is
// locked for the whole traversal.
func (a *Arena) VisitAllRegions(handleBlock func(offset, size int, ownerID uint32, refcount int, free bool) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.Visit(func(h metadata.Header) error {
		return handleBlock(h.PayloadOffset(), h.Size, h.OwnerID, int(h.Refcount), h.Free)
	})
}

// SumFreeSize returns the number of free payload bytes in the segment.
func (a *Arena) SumFreeSize() (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.SumFreeSize()
}

// AllocationCount returns the number of live blocks in the segment.
func (a *Arena) AllocationCount() (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.AllocationCount()
}

// FreeRegionsCount returns the number of distinct free blocks in the segment.
func (a *Arena) FreeRegionsCount() (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.FreeRegionsCount()
}

// IsEmpty reports whether the segment holds no live allocations.
func (a *Arena) IsEmpty() (bool, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.chain.IsEmpty()
}

// BuildStatsString streams a JSON description of the segment - the summary
// counters followed by every block in ascending offset order - into the
// provided writer.
func (a *Arena) BuildStatsString(writer *jwriter.Writer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	if err := a.chain.BlockJsonData(&objState); err != nil {
		return err
	}

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	return a.chain.Visit(func(h metadata.Header) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(h.Offset)
		obj.Name("Size").Int(h.Size)
		if h.Free {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocated")
			obj.Name("OwnerID").Int(int(h.OwnerID))
			obj.Name("Refcount").Int(int(h.Refcount))
		}
		return nil
	})
}
