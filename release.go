package segalloc

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/shmwrapper/segalloc/metadata"
	"github.com/shmwrapper/segalloc/shmutils"
	"golang.org/x/exp/slog"
)

// Release returns the block behind the payload pointer to the segment.
//
// A nil pointer is logged as a warning and ignored. A pointer that does not lie
// where this arena's payloads can lie is reported as an unknown pointer; a
// pointer whose recovered header fails magic validation is reported as
// structural corruption; releasing an already-free block is reported as a
// double free. None of these failures mutate the chain.
//
// For a shared block with other outstanding holders, Release only decrements
// the refcount. The final Release frees the block and immediately coalesces it
// with any free neighbor on either side, so two adjacent free blocks never
// survive the call.
func (a *Arena) Release(ptr unsafe.Pointer) error {
	if ptr == nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "release of nil pointer ignored")
		return nil
	}

	// Header recovery is fixed offset arithmetic on the segment-relative
	// offset, never pointer subtraction against another process's addresses.
	payloadOffset, err := a.seg.OffsetOf(ptr)
	if err != nil {
		return err
	}
	if payloadOffset < metadata.RootOverhead+metadata.HeaderOverhead {
		return cerrors.Wrapf(shmutils.ErrUnknownPointer, "payload offset %d lies inside the segment root, no allocation can start there", payloadOffset)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	shmutils.DebugValidate(a.chain)

	h, err := a.chain.HeaderAt(payloadOffset - metadata.HeaderOverhead)
	if err != nil {
		return err
	}

	if h.Free {
		return cerrors.Wrapf(shmutils.ErrDoubleFree, "block at offset %d is already free", h.Offset)
	}

	if h.Refcount > 1 {
		h.Refcount--
		return a.chain.Update(h)
	}

	if h.OwnerID != 0 {
		a.ownerCache.Delete(h.OwnerID)
	}

	h.Free = true
	h.Refcount = 0
	h.OwnerID = 0
	if err = a.chain.Update(h); err != nil {
		return err
	}

	if err = a.coalesce(h); err != nil {
		return err
	}

	shmutils.DebugValidate(a.chain)
	return nil
}

// coalesce merges the freshly freed block with its previous neighbor, then with
// its next neighbor, whichever of the two are free. The surviving header is
// always the lowest-offset one.
func (a *Arena) coalesce(h metadata.Header) error {
	prev, ok, err := a.chain.PrevOf(h)
	if err != nil {
		return err
	}
	if ok && prev.Free {
		h, err = a.chain.MergeWithNext(prev)
		if err != nil {
			return err
		}
	}

	next, ok, err := a.chain.NextOf(h)
	if err != nil {
		return err
	}
	if ok && next.Free {
		if _, err = a.chain.MergeWithNext(h); err != nil {
			return err
		}
	}
	return nil
}
