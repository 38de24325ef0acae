package segalloc

import (
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/shmwrapper/segalloc/metadata"
	"github.com/shmwrapper/segalloc/shmutils"
)

// Acquire allocates size bytes from the segment and returns the process-local
// payload pointer together with the block's actual payload size.
//
// With ownerID 0 the block is private and every call yields a fresh block. With
// a nonzero ownerID, Acquire first looks for a live block already tagged with
// that id: on a hit it increments the block's refcount and returns the existing
// block, whose actual size is authoritative and may exceed the size requested
// here. Otherwise a new block is allocated and tagged.
//
// New blocks are placed best-fit: the free block with the smallest sufficient
// payload wins, ties going to the lowest offset. When the chosen block's
// surplus is too small to carve a usable remainder block out of, the whole
// block is allocated and the surplus becomes internal fragmentation. A
// zero-byte request is valid and yields a zero-capacity block that must still
// be released.
func (a *Arena) Acquire(ownerID uint32, size int) (unsafe.Pointer, int, error) {
	if size < 0 {
		return nil, 0, cerrors.Wrapf(shmutils.ErrInvalidArgument, "requested size %d is negative", size)
	}
	if int64(size) > math.MaxUint32 {
		return nil, 0, cerrors.Wrapf(shmutils.ErrInvalidArgument, "requested size %d exceeds the header size field", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	shmutils.DebugValidate(a.chain)

	if ownerID != 0 {
		if h, ok, err := a.findOwner(ownerID); err != nil {
			return nil, 0, err
		} else if ok {
			return a.join(h)
		}
	}

	candidate, ok, err := a.findBestFit(size)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, cerrors.Wrapf(shmutils.ErrOutOfSpace, "no free block can hold %d bytes", size)
	}

	return a.commit(candidate, ownerID, size)
}

// join adds one more holder to an existing named block.
func (a *Arena) join(h metadata.Header) (unsafe.Pointer, int, error) {
	if h.Refcount == math.MaxUint16 {
		return nil, 0, cerrors.Wrapf(shmutils.ErrInvalidArgument, "refcount for owner %d is saturated", h.OwnerID)
	}

	// Resolve the payload pointer before touching the chain: a failed
	// translation must not leave the refcount bumped.
	ptr, err := a.seg.PointerOf(h.PayloadOffset())
	if err != nil {
		return nil, 0, err
	}

	h.Refcount++
	if err = a.chain.Update(h); err != nil {
		return nil, 0, err
	}
	a.ownerCache.Put(h.OwnerID, uint32(h.Offset))
	return ptr, h.Size, nil
}

// findOwner locates the live block tagged with ownerID, if any. The
// process-local cache short-circuits the scan when its hint still names a valid
// header carrying the id; otherwise the chain is scanned in ascending offset
// order.
func (a *Arena) findOwner(ownerID uint32) (metadata.Header, bool, error) {
	if off, ok := a.ownerCache.Get(ownerID); ok {
		h, err := a.chain.HeaderAt(int(off))
		if err == nil && !h.Free && h.OwnerID == ownerID {
			return h, true, nil
		}
		// Stale hint: the block was freed or reused by another process.
		a.ownerCache.Delete(ownerID)
	}

	var found metadata.Header
	var ok bool
	err := a.chain.Visit(func(h metadata.Header) error {
		if !ok && !h.Free && h.OwnerID == ownerID {
			found = h
			ok = true
		}
		return nil
	})
	if err != nil {
		return metadata.Header{}, false, err
	}
	return found, ok, nil
}

// findBestFit scans the whole chain for the free block with the smallest
// payload that still holds size bytes. The ascending scan with a strict
// improvement test makes ties deterministic: the lowest offset wins.
func (a *Arena) findBestFit(size int) (metadata.Header, bool, error) {
	var best metadata.Header
	var ok bool
	err := a.chain.Visit(func(h metadata.Header) error {
		if h.Free && h.Size >= size && (!ok || h.Size < best.Size) {
			best = h
			ok = true
		}
		return nil
	})
	if err != nil {
		return metadata.Header{}, false, err
	}
	return best, ok, nil
}

// commit turns the free candidate into an allocated block, splitting off a free
// remainder when the surplus can hold a header plus at least one payload byte.
// The smaller surplus is deliberately left attached as internal fragmentation:
// a remainder with an empty payload could satisfy nothing but zero-byte
// requests.
func (a *Arena) commit(candidate metadata.Header, ownerID uint32, size int) (unsafe.Pointer, int, error) {
	// Resolve the payload pointer before touching the chain: a failed
	// translation must not leave the block allocated. For a zero-capacity block
	// at the segment end this is the one-past-end address.
	ptr, err := a.seg.PointerOf(candidate.PayloadOffset())
	if err != nil {
		return nil, 0, err
	}

	split := candidate.Size-size >= metadata.HeaderOverhead+1

	if split {
		remainder := metadata.Header{
			Offset:   candidate.Offset + metadata.HeaderOverhead + size,
			Size:     candidate.Size - size - metadata.HeaderOverhead,
			OwnerID:  0,
			Refcount: 0,
			Free:     true,
		}
		candidate.Size = size
		candidate.OwnerID = ownerID
		candidate.Refcount = 1
		candidate.Free = false

		candidate, err = a.chain.SpliceAfter(candidate, remainder)
		if err != nil {
			return nil, 0, err
		}
	} else {
		candidate.OwnerID = ownerID
		candidate.Refcount = 1
		candidate.Free = false

		if err = a.chain.Update(candidate); err != nil {
			return nil, 0, err
		}
	}

	if ownerID != 0 {
		a.ownerCache.Put(ownerID, uint32(candidate.Offset))
	}

	shmutils.DebugValidate(a.chain)
	return ptr, candidate.Size, nil
}
