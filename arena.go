// Package segalloc implements a dynamic memory allocator that lives entirely
// inside one fixed-size shared byte segment. Multiple independent processes map
// the same physical segment at different virtual addresses and allocate from it
// concurrently; all cross-process metadata is expressed as segment-relative
// offsets, and all mutation is serialized by a mutex whose state is itself
// stored in the segment.
//
// Blocks are either private (every Acquire returns a fresh block) or named:
// processes that pass the same nonzero owner id rendezvous on one shared block,
// which is reference counted and only freed by the final Release.
package segalloc

import (
	"context"
	"sync/atomic"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/shmwrapper/segalloc/internal/seglock"
	"github.com/shmwrapper/segalloc/metadata"
	"github.com/shmwrapper/segalloc/segment"
	"github.com/shmwrapper/segalloc/shmutils"
	"golang.org/x/exp/slog"
)

// MinSegmentSize is the smallest buffer Open accepts: the root record plus one
// block header. A segment this small can only ever hold zero-byte payloads.
const MinSegmentSize = metadata.RootOverhead + metadata.HeaderOverhead

// ArenaOptions configures Open.
type ArenaOptions struct {
	// Logger receives warnings and diagnostics. When nil, slog.Default() is used.
	Logger *slog.Logger
}

// Arena is a per-process handle onto one shared segment. The handle itself is
// process-local state (logger, rendezvous cache); everything the processes
// share lives in the segment. An Arena's methods may be called from multiple
// goroutines, which contend on the same process-shared mutex as foreign
// processes do.
type Arena struct {
	seg    *segment.Segment
	chain  *metadata.Chain
	mutex  *seglock.Mutex
	logger *slog.Logger

	// Process-local cache mapping owner ids to the header offset they resolved
	// to last time. Entries are hints only: another process may have freed the
	// block since, so every hit is revalidated against the shared header before
	// being trusted.
	ownerCache *swiss.Map[uint32, uint32]
}

// Open wraps a shared buffer in an Arena, initializing the segment if this
// process is the first to arrive and attaching to the existing structure
// otherwise.
//
// Exactly one process performs initialization: arrivals race on an atomic
// compare-and-swap of the initialization state word, the winner stamps the root
// record and the first header, and everyone else waits for it to publish
// readiness. An already-initialized segment is never re-initialized - doing so
// would destroy every other process's live allocations - so a buffer whose root
// record is recognizably present but damaged is reported as corruption rather
// than recycled.
//
// A fresh segment must be zero-filled, which is what POSIX shared memory
// provides. Nonzero garbage where the root record belongs is indistinguishable
// from a damaged live segment and is treated as such.
func Open(buf []byte, options ArenaOptions) (*Arena, error) {
	seg, err := segment.FromBytes(buf, MinSegmentSize)
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Arena{
		seg:        seg,
		chain:      metadata.NewChain(seg),
		mutex:      seglock.New(seg.WordPointer(metadata.LockWordOffset)),
		logger:     logger,
		ownerCache: swiss.NewMap[uint32, uint32](8),
	}

	if err = a.initOrAttach(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) initOrAttach() error {
	state := a.seg.WordPointer(metadata.InitWordOffset)

	if !metadata.RootInitialized(a.seg) &&
		atomic.CompareAndSwapUint32(state, metadata.InitStateRaw, metadata.InitStateInitializing) {

		// We won the election. Zero the lock word before anything can contend
		// on it, then lay down the root and the single free header spanning
		// the usable region.
		atomic.StoreUint32(a.seg.WordPointer(metadata.LockWordOffset), 0)
		metadata.WriteRoot(a.seg)
		if err := a.chain.Init(); err != nil {
			return err
		}
		atomic.StoreUint32(state, metadata.InitStateReady)

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "initialized shared segment",
			slog.Int("size", a.seg.Size()))
		return nil
	}

	return a.attach(state)
}

// attach waits for the initializing process, if one is still at work, then
// validates the root record before trusting the segment.
func (a *Arena) attach(state *uint32) error {
	for {
		switch atomic.LoadUint32(state) {
		case metadata.InitStateReady:
			return metadata.ValidateRoot(a.seg)
		case metadata.InitStateInitializing:
			time.Sleep(10 * time.Microsecond)
		case metadata.InitStateRaw:
			// The sentinel says initialized but the state word says raw: half
			// of the root survived whatever happened to this buffer.
			return cerrors.Wrap(shmutils.ErrCorrupted, "root sentinel is present but the initialization state word is raw")
		default:
			return cerrors.Wrapf(shmutils.ErrCorrupted, "initialization state word holds %d, which is not a known state", atomic.LoadUint32(state))
		}
	}
}

// Close audits the chain for allocations this or any process never released,
// logging each one and returning an error if any were found. It does not tear
// down the segment - the backing memory belongs to whoever created it, and
// other processes may still be attached.
func (a *Arena) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var leaked int
	err := a.chain.Visit(func(h metadata.Header) error {
		if h.Free {
			return nil
		}
		leaked++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "unreleased block at close",
			slog.Int("offset", h.Offset),
			slog.Int("size", h.Size),
			slog.Uint64("ownerID", uint64(h.OwnerID)),
			slog.Uint64("refcount", uint64(h.Refcount)),
		)
		return nil
	})
	if err != nil {
		return err
	}

	if leaked != 0 {
		return cerrors.Newf("%d blocks were still allocated when the arena was closed", leaked)
	}
	return nil
}
