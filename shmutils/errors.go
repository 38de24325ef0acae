package shmutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidArgument is the error kind reported when a caller passes a degenerate
	// parameter (nil segment, undersized segment, negative size) to the allocator.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOutOfSpace is the error kind reported when no free block is large enough to
	// satisfy an allocation and no block matches the requested owner id.
	ErrOutOfSpace = errors.New("out of space")
	// ErrCorrupted is the error kind reported when a header's magic tag does not match
	// before any of its other fields are trusted. The operation that detected the
	// mismatch is aborted and the chain is left untouched.
	ErrCorrupted = errors.New("structural corruption")
	// ErrDoubleFree is the error kind reported when a previously-valid block is
	// released while already free.
	ErrDoubleFree = errors.New("double free")
	// ErrUnknownPointer is the error kind reported when a released pointer was never
	// produced by the allocator managing the segment.
	ErrUnknownPointer = errors.New("unknown pointer")
)
