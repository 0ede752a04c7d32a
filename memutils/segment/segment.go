// Package segment provides the region of address space that a heap grows into. A Segment behaves like
// a private program break: the address space is reserved up front so it never moves, and the break is
// advanced one request at a time, committing memory as it goes.
package segment

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

var (
	// ErrSegmentExhausted is returned from Grow when the reservation cannot hold the requested bytes,
	// or when the operating system refuses to commit them
	ErrSegmentExhausted = errors.New("segment exhausted")
	// ErrNegativeGrowth is returned from Grow when asked to move the break backward
	ErrNegativeGrowth = errors.New("segment break cannot move backward")
	// ErrClosed is returned when a Segment is used after Close
	ErrClosed = errors.New("segment is closed")
)

//go:generate mockgen -source segment.go -destination ./mocks/segment.go -package mocks

// Segment is a contiguous, non-moving region of memory with a break: the offset below which memory is
// committed and usable. It is the only operating system dependency of the allocator.
type Segment interface {
	// Base returns the address at the start of the segment. It does not change for the life of the
	// segment and is aligned to at least memutils.Alignment.
	Base() unsafe.Pointer
	// Break returns the current break as an offset from Base.
	Break() int
	// Grow advances the break by exactly delta bytes and returns the break from before the call.
	// Growth either succeeds entirely or fails without moving the break.
	Grow(delta int) (int, error)
	// Size returns the number of bytes reserved for the segment. The break can never pass it.
	Size() int
	// Bytes returns the committed memory between Base and the break
	Bytes() []byte
	// Close releases the segment's memory. All pointers into the segment are invalid afterward.
	Close() error
}

func checkGrowth(brk, delta, size int) error {
	if delta < 0 {
		return errors.Wrapf(ErrNegativeGrowth, "requested delta %d", delta)
	}

	if delta > size-brk {
		return errors.Wrapf(ErrSegmentExhausted, "cannot grow break %d by %d bytes within %d reserved", brk, delta, size)
	}

	return nil
}

func checkSize(maxSize int) error {
	if maxSize <= 0 {
		return errors.Newf("segment size must be positive, but was %d", maxSize)
	}

	return nil
}
