package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrHeapExhausted is returned when the segment backing the heap refuses to grow. Errors carrying this
	// mark still wrap the underlying segment error.
	ErrHeapExhausted = errors.New("heap exhausted")
	// ErrInvalidPointer is returned when a pointer passed to Release or Resize does not belong to a live
	// block. It is only detected when pointer validation is active.
	ErrInvalidPointer = errors.New("pointer was not returned by this allocator or was already released")
	// ErrDirectoryInconsistency indicates that the block directory no longer agrees with the heap layout.
	ErrDirectoryInconsistency = errors.New("block directory is inconsistent with the heap")
	// ErrInvalidSize is returned when a negative size is requested
	ErrInvalidSize = errors.New("size must not be negative")
)
