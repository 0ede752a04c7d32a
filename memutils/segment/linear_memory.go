package segment

import (
	"github.com/cockroachdb/errors"
	"github.com/tetratelabs/wazero/experimental"
)

var errInvalidReallocation = errors.New("invalid reallocation")

// NewMemoryAllocator returns a wazero MemoryAllocator whose guest memories are native segments.
// Because a segment reserves its full size up front, guest memory never moves as it grows.
func NewMemoryAllocator() experimental.MemoryAllocator {
	return experimental.MemoryAllocatorFunc(func(cap, max uint64) experimental.LinearMemory {
		seg, err := New(int(max))
		if err != nil {
			panic(errors.Wrap(err, "failed to reserve linear memory"))
		}

		mem := &linearMemory{segment: seg}
		mem.Reallocate(cap)
		return mem
	})
}

// linearMemory exposes a Segment's break as a wazero LinearMemory: reallocating moves the break
// forward to the requested size.
type linearMemory struct {
	segment Segment
}

func (m *linearMemory) Reallocate(size uint64) []byte {
	if size > uint64(m.segment.Size()) {
		panic(errInvalidReallocation)
	}

	brk := m.segment.Break()
	if int(size) > brk {
		_, err := m.segment.Grow(int(size) - brk)
		if err != nil {
			panic(errors.Wrapf(err, "failed to grow linear memory to %d bytes", size))
		}
	}

	return m.segment.Bytes()[:size]
}

func (m *linearMemory) Free() {
	err := m.segment.Close()
	if err != nil {
		panic(err)
	}
}
