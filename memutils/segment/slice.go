package segment

import (
	"unsafe"

	"github.com/vkngwrapper/brkalloc/memutils"
)

// sliceSegment is a Segment over memory from the Go heap. All of it is allocated up front, so
// nothing is committed lazily, but it is available on every platform.
type sliceSegment struct {
	buf    []byte
	brk    int
	closed bool
}

// NewSlice creates a Segment backed by a single Go slice of maxSize bytes
func NewSlice(maxSize int) (Segment, error) {
	err := checkSize(maxSize)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, maxSize+int(memutils.Alignment))
	addr := int(uintptr(unsafe.Pointer(&raw[0])))
	skip := memutils.AlignUp(addr, memutils.Alignment) - addr

	return &sliceSegment{buf: raw[skip : skip+maxSize : skip+maxSize]}, nil
}

func (s *sliceSegment) Base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(s.buf))
}

func (s *sliceSegment) Break() int { return s.brk }

func (s *sliceSegment) Size() int { return cap(s.buf) }

func (s *sliceSegment) Grow(delta int) (int, error) {
	if s.closed {
		return -1, ErrClosed
	}

	err := checkGrowth(s.brk, delta, cap(s.buf))
	if err != nil {
		return -1, err
	}

	prev := s.brk
	s.brk += delta
	return prev, nil
}

func (s *sliceSegment) Bytes() []byte {
	return s.buf[:s.brk:s.brk]
}

func (s *sliceSegment) Close() error {
	if s.closed {
		return ErrClosed
	}

	s.closed = true
	s.buf = nil
	s.brk = 0
	return nil
}
