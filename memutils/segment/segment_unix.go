//go:build unix

package segment

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// The slice covers the entire mapping:
//   - len(buf) is the already committed memory,
//   - cap(buf) is the reserved address space, which is max rounded up to a page.
type mmapSegment struct {
	buf []byte
	brk int
	max int
}

// New reserves maxSize bytes of address space and returns a Segment that commits it as the break
// advances. The reservation itself does not commit memory.
func New(maxSize int) (Segment, error) {
	err := checkSize(maxSize)
	if err != nil {
		return nil, err
	}

	rnd := pageSize - 1
	reserved := (maxSize + rnd) &^ rnd

	// A protected, private, anonymous mapping should not commit memory.
	b, err := unix.Mmap(-1, 0, reserved, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes for segment", reserved)
	}

	return &mmapSegment{buf: b[:0], max: maxSize}, nil
}

func (m *mmapSegment) Base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m.buf))
}

func (m *mmapSegment) Break() int { return m.brk }

func (m *mmapSegment) Size() int { return m.max }

func (m *mmapSegment) Grow(delta int) (int, error) {
	if m.buf == nil {
		return -1, ErrClosed
	}

	err := checkGrowth(m.brk, delta, m.max)
	if err != nil {
		return -1, err
	}

	end := m.brk + delta
	committed := len(m.buf)
	if committed < end {
		// Round up to the page size.
		rnd := pageSize - 1
		newCommitted := (end + rnd) &^ rnd

		err = unix.Mprotect(m.buf[committed:newCommitted], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return -1, errors.Mark(errors.Wrapf(err, "failed to commit %d bytes", newCommitted-committed), ErrSegmentExhausted)
		}

		m.buf = m.buf[:newCommitted]
	}

	prev := m.brk
	m.brk = end
	return prev, nil
}

func (m *mmapSegment) Bytes() []byte {
	return m.buf[:m.brk:m.brk]
}

func (m *mmapSegment) Close() error {
	if m.buf == nil {
		return ErrClosed
	}

	err := unix.Munmap(m.buf[:cap(m.buf)])
	if err != nil {
		return errors.Wrap(err, "failed to release segment")
	}

	m.buf = nil
	m.brk = 0
	return nil
}
