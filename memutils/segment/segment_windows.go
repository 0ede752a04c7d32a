//go:build windows

package segment

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// https://cs.opensource.google/go/x/sys/+/refs/tags/v0.20.0:windows/syscall_windows.go;l=131
const pageSize = 4096

// The slice covers the entire reservation:
//   - len(buf) is the already committed memory,
//   - cap(buf) is the reserved address space, which is max rounded up to a page.
type virtualSegment struct {
	buf  []byte
	addr uintptr
	brk  int
	max  int
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

	addr, err := windows.VirtualAlloc(0, uintptr(reserved), windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes for segment", reserved)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), reserved)
	return &virtualSegment{buf: buf[:0], addr: addr, max: maxSize}, nil
}

func (m *virtualSegment) Base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m.buf))
}

func (m *virtualSegment) Break() int { return m.brk }

func (m *virtualSegment) Size() int { return m.max }

func (m *virtualSegment) Grow(delta int) (int, error) {
	if m.addr == 0 {
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

		_, err = windows.VirtualAlloc(m.addr, uintptr(newCommitted), windows.MEM_COMMIT, windows.PAGE_READWRITE)
		if err != nil {
			return -1, errors.Mark(errors.Wrapf(err, "failed to commit %d bytes", newCommitted-committed), ErrSegmentExhausted)
		}

		m.buf = m.buf[:newCommitted]
	}

	prev := m.brk
	m.brk = end
	return prev, nil
}

func (m *virtualSegment) Bytes() []byte {
	return m.buf[:m.brk:m.brk]
}

func (m *virtualSegment) Close() error {
	if m.addr == 0 {
		return ErrClosed
	}

	err := windows.VirtualFree(m.addr, 0, windows.MEM_RELEASE)
	if err != nil {
		return errors.Wrap(err, "failed to release segment")
	}

	m.addr = 0
	m.buf = nil
	m.brk = 0
	return nil
}
