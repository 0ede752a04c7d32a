package metadata

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
)

// Directory is the singly linked list of every block ever carved from a heap, free or taken. Blocks
// are linked in ascending address order, which is also the order they sit in the segment, so the last
// block in the directory is always the one adjacent to the break.
//
// Directory does no locking of its own.
type Directory struct {
	segment segment.Segment
	base    unsafe.Pointer
	anchor  BlockHandle
}

// NewDirectory creates an empty Directory over the provided segment. No memory is taken from the
// segment until the first block is requested.
func NewDirectory(seg segment.Segment) *Directory {
	return &Directory{
		segment: seg,
		base:    seg.Base(),
		anchor:  NoBlock,
	}
}

func (d *Directory) header(h BlockHandle) *blockHeader {
	return (*blockHeader)(unsafe.Add(d.base, int(h)))
}

// Anchor returns the first block in the directory, or NoBlock if no block has been carved yet
func (d *Directory) Anchor() BlockHandle { return d.anchor }

// IsEmpty returns true until the anchor has been placed
func (d *Directory) IsEmpty() bool { return d.anchor == NoBlock }

// Size returns the payload size of the block
func (d *Directory) Size(h BlockHandle) int {
	return int(d.header(h).size)
}

// Next returns the block that follows h in the directory, or NoBlock if h is the last block
func (d *Directory) Next(h BlockHandle) BlockHandle {
	return d.header(h).next
}

// IsFree returns true if the block's payload is available for reuse
func (d *Directory) IsFree(h BlockHandle) bool {
	return d.header(h).isFree()
}

// MarkFree flags the block as available for reuse. It does not coalesce.
func (d *Directory) MarkFree(h BlockHandle) {
	d.header(h).markFree()
}

// MarkTaken flags the block as handed out to a caller
func (d *Directory) MarkTaken(h BlockHandle) {
	d.header(h).markTaken()
}

// Payload returns the address of the block's payload, which begins immediately after its header
func (d *Directory) Payload(h BlockHandle) unsafe.Pointer {
	return unsafe.Add(d.base, int(h)+HeaderSize)
}

// BlockFromPayload recovers the block whose payload begins at p. Only the layout is checked: p must fall
// inside the committed heap on a payload boundary. Whether a live block actually begins there is
// the business of CheckTag.
func (d *Directory) BlockFromPayload(p unsafe.Pointer) (BlockHandle, error) {
	if d.anchor == NoBlock {
		return NoBlock, errors.Wrap(memutils.ErrInvalidPointer, "no blocks have been allocated")
	}

	addr := uintptr(p)
	base := uintptr(d.base)
	if addr < base+uintptr(d.anchor)+uintptr(HeaderSize) {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x falls before the first block", addr)
	}

	offset := int(addr-base) - HeaderSize
	if offset+HeaderSize > d.segment.Break() {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x falls past the heap break", addr)
	}

	if offset%int(memutils.Alignment) != 0 {
		return NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x is not aligned to %d", addr, memutils.Alignment)
	}

	return BlockHandle(offset), nil
}

// CheckTag verifies that the header at h carries the tag of a live block
func (d *Directory) CheckTag(h BlockHandle) error {
	switch d.header(h).tag {
	case TagLive:
		return nil
	case TagFree:
		return errors.Wrapf(memutils.ErrInvalidPointer, "block at offset %d was already released", h)
	default:
		return errors.Wrapf(memutils.ErrInvalidPointer, "no block header found at offset %d", h)
	}
}

// FindFreeBlock walks the directory from the anchor and returns the first free block whose payload is
// at least size bytes. The block is returned as-is: it may be larger than requested.
func (d *Directory) FindFreeBlock(size int) (BlockHandle, bool) {
	for h := d.anchor; h != NoBlock; h = d.header(h).next {
		hdr := d.header(h)
		if hdr.isFree() && int(hdr.size) >= size {
			return h, true
		}
	}

	return NoBlock, false
}

// FindLastBlock returns the block adjacent to the break, or NoBlock if the directory is empty
func (d *Directory) FindLastBlock() BlockHandle {
	last := d.anchor
	for last != NoBlock {
		next := d.header(last).next
		if next == NoBlock {
			break
		}
		last = next
	}

	return last
}
