package metadata

import "github.com/vkngwrapper/brkalloc/memutils"

// JoinFreeBlocks walks the entire directory and merges every free block into a free predecessor. The
// successor's header is reclaimed as payload. The walk stays on a block after merging into it,
// so any run of free blocks collapses into one in a single pass. The number of merges is returned.
func (d *Directory) JoinFreeBlocks() int {
	if d.anchor == NoBlock {
		return 0
	}

	var merges int
	current := d.header(d.anchor)
	for current.next != NoBlock {
		next := d.header(current.next)
		if current.isFree() && next.isFree() {
			current.size += next.size + uint64(HeaderSize)
			current.next = next.next
			merges++
		} else {
			current = next
		}
	}

	return merges
}

// AbsorbNext merges the entire free successor of h into h, whether or not h is free. The successor
// is removed from the directory.
func (d *Directory) AbsorbNext(h BlockHandle) {
	hdr := d.header(h)
	if hdr.next == NoBlock || !d.header(hdr.next).isFree() {
		panic(inconsistent("block at offset %d does not have a free successor to absorb", h))
	}

	next := d.header(hdr.next)
	hdr.size += next.size + uint64(HeaderSize)
	hdr.next = next.next
}

// SplitTail shrinks h to newSize bytes and carves the freed tail of its payload into a new free block
// linked directly after it. The new header is placed at the first aligned offset past newSize, and
// only when strictly more than one header's worth of bytes would remain past that point. If no split
// was possible, false is returned and h is unchanged.
func (d *Directory) SplitTail(h BlockHandle, newSize int) bool {
	hdr := d.header(h)
	keep := memutils.AlignUp(newSize, memutils.Alignment)
	extra := int(hdr.size) - keep
	if extra <= HeaderSize {
		return false
	}

	carved := h + BlockHandle(HeaderSize+keep)
	*d.header(carved) = blockHeader{
		size: uint64(extra - HeaderSize),
		next: hdr.next,
		free: 1,
		tag:  TagFree,
	}

	hdr.size = uint64(newSize)
	hdr.next = carved
	return true
}
