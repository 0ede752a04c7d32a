package metadata

import (
	"math"
	"unsafe"
)

// BlockHandle identifies a block by the offset of its header from the segment base
type BlockHandle uint64

const (
	// NoBlock marks the end of the directory, or a directory with no blocks at all
	NoBlock BlockHandle = math.MaxUint64
)

const (
	// TagLive is written into the header of every block that is handed out to a caller
	TagLive uint32 = 0x7F84E666
	// TagFree is written into the header of every block that is available for reuse
	TagFree uint32 = 0x7F84E6FE
)

// blockHeader is laid out directly in front of every payload in the heap. It holds no Go pointers;
// next is an offset, so the header can live in memory the garbage collector never scans.
type blockHeader struct {
	size uint64
	next BlockHandle
	free uint32
	tag  uint32
	_    [8]byte
}

// HeaderSize is the number of bytes in front of every payload. It is a multiple of memutils.Alignment,
// so a payload is aligned whenever its header is.
const HeaderSize = int(unsafe.Sizeof(blockHeader{}))

func (h *blockHeader) markFree() {
	h.free = 1
	h.tag = TagFree
}

func (h *blockHeader) markTaken() {
	h.free = 0
	h.tag = TagLive
}

func (h *blockHeader) isFree() bool {
	return h.free != 0
}
