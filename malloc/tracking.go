package malloc

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
)

// liveAllocations maps the block behind every live allocation to the size the caller asked for,
// which can be smaller than the block it was given
type liveAllocations struct {
	requested *swiss.Map[metadata.BlockHandle, int]
}

func newLiveAllocations() *liveAllocations {
	return &liveAllocations{
		requested: swiss.NewMap[metadata.BlockHandle, int](64),
	}
}

func (l *liveAllocations) add(h metadata.BlockHandle, size int) {
	l.requested.Put(h, size)
}

func (l *liveAllocations) remove(h metadata.BlockHandle) bool {
	return l.requested.Delete(h)
}

func (l *liveAllocations) contains(h metadata.BlockHandle) bool {
	return l.requested.Has(h)
}

func (l *liveAllocations) requestedSize(h metadata.BlockHandle) (int, bool) {
	return l.requested.Get(h)
}

func (l *liveAllocations) count() int {
	return l.requested.Count()
}
