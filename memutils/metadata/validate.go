package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
)

var _ memutils.Validatable = &Directory{}

// Validate walks the directory and checks that it still describes the heap: every header is aligned
// and inside the committed heap, blocks are in ascending address order without overlapping, and every
// tag agrees with its free flag. It is expensive and meant for diagnostics and debug builds.
func (d *Directory) Validate() error {
	brk := d.segment.Break()
	if d.anchor == NoBlock {
		return nil
	}

	// A directory can't have more headers than fit in the heap, so a longer walk means a cycle
	maxBlocks := brk/HeaderSize + 1
	var blocks int
	prevEnd := int(d.anchor)

	for h := d.anchor; h != NoBlock; h = d.header(h).next {
		blocks++
		if blocks > maxBlocks {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "directory has more than %d blocks, which cannot fit in %d bytes", maxBlocks-1, brk)
		}

		offset := int(h)
		if offset%int(memutils.Alignment) != 0 {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "block at offset %d is not aligned to %d", offset, memutils.Alignment)
		}

		if offset < prevEnd {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "block at offset %d begins before the previous block ends at offset %d", offset, prevEnd)
		}

		if offset+HeaderSize > brk {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "block header at offset %d extends past the break at offset %d", offset, brk)
		}

		hdr := d.header(h)
		if hdr.size > uint64(brk) {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "block at offset %d has size %d, larger than the heap", offset, hdr.size)
		}

		end := offset + HeaderSize + int(hdr.size)
		if end > brk {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "block at offset %d ends at offset %d, past the break at offset %d", offset, end, brk)
		}

		if hdr.isFree() && hdr.tag != TagFree {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "free block at offset %d has tag %#x", offset, hdr.tag)
		} else if !hdr.isFree() && hdr.tag != TagLive {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "taken block at offset %d has tag %#x", offset, hdr.tag)
		}

		prevEnd = end
	}

	return nil
}

// VisitAllRegions calls the provided callback once for every block in the directory, in address order.
// offset is the offset of the block's payload from the segment base. Visiting stops at the first error,
// which is returned.
func (d *Directory) VisitAllRegions(handleBlock func(handle BlockHandle, offset int, size int, free bool) error) error {
	for h := d.anchor; h != NoBlock; h = d.header(h).next {
		hdr := d.header(h)
		err := handleBlock(h, int(h)+HeaderSize, int(hdr.size), hdr.isFree())
		if err != nil {
			return err
		}
	}

	return nil
}

// AddStatistics sums this heap's statistics into the provided memutils.Statistics object
func (d *Directory) AddStatistics(stats *memutils.Statistics) {
	stats.HeapBytes += d.segment.Break()

	_ = d.VisitAllRegions(func(handle BlockHandle, offset int, size int, free bool) error {
		stats.BlockCount++
		if !free {
			stats.AllocationCount++
			stats.AllocationBytes += size
		}

		return nil
	})
}

// AddDetailedStatistics sums this heap's statistics, including the shape of its free pool, into the
// provided memutils.DetailedStatistics object
func (d *Directory) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapBytes += d.segment.Break()

	_ = d.VisitAllRegions(func(handle BlockHandle, offset int, size int, free bool) error {
		if free {
			stats.AddFreeBlock(size)
		} else {
			stats.AddAllocation(size)
		}

		return nil
	})
}

// BlockJsonData populates a json object with summary information about this heap
func (d *Directory) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	d.AddDetailedStatistics(&stats)

	json.Name("HeapBytes").Int(stats.HeapBytes)
	json.Name("HeaderBytes").Int(stats.BlockCount * HeaderSize)
	json.Name("UnusedBytes").Int(stats.FreeBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.FreeBlockCount)
}
