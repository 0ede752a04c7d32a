package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
)

func exhausted(err error, delta int) error {
	return errors.Mark(errors.Wrapf(err, "failed to grow heap by %d bytes", delta), memutils.ErrHeapExhausted)
}

// checkRoom fails when a header and size bytes of payload placed at offset could never fit in the
// segment. It runs before any offset arithmetic, so huge sizes cannot wrap around.
func (d *Directory) checkRoom(offset, size int) error {
	if size > d.segment.Size()-offset-HeaderSize {
		err := errors.Wrapf(segment.ErrSegmentExhausted, "block of %d bytes at offset %d cannot fit in %d reserved", size, offset, d.segment.Size())
		return errors.Mark(err, memutils.ErrHeapExhausted)
	}

	return nil
}

func inconsistent(format string, args ...any) error {
	return errors.WithAssertionFailure(errors.Wrapf(memutils.ErrDirectoryInconsistency, format, args...))
}

// RequestSpace grows the segment by enough bytes to hold a header and size bytes of payload, rounded up
// to memutils.Alignment, and formats the new memory as a taken block. If last is not NoBlock, the new
// block is linked in after it. The first block carved becomes the directory's anchor; if something else
// left the break misaligned, it is padded first.
//
// If the segment refuses to grow, an error marked with memutils.ErrHeapExhausted is returned and the
// directory is unchanged. If the break moved between being read and being grown, something else is
// growing the segment and the directory can no longer be trusted, so RequestSpace panics.
func (d *Directory) RequestSpace(size int, last BlockHandle) (BlockHandle, error) {
	if d.anchor == NoBlock {
		if last != NoBlock {
			panic(inconsistent("cannot link a new block after offset %d in an empty directory", last))
		}

		err := d.alignBreak()
		if err != nil {
			return NoBlock, err
		}
	}

	start := d.segment.Break()
	err := d.checkRoom(start, size)
	if err != nil {
		return NoBlock, err
	}

	total := memutils.AlignUp(size+HeaderSize, memutils.Alignment)
	prev, err := d.segment.Grow(total)
	if err != nil {
		return NoBlock, exhausted(err, total)
	}

	if prev != start {
		panic(inconsistent("break was at offset %d before growth but growth began at offset %d", start, prev))
	}

	h := BlockHandle(start)
	*d.header(h) = blockHeader{
		size: uint64(size),
		next: NoBlock,
		tag:  TagLive,
	}

	if d.anchor == NoBlock {
		d.anchor = h
	} else if last != NoBlock {
		d.header(last).next = h
	}

	return h, nil
}

func (d *Directory) alignBreak() error {
	brk := d.segment.Break()
	pad := memutils.AlignUp(brk, memutils.Alignment) - brk
	if pad == 0 {
		return nil
	}

	_, err := d.segment.Grow(pad)
	if err != nil {
		return exhausted(err, pad)
	}

	return nil
}

// ExtendTail grows the last block in the directory in place so that its payload holds newSize bytes.
// The break only moves if the block's existing padding is not enough. On failure the block is
// unchanged.
func (d *Directory) ExtendTail(h BlockHandle, newSize int) error {
	hdr := d.header(h)
	if hdr.next != NoBlock {
		panic(inconsistent("block at offset %d is not the last block and cannot grow in place", h))
	}

	if newSize < int(hdr.size) {
		panic(inconsistent("block at offset %d cannot grow from %d bytes to %d bytes", h, hdr.size, newSize))
	}

	brk := d.segment.Break()
	if int(h)+HeaderSize+int(hdr.size) > brk {
		panic(inconsistent("last block at offset %d extends past the break at offset %d", h, brk))
	}

	err := d.checkRoom(int(h), newSize)
	if err != nil {
		return err
	}

	end := memutils.AlignUp(int(h)+HeaderSize+newSize, memutils.Alignment)
	if end > brk {
		var prev int
		prev, err = d.segment.Grow(end - brk)
		if err != nil {
			return exhausted(err, end-brk)
		}

		if prev != brk {
			panic(inconsistent("break was at offset %d before growth but growth began at offset %d", brk, prev))
		}
	}

	hdr.size = uint64(newSize)
	return nil
}
