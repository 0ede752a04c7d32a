package malloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Resize changes the usable size of the memory at ptr to at least newSize bytes, keeping its contents
// up to the smaller of the old and new sizes. The memory stays where it is whenever the block can be
// grown into its free successor or into fresh heap, or shrunk by carving off its tail. Otherwise a new
// block is allocated, the contents copied, and the old block released.
//
// A block whose successor is free always absorbs the whole successor, even when shrinking, so its
// usable size can grow on a shrink.
//
// Resizing nil is the same as Allocate(newSize). Resizing to 0 releases ptr and returns it, and it
// must not be used again.
//
// On failure nil is returned and the memory at ptr is untouched.
func (a *Allocator) Resize(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	if newSize < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "cannot resize to %d bytes", newSize)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return nil, err
	}

	if ptr == nil {
		return a.allocate(newSize)
	}

	h, err := a.checkedBlock(ptr)
	if err != nil {
		return nil, err
	}

	if newSize == 0 {
		a.releaseBlock(h)
		return ptr, nil
	}

	size := a.directory.Size(h)
	if newSize == size {
		return ptr, nil
	}

	next := a.directory.Next(h)
	if next != metadata.NoBlock && a.directory.IsFree(next) &&
		a.directory.Size(next)+metadata.HeaderSize+size >= newSize {
		a.directory.AbsorbNext(h)
		a.resized(h, newSize)

		a.logger.Debug("Allocator::Resize absorbed successor", slog.Int("Offset", int(h)), slog.Int("Size", a.directory.Size(h)))
		return ptr, nil
	}

	if next == metadata.NoBlock && newSize > size {
		err = a.directory.ExtendTail(h, newSize)
		if err != nil {
			a.logger.Error("Allocator::Resize FAILED", slog.Int("Size", size), slog.Int("NewSize", newSize), slog.Any("Error", err))
			return nil, err
		}
		a.resized(h, newSize)

		a.logger.Debug("Allocator::Resize extended tail", slog.Int("Offset", int(h)), slog.Int("HeapBytes", a.segment.Break()))
		return ptr, nil
	}

	if newSize > size {
		return a.relocate(ptr, h, newSize, size)
	}

	if a.directory.SplitTail(h, newSize) {
		a.resized(h, newSize)

		a.logger.Debug("Allocator::Resize split tail", slog.Int("Offset", int(h)), slog.Int("Size", newSize))
		return ptr, nil
	}

	return a.relocate(ptr, h, newSize, newSize)
}

func (a *Allocator) resized(h metadata.BlockHandle, newSize int) {
	if a.live != nil {
		a.live.add(h, newSize)
	}

	memutils.DebugValidate(a.directory)
}

// relocate moves the first copyBytes of the block at ptr into a new block of newSize bytes and
// releases the old block
func (a *Allocator) relocate(ptr unsafe.Pointer, h metadata.BlockHandle, newSize int, copyBytes int) (unsafe.Pointer, error) {
	newPtr, err := a.allocate(newSize)
	if err != nil {
		return nil, err
	}

	copy(a.bytesAt(newPtr, copyBytes), a.bytesAt(ptr, copyBytes))
	a.releaseBlock(h)

	a.logger.Debug("Allocator::Resize relocated", slog.Int("From", int(h)), slog.Int("NewSize", newSize))
	return newPtr, nil
}
