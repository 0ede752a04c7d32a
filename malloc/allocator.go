// Package malloc is a first-fit dynamic memory allocator over a single growable heap. Every block
// handed out is prefixed by a header, and every header ever carved is kept in one address-ordered
// directory. Free blocks are reused in place and coalesced with their neighbors, and the heap only
// grows when no free block is large enough.
package malloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/malloc/internal/utils"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
	"golang.org/x/exp/slog"
)

// ErrAllocatorDestroyed is returned from every method of an Allocator after Destroy has been called
var ErrAllocatorDestroyed = errors.New("allocator has been destroyed")

// Allocator hands out memory from a single heap. All methods are safe to call concurrently unless
// the allocator was created with CreateExternallySynchronized.
type Allocator struct {
	mutex       utils.OptionalMutex
	logger      *slog.Logger
	createFlags CreateFlags

	segment     segment.Segment
	ownsSegment bool
	directory   *metadata.Directory
	live        *liveAllocations
}

func (a *Allocator) checkAlive() error {
	if a.directory == nil {
		return ErrAllocatorDestroyed
	}

	return nil
}

func (a *Allocator) bytesAt(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

// Allocate returns a pointer to at least size bytes of memory, aligned to memutils.Alignment. The
// memory is not initialized. A size of 0 returns a unique pointer that must still be released.
//
// If the heap cannot grow to satisfy the request, nil is returned along with an error for which
// errors.Is(err, memutils.ErrHeapExhausted) is true.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "cannot allocate %d bytes", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return nil, err
	}

	return a.allocate(size)
}

func (a *Allocator) allocate(size int) (unsafe.Pointer, error) {
	h, err := a.findOrCarveBlock(size)
	if err != nil {
		a.logger.Error("Allocator::allocate FAILED", slog.Int("Size", size), slog.Int("HeapBytes", a.segment.Break()), slog.Any("Error", err))
		return nil, err
	}

	if a.live != nil {
		a.live.add(h, size)
	}

	memutils.DebugValidate(a.directory)
	return a.directory.Payload(h), nil
}

func (a *Allocator) findOrCarveBlock(size int) (metadata.BlockHandle, error) {
	if a.directory.IsEmpty() {
		return a.requestSpace(size, metadata.NoBlock)
	}

	h, found := a.directory.FindFreeBlock(size)
	if found {
		a.directory.MarkTaken(h)
		return h, nil
	}

	return a.requestSpace(size, a.directory.FindLastBlock())
}

func (a *Allocator) requestSpace(size int, last metadata.BlockHandle) (metadata.BlockHandle, error) {
	h, err := a.directory.RequestSpace(size, last)
	if err != nil {
		return metadata.NoBlock, err
	}

	a.logger.Debug("Allocator::requestSpace", slog.Int("Size", size), slog.Int("HeapBytes", a.segment.Break()))
	return h, nil
}

// AllocateZeroed allocates memory for count elements of elementSize bytes each and sets every byte of
// it to zero. The product is not checked for overflow.
func (a *Allocator) AllocateZeroed(count, elementSize int) (unsafe.Pointer, error) {
	size := count * elementSize
	if count < 0 || elementSize < 0 || size < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "cannot allocate %d elements of %d bytes", count, elementSize)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return nil, err
	}

	ptr, err := a.allocate(size)
	if err != nil {
		return nil, err
	}

	data := a.bytesAt(ptr, size)
	for i := range data {
		data[i] = 0
	}

	return ptr, nil
}

// Release returns the memory at ptr to the allocator so it can be reused, then merges every run of
// adjacent free blocks in the heap. Releasing nil does nothing.
//
// ptr must have been returned by this allocator and not released since. That is only verified when
// the allocator was created with CreateTrackAllocations or the debug_mem_utils build tag is present;
// otherwise the pointer is only checked to fall inside the heap.
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	h, err := a.checkedBlock(ptr)
	if err != nil {
		return err
	}

	a.releaseBlock(h)
	return nil
}

func (a *Allocator) releaseBlock(h metadata.BlockHandle) {
	a.directory.MarkFree(h)
	if a.live != nil {
		a.live.remove(h)
	}

	merges := a.directory.JoinFreeBlocks()
	if merges > 0 {
		a.logger.Debug("Allocator::releaseBlock", slog.Int("Offset", int(h)), slog.Int("Merges", merges))
	}

	memutils.DebugValidate(a.directory)
}

func (a *Allocator) checkedBlock(ptr unsafe.Pointer) (metadata.BlockHandle, error) {
	h, err := a.directory.BlockFromPayload(ptr)
	if err != nil {
		return metadata.NoBlock, err
	}

	if a.live != nil || memutils.ValidateTags {
		err = a.directory.CheckTag(h)
		if err != nil {
			return metadata.NoBlock, err
		}
	}

	if a.live != nil && !a.live.contains(h) {
		return metadata.NoBlock, errors.Wrapf(memutils.ErrInvalidPointer, "no allocation begins at offset %d", int(h)+metadata.HeaderSize)
	}

	return h, nil
}

// UsableSize returns the number of bytes that can be used at ptr, which may be larger than the size
// that was requested. The usable size of nil is 0.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) (int, error) {
	if ptr == nil {
		return 0, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return 0, err
	}

	h, err := a.checkedBlock(ptr)
	if err != nil {
		return 0, err
	}

	return a.directory.Size(h), nil
}

// Bytes returns the usable memory at ptr as a byte slice. The slice is only valid until ptr is
// released or resized.
func (a *Allocator) Bytes(ptr unsafe.Pointer) ([]byte, error) {
	size, err := a.UsableSize(ptr)
	if err != nil || ptr == nil {
		return nil, err
	}

	return a.bytesAt(ptr, size), nil
}

// HeapSize returns the number of bytes the heap has obtained from its segment. It never decreases.
func (a *Allocator) HeapSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.checkAlive() != nil {
		return 0
	}

	return a.segment.Break()
}

// Validate checks the block directory against the heap and returns an error wrapping
// memutils.ErrDirectoryInconsistency if they disagree. It walks the entire heap.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	err = a.directory.Validate()
	if err != nil {
		return err
	}

	if a.live == nil {
		return nil
	}

	var taken int
	err = a.directory.VisitAllRegions(func(handle metadata.BlockHandle, offset int, size int, free bool) error {
		if free {
			return nil
		}

		taken++
		if !a.live.contains(handle) {
			return errors.Wrapf(memutils.ErrDirectoryInconsistency, "taken block at offset %d is not a registered allocation", handle)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if taken != a.live.count() {
		return errors.Wrapf(memutils.ErrDirectoryInconsistency, "directory has %d taken blocks but %d allocations are registered", taken, a.live.count())
	}

	return nil
}

// Statistics populates a memutils.Statistics object with block and allocation counts for the heap. It
// is cheaper than CalculateStatistics, which also measures the free pool.
func (a *Allocator) Statistics(stats *memutils.Statistics) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	a.directory.AddStatistics(stats)
	return nil
}

// CalculateStatistics populates a memutils.DetailedStatistics object with the current state of the heap
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	a.directory.AddDetailedStatistics(stats)
	return nil
}

// PrintDetailedMap writes a json object describing the heap and every block in it, in address order
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	objState := writer.Object()
	defer objState.End()

	objState.Name("Flags").String(a.createFlags.String())

	heapObj := objState.Name("Heap").Object()
	a.directory.BlockJsonData(&heapObj)
	heapObj.End()

	a.printDetailedMapBlocks(&objState)
	return nil
}

func (a *Allocator) printDetailedMapBlocks(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.directory.VisitAllRegions(
		func(handle metadata.BlockHandle, offset int, size int, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("FREE")
				return nil
			}

			obj.Name("Type").String("ALLOCATION")
			if a.live != nil {
				requested, ok := a.live.requestedSize(handle)
				if ok {
					obj.Name("RequestedSize").Int(requested)
				}
			}

			return nil
		})
}

// BuildStatsString returns the output of PrintDetailedMap as a string
func (a *Allocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()
	err := a.PrintDetailedMap(&writer)
	if err != nil {
		return "", err
	}

	return string(writer.Bytes()), nil
}

// Destroy releases the heap. Every pointer returned by the allocator becomes invalid, and every
// method returns ErrAllocatorDestroyed afterward. A Segment passed in through CreateOptions is
// left open.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	a.logger.Debug("Allocator::Destroy", slog.Int("HeapBytes", a.segment.Break()))

	a.directory = nil
	a.live = nil
	if !a.ownsSegment {
		return nil
	}

	return a.segment.Close()
}
