package metadata_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
	"github.com/vkngwrapper/brkalloc/memutils/segment/mocks"
	"go.uber.org/mock/gomock"
)

func readyDirectory(t *testing.T, segmentSize int) (*metadata.Directory, segment.Segment) {
	seg, err := segment.NewSlice(segmentSize)
	require.NoError(t, err)

	dir := metadata.NewDirectory(seg)
	require.True(t, dir.IsEmpty())

	return dir, seg
}

// carve requests one block per size, each linked after the last, and returns their handles
func carve(t *testing.T, dir *metadata.Directory, sizes ...int) []metadata.BlockHandle {
	handles := make([]metadata.BlockHandle, 0, len(sizes))
	last := dir.FindLastBlock()
	for _, size := range sizes {
		h, err := dir.RequestSpace(size, last)
		require.NoError(t, err)
		handles = append(handles, h)
		last = h
	}

	return handles
}

func TestHeaderSize(t *testing.T) {
	require.Equal(t, 32, metadata.HeaderSize)
	require.Zero(t, metadata.HeaderSize%int(memutils.Alignment))
}

func TestRequestSpace(t *testing.T) {
	dir, seg := readyDirectory(t, 4096)

	require.Equal(t, metadata.NoBlock, dir.Anchor())
	require.Equal(t, metadata.NoBlock, dir.FindLastBlock())

	first, err := dir.RequestSpace(1, metadata.NoBlock)
	require.NoError(t, err)
	require.Equal(t, metadata.BlockHandle(0), first)
	require.Equal(t, first, dir.Anchor())
	require.False(t, dir.IsEmpty())
	require.Equal(t, 1, dir.Size(first))
	require.False(t, dir.IsFree(first))
	require.Equal(t, metadata.NoBlock, dir.Next(first))
	// 1 byte of payload plus the header, rounded to 16
	require.Equal(t, 48, seg.Break())

	second, err := dir.RequestSpace(100, first)
	require.NoError(t, err)
	require.Equal(t, metadata.BlockHandle(48), second)
	require.Equal(t, second, dir.Next(first))
	require.Equal(t, second, dir.FindLastBlock())
	require.Equal(t, 48+144, seg.Break())

	payload := dir.Payload(second)
	require.Equal(t, uintptr(seg.Base())+48+uintptr(metadata.HeaderSize), uintptr(payload))
	require.Zero(t, uintptr(payload)%uintptr(memutils.Alignment))

	h, err := dir.BlockFromPayload(payload)
	require.NoError(t, err)
	require.Equal(t, second, h)
	require.NoError(t, dir.CheckTag(h))

	require.NoError(t, dir.Validate())
}

func TestRequestSpaceExhausted(t *testing.T) {
	dir, seg := readyDirectory(t, 64)

	first, err := dir.RequestSpace(1, metadata.NoBlock)
	require.NoError(t, err)

	_, err = dir.RequestSpace(1, first)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrHeapExhausted))
	require.True(t, errors.Is(err, segment.ErrSegmentExhausted))

	require.Equal(t, metadata.NoBlock, dir.Next(first))
	require.Equal(t, 48, seg.Break())
	require.NoError(t, dir.Validate())
}

func TestRequestSpaceBreakMoved(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backing := make([]byte, 256)
	seg := mocks.NewMockSegment(ctrl)
	seg.EXPECT().Base().Return(unsafe.Pointer(&backing[0])).AnyTimes()
	seg.EXPECT().Break().Return(0).AnyTimes()
	seg.EXPECT().Size().Return(256).AnyTimes()
	// Something else grew the segment between the break query and our growth
	seg.EXPECT().Grow(48).Return(16, nil)

	dir := metadata.NewDirectory(seg)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, isErr := r.(error)
		require.True(t, isErr)
		require.True(t, errors.Is(err, memutils.ErrDirectoryInconsistency))
		require.True(t, errors.HasAssertionFailure(err))
	}()

	_, _ = dir.RequestSpace(1, metadata.NoBlock)
}

func TestFirstBlockAlignsBreak(t *testing.T) {
	seg, err := segment.NewSlice(256)
	require.NoError(t, err)

	_, err = seg.Grow(5)
	require.NoError(t, err)

	dir := metadata.NewDirectory(seg)
	h, err := dir.RequestSpace(8, metadata.NoBlock)
	require.NoError(t, err)
	require.Equal(t, metadata.BlockHandle(16), h)
	require.Equal(t, h, dir.Anchor())
	require.Equal(t, 64, seg.Break())
	require.NoError(t, dir.Validate())
}

func TestFirstBlockExhaustedLeavesDirectoryEmpty(t *testing.T) {
	dir, seg := readyDirectory(t, 32)

	_, err := dir.RequestSpace(1, metadata.NoBlock)
	require.True(t, errors.Is(err, memutils.ErrHeapExhausted))
	require.True(t, dir.IsEmpty())
	require.Equal(t, 0, seg.Break())

	_, found := dir.FindFreeBlock(0)
	require.False(t, found)
}

func TestHugeSizesAreExhausted(t *testing.T) {
	dir, seg := readyDirectory(t, 4096)

	for _, size := range []int{math.MaxInt, math.MaxInt - 8, math.MaxInt - metadata.HeaderSize} {
		_, err := dir.RequestSpace(size, metadata.NoBlock)
		require.True(t, errors.Is(err, memutils.ErrHeapExhausted))
		require.True(t, errors.Is(err, segment.ErrSegmentExhausted))
		require.True(t, dir.IsEmpty())
		require.Equal(t, 0, seg.Break())
	}

	blocks := carve(t, dir, 16)
	for _, size := range []int{math.MaxInt, math.MaxInt - 8, math.MaxInt - metadata.HeaderSize} {
		err := dir.ExtendTail(blocks[0], size)
		require.True(t, errors.Is(err, memutils.ErrHeapExhausted))
		require.Equal(t, 16, dir.Size(blocks[0]))
		require.Equal(t, 48, seg.Break())
	}

	// One byte past what the segment can hold
	err := dir.ExtendTail(blocks[0], 4096-metadata.HeaderSize+1)
	require.True(t, errors.Is(err, memutils.ErrHeapExhausted))

	require.NoError(t, dir.ExtendTail(blocks[0], 4096-metadata.HeaderSize))
	require.Equal(t, 4096, seg.Break())
	require.NoError(t, dir.Validate())
}

func TestFindFreeBlockIsFirstFit(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 64, 128, 64)

	_, found := dir.FindFreeBlock(1)
	require.False(t, found)

	dir.MarkFree(blocks[0])
	dir.MarkFree(blocks[1])

	h, found := dir.FindFreeBlock(100)
	require.True(t, found)
	require.Equal(t, blocks[1], h)

	// The 64-byte block comes first, even though both would fit
	h, found = dir.FindFreeBlock(10)
	require.True(t, found)
	require.Equal(t, blocks[0], h)

	_, found = dir.FindFreeBlock(129)
	require.False(t, found)

	require.NoError(t, dir.Validate())
}

func TestFindFreeBlockEmptyDirectory(t *testing.T) {
	seg, err := segment.NewSlice(256)
	require.NoError(t, err)

	dir := metadata.NewDirectory(seg)
	_, found := dir.FindFreeBlock(0)
	require.False(t, found)
	require.Equal(t, metadata.NoBlock, dir.FindLastBlock())
	require.Equal(t, 0, dir.JoinFreeBlocks())
	require.NoError(t, dir.Validate())
}

func TestJoinFreeBlocksFoldsRun(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 16, 16, 16, 16)
	dir.MarkFree(blocks[0])
	dir.MarkFree(blocks[1])
	dir.MarkFree(blocks[2])

	require.Equal(t, 2, dir.JoinFreeBlocks())

	require.Equal(t, 16*3+2*metadata.HeaderSize, dir.Size(blocks[0]))
	require.Equal(t, blocks[3], dir.Next(blocks[0]))
	require.True(t, dir.IsFree(blocks[0]))
	require.False(t, dir.IsFree(blocks[3]))

	// Nothing left to merge
	require.Equal(t, 0, dir.JoinFreeBlocks())
	require.NoError(t, dir.Validate())
}

func TestJoinFreeBlocksSkipsTakenNeighbors(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 16, 16, 16, 16)
	dir.MarkFree(blocks[0])
	dir.MarkFree(blocks[2])

	require.Equal(t, 0, dir.JoinFreeBlocks())
	require.Equal(t, blocks[1], dir.Next(blocks[0]))
	require.Equal(t, blocks[3], dir.Next(blocks[2]))

	dir.MarkFree(blocks[3])
	require.Equal(t, 1, dir.JoinFreeBlocks())
	require.Equal(t, metadata.NoBlock, dir.Next(blocks[2]))
	require.Equal(t, 16*2+metadata.HeaderSize, dir.Size(blocks[2]))
	require.NoError(t, dir.Validate())
}

func TestAbsorbNext(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 16, 48, 16)
	dir.MarkFree(blocks[1])

	dir.AbsorbNext(blocks[0])
	require.Equal(t, 16+48+metadata.HeaderSize, dir.Size(blocks[0]))
	require.Equal(t, blocks[2], dir.Next(blocks[0]))
	require.False(t, dir.IsFree(blocks[0]))
	require.NoError(t, dir.Validate())

	require.Panics(t, func() { dir.AbsorbNext(blocks[0]) })
}

func TestSplitTail(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 64, 16)

	require.True(t, dir.SplitTail(blocks[0], 16))
	require.Equal(t, 16, dir.Size(blocks[0]))

	carved := dir.Next(blocks[0])
	require.Equal(t, blocks[0]+metadata.BlockHandle(metadata.HeaderSize+16), carved)
	require.True(t, dir.IsFree(carved))
	require.Equal(t, 64-16-metadata.HeaderSize, dir.Size(carved))
	require.Equal(t, blocks[1], dir.Next(carved))
	require.NoError(t, dir.Validate())

	h, found := dir.FindFreeBlock(16)
	require.True(t, found)
	require.Equal(t, carved, h)
}

func TestSplitTailBoundary(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 64)

	// 32 bytes of slack is exactly one header, which is not enough
	require.False(t, dir.SplitTail(blocks[0], 32))
	require.Equal(t, 64, dir.Size(blocks[0]))
	require.Equal(t, metadata.NoBlock, dir.Next(blocks[0]))

	// The carved header must stay aligned, so 17 bytes keeps 32
	require.False(t, dir.SplitTail(blocks[0], 17))

	require.True(t, dir.SplitTail(blocks[0], 15))
	require.Equal(t, 15, dir.Size(blocks[0]))
	require.Equal(t, 16, dir.Size(dir.Next(blocks[0])))
	require.NoError(t, dir.Validate())
}

func TestExtendTail(t *testing.T) {
	dir, seg := readyDirectory(t, 4096)

	blocks := carve(t, dir, 1)
	require.Equal(t, 48, seg.Break())

	// The rounding padding already covers 16 bytes
	require.NoError(t, dir.ExtendTail(blocks[0], 16))
	require.Equal(t, 16, dir.Size(blocks[0]))
	require.Equal(t, 48, seg.Break())

	require.NoError(t, dir.ExtendTail(blocks[0], 100))
	require.Equal(t, 100, dir.Size(blocks[0]))
	require.Equal(t, 144, seg.Break())
	require.NoError(t, dir.Validate())

	err := dir.ExtendTail(blocks[0], 8192)
	require.True(t, errors.Is(err, memutils.ErrHeapExhausted))
	require.Equal(t, 100, dir.Size(blocks[0]))
	require.Equal(t, 144, seg.Break())

	more := carve(t, dir, 16)
	require.Panics(t, func() { _ = dir.ExtendTail(blocks[0], 200) })
	require.NoError(t, dir.ExtendTail(more[0], 32))
}

func TestBlockFromPayloadRejectsForeignPointers(t *testing.T) {
	dir, seg := readyDirectory(t, 4096)

	blocks := carve(t, dir, 64)
	payload := dir.Payload(blocks[0])

	_, err := dir.BlockFromPayload(unsafe.Add(payload, 8))
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	_, err = dir.BlockFromPayload(seg.Base())
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	_, err = dir.BlockFromPayload(unsafe.Add(payload, 4096))
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	// Aligned, in bounds, but the middle of a payload: only the tag gives it away
	h, err := dir.BlockFromPayload(unsafe.Add(payload, 32))
	require.NoError(t, err)
	require.True(t, errors.Is(dir.CheckTag(h), memutils.ErrInvalidPointer))

	dir.MarkFree(blocks[0])
	require.True(t, errors.Is(dir.CheckTag(blocks[0]), memutils.ErrInvalidPointer))
}

func TestValidateDetectsOverrun(t *testing.T) {
	dir, seg := readyDirectory(t, 4096)

	blocks := carve(t, dir, 16, 16)
	require.NoError(t, dir.Validate())

	// Write past the end of the first payload and over the second header
	heap := seg.Bytes()
	start := int(blocks[1])
	for i := start; i < start+metadata.HeaderSize; i++ {
		heap[i] = 0xFF
	}

	err := dir.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrDirectoryInconsistency))
}

func TestDirectoryStatistics(t *testing.T) {
	dir, _ := readyDirectory(t, 4096)

	blocks := carve(t, dir, 16, 100, 16, 48)
	dir.MarkFree(blocks[1])
	dir.MarkFree(blocks[3])

	var stats memutils.DetailedStatistics
	stats.Clear()
	dir.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      4,
			AllocationCount: 2,
			HeapBytes:       48 + 144 + 48 + 80,
			AllocationBytes: 32,
		},
		FreeBlockCount:    2,
		FreeBytes:         148,
		AllocationSizeMin: 16,
		AllocationSizeMax: 16,
		FreeBlockSizeMin:  48,
		FreeBlockSizeMax:  100,
	}, stats)

	var basic memutils.Statistics
	dir.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	dir.BlockJsonData(&obj)
	obj.End()

	require.Equal(t, `{"HeapBytes":320,"HeaderBytes":128,"UnusedBytes":148,"Allocations":2,"UnusedRanges":2}`, string(writer.Bytes()))
}
