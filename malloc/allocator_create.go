package malloc

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/segment"
	"golang.org/x/exp/slog"
)

const (
	// defaultMaxHeapSize is the amount of address space reserved for the heap when no MaxHeapSize
	// is provided via CreateOptions. It is equal to 1Gb. Memory is only committed as the heap grows.
	defaultMaxHeapSize int = 1024 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// MaxHeapSize is the number of bytes of address space to reserve for the heap. The heap can never
	// grow past it. It must be left 0 when Segment is provided.
	MaxHeapSize int

	// Segment is an optional region for the heap to grow into. When it is provided, the allocator
	// does not take ownership of it: Destroy will leave it open, and the caller must not grow it
	// while the allocator is in use.
	Segment segment.Segment
}

// New creates a new Allocator
//
// logger - Receives debug output about heap growth and coalescing, as well as allocation failures.
// It may be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	seg := options.Segment
	ownsSegment := false
	if seg == nil {
		maxHeapSize := options.MaxHeapSize
		if maxHeapSize == 0 {
			maxHeapSize = defaultMaxHeapSize
		}

		var err error
		seg, err = segment.New(maxHeapSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to reserve the heap segment")
		}
		ownsSegment = true
	} else if options.MaxHeapSize != 0 {
		return nil, errors.New("malloc.CreateOptions.MaxHeapSize was provided alongside a Segment, but the segment's own size is used instead")
	}

	memutils.DebugCheckPow2(memutils.Alignment, "memutils.Alignment")
	if uintptr(seg.Base())%uintptr(memutils.Alignment) != 0 {
		return nil, errors.Newf("segment base %#x is not aligned to %d", uintptr(seg.Base()), memutils.Alignment)
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		segment:     seg,
		ownsSegment: ownsSegment,
		directory:   metadata.NewDirectory(seg),
	}
	allocator.mutex.UseMutex = options.Flags&CreateExternallySynchronized == 0

	if options.Flags&CreateTrackAllocations != 0 {
		allocator.live = newLiveAllocations()
	}

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("ReservedBytes", seg.Size()),
		slog.Bool("OwnsSegment", ownsSegment),
	)

	return allocator, nil
}
