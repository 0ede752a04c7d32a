// Command brkdemo runs a short allocate, write, resize, release cycle against a fresh heap and checks
// that released blocks are reused instead of growing the heap again.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/malloc"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/exp/slog"
)

func main() {
	iterations := flag.Int("iterations", 4, "number of allocate/resize/release cycles to run")
	maxHeapSize := flag.Int("max-heap", 64*1024*1024, "bytes of address space to reserve for the heap")
	track := flag.Bool("track", false, "reject pointers that do not begin a live allocation")
	dump := flag.Bool("dump", false, "print the detailed heap map as json when finished")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr))

	err := run(logger, *iterations, *maxHeapSize, *track, *dump)
	if err != nil {
		logger.Error("brkdemo FAILED", slog.Any("Error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, iterations, maxHeapSize int, track, dump bool) error {
	var flags malloc.CreateFlags
	if track {
		flags |= malloc.CreateTrackAllocations
	}

	alloc, err := malloc.New(logger, malloc.CreateOptions{
		Flags:       flags,
		MaxHeapSize: maxHeapSize,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = alloc.Destroy()
	}()

	growths := 0
	heapSize := alloc.HeapSize()
	for i := 0; i < iterations; i++ {
		ptr, err := alloc.Allocate(1)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", i)
		}
		*(*byte)(ptr) = 'a'

		ptr, err = alloc.Resize(ptr, 1)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", i)
		}

		value := *(*byte)(ptr)
		if value != 'a' {
			return errors.Newf("iteration %d: read back %q after resize", i, value)
		}

		err = alloc.Release(ptr)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", i)
		}

		if alloc.HeapSize() != heapSize {
			growths++
			heapSize = alloc.HeapSize()
		}

		logger.Info("cycle complete",
			slog.Int("Iteration", i),
			slog.String("Pointer", fmt.Sprintf("%p", ptr)),
			slog.Int("HeapBytes", heapSize),
		)
	}

	if growths > 1 {
		return errors.Newf("heap grew %d times over %d cycles", growths, iterations)
	}

	err = alloc.Validate()
	if err != nil {
		return err
	}

	var stats memutils.Statistics
	err = alloc.Statistics(&stats)
	if err != nil {
		return err
	}

	logger.Info("heap summary",
		slog.Int("HeapBytes", stats.HeapBytes),
		slog.Int("BlockCount", stats.BlockCount),
		slog.Int("AllocationCount", stats.AllocationCount),
		slog.Int("HeapGrowths", growths),
	)

	if dump {
		writer := jwriter.NewWriter()
		err = alloc.PrintDetailedMap(&writer)
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(append(writer.Bytes(), '\n'))
		if err != nil {
			return errors.Wrap(err, "failed to write heap map")
		}
	}

	return nil
}
