//go:build !unix && !windows

package segment

// New returns a Segment of maxSize bytes. Platforms without a way to reserve address space
// get a slice-backed segment, which allocates all of it immediately.
func New(maxSize int) (Segment, error) {
	return NewSlice(maxSize)
}
