//go:build !unix

package physmem

// mapAnonymous falls back to a heap slice when mmap is not available.
func mapAnonymous(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
