package heap

import "errors"

var (
	// ErrOutOfMemory is returned when the OS refuses more address space.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrBadAlignment is returned for alignment values that are not a power
	// of two.
	ErrBadAlignment = errors.New("heap: alignment is not a power of two")

	// ErrLimitExceeded is returned when a hard memory limit set through
	// SetMemoryLimit would be exceeded.
	ErrLimitExceeded = errors.New("heap: hard memory limit exceeded")

	// ErrBadFree reports a free of a pointer that is not the start of a live
	// allocation: a wild pointer, an interior pointer, or a double free.
	ErrBadFree = errors.New("heap: free of invalid pointer")

	// ErrNotOwned reports an operation on a pointer outside any heap span.
	ErrNotOwned = errors.New("heap: pointer not owned by this heap")

	// ErrSizeOverflow reports a size computation that would wrap around.
	ErrSizeOverflow = errors.New("heap: allocation size overflows")
)
