//go:build unix

package region

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

type platformState struct{}

func (f *Factory) initPlatform() {}

// PageSize is the granularity of every Reserve/Release/Protect call. It is a
// multiple of the OS page size on all supported platforms.
const PageSize = 1 << 13

// Reserve maps length bytes of zeroed, read-write anonymous memory aligned to
// align bytes. length and align must be multiples of PageSize and align must
// be a power of two.
func (f *Factory) Reserve(length, align uintptr, tag Tag) (uintptr, error) {
	if length == 0 || length%PageSize != 0 {
		return 0, fmt.Errorf("region: bad reserve length %#x", length)
	}
	if align < PageSize {
		align = PageSize
	}

	hint := f.nextHint(length, tag)
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	// Over-reserve by align so an aligned sub-range always exists, then trim
	// the head and tail back to the kernel.
	want := length + align
	addr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), want, prot, flags)
	if err != nil {
		return 0, fmt.Errorf("region: mmap %d bytes: %w", want, err)
	}
	base := uintptr(addr)
	aligned := (base + align - 1) &^ (align - 1)
	if head := aligned - base; head != 0 {
		if err := unix.MunmapPtr(addr, head); err != nil {
			return 0, fmt.Errorf("region: trim head: %w", err)
		}
	}
	if tail := (base + want) - (aligned + length); tail != 0 {
		if err := unix.MunmapPtr(unsafe.Pointer(aligned+length), tail); err != nil {
			return 0, fmt.Errorf("region: trim tail: %w", err)
		}
	}

	f.reserved.Add(int64(length))
	return aligned, nil
}

// Release returns a range obtained from Reserve to the OS. Partial releases
// of a reservation are allowed at page granularity.
func (f *Factory) Release(addr, length uintptr) error {
	if err := unix.MunmapPtr(unsafe.Pointer(addr), length); err != nil {
		return fmt.Errorf("region: munmap: %w", err)
	}
	f.reserved.Add(-int64(length))
	return nil
}

// Decommit drops the physical pages backing the range while keeping the
// reservation. The next touch faults in fresh zero pages.
func (f *Factory) Decommit(addr, length uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("region: madvise: %w", err)
	}
	return nil
}

// Protect makes the range inaccessible. Any load or store faults.
func (f *Factory) Protect(addr, length uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("region: mprotect none: %w", err)
	}
	return nil
}

// Unprotect restores read-write access to a range previously protected.
func (f *Factory) Unprotect(addr, length uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("region: mprotect rw: %w", err)
	}
	return nil
}
