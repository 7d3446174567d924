package heap

// Checked string primitives: byte-wise copies that validate every read
// against the source chunk and every write against the destination chunk.
// A pointer outside the heap gets the trivial (0, NonHeapEnd) range, so only
// heap-backed buffers are enforced.
//
// On a violation the copy stops, the destination is NUL-terminated when it
// still has room, and the event is reported.

// StrcpyCheck copies the NUL-terminated string at src to dst, bounds
// checking both sides. Returns dst.
func (h *Heap) StrcpyCheck(dst, src uintptr) uintptr {
	_, dhi := h.ChunkRange(dst)
	_, shi := h.ChunkRange(src)
	for i := uintptr(0); ; i++ {
		if src+i >= shi {
			h.reportf("strcpy read past source block at %#x", src+i)
			h.nulTerminate(dst+i, dhi)
			return dst
		}
		if dst+i >= dhi {
			h.reportf("strcpy write past destination block at %#x", dst+i)
			return dst
		}
		b := loadByte(src + i)
		storeByte(dst+i, b)
		if b == 0 {
			return dst
		}
	}
}

// StrncpyCheck copies at most n bytes from src to dst, NUL-padding the
// remainder the way strncpy does, bounds checking both sides. Returns dst.
func (h *Heap) StrncpyCheck(dst, src, n uintptr) uintptr {
	_, dhi := h.ChunkRange(dst)
	_, shi := h.ChunkRange(src)
	i := uintptr(0)
	for ; i < n; i++ {
		if src+i >= shi {
			h.reportf("strncpy read past source block at %#x", src+i)
			break
		}
		b := loadByte(src + i)
		if b == 0 {
			break
		}
		if dst+i >= dhi {
			h.reportf("strncpy write past destination block at %#x", dst+i)
			return dst
		}
		storeByte(dst+i, b)
	}
	for ; i < n; i++ {
		if dst+i >= dhi {
			h.reportf("strncpy pad past destination block at %#x", dst+i)
			return dst
		}
		storeByte(dst+i, 0)
	}
	return dst
}

// StrcatCheck appends the string at src to the string at dst, bounds
// checking the scan for dst's terminator as well as the copy. Returns dst.
func (h *Heap) StrcatCheck(dst, src uintptr) uintptr {
	_, dhi := h.ChunkRange(dst)
	end := dst
	for {
		if end >= dhi {
			h.reportf("strcat scanned past destination block at %#x: missing terminator", end)
			return dst
		}
		if loadByte(end) == 0 {
			break
		}
		end++
	}
	h.strcatTail(dst, end, dhi, src, ^uintptr(0), "strcat")
	return dst
}

// StrncatCheck appends at most n bytes of src to dst plus a terminating NUL,
// bounds checking both sides. Returns dst.
func (h *Heap) StrncatCheck(dst, src, n uintptr) uintptr {
	_, dhi := h.ChunkRange(dst)
	end := dst
	for {
		if end >= dhi {
			h.reportf("strncat scanned past destination block at %#x: missing terminator", end)
			return dst
		}
		if loadByte(end) == 0 {
			break
		}
		end++
	}
	h.strcatTail(dst, end, dhi, src, n, "strncat")
	return dst
}

func (h *Heap) strcatTail(dst, end, dhi, src, n uintptr, op string) {
	_, shi := h.ChunkRange(src)
	for i := uintptr(0); i < n; i++ {
		if src+i >= shi {
			h.reportf("%s read past source block at %#x", op, src+i)
			h.nulTerminate(end+i, dhi)
			return
		}
		b := loadByte(src + i)
		if b == 0 {
			h.nulTerminate(end+i, dhi)
			return
		}
		if end+i >= dhi {
			h.reportf("%s write past destination block at %#x", op, end+i)
			return
		}
		storeByte(end+i, b)
	}
	h.nulTerminate(end+n, dhi)
}

func (h *Heap) nulTerminate(at, hi uintptr) {
	if at < hi {
		storeByte(at, 0)
	}
}
