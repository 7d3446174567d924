package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpan builds a small span over memory pinned on the Go heap, enough for
// freelist and index arithmetic without an OS reservation.
func fakeSpan(t *testing.T, objSize uintptr, backing *[]byte) *span {
	t.Helper()
	*backing = make([]byte, 2*pageSize)
	base := alignUp(uintptr(unsafe.Pointer(&(*backing)[0])), pageSize)
	s := &span{
		first:          addrToPage(base),
		npages:         1,
		kind:           spanSmall,
		state:          spanInUse,
		objSize8:       uint32(objSize / 8),
		objectsPerSpan: uint16(pageSize / objSize),
	}
	return s
}

func TestSpan_FreelistCarve(t *testing.T) {
	var backing []byte
	s := fakeSpan(t, 128, &backing)
	s.initFreelist()

	seen := map[uintptr]bool{}
	for i := 0; i < int(s.objectsPerSpan); i++ {
		obj := s.popObject()
		require.NotZero(t, obj, "object %d", i)
		require.False(t, seen[obj], "object %#x handed out twice", obj)
		require.Zero(t, (obj-s.start())%128, "object %#x misaligned in span", obj)
		seen[obj] = true
	}
	assert.Zero(t, s.popObject(), "exhausted span returns nothing")
	assert.Equal(t, s.objectsPerSpan, s.allocated)
}

func TestSpan_FreelistLIFO(t *testing.T) {
	var backing []byte
	s := fakeSpan(t, 64, &backing)
	s.initFreelist()

	a := s.popObject()
	b := s.popObject()
	s.pushObject(a)
	assert.Equal(t, a, s.popObject(), "freelist is LIFO")
	s.pushObject(b)
	s.pushObject(a)
	assert.Equal(t, uint16(0), s.allocated)
}

func TestSpan_FirstObjectIsSpanStart(t *testing.T) {
	var backing []byte
	s := fakeSpan(t, 256, &backing)
	s.initFreelist()
	assert.Equal(t, s.start(), s.popObject(), "carve order starts at the lowest address")
}

func TestSpan_ChunkIndex(t *testing.T) {
	var backing []byte
	s := fakeSpan(t, 128, &backing)

	idx, exact := s.chunkIndex(s.start())
	assert.Zero(t, idx)
	assert.True(t, exact)

	idx, exact = s.chunkIndex(s.start() + 128*3)
	assert.Equal(t, uintptr(3), idx)
	assert.True(t, exact)

	idx, exact = s.chunkIndex(s.start() + 128*3 + 40)
	assert.Equal(t, uintptr(3), idx)
	assert.False(t, exact, "interior pointer is not a chunk start")

	lo, hi := s.chunkRange(s.start() + 128*3 + 40)
	assert.Equal(t, s.start()+128*3, lo)
	assert.Equal(t, s.start()+128*4, hi)
}

func TestSpan_Fragmentation(t *testing.T) {
	s := &span{first: 1000, npages: 4}
	assert.Equal(t, uintptr(3*pageSize), s.fragmentation(100),
		"a 100-byte object pins one page; three are overhead")
	assert.Zero(t, s.fragmentation(4*pageSize), "fully used span has no overhead")
}

func TestSpanList_Ops(t *testing.T) {
	var l spanList
	a := &span{first: 1}
	b := &span{first: 2}
	c := &span{first: 3}

	assert.True(t, l.isEmpty())
	l.pushFront(a)
	l.pushFront(b)
	l.pushFront(c)

	l.remove(b)
	assert.Equal(t, c, l.popFront())
	assert.Equal(t, a, l.popFront())
	assert.True(t, l.isEmpty())
	assert.Nil(t, l.popFront())
}
