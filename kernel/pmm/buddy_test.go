package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eharrigan/xv6-huge-pages/kernel/hal/physmem"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
)

// newTestBuddy returns a Buddy managing nHuge huge-page blocks, backed by a
// freshly mmap-ed arena, plus that arena; the arena is closed through
// t.Cleanup. kernelEnd is left at a small
// fixed offset so the bitmap bump region has ample room.
func newTestBuddy(t *testing.T, nHuge int) (*Buddy, *physmem.Arena) {
	t.Helper()
	size := mem.HugeSize*nHuge + mem.HugeSize // extra room for kernelEnd rounding
	arena, err := physmem.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	b := &Buddy{}
	kerr := b.Init(arena, 4096)
	require.Nil(t, kerr)
	return b, arena
}

func TestInitThreadsAllHugeBlocksOntoMaxOrderFreeList(t *testing.T) {
	b, _ := newTestBuddy(t, 3)
	require.False(t, b.FreeListEmpty(mem.MaxOrder))

	var got []uintptr
	for !b.FreeListEmpty(mem.MaxOrder) {
		p, err := b.Alloc(mem.HugeSize)
		require.Nil(t, err)
		got = append(got, p)
	}
	require.Len(t, got, 3)

	_, err := b.Alloc(mem.HugeSize)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestAllocNoAliasing(t *testing.T) {
	b, _ := newTestBuddy(t, 2)

	seen := map[uintptr]bool{}
	for i := 0; i < 64; i++ {
		p, err := b.Alloc(mem.PageSize)
		require.Nil(t, err)
		require.False(t, seen[p], "address 0x%x handed out twice while still live", p)
		seen[p] = true
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	p, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	b.Free(p)

	q, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	require.Equal(t, p, q, "freeing then re-requesting the same size should hand back the same block")
}

func TestFullCoalescingRestoresInitialFreeListShape(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	require.False(t, b.FreeListEmpty(mem.MaxOrder))

	pages := make([]uintptr, 0, 1<<mem.MaxOrder)
	for {
		p, err := b.Alloc(mem.PageSize)
		if err != nil {
			break
		}
		pages = append(pages, p)
	}
	require.True(t, b.FreeListEmpty(mem.MaxOrder))

	for _, p := range pages {
		b.Free(p)
	}

	require.False(t, b.FreeListEmpty(mem.MaxOrder), "freeing every page-order block should fully coalesce back to one huge block")
	for order := uint8(0); order < mem.MaxOrder; order++ {
		require.True(t, b.FreeListEmpty(order), "order %d free list should be empty after full coalescing", order)
	}
}

func TestOrderRecoveryAfterSplit(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	p, err := b.Alloc(3 * mem.PageSize) // needs order 2 (16 KiB, covers 12 KiB)
	require.Nil(t, err)
	require.Equal(t, uint8(2), b.orderOf(p))

	q, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	require.Equal(t, uint8(0), b.orderOf(q))
}

func TestMonotoneExhaustion(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	n := 1 << mem.MaxOrder
	for i := 0; i < n; i++ {
		_, err := b.Alloc(mem.PageSize)
		require.Nilf(t, err, "allocation %d of %d should succeed before exhaustion", i, n)
	}
	_, err := b.Alloc(mem.PageSize)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestBuddyPairingMergesOnlyWithTrueBuddy(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	a, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	c, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	require.NotEqual(t, a, c)

	// a and c are not guaranteed buddies; force a known buddy pair with two
	// order-0 allocations from a fresh allocator, which must be the two
	// halves of the same order-1 block since nothing else has run.
	b2, _ := newTestBuddy(t, 1)
	left, err := b2.Alloc(mem.PageSize)
	require.Nil(t, err)
	right, err := b2.Alloc(mem.PageSize)
	require.Nil(t, err)
	require.Equal(t, left+mem.PageSize, right, "first two order-0 allocations from a fresh arena must be buddies")

	b2.Free(left)
	require.False(t, b2.FreeListEmpty(0), "freeing only one buddy must leave it on the order-0 free list, not coalesce")

	// Every other half split off on the way down is still free, so freeing
	// the second buddy coalesces all the way back to the whole huge block.
	b2.Free(right)
	require.False(t, b2.FreeListEmpty(mem.MaxOrder), "freeing both buddies must coalesce back into the huge block")
	require.True(t, b2.FreeListEmpty(0))
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	p, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	b.Free(p)
	require.NotPanics(t, func() { b.Free(p) })
}

func TestAllocLargerThanHugeSizeFails(t *testing.T) {
	b, _ := newTestBuddy(t, 1)
	_, err := b.Alloc(mem.HugeSize + 1)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestFreeRejectsInvalidPointers(t *testing.T) {
	b, _ := newTestBuddy(t, 1)

	require.Panics(t, func() { b.Free(b.Base() - mem.PageSize) }, "below Base")
	require.Panics(t, func() { b.Free(b.Bounds()) }, "at Bounds")
	require.Panics(t, func() { b.Free(b.Bounds() + mem.HugeSize) }, "past Bounds")
	require.Panics(t, func() { b.Free(b.Base() + 1) }, "misaligned but in bounds")

	p, err := b.Alloc(mem.PageSize)
	require.Nil(t, err)
	require.NotPanics(t, func() { b.Free(p) }, "a real block address must still free cleanly")
}
