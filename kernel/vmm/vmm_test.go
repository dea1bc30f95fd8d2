package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eharrigan/xv6-huge-pages/kernel/hal/physmem"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/pmm"
)

// newTestSpace builds a buddy allocator over nHuge huge blocks plus a
// fresh kernel page directory, and sets UserTop generously above whatever
// range a test wants to grow into.
func newTestSpace(t *testing.T, nHuge int, userTop uintptr) (*pmm.Buddy, uintptr) {
	t.Helper()
	size := mem.HugeSize*nHuge + mem.HugeSize
	arena, err := physmem.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	b := &pmm.Buddy{}
	kerr := b.Init(arena, 4096)
	require.Nil(t, kerr)

	prevTop := UserTop
	UserTop = userTop
	t.Cleanup(func() { UserTop = prevTop })

	pgdirPA, kerr := InitKernelSpace(b, nil)
	require.Nil(t, kerr)

	return b, pgdirPA
}

func TestHugeThenTouch(t *testing.T) {
	b, pgdirPA := newTestSpace(t, 4, 16*mem.HugeSize)

	newSz, kerr := GrowUser(b, pgdirPA, 0, 2*mem.HugeSize)
	require.Nil(t, kerr)
	require.Equal(t, uintptr(2*mem.HugeSize), newSz)

	e0 := readEntry(pgdirPA, pdx(0))
	e1 := readEntry(pgdirPA, pdx(mem.HugeSize))
	require.True(t, e0.present() && e0.huge())
	require.True(t, e1.present() && e1.huge())

	pa0, ok := Translate(pgdirPA, 0)
	require.True(t, ok)
	mem.Bytes(pa0, 1)[0] = 1

	pa1, ok := Translate(pgdirPA, mem.HugeSize+40)
	require.True(t, ok)
	mem.Bytes(pa1, 1)[0] = 1
}

// splitAndHalfFree allocates two order-(MaxOrder-1) blocks and frees back
// the first, so each call keeps exactly one half-huge block allocated. The
// first block's buddy is always still held when it is freed: either it came
// off area[MaxOrder-1], whose blocks never have a free buddy, or it is the
// left half of a fresh split whose right half is the second block. Its free
// therefore never recoalesces into area[MaxOrder], whichever list each
// allocation was served from.
func splitAndHalfFree(t *testing.T, b *pmm.Buddy) {
	t.Helper()
	half := uintptr(mem.HugeSize / 2)
	a, kerr := b.Alloc(half)
	require.Nil(t, kerr)
	bb, kerr := b.Alloc(half)
	require.Nil(t, kerr)
	_ = bb
	b.Free(a)
}

func TestHugeFallback(t *testing.T) {
	b, pgdirPA := newTestSpace(t, 3, 16*mem.HugeSize)

	// The page directory already split block 0. Keeping three half-huge
	// blocks takes the other two huge blocks off area[MaxOrder] as well,
	// leaving 3*512-1 pages of free capacity spread across lower orders.
	splitAndHalfFree(t, b)
	splitAndHalfFree(t, b)
	splitAndHalfFree(t, b)
	require.True(t, b.FreeListEmpty(mem.MaxOrder))

	newSz, kerr := GrowUser(b, pgdirPA, 0, mem.HugeSize)
	require.Nil(t, kerr)
	require.Equal(t, uintptr(mem.HugeSize), newSz)

	pde := readEntry(pgdirPA, pdx(0))
	require.True(t, pde.present())
	require.False(t, pde.huge())

	tablePA := pde.addr()
	for _, idx := range []uintptr{0, 1, 1023} {
		pte := readEntry(tablePA, idx)
		require.True(t, pte.present())
		require.NotZero(t, pte&entry(PermUser))
		require.NotZero(t, pte&entry(PermWrite))
	}
}

func TestGrowThenShrinkRestoresFreeCapacity(t *testing.T) {
	b, pgdirPA := newTestSpace(t, 1, 16*mem.HugeSize)

	before := b.FreeBytes()

	newSz, kerr := GrowUser(b, pgdirPA, 0, 3*mem.PageSize)
	require.Nil(t, kerr)
	require.Equal(t, uintptr(3*mem.PageSize), newSz)
	require.Less(t, b.FreeBytes(), before)

	got := ShrinkUser(b, pgdirPA, newSz, 0)
	require.Equal(t, uintptr(0), got)

	// The leaf table page allocated by the grow is not reclaimed by
	// ShrinkUser (only FreeSpace reclaims leaf tables), so free bytes are
	// short by exactly one page relative to the pre-grow baseline.
	require.Equal(t, before-uintptr(mem.PageSize), b.FreeBytes())
}

func TestRollbackOnGrowFailure(t *testing.T) {
	b, pgdirPA := newTestSpace(t, 1, 16*mem.HugeSize)

	// Establish one mapped page at va 0 so the leaf table for directory
	// index 0 already exists; the failure path below then touches only
	// data frames, making "restored to identical state" exact rather than
	// off by the one-time leaf-table allocation.
	_, kerr := GrowUser(b, pgdirPA, 0, mem.PageSize)
	require.Nil(t, kerr)

	// Exhaust the allocator down to exactly 3 free pages.
	var held []uintptr
	for b.FreeBytes() > 3*mem.PageSize {
		p, kerr := b.Alloc(mem.PageSize)
		require.Nil(t, kerr)
		held = append(held, p)
	}
	require.Equal(t, uintptr(3*mem.PageSize), b.FreeBytes())

	before := b.FreeBytes()
	newSz, kerr := GrowUser(b, pgdirPA, mem.PageSize, mem.PageSize+8*mem.PageSize)
	require.NotNil(t, kerr)
	require.Equal(t, uintptr(0), newSz)
	require.Equal(t, before, b.FreeBytes())

	_, ok := Translate(pgdirPA, 2*mem.PageSize)
	require.False(t, ok)

	for _, p := range held {
		b.Free(p)
	}
}

func TestForkPreservesContents(t *testing.T) {
	// GrowUser maps both [0, 4 MiB) and [4 MiB, 8 MiB) as huge pages here,
	// and CopyUser needs a huge block for each of them again, so the arena
	// holds five huge blocks (block 0 is split by the page directories).
	b, pgdirPA := newTestSpace(t, 5, 16*mem.HugeSize)

	sz := uintptr(5 * 1024 * 1024)
	newSz, kerr := GrowUser(b, pgdirPA, 0, sz)
	require.Nil(t, kerr)
	require.Equal(t, sz, newSz)

	pattern := byte(0xAB)
	for va := uintptr(mem.PageSize); va < sz; va += mem.PageSize {
		pa, ok := Translate(pgdirPA, va)
		require.True(t, ok)
		mem.Bytes(pa, 1)[0] = pattern
	}

	stackLow := sz - mem.PageSize
	dstPgdirPA, kerr := CopyUser(b, pgdirPA, sz, stackLow, nil)
	require.Nil(t, kerr)

	checkVA := uintptr(2 * mem.PageSize)
	srcPA, ok := Translate(pgdirPA, checkVA)
	require.True(t, ok)
	dstPA, ok := Translate(dstPgdirPA, checkVA)
	require.True(t, ok)
	require.Equal(t, pattern, mem.Bytes(dstPA, 1)[0])

	mem.Bytes(srcPA, 1)[0] = 0xFF
	require.Equal(t, pattern, mem.Bytes(dstPA, 1)[0], "write through src must not be observed through dst")
}

func TestCopyOutStraddlesTileBoundary(t *testing.T) {
	b, pgdirPA := newTestSpace(t, 2, 16*mem.HugeSize)

	_, kerr := GrowUser(b, pgdirPA, 0, mem.HugeSize)
	require.Nil(t, kerr)
	_, kerr = GrowUser(b, pgdirPA, mem.HugeSize, mem.HugeSize+mem.PageSize)
	require.Nil(t, kerr)

	e0 := readEntry(pgdirPA, pdx(0))
	require.True(t, e0.present() && e0.huge())
	e1 := readEntry(pgdirPA, pdx(mem.HugeSize))
	require.True(t, e1.present() && !e1.huge())

	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	kerr = CopyOut(pgdirPA, mem.HugeSize-16, buf)
	require.Nil(t, kerr)

	paHuge, ok := Translate(pgdirPA, mem.HugeSize-16)
	require.True(t, ok)
	require.Equal(t, buf[:16], mem.Bytes(paHuge, 16))

	paSmall, ok := Translate(pgdirPA, mem.HugeSize)
	require.True(t, ok)
	require.Equal(t, buf[16:], mem.Bytes(paSmall, 16))
}
