// Package pmm implements the physical page allocator: a buddy allocator
// over a contiguous region of physical memory, serving power-of-two-sized
// page blocks from PageSize up to HugeSize. It is the sole source of
// page-table pages and user-memory pages for package vmm.
package pmm

import (
	"unsafe"

	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/hal/physmem"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/sync"
)

// ErrOutOfMemory is returned by Alloc when no free block of a suitable
// order is available.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// freeArea holds the bookkeeping for a single allocation order: its
// intrusive free list plus the allocated/split bitmaps described in
// spec.md §3. split is nil for order 0, which has no split bit.
type freeArea struct {
	freeList  mem.FreeList
	allocated mem.Bitmap
	split     mem.Bitmap
}

// Buddy is the physical page allocator. The zero value is not usable;
// call Init first.
type Buddy struct {
	mu sync.Spinlock

	base   uintptr
	bounds uintptr

	areas [mem.MaxOrder + 1]freeArea
}

// Init bootstraps the allocator over the region [round_up(kernelEnd,
// HugeSize), round_down(arena.Size(), HugeSize)). Bitmap storage for every
// order is bump-allocated from the [kernelEnd, BASE) gap and overlaid
// directly onto arena memory (no heap allocation after Init), mirroring
// gopher-os's reflect.SliceHeader-based bitmap placement.
func (b *Buddy) Init(arena *physmem.Arena, kernelEnd uintptr) *kernel.Error {
	mem.SetArena(arena)

	b.base = mem.RoundUp(kernelEnd, mem.HugeSize)
	b.bounds = mem.RoundDown(arena.Size(), mem.HugeSize)
	if b.bounds <= b.base {
		return ErrOutOfMemory
	}
	regionSize := b.bounds - b.base

	var words [mem.MaxOrder + 1]uint32
	var totalBytes uintptr
	for order := mem.MaxOrder; ; order-- {
		blockSize := uintptr(mem.PageSize) << order
		nPages := uint32(regionSize / blockSize)
		w := (nPages + 63) >> 6
		words[order] = w
		totalBytes += uintptr(w) * 8 // allocated bitmap
		if order != 0 {
			totalBytes += uintptr(w) * 8 // split bitmap
		}
		if order == 0 {
			break
		}
	}

	if kernelEnd+totalBytes > b.base {
		// The reference allocator trusts that the gap between kernel_end
		// and BASE is large enough; on real hardware it always is. In this
		// hosted simulation a caller that shrinks the arena or kernelEnd
		// gap too far has made a configuration error, not a runtime one.
		panic("pmm: gap between kernelEnd and BASE is too small for the buddy bitmaps")
	}

	arena.Memset(kernelEnd, 0, int(totalBytes))

	offset := kernelEnd
	for order := mem.MaxOrder; ; order-- {
		b.areas[order].allocated = overlayBitmap(arena, offset, words[order])
		offset += uintptr(words[order]) * 8
		if order != 0 {
			b.areas[order].split = overlayBitmap(arena, offset, words[order])
			offset += uintptr(words[order]) * 8
		}
		if order == 0 {
			break
		}
	}

	blockSize := uintptr(mem.HugeSize)
	blockCount := regionSize / blockSize
	for i := blockCount; i > 0; i-- {
		b.areas[mem.MaxOrder].freeList.Push(b.base + (i-1)*blockSize)
	}

	return nil
}

// overlayBitmap returns a Go []uint64 view over n words of arena storage
// starting at physical address offset.
func overlayBitmap(arena *physmem.Arena, offset uintptr, words uint32) mem.Bitmap {
	if words == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(arena.Ptr(offset)), int(words))
}

// Base returns the first physical address managed by the allocator.
func (b *Buddy) Base() uintptr { return b.base }

// Bounds returns the address one past the last byte managed by the
// allocator.
func (b *Buddy) Bounds() uintptr { return b.bounds }

func (b *Buddy) orderSize(order uint8) uintptr { return uintptr(mem.PageSize) << order }

func (b *Buddy) index(p uintptr, order uint8) uint32 {
	return uint32((p - b.base) / b.orderSize(order))
}

func (b *Buddy) addressOf(index uint32, order uint8) uintptr {
	return b.base + uintptr(index)*b.orderSize(order)
}

// minOrder returns the smallest order whose block size is >= n. The
// reference implementation's loop condition ("while size < n") is already
// the "smallest order with size >= n" rule, despite the design note's
// discussion of how easy it is to misread; we implement it directly rather
// than the off-by-one variant the note warns readers away from.
func minOrder(n uintptr) uint8 {
	order := uint8(0)
	size := uintptr(mem.PageSize)
	for size < n {
		order++
		size <<= 1
	}
	return order
}

// Alloc reserves a block able to hold nBytes and returns its physical
// address. It returns ErrOutOfMemory if no block is available, including
// when nBytes exceeds HugeSize.
func (b *Buddy) Alloc(nBytes uintptr) (uintptr, *kernel.Error) {
	m := minOrder(nBytes)
	if m > mem.MaxOrder {
		return 0, ErrOutOfMemory
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := m
	for i <= mem.MaxOrder && b.areas[i].freeList.Empty() {
		i++
	}
	if i > mem.MaxOrder {
		return 0, ErrOutOfMemory
	}

	p := b.areas[i].freeList.Pop()
	b.areas[i].allocated.Set(b.index(p, i))

	// Split down to the requested order. The left half keeps the
	// allocated bookkeeping so Free can later recover the order without a
	// separate size record (spec.md §4.C).
	for i > m {
		b.areas[i].split.Set(b.index(p, i))
		q := p + b.orderSize(i-1)
		b.areas[i-1].allocated.Set(b.index(p, i-1))
		b.areas[i-1].freeList.Push(q)
		i--
	}

	return p, nil
}

// orderOf returns the order at which p is currently allocated, found by
// walking up from order 1 looking for the first ancestor whose split bit
// covering p is set. If no ancestor is split, p is a MaxOrder allocation.
func (b *Buddy) orderOf(p uintptr) uint8 {
	for k := uint8(1); k <= mem.MaxOrder; k++ {
		if b.areas[k].split.IsSet(b.index(p, k)) {
			return k - 1
		}
	}
	return mem.MaxOrder
}

// Free releases a block previously returned by Alloc, coalescing with its
// buddy chain as far as possible. Freeing an address that isn't currently
// allocated (a double free) is silently ignored. An invalid pointer — one
// outside [Base, Bounds) or not page-aligned — is a distinct, more serious
// error: unlike a double free it can't be told apart from a live block by
// inspecting allocator state, so it panics instead of being absorbed,
// matching kfree's own precondition check in the reference allocator
// (spec.md §7 lists this as a kernel-bug condition caught before the buddy
// layer's coalescing logic ever runs).
func (b *Buddy) Free(p uintptr) {
	if p < b.base || p >= b.bounds || p%mem.PageSize != 0 {
		panic("pmm: Free: invalid pointer")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sz := b.orderOf(p)
	if !b.areas[sz].allocated.IsSet(b.index(p, sz)) {
		return
	}

	i := sz
	for {
		idx := b.index(p, i)
		b.areas[i].allocated.Clear(idx)

		if i == mem.MaxOrder {
			// No order above MaxOrder exists to merge into, and there is
			// no split_bits[MaxOrder+1] to consult or clear.
			break
		}

		var buddyIdx uint32
		if idx%2 == 0 {
			buddyIdx = idx + 1
		} else {
			buddyIdx = idx - 1
		}
		if b.areas[i].allocated.IsSet(buddyIdx) {
			break
		}

		buddyAddr := b.addressOf(buddyIdx, i)
		b.areas[i].freeList.Remove(buddyAddr)
		if buddyIdx%2 == 0 {
			p = buddyAddr
		}
		b.areas[i+1].split.Clear(b.index(p, i+1))
		i++
	}

	b.areas[i].freeList.Push(p)
}

// FreeListEmpty reports whether the free list for the given order has no
// blocks. Exposed for stats/diagnostics tooling (cmd/pgstat) and tests.
func (b *Buddy) FreeListEmpty(order uint8) bool {
	return b.areas[order].freeList.Empty()
}

// FreeCount returns the number of blocks currently in the free list for
// the given order. Exposed for stats/diagnostics tooling (cmd/pgstat) and
// tests; it walks the list rather than maintaining a separate counter, the
// same trade gopher-os's allocator makes for its own stats helpers.
func (b *Buddy) FreeCount(order uint8) int {
	n := 0
	b.areas[order].freeList.Walk(func(uintptr) { n++ })
	return n
}

// FreeBytes returns the total number of bytes currently free across every
// order.
func (b *Buddy) FreeBytes() uintptr {
	var total uintptr
	for order := uint8(0); order <= mem.MaxOrder; order++ {
		total += uintptr(b.FreeCount(order)) * b.orderSize(order)
	}
	return total
}
