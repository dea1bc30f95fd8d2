// Package mem defines the page-size/order constants shared by the buddy
// allocator and the paging layer, plus the alignment and bulk-memory helpers
// built on top of the physical memory arena (kernel/hal/physmem).
package mem

import "github.com/eharrigan/xv6-huge-pages/kernel/hal/physmem"

const (
	// PageShift is the base-2 exponent of PageSize.
	PageShift = 12
	// PageSize is the base (order-0) page size: 4 KiB.
	PageSize = 1 << PageShift
	// MaxOrder is the highest buddy order. Order MaxOrder blocks are huge
	// pages.
	MaxOrder = 10
	// HugeSize is the size of an order-MaxOrder block: 4 MiB.
	HugeSize = PageSize << MaxOrder
)

// Size is a byte count, used the way gopher-os's kernel/mem.Size is used:
// mostly to make call sites self-documenting.
type Size uintptr

// Pages returns the number of base pages that fit in sz, rounded down.
func (sz Size) Pages() uint32 { return uint32(sz / PageSize) }

// Align rounds v up to the next multiple of alignment, which must be a
// power of two.
func Align(v uintptr, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

// RoundUp rounds v up to the next multiple of alignment.
func RoundUp(v uintptr, alignment uintptr) uintptr { return Align(v, alignment) }

// RoundDown rounds v down to the previous multiple of alignment.
func RoundDown(v uintptr, alignment uintptr) uintptr {
	return v &^ (alignment - 1)
}

// arena is the process-wide physical memory backing store. It is installed
// once at boot by SetArena, mirroring gopher-os's pattern of a package-level
// singleton behind a one-shot initializer (see kernel/mem/physical in the
// teacher package and this module's own kernel/pmm.Buddy).
var arena *physmem.Arena

// SetArena installs the physical memory arena used by Memset/Memcopy. It
// must be called once, before any allocator or paging code runs.
func SetArena(a *physmem.Arena) { arena = a }

// Arena returns the installed physical memory arena.
func Arena() *physmem.Arena { return arena }

// Memset fills n bytes at physical address pa with v.
func Memset(pa uintptr, v byte, n uint32) { arena.Memset(pa, v, int(n)) }

// Memcopy copies n bytes from physical address src to physical address dst.
func Memcopy(dst, src uintptr, n uint32) { arena.Memcopy(dst, src, int(n)) }

// Bytes returns a byte slice view of n bytes starting at physical address pa.
func Bytes(pa uintptr, n int) []byte { return arena.Bytes(pa, n) }
