// Package physmem provides a flat, contiguous stand-in for physical RAM.
//
// On bare metal the allocator and paging layers this module implements
// treat physical addresses as directly dereferenceable uintptrs once the
// kernel's identity mapping is active. To keep that code testable on a
// hosted Go toolchain we back the "physical address space" with a single
// mmap-ed anonymous region, the same trick google/periph's host/pmem
// package uses to hand out physically-backed memory to user-space Go code.
// Every physical address used by kernel/mem, kernel/pmm and kernel/vmm is
// an offset into this arena rather than a real machine address.
package physmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a fixed-size mmap-backed region standing in for physical RAM.
type Arena struct {
	mem []byte
}

// New allocates an anonymous, zeroed mmap region of the given size.
func New(size int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	return &Arena{mem: mem}, nil
}

// Close releases the underlying mapping. Safe to call on a nil Arena.
func (a *Arena) Close() error {
	if a == nil || a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Size returns the arena's total capacity in bytes.
func (a *Arena) Size() uintptr { return uintptr(len(a.mem)) }

// contains reports whether [pa, pa+n) lies entirely within the arena.
func (a *Arena) contains(pa uintptr, n uintptr) bool {
	return pa <= a.Size() && n <= a.Size()-pa
}

// Bytes returns a byte slice view of n bytes starting at physical address pa.
// It panics if the requested range falls outside the arena, mirroring the
// fact that on real hardware this would be a fatal addressing bug.
func (a *Arena) Bytes(pa uintptr, n int) []byte {
	if !a.contains(pa, uintptr(n)) {
		panic(fmt.Sprintf("physmem: address range [0x%x, 0x%x) out of bounds (arena size 0x%x)", pa, pa+uintptr(n), a.Size()))
	}
	return a.mem[pa : pa+uintptr(n) : pa+uintptr(n)]
}

// Ptr returns an unsafe.Pointer to physical address pa, for code that needs
// to overlay a Go value (e.g. a []uint64 bitmap slice) directly onto arena
// storage the way gopher-os's bitmap allocator overlays reflect.SliceHeader
// onto boot memory.
func (a *Arena) Ptr(pa uintptr) unsafe.Pointer {
	if pa > a.Size() {
		panic(fmt.Sprintf("physmem: address 0x%x out of bounds (arena size 0x%x)", pa, a.Size()))
	}
	return unsafe.Pointer(&a.mem[pa])
}

// Memset fills n bytes starting at physical address pa with value v.
func (a *Arena) Memset(pa uintptr, v byte, n int) {
	b := a.Bytes(pa, n)
	for i := range b {
		b[i] = v
	}
}

// Memcopy copies n bytes from physical address src to physical address dst.
// The source and destination ranges must not overlap.
func (a *Arena) Memcopy(dst, src uintptr, n int) {
	copy(a.Bytes(dst, n), a.Bytes(src, n))
}
