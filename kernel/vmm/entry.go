// Package vmm implements the two-level x86-32 paging layer: a page
// directory of 1024 entries, each either pointing at a 1024-entry leaf
// table of 4 KiB mappings or, with PSE, describing a single 4 MiB mapping
// directly. It sits on top of kernel/pmm for the physical pages backing
// every directory, leaf table and user page.
package vmm

import "github.com/eharrigan/xv6-huge-pages/kernel/mem"

const (
	// pdxShift/ptxShift split a 32-bit virtual address into a directory
	// index, a table index and a page offset: [10 bits PDX][10 bits
	// PTX][12 bits offset].
	pdxShift = 22
	ptxShift = 12

	// entriesPerTable is the number of entries in a page directory or a
	// leaf page table.
	entriesPerTable = 1024

	entryIndexMask = entriesPerTable - 1

	// addrMask clears the low 12 flag bits of a directory/table entry.
	// Huge-page directory entries rely on their physical address already
	// being 4 MiB aligned, exactly like the reference PTE_ADDR macro.
	addrMask = ^uintptr(mem.PageSize - 1)
)

// Perm is the set of access-permission bits attached to a mapping. They
// line up with the x86 PDE/PTE Present/Writable/User bits.
type Perm uint32

const (
	PermPresent Perm = 1 << 0
	PermWrite   Perm = 1 << 1
	PermUser    Perm = 1 << 2
	// permHuge marks a directory entry as a 4 MiB mapping (the PS bit);
	// it is derived automatically by Map rather than passed by callers.
	permHuge Perm = 1 << 7
)

// entry is a single page-directory or page-table entry: a physical address
// with its flag bits packed into the low 12 bits, matching the x86 PDE/PTE
// layout exactly.
type entry uintptr

func makeEntry(pa uintptr, perm Perm) entry {
	return entry(pa) | entry(perm)
}

func (e entry) present() bool { return e&entry(PermPresent) != 0 }
func (e entry) huge() bool    { return e&entry(permHuge) != 0 }
func (e entry) addr() uintptr { return uintptr(e) & addrMask }

// pdx returns the page-directory index for virtual address va.
func pdx(va uintptr) uintptr { return (va >> pdxShift) & entryIndexMask }

// ptx returns the leaf page-table index for virtual address va.
func ptx(va uintptr) uintptr { return (va >> ptxShift) & entryIndexMask }

// pageDirAlign rounds va down to the start of the 4 MiB region it falls
// in, the granularity a huge-page directory entry maps.
func pageDirAlign(va uintptr) uintptr { return mem.RoundDown(va, mem.HugeSize) }

// readEntry/writeEntry load and store a single directory/table entry at
// physical address tablePA, index i.
func readEntry(tablePA uintptr, i uintptr) entry {
	return entry(readWord(tablePA + i*8))
}

func writeEntry(tablePA uintptr, i uintptr, e entry) {
	writeWord(tablePA+i*8, uintptr(e))
}

func readWord(pa uintptr) uintptr {
	b := mem.Bytes(pa, 8)
	var v uintptr
	for i := 7; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v
}

func writeWord(pa uintptr, v uintptr) {
	b := mem.Bytes(pa, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
