// Command pgstat builds an allocator and kernel address space over a
// hosted mmap arena, runs a small scripted sequence of grow/shrink/fork
// operations, and prints allocator statistics before and after — the
// Go-idiomatic analogue of kalloc.c's print_allocator(), run here as an
// ordinary hosted binary rather than from the kernel's own console.
package main

import (
	"os"

	"github.com/eharrigan/xv6-huge-pages/kernel/hal/physmem"
	"github.com/eharrigan/xv6-huge-pages/kernel/kfmt"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/pmm"
	"github.com/eharrigan/xv6-huge-pages/kernel/vmm"
)

const arenaHugeBlocks = 8

func main() {
	arena, err := physmem.New(mem.HugeSize * (arenaHugeBlocks + 1))
	if err != nil {
		kfmt.Printf("pgstat: %s\n", err)
		os.Exit(1)
	}
	defer arena.Close()

	buddy := &pmm.Buddy{}
	if kerr := buddy.Init(arena, mem.PageSize); kerr != nil {
		kfmt.Printf("pgstat: buddy init: %s\n", kerr)
		os.Exit(1)
	}

	printStats("after init", buddy)

	pgdirPA, kerr := vmm.InitKernelSpace(buddy, vmm.DefaultKernelMap(buddy))
	if kerr != nil {
		kfmt.Printf("pgstat: init kernel space: %s\n", kerr)
		os.Exit(1)
	}
	printStats("after InitKernelSpace", buddy)

	// User memory must stay below vmm.UserTop, and the kernel rows of
	// DefaultKernelMap start at Base, above it. The top page below UserTop
	// serves as the user stack that CopyUser duplicates separately.
	userSz := vmm.UserTop
	newSz, kerr := vmm.GrowUser(buddy, pgdirPA, 0, userSz)
	if kerr != nil {
		kfmt.Printf("pgstat: GrowUser: %s\n", kerr)
		os.Exit(1)
	}
	kfmt.Printf("GrowUser(0, %#x) -> %#x\n", userSz, newSz)
	printStats("after GrowUser", buddy)

	stackLow := newSz - mem.PageSize
	childPgdirPA, kerr := vmm.CopyUser(buddy, pgdirPA, stackLow, stackLow, vmm.DefaultKernelMap(buddy))
	if kerr != nil {
		kfmt.Printf("pgstat: CopyUser: %s\n", kerr)
		os.Exit(1)
	}
	kfmt.Printf("CopyUser -> child pgdir %#x\n", childPgdirPA)
	printStats("after CopyUser", buddy)

	vmm.FreeSpace(buddy, childPgdirPA)
	kfmt.Printf("FreeSpace(child)\n")
	printStats("after FreeSpace(child)", buddy)

	vmm.ShrinkUser(buddy, pgdirPA, newSz, 0)
	vmm.FreeSpace(buddy, pgdirPA)
	kfmt.Printf("ShrinkUser + FreeSpace(parent)\n")
	printStats("after teardown", buddy)
}

// printStats reports free block counts per order and total free bytes,
// the fields kalloc.c's print_allocator dumps per order.
func printStats(label string, buddy *pmm.Buddy) {
	kfmt.Printf("--- %s ---\n", label)
	for order := uint8(0); order <= mem.MaxOrder; order++ {
		n := buddy.FreeCount(order)
		if n == 0 {
			continue
		}
		kfmt.Printf("  order %2d (%7d bytes/block): %d free\n", order, uintptr(mem.PageSize)<<order, n)
	}
	kfmt.Printf("  total free: %d bytes (%d pages)\n", buddy.FreeBytes(), buddy.FreeBytes()/mem.PageSize)
}
