package vmm

import (
	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/cpu"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/pmm"
)

// UserTop is the first virtual address not available to user code; above
// it lies the I/O hole and kernel-only region every address space shares.
// It is a package variable rather than a constant because the hosted
// simulation sizes it to fit whatever arena a test builds, the way the
// reference kernel fixes it to a boot-time constant (USERTOP) instead.
var UserTop uintptr = 512 * mem.PageSize

// KernelMapEntry is one row of the static kernel address-space table:
// a virtual range identity-mapped to the same physical range with a fixed
// permission, the source for setup_kernel_space's per-entry mapping calls.
type KernelMapEntry struct {
	Start uintptr
	End   uintptr
	Perm  Perm
}

// DefaultKernelMap returns the kmap table described in spec.md §4.F: an
// I/O-space window, kernel text+rodata (read-only), kernel data+heap
// (writable, the bulk of managed memory) and, only when the arena extends
// past Bounds, a fourth device-mappings row; otherwise the table has three
// rows. The first three rows partition [Base, Bounds) in the same
// proportions as the reference kmap[] (a small I/O window, a modest
// text/rodata slice, and data+memory taking the remainder); the device
// window is the slice of the underlying arena above Bounds left over by
// HugeSize rounding, i.e. physically outside the region the buddy
// allocator manages — the same relationship the reference kmap has between
// its device row (based at a fixed high address past PHYSTOP) and the rest
// of managed RAM. A hosted build has no ELF-loaded kernel image to anchor
// the real addresses to, so all of this is rescaled to the caller's
// allocator bounds rather than the reference's fixed constants.
func DefaultKernelMap(buddy *pmm.Buddy) []KernelMapEntry {
	base, bounds := buddy.Base(), buddy.Bounds()
	region := bounds - base

	ioEnd := base + region/8
	textEnd := ioEnd + region/4

	entries := []KernelMapEntry{
		{Start: base, End: ioEnd, Perm: PermWrite},     // I/O space
		{Start: ioEnd, End: textEnd, Perm: 0},          // kernel text, rodata: read-only
		{Start: textEnd, End: bounds, Perm: PermWrite}, // kernel data, memory
	}

	if arenaSize := mem.Arena().Size(); arenaSize > bounds {
		entries = append(entries, KernelMapEntry{Start: bounds, End: arenaSize, Perm: PermWrite}) // device mappings
	}
	return entries
}

// InitKernelSpace allocates a zeroed page directory and installs every
// entry of kmap into it via Map, identity-mapping each virtual range onto
// the same physical range. It returns the directory's physical address.
func InitKernelSpace(buddy *pmm.Buddy, kmap []KernelMapEntry) (uintptr, *kernel.Error) {
	pgdirPA, kerr := buddy.Alloc(mem.PageSize)
	if kerr != nil {
		return 0, kerr
	}
	mem.Memset(pgdirPA, 0, mem.PageSize)

	for _, e := range kmap {
		if e.End <= e.Start {
			continue
		}
		if kerr := Map(buddy, pgdirPA, e.Start, e.End-e.Start, e.Start, e.Perm); kerr != nil {
			return 0, kerr
		}
	}
	return pgdirPA, nil
}

// SwitchKernelSpace loads the kernel-only directory into the MMU's
// address-space register, for when no process is running. Interrupts are
// disabled for the duration, matching the reference switchkvm's implicit
// assumption that it never races a context switch.
func SwitchKernelSpace(kernelPgdirPA uintptr) {
	cpu.DisableInterrupts()
	cpu.LoadPageDirectory(kernelPgdirPA)
	cpu.EnableInterrupts()
}

// SwitchUserSpace points the task-state segment's kernel-mode stack at
// kstackTop and loads pgdirPA into the MMU, the two things that must happen
// together whenever the scheduler resumes a process, mirroring switchuvm.
func SwitchUserSpace(pgdirPA uintptr, kstackTop uintptr) {
	cpu.DisableInterrupts()
	cpu.LoadTSS(kstackTop)
	cpu.LoadPageDirectory(pgdirPA)
	cpu.EnableInterrupts()
}

// EnablePaging turns on paging and the page-size extension that makes huge
// directory entries honored by the MMU.
func EnablePaging() {
	cpu.EnablePSEAndPaging()
}
