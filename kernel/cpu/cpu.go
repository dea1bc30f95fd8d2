// Package cpu stands in for the CPU primitives spec.md lists as external
// collaborators: control-register access, GDT/TSS loading, TLB
// invalidation, and interrupt masking. On bare metal these are a handful of
// inline-assembly instructions; gopher-os exposes them as package-level
// function variables (cpu.ReadCR2, cpu.FlushTLBEntry, ...) so that code
// calling them can be unit tested on a hosted toolchain by swapping the
// variable out. We follow the same pattern; the default implementations
// below are safe, host-observable simulations rather than real assembly.
package cpu

import "sync/atomic"

var intrDepth int32

// DisableInterrupts masks interrupts on the current (simulated) CPU. Nested
// calls are balanced by EnableInterrupts, mirroring xv6's pushcli/popcli.
var DisableInterrupts = func() {
	atomic.AddInt32(&intrDepth, 1)
}

// EnableInterrupts unmasks interrupts once the outermost DisableInterrupts
// call has been matched.
var EnableInterrupts = func() {
	atomic.AddInt32(&intrDepth, -1)
}

// InterruptsDisabled reports whether the simulated CPU currently has
// interrupts masked. Exposed for tests asserting that a spinlock critical
// section runs with interrupts off.
func InterruptsDisabled() bool { return atomic.LoadInt32(&intrDepth) > 0 }

// FlushTLBEntry invalidates the TLB entry for the given virtual address.
// The hosted simulation has no TLB to flush; it exists purely so that
// callers go through the same indirection the bare-metal build would.
var FlushTLBEntry = func(vaddr uintptr) {}

// currentPageDirectory records the physical address most recently loaded by
// LoadPageDirectory, so SwitchKernelSpace/SwitchUserSpace are observable in
// tests without real CR3 access.
var currentPageDirectory uintptr

// LoadPageDirectory loads the MMU's address-space register (CR3 on x86)
// with the physical address of a page directory.
var LoadPageDirectory = func(pa uintptr) {
	currentPageDirectory = pa
}

// CurrentPageDirectory returns the physical address last passed to
// LoadPageDirectory.
func CurrentPageDirectory() uintptr { return currentPageDirectory }

// pseEnabled records whether EnablePSEAndPaging has run.
var pseEnabled bool

// EnablePSEAndPaging sets the CPU's page-size-extension flag (CR4.PSE) and
// the paging-enable flag (CR0.PG), the x86-32 sequence that makes 4 MiB
// PTE_PS directory entries valid huge-page mappings.
var EnablePSEAndPaging = func() {
	pseEnabled = true
}

// PSEEnabled reports whether EnablePSEAndPaging has run.
func PSEEnabled() bool { return pseEnabled }

// kernelStackTop records the value most recently passed to LoadTSS, the
// simulated analogue of cpu.ts.esp0.
var kernelStackTop uintptr

// LoadTSS updates the task-state segment's ring-0 stack pointer so that a
// trap into the kernel while running the given process continues on its
// kernel stack, mirroring switchuvm's cpu->ts.esp0 assignment.
var LoadTSS = func(kstackTop uintptr) {
	kernelStackTop = kstackTop
}

// KernelStackTop returns the value most recently passed to LoadTSS.
func KernelStackTop() uintptr { return kernelStackTop }
