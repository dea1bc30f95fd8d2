// Package sync provides the spinlock primitive spec.md names as an external
// collaborator ("Spinlock primitive: init, acquire, release"). Its contract
// is the one used throughout this module: a single spinlock serializes all
// access to the buddy allocator, and interrupts on the current CPU are
// disabled for the duration of the critical section.
package sync

import (
	"sync/atomic"

	"github.com/eharrigan/xv6-huge-pages/kernel/cpu"
)

// Spinlock is a simple spinning mutual-exclusion lock. Unlike sync.Mutex it
// never parks a goroutine: Lock spins on a CAS loop, matching the "no
// suspension, only spins" rule spec.md §5 requires of kernel locks. The
// struct embeds Spinlock directly in allocator state the way the goose-e
// fork of gopher-os embeds kernel/sync.Spinlock in its bitmap allocator.
type Spinlock struct {
	state int32
}

const (
	unlocked = 0
	locked   = 1
)

// Lock disables interrupts on the current CPU and spins until the lock is
// acquired.
func (s *Spinlock) Lock() {
	cpu.DisableInterrupts()
	for !atomic.CompareAndSwapInt32(&s.state, unlocked, locked) {
		// busy-wait; a real kernel would issue a PAUSE instruction here.
	}
}

// Unlock releases the lock and restores the prior interrupt state.
func (s *Spinlock) Unlock() {
	atomic.StoreInt32(&s.state, unlocked)
	cpu.EnableInterrupts()
}
