// Package kernel holds the types shared by every other package in this
// module: the kernel-wide error type and nothing else. Keeping it
// dependency-free lets every other package (mem, pmm, vmm, cpu, sync)
// import it without risking an import cycle.
package kernel

import "fmt"

// Error is returned by operations that can fail for reasons a caller can
// recover from (out of memory, a missing mapping, an unreadable file
// segment). Operations that can only fail due to a programming bug panic
// instead of returning an *Error.
type Error struct {
	Module  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Module, e.Message)
}
