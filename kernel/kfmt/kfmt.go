// Package kfmt is the console-print diagnostics sink spec.md lists as an
// external collaborator. It mirrors gopher-os's kernel/kfmt package: a thin
// Printf wrapper that the rest of the kernel calls instead of fmt directly,
// so tests can capture or silence kernel diagnostics by swapping PrintfFn.
package kfmt

import "fmt"

// PrintfFn is the function used by Printf. Tests that don't want allocator
// stats cluttering `go test -v` output can replace it with a no-op.
var PrintfFn = func(format string, args ...interface{}) {
	fmt.Printf(format, args...)
}

// Printf writes a formatted diagnostic message via PrintfFn.
func Printf(format string, args ...interface{}) {
	PrintfFn(format, args...)
}
