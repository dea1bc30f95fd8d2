// Package fsio declares the file-image reading contract that LoadUser
// depends on. The filesystem itself is out of scope for this module (see
// spec's Non-goals); fsio exists only so LoadUser can be exercised and
// tested against a fake without pulling in a real filesystem.
package fsio

// Reader reads length bytes of a file image starting at offset into dst,
// returning the number of bytes actually read. It is the Go rendering of
// the reference kernel's `read(file, dst, offset, len) -> bytes_read`;
// length is implicit in len(dst) rather than a separate parameter, the one
// place this module simplifies an external signature to fit an idiomatic
// Go reader shape.
type Reader interface {
	Read(file interface{}, dst []byte, offset uint32) (int, error)
}
