package vmm

import (
	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
)

// CopyOut copies buf into the user virtual range starting at userVA within
// the address space rooted at pgdirPA, one tile at a time. Each tile's
// size is whatever directory entry currently covers userVA (huge or
// small); the copy never crosses into memory outside the addressed range
// even when consecutive tiles differ in size. Fails without writing
// anything past the failing tile if any tile along the way isn't present
// and user-accessible.
func CopyOut(pgdirPA uintptr, userVA uintptr, buf []byte) *kernel.Error {
	va := userVA
	remaining := len(buf)
	off := 0

	for remaining > 0 {
		pde := readEntry(pgdirPA, pdx(va))
		tile := uintptr(mem.PageSize)
		tileBase := mem.RoundDown(va, mem.PageSize)
		if pde.present() && pde.huge() {
			tile = mem.HugeSize
			tileBase = pageDirAlign(va)
		}

		pa, ok := Translate(pgdirPA, tileBase)
		if !ok {
			return ErrBadUserAddress
		}

		n := int(tile - (va - tileBase))
		if n > remaining {
			n = remaining
		}

		copy(mem.Bytes(pa+(va-tileBase), n), buf[off:off+n])

		remaining -= n
		off += n
		va = tileBase + tile
	}
	return nil
}
