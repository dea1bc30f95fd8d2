package vmm

import (
	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
)

// Tile is a single mapping unit seen while walking an address range: either
// one small page or one huge page, depending on the directory entry that
// currently covers it.
type Tile struct {
	VA   uintptr
	Size uintptr
	Huge bool
}

// WalkMapped factors out the pattern repeated by LoadUser, ShrinkUser,
// CopyUser and CopyOut: "inspect the covering directory entry; if it's
// huge take a HugeSize step, else take a PageSize step." Of those, only
// CopyUser's main loop calls it; the others keep their own loops. fn is
// called once per tile in [start, end); the first tile's VA is start even
// when start lies inside a huge tile, and each later tile begins on its own
// tile boundary. Returning an error from fn stops the walk and propagates
// the error.
func WalkMapped(pgdirPA uintptr, start, end uintptr, fn func(Tile) *kernel.Error) *kernel.Error {
	for va := start; va < end; {
		pde := readEntry(pgdirPA, pdx(va))
		huge := pde.present() && pde.huge()
		size := uintptr(mem.PageSize)
		if huge {
			size = mem.HugeSize
		}
		if err := fn(Tile{VA: va, Size: size, Huge: huge}); err != nil {
			return err
		}
		va = mem.RoundDown(va, size) + size
	}
	return nil
}
