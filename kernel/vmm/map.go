package vmm

import (
	"fmt"

	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/pmm"
)

// Map installs mappings for the virtual range [va, va+size) to the
// physical range starting at pa, within the page directory at pgdirPA.
// When size is exactly mem.HugeSize the whole range is installed as a
// single 4 MiB directory entry carrying perm plus the present and permHuge
// bits; otherwise it is installed as ordinary 4 KiB leaf entries, one per
// page. va and size need not be page-aligned for the small-page case; for
// the huge-page case va is rounded down to its 4 MiB boundary and pa is
// used as given, so pa must already be 4 MiB aligned.
//
// Mapping over an already-present entry is a kernel bug, not a runtime
// condition the caller can recover from, and panics exactly as the
// reference implementation's "remap" panic does.
func Map(buddy *pmm.Buddy, pgdirPA uintptr, va uintptr, size uintptr, pa uintptr, perm Perm) *kernel.Error {
	if size == mem.HugeSize {
		return mapHuge(pgdirPA, va, pa, perm)
	}
	return mapSmall(buddy, pgdirPA, va, size, pa, perm)
}

func mapSmall(buddy *pmm.Buddy, pgdirPA uintptr, va uintptr, size uintptr, pa uintptr, perm Perm) *kernel.Error {
	a := mem.RoundDown(va, mem.PageSize)
	last := mem.RoundDown(va+size-1, mem.PageSize)

	for {
		ptePA, kerr := Walk(buddy, pgdirPA, a, true)
		if kerr != nil {
			return kerr
		}
		if entry(readWord(ptePA)).present() {
			panic(fmt.Sprintf("vmm: remap at va=0x%x", a))
		}
		writeWord(ptePA, uintptr(makeEntry(pa, perm|PermPresent)))

		if a == last {
			break
		}
		a += mem.PageSize
		pa += mem.PageSize
	}
	return nil
}

// mapHuge installs a single 4 MiB page-directory entry. Note that ptePA
// addressing used by mapSmall (table-base + index) doesn't apply here:
// the directory entry itself is the mapping.
func mapHuge(pgdirPA uintptr, va uintptr, pa uintptr, perm Perm) *kernel.Error {
	a := pageDirAlign(va)
	pde := readEntry(pgdirPA, pdx(a))
	if pde.present() {
		panic(fmt.Sprintf("vmm: remap at va=0x%x", a))
	}
	writeEntry(pgdirPA, pdx(a), makeEntry(pa, perm|PermPresent|permHuge))
	return nil
}
