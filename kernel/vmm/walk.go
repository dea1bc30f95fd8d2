package vmm

import (
	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/pmm"
)

// ErrNoMapping is returned by Walk when create is false and no leaf table
// covers va. The higher-level operations built on Walk that expect such a
// mapping to exist (LoadUser, CopyUser) panic instead of returning it.
var ErrNoMapping = &kernel.Error{Module: "vmm", Message: "no such mapping"}

// Walk returns the physical address of the page-table entry for virtual
// address va within the page directory at pgdirPA. If the directory entry
// is absent and create is true, a fresh, zeroed leaf table is allocated
// from buddy and installed with generous (writable, user) permissions; the
// entry's own permission bits further restrict access. If create is false
// and no leaf table exists, ErrNoMapping is returned.
func Walk(buddy *pmm.Buddy, pgdirPA uintptr, va uintptr, create bool) (uintptr, *kernel.Error) {
	pde := readEntry(pgdirPA, pdx(va))

	var tablePA uintptr
	if pde.present() {
		if pde.huge() {
			// A huge directory entry has no leaf table: the "PTE" for a
			// huge mapping is the directory entry itself.
			return pgdirPA + pdx(va)*8, nil
		}
		tablePA = pde.addr()
	} else {
		if !create {
			return 0, ErrNoMapping
		}
		var kerr *kernel.Error
		tablePA, kerr = buddy.Alloc(mem.PageSize)
		if kerr != nil {
			return 0, kerr
		}
		mem.Memset(tablePA, 0, mem.PageSize)
		writeEntry(pgdirPA, pdx(va), makeEntry(tablePA, PermPresent|PermWrite|PermUser))
	}

	return tablePA + ptx(va)*8, nil
}
