package vmm

import "github.com/eharrigan/xv6-huge-pages/kernel/mem"

// Translate maps a user virtual address to its backing physical address,
// honoring both huge and small mappings. It returns ok=false if the
// address isn't mapped present and user-accessible, mirroring the
// reference implementation's uva2ka (which rejects kernel-only pages the
// same way a user-mode access fault would).
func Translate(pgdirPA uintptr, va uintptr) (pa uintptr, ok bool) {
	pde := readEntry(pgdirPA, pdx(va))
	if pde.huge() && pde.present() {
		if pde&entry(PermUser) == 0 {
			return 0, false
		}
		return pde.addr() + (va - pageDirAlign(va)), true
	}
	if !pde.present() {
		return 0, false
	}

	pte := readEntry(pde.addr(), ptx(va))
	if !pte.present() || pte&entry(PermUser) == 0 {
		return 0, false
	}
	return pte.addr() + (va - mem.RoundDown(va, mem.PageSize)), true
}
