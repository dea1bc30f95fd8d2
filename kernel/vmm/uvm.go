package vmm

import (
	"github.com/eharrigan/xv6-huge-pages/kernel"
	"github.com/eharrigan/xv6-huge-pages/kernel/fsio"
	"github.com/eharrigan/xv6-huge-pages/kernel/kfmt"
	"github.com/eharrigan/xv6-huge-pages/kernel/mem"
	"github.com/eharrigan/xv6-huge-pages/kernel/pmm"
)

// ErrUnreadableSegment is returned by LoadUser when the backing file image
// yields fewer bytes than the requested tile needs.
var ErrUnreadableSegment = &kernel.Error{Module: "vmm", Message: "unreadable file segment"}

// ErrAddressRange is returned by GrowUser when the requested size would
// exceed UserTop.
var ErrAddressRange = &kernel.Error{Module: "vmm", Message: "address exceeds user top"}

// ErrBadUserAddress is returned by CopyOut when a user virtual address
// isn't present and user-accessible.
var ErrBadUserAddress = &kernel.Error{Module: "vmm", Message: "user address not present or not accessible"}

// InitUser loads the first user process's initcode at virtual address 0.
// code must fit in a single page. Failure here can only mean the allocator
// ran out of memory during known-good early boot, which callers treat as
// fatal rather than attempting recovery (spec.md §7).
func InitUser(buddy *pmm.Buddy, pgdirPA uintptr, code []byte) *kernel.Error {
	if uintptr(len(code)) > mem.PageSize {
		panic("vmm: InitUser: initcode larger than a page")
	}
	pa, kerr := buddy.Alloc(mem.PageSize)
	if kerr != nil {
		return kerr
	}
	mem.Memset(pa, 0, mem.PageSize)
	if kerr := Map(buddy, pgdirPA, 0, mem.PageSize, pa, PermWrite|PermUser); kerr != nil {
		buddy.Free(pa)
		return kerr
	}
	copy(mem.Bytes(pa, len(code)), code)
	return nil
}

// LoadUser reads sz bytes of a program segment from r/file at the given
// file offset into the already-mapped virtual range [va, va+sz). The
// caller must ensure that range is mapped (e.g. via GrowUser) before
// calling; an unmapped tile is a caller bug and panics, matching loaduvm's
// own "address should exist" panic.
func LoadUser(buddy *pmm.Buddy, pgdirPA uintptr, va uintptr, r fsio.Reader, file interface{}, offset uint32, sz uint32) *kernel.Error {
	if va%mem.PageSize != 0 {
		panic("vmm: LoadUser: address must be page aligned")
	}

	diff := uint32(mem.PageSize)
	for i := uint32(0); i < sz; i += diff {
		addr := va + uintptr(i)
		pde := readEntry(pgdirPA, pdx(addr))

		var pa uintptr
		if pde.present() && pde.huge() {
			diff = mem.HugeSize
			pa = pde.addr()
		} else {
			ptePA, kerr := Walk(buddy, pgdirPA, addr, false)
			if kerr != nil {
				panic("vmm: LoadUser: address should exist")
			}
			pte := entry(readWord(ptePA))
			if !pte.present() {
				panic("vmm: LoadUser: address should exist")
			}
			pa = pte.addr()
			diff = mem.PageSize
		}

		n := diff
		if sz-i < diff {
			n = sz - i
		}
		got, err := r.Read(file, mem.Bytes(pa, int(n)), offset+i)
		if err != nil || uint32(got) != n {
			return ErrUnreadableSegment
		}
	}
	return nil
}

// GrowUser grows a process's memory from oldSz to newSz, allocating and
// mapping fresh zeroed pages. At each step it prefers a huge allocation
// when the current address is 4 MiB aligned and the whole requested growth
// is at least HugeSize, falling back to a small page if that allocation
// fails. Note that, matching the reference implementation, the "enough
// space left" check is evaluated once against the total growth size, not
// against bytes actually remaining in the loop.
//
// Any failure rolls the whole grow back via ShrinkUser and returns 0 along
// with the error (ErrOutOfMemory or a mapping error) — the caller observes a
// zero-valued newSz exactly as allocuvm's callers do.
func GrowUser(buddy *pmm.Buddy, pgdirPA uintptr, oldSz, newSz uintptr) (uintptr, *kernel.Error) {
	if newSz > UserTop {
		return 0, ErrAddressRange
	}
	if newSz < oldSz {
		return oldSz, nil
	}

	a := mem.RoundUp(oldSz, mem.PageSize)
	bytesToGrow := mem.RoundUp(newSz, mem.PageSize) - a

	for a < newSz {
		diff := uintptr(mem.PageSize)
		if a%mem.HugeSize == 0 && bytesToGrow >= mem.HugeSize {
			diff = mem.HugeSize
		}

		pa, kerr := buddy.Alloc(diff)
		if kerr != nil && diff == mem.HugeSize {
			diff = mem.PageSize
			pa, kerr = buddy.Alloc(diff)
		}
		if kerr != nil {
			kfmt.Printf("allocuvm out of memory\n")
			ShrinkUser(buddy, pgdirPA, newSz, oldSz)
			return 0, pmm.ErrOutOfMemory
		}

		mem.Memset(pa, 0, uint32(diff))
		if kerr := Map(buddy, pgdirPA, a, diff, pa, PermWrite|PermUser); kerr != nil {
			buddy.Free(pa)
			ShrinkUser(buddy, pgdirPA, newSz, oldSz)
			return 0, kerr
		}

		a += diff
	}
	return newSz, nil
}

// ShrinkUser deallocates user pages to bring a process's memory from oldSz
// down to newSz, walking from round_up(newSz) to oldSz. Absent entries are
// a no-op (oldSz is allowed to overstate actual mappings); a present entry
// with a null physical address is a fatal inconsistency. A huge directory
// entry is cleared once its frame is freed, so a later ShrinkUser or
// FreeSpace over the same range never reclaims that frame a second time.
func ShrinkUser(buddy *pmm.Buddy, pgdirPA uintptr, oldSz, newSz uintptr) uintptr {
	if newSz >= oldSz {
		return oldSz
	}

	for a := mem.RoundUp(newSz, mem.PageSize); a < oldSz; {
		pde := readEntry(pgdirPA, pdx(a))
		if pde.present() && pde.huge() {
			pa := pde.addr()
			if pa == 0 {
				panic("vmm: ShrinkUser: freeing null frame")
			}
			buddy.Free(pa)
			writeEntry(pgdirPA, pdx(a), 0)
			a += mem.HugeSize
			continue
		}

		ptePA, kerr := Walk(buddy, pgdirPA, a, false)
		if kerr == nil {
			pte := entry(readWord(ptePA))
			if pte.present() {
				pa := pte.addr()
				if pa == 0 {
					panic("vmm: ShrinkUser: freeing null frame")
				}
				buddy.Free(pa)
				writeWord(ptePA, 0)
			}
		}
		a += mem.PageSize
	}
	return newSz
}

// FreeSpace tears down an entire address space: every user mapping, every
// non-huge leaf table page, and the directory itself.
func FreeSpace(buddy *pmm.Buddy, pgdirPA uintptr) {
	if pgdirPA == 0 {
		panic("vmm: FreeSpace: no pgdir")
	}
	ShrinkUser(buddy, pgdirPA, UserTop, 0)

	for i := uintptr(0); i < entriesPerTable; i++ {
		e := readEntry(pgdirPA, i)
		if e.present() && !e.huge() {
			buddy.Free(e.addr())
		}
	}
	buddy.Free(pgdirPA)
}

// CopyUser builds a complete duplicate of a process's address space: a
// fresh kernel skeleton, a tile-for-tile copy of [PageSize, sz) (page 0,
// the initcode page, is intentionally excluded, matching copyuvm), and a
// separate copy of the user stack range [stackLow, UserTop). Any
// allocation or mapping failure tears the partial destination down via
// FreeSpace and returns a nil directory.
func CopyUser(buddy *pmm.Buddy, srcPgdirPA uintptr, sz uintptr, stackLow uintptr, kmap []KernelMapEntry) (uintptr, *kernel.Error) {
	dstPgdirPA, kerr := InitKernelSpace(buddy, kmap)
	if kerr != nil {
		return 0, kerr
	}

	fail := func(kerr *kernel.Error) (uintptr, *kernel.Error) {
		FreeSpace(buddy, dstPgdirPA)
		return 0, kerr
	}

	kerr = WalkMapped(srcPgdirPA, mem.PageSize, sz, func(t Tile) *kernel.Error {
		var srcPA uintptr
		if t.Huge {
			srcPA = readEntry(srcPgdirPA, pdx(t.VA)).addr()
		} else {
			ptePA, kerr := Walk(buddy, srcPgdirPA, t.VA, false)
			if kerr != nil {
				panic("vmm: CopyUser: pte should exist")
			}
			pte := entry(readWord(ptePA))
			if !pte.present() {
				panic("vmm: CopyUser: page not present")
			}
			srcPA = pte.addr()
		}

		dstPA, kerr := buddy.Alloc(t.Size)
		if kerr != nil {
			return kerr
		}
		mem.Memcopy(dstPA, srcPA, uint32(t.Size))
		return Map(buddy, dstPgdirPA, t.VA, t.Size, dstPA, PermWrite|PermUser)
	})
	if kerr != nil {
		return fail(kerr)
	}

	for j := stackLow; j < UserTop; j += mem.PageSize {
		ptePA, kerr := Walk(buddy, srcPgdirPA, j, false)
		if kerr != nil {
			panic("vmm: CopyUser: stack pte should exist")
		}
		pte := entry(readWord(ptePA))
		if !pte.present() {
			panic("vmm: CopyUser: stack page not present")
		}

		dstPA, kerr2 := buddy.Alloc(mem.PageSize)
		if kerr2 != nil {
			return fail(kerr2)
		}
		mem.Memcopy(dstPA, pte.addr(), mem.PageSize)
		if kerr2 := Map(buddy, dstPgdirPA, j, mem.PageSize, dstPA, PermWrite|PermUser); kerr2 != nil {
			return fail(kerr2)
		}
	}

	return dstPgdirPA, nil
}
