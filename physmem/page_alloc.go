// Package physmem manages the machine's physical memory: the simulated RAM
// and the page allocator that hands out physically contiguous, page-aligned
// runs from a bounded arena.
package physmem

import (
	"fmt"
	"log/slog"
	"sync"

	"mazmm/klog"
	"mazmm/mem"
)

const module = "pagealloc"

// Slot values of the page state table.
const (
	// Free marks an unallocated page.
	Free uint32 = 0

	// Continuation marks an interior page of a multi-page run.
	// Any other value is the page count of the run that starts there.
	Continuation uint32 = ^uint32(0)
)

// Backing is the physical memory the allocator zero-fills and copies.
type Backing interface {
	Contains(addr uintptr, n uint64) bool
	Zero(addr uintptr, n uint64)
	Copy(dst, src uintptr, n uint64)
}

// PageAllocator hands out page runs from [base, base+pages*PageSize).
//
// The state table has one slot per page in the arena and is sized from the
// arena itself, so small machines don't pay for a fixed ceiling.
type PageAllocator struct {
	mu sync.Mutex

	ram    Backing
	base   uintptr
	states []uint32
	used   uint64 // pages currently in runs

	log *slog.Logger
}

// New creates an allocator over capacityPages pages starting at base.
func New(ram Backing, base uintptr, capacityPages uint64) (*PageAllocator, error) {
	pa := &PageAllocator{}
	if err := pa.Initialize(ram, base, capacityPages); err != nil {
		return nil, err
	}
	return pa, nil
}

// Initialize clears the state table and records the arena base. No page is
// reserved; firmware regions must be claimed explicitly with MarkUsed.
func (pa *PageAllocator) Initialize(ram Backing, base uintptr, capacityPages uint64) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	if !mem.IsAligned(base, uintptr(mem.PageSize)) {
		return mem.Fatalf(module, mem.InvalidAddress, "arena base 0x%x is not page aligned", base)
	}
	if capacityPages == 0 || capacityPages >= uint64(Continuation) {
		return mem.Fatalf(module, mem.InvalidAddress, "arena of %d pages is not supported", capacityPages)
	}
	if ram == nil || !ram.Contains(base, capacityPages*uint64(mem.PageSize)) {
		return mem.Fatalf(module, mem.InvalidAddress,
			"arena [0x%x, +%d pages) is not backed by RAM", base, capacityPages)
	}

	pa.ram = ram
	pa.base = base
	pa.states = make([]uint32, capacityPages)
	pa.used = 0
	pa.log = klog.With(module)

	pa.log.Info("arena initialized",
		"base", fmt.Sprintf("0x%x", base),
		"pages", capacityPages,
		"size", (mem.Size(capacityPages) * mem.PageSize).String())
	return nil
}

// index converts a physical address into a slot index. ok is false if addr
// is unaligned or outside the arena.
func (pa *PageAllocator) index(addr uintptr) (int, bool) {
	if addr < pa.base || !mem.IsAligned(addr, uintptr(mem.PageSize)) {
		return 0, false
	}
	idx := uint64(addr-pa.base) >> mem.PageShift
	if idx >= uint64(len(pa.states)) {
		return 0, false
	}
	return int(idx), true
}

func (pa *PageAllocator) address(idx int) uintptr {
	return pa.base + uintptr(idx)<<mem.PageShift
}

// findRun returns the index of the first run of n free slots (first-fit), or -1.
func (pa *PageAllocator) findRun(n int) int {
	runStart, runLen := 0, 0
	for i := 0; i < len(pa.states); {
		s := pa.states[i]
		if s == Free {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			if runLen == n {
				return runStart
			}
			i++
			continue
		}

		// Skip the whole allocated run in one step
		runLen = 0
		if s == Continuation {
			i++
		} else {
			i += int(s)
		}
	}
	return -1
}

func (pa *PageAllocator) claim(idx, n int) {
	pa.states[idx] = uint32(n)
	for j := idx + 1; j < idx+n; j++ {
		pa.states[j] = Continuation
	}
	pa.used += uint64(n)
}

// AllocateRun reserves pageCount physically contiguous pages and returns the
// address of the first one. A zero-length request still reserves one page.
// Failure is reported as a fatal OutOfMemory: the page allocator is the
// bottom of the stack and has no fallback.
func (pa *PageAllocator) AllocateRun(pageCount int) (uintptr, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.allocateLocked(pageCount)
}

func (pa *PageAllocator) allocateLocked(pageCount int) (uintptr, error) {
	if pageCount < 1 {
		pageCount = 1
	}
	if pa.states == nil {
		return 0, mem.Fatalf(module, mem.OutOfMemory, "allocator is not initialized")
	}
	if uint64(pageCount) > uint64(len(pa.states))-pa.used {
		return 0, mem.Fatalf(module, mem.OutOfMemory,
			"requested %d pages, only %d free", pageCount, uint64(len(pa.states))-pa.used)
	}

	idx := pa.findRun(pageCount)
	if idx < 0 {
		return 0, mem.Fatalf(module, mem.OutOfMemory, "no contiguous run of %d pages", pageCount)
	}
	pa.claim(idx, pageCount)
	return pa.address(idx), nil
}

// MarkUsed reserves pages (e.g. firmware regions) so they are never handed
// out. The range must be page aligned, inside the arena and currently free.
func (pa *PageAllocator) MarkUsed(addr uintptr, pages int) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	if pages < 1 {
		return nil
	}
	idx, ok := pa.index(addr)
	if !ok || idx+pages > len(pa.states) {
		return mem.Errorf(module, mem.InvalidAddress,
			"reserve [0x%x, +%d pages) is outside the arena", addr, pages)
	}
	for j := idx; j < idx+pages; j++ {
		if pa.states[j] != Free {
			return mem.Errorf(module, mem.InvalidAddress,
				"reserve [0x%x, +%d pages): page 0x%x already in use", addr, pages, pa.address(j))
		}
	}
	pa.claim(idx, pages)
	return nil
}

// Free releases the run starting at addr, zero-fills its pages and returns
// the number of bytes reclaimed. Unaligned addresses, addresses outside the
// arena and addresses that are not the head of a run are ignored: a stray
// free must never take down an unrelated caller.
func (pa *PageAllocator) Free(addr uintptr) uint64 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.freeLocked(addr)
}

func (pa *PageAllocator) freeLocked(addr uintptr) uint64 {
	idx, ok := pa.index(addr)
	if !ok {
		pa.warn("ignoring free of address outside the arena", addr)
		return 0
	}
	n := pa.states[idx]
	if n == Free || n == Continuation {
		pa.warn("ignoring free of address that does not start a run", addr)
		return 0
	}

	bytes := uint64(n) << mem.PageShift
	// Zero the pages (security: prevent data leakage)
	pa.ram.Zero(addr, bytes)
	for j := idx; j < idx+int(n); j++ {
		pa.states[j] = Free
	}
	pa.used -= uint64(n)
	return bytes
}

// Reallocate resizes the run at addr to hold newSize bytes. If the run is
// already large enough the address is returned unchanged; otherwise a new
// run is allocated, min(old, new) bytes copied and the old run freed. There
// is no attempt to grow in place.
func (pa *PageAllocator) Reallocate(addr uintptr, newSize mem.Size) (uintptr, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	if addr == 0 {
		return pa.allocateLocked(int(newSize.Pages()))
	}

	oldPages := pa.runPagesLocked(addr)
	if oldPages == 0 {
		return 0, mem.Errorf(module, mem.InvalidAddress, "reallocate 0x%x: not the head of a run", addr)
	}
	newPages := int(newSize.Pages())
	if oldPages >= newPages {
		return addr, nil
	}

	next, err := pa.allocateLocked(newPages)
	if err != nil {
		return 0, err
	}
	pa.ram.Copy(next, addr, uint64(min(oldPages, newPages))<<mem.PageShift)
	pa.freeLocked(addr)
	return next, nil
}

// RunPages returns the length of the run starting at addr, or 0 if addr
// does not start a run.
func (pa *PageAllocator) RunPages(addr uintptr) int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.runPagesLocked(addr)
}

func (pa *PageAllocator) runPagesLocked(addr uintptr) int {
	idx, ok := pa.index(addr)
	if !ok {
		return 0
	}
	n := pa.states[idx]
	if n == Free || n == Continuation {
		return 0
	}
	return int(n)
}

// Base returns the first physical address of the arena.
func (pa *PageAllocator) Base() uintptr {
	return pa.base
}

// Contains reports whether addr lies inside the arena.
func (pa *PageAllocator) Contains(addr uintptr) bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return addr >= pa.base && uint64(addr-pa.base) < uint64(len(pa.states))<<mem.PageShift
}

// TotalPages returns the arena capacity in pages.
func (pa *PageAllocator) TotalPages() uint64 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return uint64(len(pa.states))
}

// UsedPages returns the number of pages currently in runs.
func (pa *PageAllocator) UsedPages() uint64 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.used
}

// FreePages returns the number of unallocated pages.
func (pa *PageAllocator) FreePages() uint64 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return uint64(len(pa.states)) - pa.used
}

// States returns a copy of the page state table.
func (pa *PageAllocator) States() []uint32 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return append([]uint32(nil), pa.states...)
}

// Check verifies the state table: every run head is followed by exactly
// count-1 continuation slots, no continuation is orphaned, and runs plus
// free slots account for every page.
func (pa *PageAllocator) Check() error {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	var used, free uint64
	for i := 0; i < len(pa.states); {
		s := pa.states[i]
		switch s {
		case Free:
			free++
			i++
		case Continuation:
			return fmt.Errorf("pagealloc: orphaned continuation at page %d", i)
		default:
			if i+int(s) > len(pa.states) {
				return fmt.Errorf("pagealloc: run of %d pages at page %d overruns the arena", s, i)
			}
			for j := i + 1; j < i+int(s); j++ {
				if pa.states[j] != Continuation {
					return fmt.Errorf("pagealloc: run at page %d broken at page %d (slot %d)", i, j, pa.states[j])
				}
			}
			used += uint64(s)
			i += int(s)
		}
	}
	if used != pa.used {
		return fmt.Errorf("pagealloc: used counter %d disagrees with table %d", pa.used, used)
	}
	if used+free != uint64(len(pa.states)) {
		return fmt.Errorf("pagealloc: %d used + %d free != %d pages", used, free, len(pa.states))
	}
	return nil
}

func (pa *PageAllocator) warn(msg string, addr uintptr) {
	if pa.log != nil {
		pa.log.Warn(msg, "addr", fmt.Sprintf("0x%x", addr))
	}
}
