// Package memory is the composition root of the memory-management core. It
// boots the page allocator, the address space and the kernel heap in that
// order and exposes them to the rest of the kernel through one Manager.
package memory

import (
	"errors"
	"fmt"
	"log/slog"

	"mazmm/heap"
	"mazmm/klog"
	"mazmm/mem"
	"mazmm/paging"
	"mazmm/physmem"
)

const module = "memory"

// RAM is the physical memory the manager runs on.
type RAM interface {
	physmem.Backing
	paging.PhysicalMemory
	ReadAt(p []byte, addr uintptr)
	WriteAt(p []byte, addr uintptr)
}

// Manager owns the three allocators. Lock order when layers nest: heap,
// then address space, then page allocator. Lower layers never call up.
type Manager struct {
	cfg Config

	ram   RAM
	cpu   paging.CPU
	pages *physmem.PageAllocator
	space *paging.AddressSpace
	heap  *heap.Heap

	log *slog.Logger
}

// Boot brings the memory manager up on a machine whose CPU already runs on
// the bootloader's page tables. Every error it returns carries the fatal
// marker: there is nothing to fall back to this early.
func Boot(cfg Config, ram RAM, cpu paging.CPU, info BootInfo) (*Manager, error) {
	m := &Manager{cfg: cfg, ram: ram, cpu: cpu, log: klog.With(module)}

	if err := cfg.Validate(); err != nil {
		return nil, mem.Fatalf(module, mem.InvalidAddress, "%v", err)
	}
	if !mem.IsAligned(info.ArenaBase, uintptr(mem.PageSize)) || info.ArenaSize < uint64(mem.PageSize) {
		return nil, mem.Fatalf(module, mem.InvalidAddress,
			"arena 0x%x (+%d) is not a page aligned run of pages", info.ArenaBase, info.ArenaSize)
	}

	pages, err := physmem.New(ram, info.ArenaBase, info.ArenaSize/uint64(mem.PageSize))
	if err != nil {
		return nil, bootFailure("page allocator", err)
	}
	m.pages = pages

	for _, r := range info.Reserved {
		if err := m.reserve(r); err != nil {
			return nil, bootFailure("reserve firmware range", err)
		}
	}

	m.space = paging.New(cpu, ram, pages)
	if err := m.space.Initialize(); err != nil {
		return nil, bootFailure("address space", err)
	}

	initial := uint64(mem.AlignUp(uintptr(cfg.HeapInitialSize), uintptr(mem.PageSize)))
	grower := &heapGrower{pages: pages, space: m.space, log: m.log}
	if _, err := grower.Grow(cfg.HeapBase, initial); err != nil {
		return nil, bootFailure("map initial heap", err)
	}

	m.heap = heap.New(virtualMemory{space: m.space, ram: ram}, grower, cfg.heapConfig())
	if err := m.heap.Initialize(cfg.HeapBase, initial); err != nil {
		return nil, bootFailure("heap", err)
	}

	m.log.Info("memory manager up",
		"arena", fmt.Sprintf("0x%x", info.ArenaBase),
		"total", mem.Size(m.TotalMemory()).String(),
		"used", mem.Size(m.UsedMemory()).String(),
		"heap", fmt.Sprintf("0x%x", cfg.HeapBase))
	return m, nil
}

// reserve claims the part of r that lies inside the arena.
func (m *Manager) reserve(r Range) error {
	arenaEnd := m.pages.Base() + uintptr(m.pages.TotalPages()*uint64(mem.PageSize))
	start := max(mem.AlignDown(r.Base, uintptr(mem.PageSize)), m.pages.Base())
	end := min(mem.AlignUp(r.End(), uintptr(mem.PageSize)), arenaEnd)
	if start >= end {
		return nil
	}
	return m.pages.MarkUsed(start, int((end-start)/uintptr(mem.PageSize)))
}

func bootFailure(stage string, err error) error {
	var e *mem.Error
	if errors.As(err, &e) {
		fatal := *e
		fatal.Fatal = true
		fatal.Message = stage + ": " + e.Message
		return &fatal
	}
	return mem.Fatalf(module, mem.InvalidAddress, "%s: %v", stage, err)
}

// recoverable strips the fatal marker once the kernel is running: callers
// may degrade instead of halting.
func recoverable(err error) error {
	var e *mem.Error
	if errors.As(err, &e) && e.Fatal {
		return e.Recoverable()
	}
	return err
}

// Allocate returns a pointer to at least size bytes of kernel heap.
func (m *Manager) Allocate(size uint64) (uintptr, error) {
	ptr, err := m.heap.Allocate(size)
	return ptr, recoverable(err)
}

// Free releases a heap pointer. Unknown pointers are ignored.
func (m *Manager) Free(ptr uintptr) {
	m.heap.Free(ptr)
}

// Realloc resizes a heap allocation, moving it if needed.
func (m *Manager) Realloc(ptr uintptr, size uint64) (uintptr, error) {
	moved, err := m.heap.Realloc(ptr, size)
	return moved, recoverable(err)
}

// Read copies len(p) bytes starting at the virtual address va.
func (m *Manager) Read(va uintptr, p []byte) error {
	return m.access(va, p, m.ram.ReadAt)
}

// Write copies p to the virtual address va.
func (m *Manager) Write(va uintptr, p []byte) error {
	return m.access(va, p, m.ram.WriteAt)
}

func (m *Manager) access(va uintptr, p []byte, op func([]byte, uintptr)) error {
	for len(p) > 0 {
		pa, ok := m.space.Translate(va)
		if !ok {
			return mem.Errorf(module, mem.InvalidAddress, "0x%x is not mapped", va)
		}
		n := min(uint64(len(p)), pageRemainder(va))
		if !m.ram.Contains(pa, n) {
			return mem.Errorf(module, mem.InvalidAddress, "0x%x maps to 0x%x, outside RAM", va, pa)
		}
		op(p[:n], pa)
		p = p[n:]
		va += uintptr(n)
	}
	return nil
}

// inHeapWindow reports whether [va, va+n) touches the heap's virtual range.
func (m *Manager) inHeapWindow(va uintptr, n uint64) bool {
	start := uint64(m.cfg.HeapBase)
	end := start + uint64(m.cfg.window())
	return uint64(va) < end && uint64(va)+n > start
}

// Map installs a translation for driver use. The heap's window is off
// limits.
func (m *Manager) Map(va, pa uintptr, size paging.PageSize, flags paging.Flags) error {
	if m.inHeapWindow(va, uint64(size)) {
		return mem.Errorf(module, mem.InvalidAddress, "0x%x lies in the heap window", va)
	}
	return recoverable(m.space.Map(va, pa, size, flags))
}

// MapRegion maps length bytes with the largest pages alignment allows.
func (m *Manager) MapRegion(va, pa uintptr, length uint64, flags paging.Flags) error {
	if m.inHeapWindow(va, length) {
		return mem.Errorf(module, mem.InvalidAddress, "0x%x (+0x%x) overlaps the heap window", va, length)
	}
	return recoverable(m.space.MapRegion(va, pa, length, flags))
}

// Unmap removes a translation outside the heap window.
func (m *Manager) Unmap(va uintptr, size paging.PageSize) bool {
	if m.inHeapWindow(va, uint64(size)) {
		m.log.Warn("ignoring unmap inside the heap window", "va", fmt.Sprintf("0x%x", va))
		return false
	}
	return m.space.Unmap(va, size)
}

// GetPhysicalAddress resolves va through the page tables.
func (m *Manager) GetPhysicalAddress(va uintptr) (uintptr, bool) {
	return m.space.GetPhysicalAddress(va)
}

// SetFlags rewrites the flags of the page mapping va.
func (m *Manager) SetFlags(va uintptr, flags paging.Flags) error {
	return recoverable(m.space.SetFlags(va, flags))
}

// TotalMemory is the size of the page allocator's arena in bytes.
func (m *Manager) TotalMemory() uint64 {
	return m.pages.TotalPages() * uint64(mem.PageSize)
}

// UsedMemory counts bytes in allocated page runs: page tables, heap
// backing, reserved ranges.
func (m *Manager) UsedMemory() uint64 {
	return m.pages.UsedPages() * uint64(mem.PageSize)
}

// FreeMemory is TotalMemory - UsedMemory.
func (m *Manager) FreeMemory() uint64 {
	return m.pages.FreePages() * uint64(mem.PageSize)
}

// HeapStats returns the heap's block statistics.
func (m *Manager) HeapStats() heap.Stats {
	return m.heap.Stats()
}

// Pages exposes the page allocator for diagnostics.
func (m *Manager) Pages() *physmem.PageAllocator { return m.pages }

// AddressSpace exposes the page tables for diagnostics.
func (m *Manager) AddressSpace() *paging.AddressSpace { return m.space }

// Heap exposes the heap for diagnostics.
func (m *Manager) Heap() *heap.Heap { return m.heap }

// Config returns the configuration the manager booted with.
func (m *Manager) Config() Config { return m.cfg }

// Check runs every consistency check and verifies that each heap page is
// backed by a frame the page allocator considers in use.
func (m *Manager) Check() error {
	errs := []error{m.pages.Check(), m.space.Check(), m.heap.Check()}

	base, end := m.heap.Bounds()
	for va := base; va < end; va += uintptr(mem.PageSize) {
		pa, ok := m.space.GetPhysicalAddress(va)
		if !ok {
			errs = append(errs, fmt.Errorf("memory: heap page 0x%x is not mapped", va))
			continue
		}
		if !m.pages.Contains(pa) || m.pages.RunPages(pa) == 0 {
			errs = append(errs, fmt.Errorf("memory: heap page 0x%x is backed by 0x%x, which is not an allocated frame", va, pa))
		}
	}
	return errors.Join(errs...)
}
