package memory

import (
	"fmt"

	"mazmm/heap"
	"mazmm/mem"
	"mazmm/paging"
)

// defaultHeapWindow is the virtual range reserved for the heap when no
// maximum size is configured: one PML4 slot.
const defaultHeapWindow = 512 * mem.Gb

// Config places and sizes the kernel heap.
type Config struct {
	// HeapBase is the virtual address of the heap. It must be page aligned,
	// canonical and outside the boot identity map.
	HeapBase uintptr `yaml:"heap_base"`

	// HeapInitialSize is mapped during boot (rounded up to whole pages).
	HeapInitialSize mem.Size `yaml:"heap_initial_size"`

	// HeapGrowthIncrement is the granularity of heap growth.
	HeapGrowthIncrement mem.Size `yaml:"heap_growth_increment"`

	// HeapMaxSize caps the heap. Zero reserves a 512GB window.
	HeapMaxSize mem.Size `yaml:"heap_max_size"`

	// DisableHeapGrowth fixes the heap at its initial size.
	DisableHeapGrowth bool `yaml:"disable_heap_growth"`
}

// DefaultConfig puts a 1MB heap in the higher half.
func DefaultConfig() Config {
	return Config{
		HeapBase:            0xFFFF_C000_0000_0000,
		HeapInitialSize:     mem.Mb,
		HeapGrowthIncrement: heap.DefaultConfig().GrowthIncrement,
	}
}

// Validate checks the heap placement.
func (c Config) Validate() error {
	if c.HeapBase == 0 || !mem.IsAligned(c.HeapBase, uintptr(mem.PageSize)) {
		return fmt.Errorf("heap_base 0x%x must be a non-zero page aligned address", c.HeapBase)
	}
	if !paging.Canonical(c.HeapBase) {
		return fmt.Errorf("heap_base 0x%x is not canonical", c.HeapBase)
	}
	if uint64(c.HeapBase) < 4*uint64(mem.Gb) {
		return fmt.Errorf("heap_base 0x%x overlaps the boot identity map", c.HeapBase)
	}
	if c.HeapInitialSize < heap.HeaderSize+heap.Alignment {
		return fmt.Errorf("heap_initial_size %s is too small", c.HeapInitialSize)
	}
	if c.HeapMaxSize != 0 && c.HeapMaxSize < c.HeapInitialSize {
		return fmt.Errorf("heap_max_size %s is below heap_initial_size %s", c.HeapMaxSize, c.HeapInitialSize)
	}
	end := uint64(c.HeapBase) + uint64(c.window())
	if end < uint64(c.HeapBase) || !paging.Canonical(uintptr(end-1)) {
		return fmt.Errorf("heap window at 0x%x does not fit the address space", c.HeapBase)
	}
	return nil
}

// window is the size of the virtual range reserved for the heap.
func (c Config) window() mem.Size {
	if c.HeapMaxSize != 0 {
		return mem.Size(mem.AlignUp(uintptr(c.HeapMaxSize), uintptr(mem.PageSize)))
	}
	return defaultHeapWindow
}

func (c Config) heapConfig() heap.Config {
	return heap.Config{
		GrowthIncrement: c.HeapGrowthIncrement,
		DisableGrowth:   c.DisableHeapGrowth,
		MaxSize:         c.window(),
	}
}

// Range is a physical address range.
type Range struct {
	Base uintptr
	Size uint64
}

// End returns the first address after the range.
func (r Range) End() uintptr {
	return r.Base + uintptr(r.Size)
}

// BootInfo is what the boot collaborator hands over: the arena the page
// allocator manages and the ranges inside it that are already taken.
type BootInfo struct {
	ArenaBase uintptr
	ArenaSize uint64
	Reserved  []Range
}
