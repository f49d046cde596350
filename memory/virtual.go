package memory

import (
	"fmt"

	"mazmm/mem"
	"mazmm/paging"
)

// virtualMemory lets the heap touch its own virtual range. Every access is
// translated the way the MMU would, through the CPU's TLB, so an access to
// an unmapped address faults.
type virtualMemory struct {
	space *paging.AddressSpace
	ram   RAM
}

func (v virtualMemory) phys(va uintptr) uintptr {
	pa, ok := v.space.Translate(va)
	if !ok {
		panic(fmt.Sprintf("memory: page fault at 0x%x", va))
	}
	return pa
}

func pageRemainder(va uintptr) uint64 {
	return uint64(mem.PageSize) - uint64(va&uintptr(mem.PageSize-1))
}

func (v virtualMemory) ReadUint64(va uintptr) uint64 {
	return v.ram.ReadUint64(v.phys(va))
}

func (v virtualMemory) WriteUint64(va uintptr, value uint64) {
	v.ram.WriteUint64(v.phys(va), value)
}

// Copy moves n bytes between two virtual ranges page by page. The ranges
// never overlap when called from the heap.
func (v virtualMemory) Copy(dst, src uintptr, n uint64) {
	for n > 0 {
		chunk := min(n, pageRemainder(dst), pageRemainder(src))
		v.ram.Copy(v.phys(dst), v.phys(src), chunk)
		dst += uintptr(chunk)
		src += uintptr(chunk)
		n -= chunk
	}
}
