package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mazmm/mem"
	"mazmm/physmem"
)

// Bootloader layout used by the tests: PML4 at 0x1000, PDPT at 0x2000 and
// PD at 0x3000 identity-mapping the first 2MB with one large page.
const (
	bootPML4  = uintptr(0x1000)
	bootPDPT  = uintptr(0x2000)
	bootPD    = uintptr(0x3000)
	arenaBase = uintptr(mem.Mb)
)

type machine struct {
	ram    *physmem.RAM
	frames *physmem.PageAllocator
	cpu    *SoftCPU
	as     *AddressSpace
}

func newRAM(t *testing.T, size mem.Size) *physmem.RAM {
	t.Helper()
	ram, err := physmem.NewRAM(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ram.Close()) })
	return ram
}

// newBlankMachine returns an adopted address space whose root is an empty
// table taken from the arena.
func newBlankMachine(t *testing.T, ramSize mem.Size) *machine {
	t.Helper()
	ram := newRAM(t, ramSize)
	frames, err := physmem.New(ram, arenaBase, uint64((ramSize-mem.Size(arenaBase))/mem.PageSize))
	require.NoError(t, err)

	root, err := frames.AllocateRun(1)
	require.NoError(t, err)

	cpu := NewSoftCPU(root)
	as := New(cpu, ram, frames)
	require.NoError(t, as.Adopt())
	return &machine{ram: ram, frames: frames, cpu: cpu, as: as}
}

// newBootedMachine writes bootloader tables into low memory and runs
// Initialize on them.
func newBootedMachine(t *testing.T, ramSize mem.Size) *machine {
	t.Helper()
	ram := newRAM(t, ramSize)
	writeBootTables(ram)

	frames, err := physmem.New(ram, arenaBase, uint64((ramSize-mem.Size(arenaBase))/mem.PageSize))
	require.NoError(t, err)

	cpu := NewSoftCPU(bootPML4)
	as := New(cpu, ram, frames)
	require.NoError(t, as.Initialize())
	return &machine{ram: ram, frames: frames, cpu: cpu, as: as}
}

func writeBootTables(ram *physmem.RAM) {
	ram.WriteUint64(bootPML4, uint64(NewEntry(bootPDPT, Present|Writable)))
	ram.WriteUint64(bootPDPT, uint64(NewEntry(bootPD, Present|Writable)))
	ram.WriteUint64(bootPD, uint64(NewEntry(0, Present|Writable|Large)))
}
