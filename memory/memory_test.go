package memory_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mazmm/firmware"
	"mazmm/mem"
	"mazmm/memory"
	"mazmm/paging"
)

const heapBase = uintptr(0xFFFF_C000_0000_0000)

func boot(t *testing.T, opts firmware.Options, cfg memory.Config) (*firmware.Machine, *memory.Manager) {
	t.Helper()
	machine, err := firmware.PowerOn(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, machine.Close()) })

	info, err := machine.BootInfo()
	require.NoError(t, err)
	m, err := memory.Boot(cfg, machine.RAM, machine.CPU, info)
	require.NoError(t, err)
	require.NoError(t, m.Check())
	return machine, m
}

func smallHeap() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.HeapInitialSize = 4 * mem.Kb
	cfg.HeapGrowthIncrement = 16 * mem.Kb
	return cfg
}

func TestBootAccountsForEveryFrame(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), memory.DefaultConfig())

	arena := uint64(64*mem.Mb - mem.Mb - 64*mem.Kb)
	assert.Equal(t, arena, m.TotalMemory())

	// Kernel image, identity map tables (three PDs and the PT splitting
	// the first 2MB), heap path tables and the initial heap
	pages := uint64(512 + 4 + 3 + 256)
	assert.Equal(t, pages*uint64(mem.PageSize), m.UsedMemory())
	assert.Equal(t, m.TotalMemory()-m.UsedMemory(), m.FreeMemory())

	assert.Equal(t, 512, m.Pages().RunPages(uintptr(mem.Mb)), "kernel image is reserved")

	s := m.HeapStats()
	assert.Equal(t, heapBase, s.Base)
	assert.Equal(t, uint64(mem.Mb), s.Total)
	assert.Equal(t, 1, s.FreeBlocks)
}

func TestBootFailuresAreFatal(t *testing.T) {
	machine, err := firmware.PowerOn(firmware.Options{RAMSize: 8 * mem.Mb})
	require.NoError(t, err)
	defer machine.Close()
	info, err := machine.BootInfo()
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  func(*memory.Config)
		info memory.BootInfo
		kind mem.Kind
	}{
		{
			name: "heap in identity map",
			cfg:  func(c *memory.Config) { c.HeapBase = 0x4000_0000 },
			info: info,
			kind: mem.InvalidAddress,
		},
		{
			name: "arena outside RAM",
			info: memory.BootInfo{ArenaBase: uintptr(mem.Gb), ArenaSize: uint64(mem.Mb)},
			kind: mem.InvalidAddress,
		},
		{
			name: "unaligned arena",
			info: memory.BootInfo{ArenaBase: uintptr(mem.Mb) + 10, ArenaSize: uint64(mem.Mb)},
			kind: mem.InvalidAddress,
		},
		{
			name: "initial heap larger than RAM",
			cfg:  func(c *memory.Config) { c.HeapInitialSize = 16 * mem.Mb },
			info: info,
			kind: mem.AllocatorExhausted,
		},
		{
			name: "reserved range already taken",
			info: memory.BootInfo{
				ArenaBase: info.ArenaBase,
				ArenaSize: info.ArenaSize,
				Reserved:  []memory.Range{{Base: uintptr(mem.Mb), Size: 0x2000}, {Base: uintptr(mem.Mb) + 0x1000, Size: 0x1000}},
			},
			kind: mem.InvalidAddress,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memory.DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			_, err := memory.Boot(cfg, machine.RAM, paging.NewSoftCPU(firmware.BootPML4), tt.info)
			require.Error(t, err)
			assert.True(t, mem.IsFatal(err), "boot errors halt the kernel")
			assert.Equal(t, tt.kind, mem.KindOf(err))
		})
	}
}

func TestAllocationFailuresAreRecoverable(t *testing.T) {
	cfg := smallHeap()
	cfg.DisableHeapGrowth = true
	_, m := boot(t, firmware.DefaultOptions(), cfg)

	_, err := m.Allocate(8 * 1024)
	require.ErrorIs(t, err, mem.ErrOutOfMemory)
	assert.False(t, mem.IsFatal(err))
}

func TestManagerReusesFreedBlock(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	first, err := m.Allocate(100)
	require.NoError(t, err)
	_, err = m.Allocate(100)
	require.NoError(t, err)
	m.Free(first)

	again, err := m.Allocate(90)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Zero(t, m.HeapStats().Growths)
}

func TestManagerMapUnmap4K(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	require.NoError(t, m.Map(0x2000, 0x2000, paging.Size4K, paging.Writable))
	pa, ok := m.GetPhysicalAddress(0x2000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), pa)
	pa, ok = m.GetPhysicalAddress(0x2FFF)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2FFF), pa)

	assert.True(t, m.Unmap(0x2000, paging.Size4K))
	_, ok = m.GetPhysicalAddress(0x2000)
	assert.False(t, ok)
}

func TestManagerMapLargePage(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	const va = uintptr(0x1_4000_0000) // above the identity map
	require.NoError(t, m.Map(va, 0x200000, paging.Size2M, paging.Writable|paging.CacheDisable))
	pa, ok := m.GetPhysicalAddress(va + 0x1ABCDE)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x3ABCDE), pa)

	require.NoError(t, m.SetFlags(va, paging.CacheDisable))
	require.NoError(t, m.SetFlags(va, paging.CacheDisable))
	e, size, ok := m.AddressSpace().Lookup(va)
	require.True(t, ok)
	assert.Equal(t, paging.Size2M, size)
	assert.Equal(t, paging.Present|paging.CacheDisable|paging.Large, e.Flags())
}

func TestHeapWindowIsProtected(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	err := m.Map(heapBase+0x10000, 0x200000, paging.Size4K, paging.Writable)
	assert.ErrorIs(t, err, mem.ErrInvalidAddress)
	err = m.MapRegion(heapBase-0x1000, 0x200000, 0x2000, paging.Writable)
	assert.ErrorIs(t, err, mem.ErrInvalidAddress)

	assert.False(t, m.Unmap(heapBase, paging.Size4K))
	_, ok := m.GetPhysicalAddress(heapBase)
	assert.True(t, ok, "heap page still mapped")

	require.NoError(t, m.MapRegion(heapBase-0x2000, 0x200000, 0x2000, paging.Writable), "adjacent range is fine")
}

func TestHeapGrowthMapsNonExecutablePages(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())
	used := m.UsedMemory()

	p, err := m.Allocate(10000)
	require.NoError(t, err)
	assert.Equal(t, 1, m.HeapStats().Growths)
	assert.Equal(t, used+16*1024, m.UsedMemory())

	e, size, ok := m.AddressSpace().Lookup(heapBase + 0x4000)
	require.True(t, ok)
	assert.Equal(t, paging.Size4K, size)
	assert.True(t, e.HasFlags(paging.Present|paging.Writable|paging.Global|paging.NoExecute))

	require.NoError(t, m.Write(p, bytes.Repeat([]byte{0xAB}, 10000)))
	require.NoError(t, m.Check())
}

func TestHeapGrowthBeyondFreeFramesFailsFast(t *testing.T) {
	cfg := smallHeap()
	cfg.HeapGrowthIncrement = 4 * mem.Mb
	_, m := boot(t, firmware.Options{RAMSize: 4 * mem.Mb}, cfg)

	used := m.UsedMemory()
	tables := m.AddressSpace().TableFrames()
	before := m.HeapStats()

	for _, n := range []uint64{3 * 1024 * 1024, 400 << 30} {
		_, err := m.Allocate(n)
		require.ErrorIs(t, err, mem.ErrAllocatorExhausted, "Allocate(%d)", n)
		assert.False(t, mem.IsFatal(err))
	}

	assert.Equal(t, before, m.HeapStats())
	assert.Equal(t, used, m.UsedMemory(), "nothing is taken when the frames cannot cover the growth")
	assert.Equal(t, tables, m.AddressSpace().TableFrames())
	_, ok := m.GetPhysicalAddress(heapBase + 0x1000)
	assert.False(t, ok)
	require.NoError(t, m.Check())

	p, err := m.Allocate(64)
	require.NoError(t, err)
	assert.NotZero(t, p)
}

func TestHeapGrowthRollsBack(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	// Growing by 2MB+16KB from the end of the 4KB heap takes 516 frames
	// and crosses into a new page table, which needs one more. Leave
	// exactly 516 free so the last page cannot be backed.
	const growth = 516
	filler, err := m.Pages().AllocateRun(int(m.Pages().FreePages() - growth))
	require.NoError(t, err)

	used := m.UsedMemory()
	tables := m.AddressSpace().TableFrames()
	before := m.HeapStats()

	_, err = m.Allocate(2 * 1024 * 1024)
	require.ErrorIs(t, err, mem.ErrAllocatorExhausted)
	assert.False(t, mem.IsFatal(err))

	assert.Equal(t, before, m.HeapStats())
	for _, off := range []uintptr{0x1000, 0x1FF000, 0x200000} {
		_, ok := m.GetPhysicalAddress(heapBase + off)
		assert.False(t, ok, "heap page +0x%x is unmapped again", off)
	}

	// Only the page table created on the way stays behind
	assert.Equal(t, tables+1, m.AddressSpace().TableFrames())
	assert.Equal(t, used+uint64(mem.PageSize), m.UsedMemory())
	require.NoError(t, m.Check())

	m.Pages().Free(filler)
	p, err := m.Allocate(2 * 1024 * 1024)
	require.NoError(t, err, "the growth succeeds once frames are back")
	assert.NotZero(t, p)
	require.NoError(t, m.Check())
}

func TestReadWriteAcrossPages(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	p, err := m.Allocate(3 * 4096)
	require.NoError(t, err)

	data := make([]byte, 9000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, m.Write(p+100, data))

	got := make([]byte, len(data))
	require.NoError(t, m.Read(p+100, got))
	assert.Equal(t, data, got)

	err = m.Read(0x7_0000_0000, got[:8])
	assert.ErrorIs(t, err, mem.ErrInvalidAddress)
}

func TestReadWriteOutsideRAM(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	// Identity mapped, but past the end of the 64MB machine
	pa, ok := m.GetPhysicalAddress(0x8000_0000)
	require.True(t, ok)
	require.Equal(t, uintptr(0x8000_0000), pa)

	err := m.Write(0x8000_0000, []byte("x"))
	assert.ErrorIs(t, err, mem.ErrInvalidAddress)
	assert.False(t, mem.IsFatal(err))
	assert.ErrorIs(t, m.Read(0x8000_0000, make([]byte, 8)), mem.ErrInvalidAddress)

	// A device window mapped by a driver
	require.NoError(t, m.Map(0x1_8000_0000, 0xFEE0_0000, paging.Size4K, paging.Writable|paging.CacheDisable))
	assert.ErrorIs(t, m.Write(0x1_8000_0000, []byte{1}), mem.ErrInvalidAddress)

	// The last bytes of RAM are fine, one past them is not
	last := uintptr(64*mem.Mb - 4)
	require.NoError(t, m.Write(last, []byte{1, 2, 3, 4}))
	assert.ErrorIs(t, m.Write(last, []byte{1, 2, 3, 4, 5}), mem.ErrInvalidAddress)
}

func TestReallocKeepsContents(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	p, err := m.Allocate(32)
	require.NoError(t, err)
	_, err = m.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, m.Write(p, []byte("memory manager")))

	q, err := m.Realloc(p, 6000)
	require.NoError(t, err)
	assert.NotEqual(t, p, q)

	got := make([]byte, 14)
	require.NoError(t, m.Read(q, got))
	assert.Equal(t, "memory manager", string(got))
	require.NoError(t, m.Check())
}

func TestConcurrentAllocations(t *testing.T) {
	_, m := boot(t, firmware.DefaultOptions(), smallHeap())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				size := uint64(16 + (w*37+i*13)%700)
				p, err := m.Allocate(size)
				if err != nil {
					errs <- err
					return
				}
				want := bytes.Repeat([]byte{byte(w)}, int(size))
				if err := m.Write(p, want); err != nil {
					errs <- err
					return
				}
				got := make([]byte, size)
				if err := m.Read(p, got); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(want, got) {
					errs <- assert.AnError
					return
				}
				m.Free(p)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, m.Check())
	s := m.HeapStats()
	assert.Zero(t, s.Used)
	assert.Equal(t, s.Total, s.Free)
}
