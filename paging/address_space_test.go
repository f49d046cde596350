package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mazmm/mem"
	"mazmm/physmem"
)

func TestMapTranslateUnmap4K(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	require.NoError(t, m.as.Map(0x2000, 0x2000, Size4K, Writable))

	pa, ok := m.as.GetPhysicalAddress(0x2000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), pa)

	pa, ok = m.as.GetPhysicalAddress(0x2FFF)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2FFF), pa)

	assert.True(t, m.as.Unmap(0x2000, Size4K))
	_, ok = m.as.GetPhysicalAddress(0x2000)
	assert.False(t, ok)
}

func TestLargePageOffsetMask(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	const va, pa = uintptr(0x40000000), uintptr(0x600000)
	require.NoError(t, m.as.Map(va, pa, Size2M, Writable))

	for _, off := range []uintptr{0, 0x1234, 0x12345, 0x1FFFFF} {
		got, ok := m.as.GetPhysicalAddress(va + off)
		require.True(t, ok, "offset 0x%x", off)
		assert.Equal(t, pa+off, got, "offset 0x%x must use the 2MB mask", off)
	}

	_, ok := m.as.GetPhysicalAddress(va + 0x200000)
	assert.False(t, ok, "the window ends after 2MB")

	e, size, ok := m.as.Lookup(va + 0x5000)
	require.True(t, ok)
	assert.Equal(t, Size2M, size)
	assert.True(t, e.IsLarge())
}

func TestMapGigabytePage(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	require.NoError(t, m.as.Map(0xFFFF_8000_0000_0000, 0x1_0000_0000, Size1G, Writable|Global))
	got, ok := m.as.GetPhysicalAddress(0xFFFF_8000_3FFF_FFFF)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x1_3FFF_FFFF), got)
	// PML4 slot -> PDPT only
	assert.Equal(t, 1, m.as.TableFrames())
}

func TestMapRequiresAlignment(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	tests := []struct {
		name   string
		va, pa uintptr
		size   PageSize
	}{
		{name: "unaligned va", va: 0x2001, pa: 0x2000, size: Size4K},
		{name: "unaligned pa", va: 0x2000, pa: 0x2800, size: Size4K},
		{name: "2MB va on 4KB boundary", va: 0x201000, pa: 0x200000, size: Size2M},
		{name: "1GB pa on 2MB boundary", va: 0x40000000, pa: 0x200000, size: Size1G},
		{name: "unsupported size", va: 0, pa: 0, size: PageSize(8192)},
		{name: "non canonical", va: 0x0000_8000_0000_0000, pa: 0, size: Size4K},
		{name: "physical beyond 52 bits", va: 0x1000, pa: 0x0010_0000_0000_0000, size: Size4K},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.as.Map(tt.va, tt.pa, tt.size, Writable)
			require.ErrorIs(t, err, mem.ErrInvalidAddress)
			assert.False(t, mem.IsFatal(err))
		})
	}
	assert.Zero(t, m.as.TableFrames(), "rejected maps must not allocate tables")
}

func TestMapAllocatesTablesLazily(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	used := m.frames.UsedPages()

	require.NoError(t, m.as.Map(0x400000, 0x1000, Size4K, Writable))
	assert.Equal(t, 3, m.as.TableFrames(), "PDPT, PD and PT")
	assert.Equal(t, used+3, m.frames.UsedPages())

	require.NoError(t, m.as.Map(0x401000, 0x2000, Size4K, Writable))
	assert.Equal(t, 3, m.as.TableFrames(), "same PT serves the neighbour")

	// Intermediate entries are present and writable
	pml4 := Entry(m.ram.ReadUint64(m.as.Root()))
	assert.True(t, pml4.HasFlags(Present|Writable))
	assert.False(t, pml4.HasFlags(User))
}

func TestMapUserPropagatesToIntermediates(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	require.NoError(t, m.as.Map(0x400000, 0x1000, Size4K, Writable))
	require.NoError(t, m.as.Map(0x401000, 0x2000, Size4K, Writable|User))

	pml4 := Entry(m.ram.ReadUint64(m.as.Root()))
	assert.True(t, pml4.HasFlags(User))
}

func TestMapReportsAllocatorExhausted(t *testing.T) {
	// Arena of 2 pages: one for the root, one for a PDPT
	ram := newRAM(t, 2*mem.Mb)
	frames, err := physmem.New(ram, arenaBase, 2)
	require.NoError(t, err)
	root, err := frames.AllocateRun(1)
	require.NoError(t, err)

	as := New(NewSoftCPU(root), ram, frames)
	require.NoError(t, as.Adopt())

	err = as.Map(0x1000, 0x1000, Size4K, Writable)
	require.ErrorIs(t, err, mem.ErrAllocatorExhausted)
	assert.False(t, mem.IsFatal(err), "cascading failures are for the caller to judge")
}

func TestMapInsideLargePageSplitsIt(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	require.NoError(t, m.as.Map(0x200000, 0x800000, Size2M, Writable))
	require.NoError(t, m.as.Map(0x203000, 0x5000, Size4K, 0))

	got, ok := m.as.GetPhysicalAddress(0x203010)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x5010), got)

	// The rest of the old 2MB window still translates as before
	got, ok = m.as.GetPhysicalAddress(0x3FF123)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x9FF123), got)

	e, size, ok := m.as.Lookup(0x204000)
	require.True(t, ok)
	assert.Equal(t, Size4K, size)
	assert.True(t, e.HasFlags(Writable))
	assert.False(t, e.HasFlags(Large), "4KB leaves must not carry the size bit")
}

func TestLargeMapReleasesReplacedTable(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	require.NoError(t, m.as.Map(0x200000, 0x1000, Size4K, Writable))
	require.Equal(t, 3, m.as.TableFrames())
	used := m.frames.UsedPages()

	require.NoError(t, m.as.Map(0x200000, 0x400000, Size2M, Writable))
	assert.Equal(t, 2, m.as.TableFrames(), "the PT is released")
	assert.Equal(t, used-1, m.frames.UsedPages())
	require.NoError(t, m.as.Check())
}

func TestUnmapIgnoresInvalidInput(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.Map(0x200000, 0x400000, Size2M, Writable))

	assert.False(t, m.as.Unmap(0x200800, Size4K), "unaligned")
	assert.False(t, m.as.Unmap(0x201000, Size4K), "size does not match the 2MB leaf")
	assert.False(t, m.as.Unmap(0x40000000, Size2M), "not mapped")
	assert.False(t, m.as.Unmap(0x200000, PageSize(3)), "bad size")

	_, ok := m.as.GetPhysicalAddress(0x200000)
	assert.True(t, ok, "failed unmaps leave the mapping alone")

	assert.True(t, m.as.Unmap(0x200000, Size2M))
	assert.False(t, m.as.Unmap(0x200000, Size2M), "second unmap is a no-op")
}

func TestSetFlagsIsIdempotent(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.Map(0x5000, 0x9000, Size4K, Writable))

	require.NoError(t, m.as.SetFlags(0x5000, NoExecute|Global))
	once, _, ok := m.as.Lookup(0x5000)
	require.True(t, ok)

	require.NoError(t, m.as.SetFlags(0x5000, NoExecute|Global))
	twice, _, _ := m.as.Lookup(0x5000)

	assert.Equal(t, once, twice)
	assert.Equal(t, uintptr(0x9000), twice.Address(Size4K), "base is preserved")
	assert.Equal(t, Present|Global|NoExecute, twice.Flags())
}

func TestSetFlagsKeepsLargeBit(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.Map(0x200000, 0x400000, Size2M, Writable))

	require.NoError(t, m.as.SetFlags(0x200000+0x1000, CacheDisable))
	e, size, ok := m.as.Lookup(0x200000)
	require.True(t, ok)
	assert.Equal(t, Size2M, size)
	assert.Equal(t, Present|CacheDisable|Large, e.Flags())
	assert.Equal(t, uintptr(0x400000), e.Address(Size2M))
}

func TestSetFlagsOnUnmapped(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	err := m.as.SetFlags(0x7000, Writable)
	require.ErrorIs(t, err, mem.ErrInvalidAddress)
}

func TestTranslateUsesAndInvalidatesTLB(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.Map(0x3000, 0x7000, Size4K, Writable))

	pa, ok := m.as.Translate(0x3010)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x7010), pa)

	pa, ok = m.as.Translate(0x3020)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x7020), pa)
	stats := m.cpu.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)

	// Remapping invalidates, so the next translation sees the new frame
	require.NoError(t, m.as.Map(0x3000, 0x8000, Size4K, Writable))
	pa, ok = m.as.Translate(0x3010)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x8010), pa)

	require.True(t, m.as.Unmap(0x3000, Size4K))
	_, ok = m.as.Translate(0x3010)
	assert.False(t, ok, "unmap must not leave a stale TLB entry")
}

func TestTLBInvalidationCoversLargePages(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.Map(0x200000, 0x400000, Size2M, Writable))

	_, ok := m.as.Translate(0x3FFFFF)
	require.True(t, ok)
	require.True(t, m.as.Unmap(0x200000, Size2M))

	_, ok = m.as.Translate(0x3FFFFF)
	assert.False(t, ok)
}

func TestLargeLeafOverTableFlushesSmallTranslations(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	const window = uintptr(0x1_0000_0000)
	require.NoError(t, m.as.Map(window+0x1000, 0x201000, Size4K, Writable))
	require.NoError(t, m.as.Map(window+0x5000, 0x205000, Size4K, Writable))
	for _, off := range []uintptr{0x1000, 0x5000} {
		_, ok := m.as.Translate(window + off)
		require.True(t, ok)
	}
	tables := m.as.TableFrames()

	require.NoError(t, m.as.Map(window, 0x400000, Size2M, Writable))
	assert.Equal(t, tables-1, m.as.TableFrames(), "the page table is released")

	for _, off := range []uintptr{0x1000, 0x5000, 0x1234} {
		walked, ok := m.as.GetPhysicalAddress(window + off)
		require.True(t, ok)
		translated, ok := m.as.Translate(window + off)
		require.True(t, ok)
		assert.Equal(t, 0x400000+off, walked)
		assert.Equal(t, walked, translated, "no stale 4KB translation at +0x%x", off)
	}

	// Same for a 1GB leaf over a directory of 2MB leaves
	require.NoError(t, m.as.Map(0x2_0000_0000+0x200000, 0x200000, Size2M, Writable))
	_, ok := m.as.Translate(0x2_0000_0000 + 0x200010)
	require.True(t, ok)
	require.NoError(t, m.as.Map(0x2_0000_0000, 0x4000_0000, Size1G, Writable))
	translated, ok := m.as.Translate(0x2_0000_0000 + 0x200010)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x4020_0010), translated)
}

func TestMapRegionPicksLargestPages(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)

	// 4KB head, one 2MB page, 4KB tail
	require.NoError(t, m.as.MapRegion(0x1FF000, 0x1FF000, 0x202000, Writable))

	sizes := map[uintptr]PageSize{}
	m.as.Walk(func(va uintptr, e Entry, size PageSize) bool {
		sizes[va] = size
		return true
	})
	assert.Equal(t, map[uintptr]PageSize{
		0x1FF000: Size4K,
		0x200000: Size2M,
		0x400000: Size4K,
	}, sizes)

	err := m.as.MapRegion(0x1000, 0x1000, 0x800, Writable)
	require.ErrorIs(t, err, mem.ErrInvalidAddress)
}

func TestWalkStopsEarly(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.MapRegion(0x10000, 0x10000, 0x4000, Writable))

	var seen []uintptr
	m.as.Walk(func(va uintptr, e Entry, size PageSize) bool {
		seen = append(seen, va)
		return len(seen) < 2
	})
	assert.Equal(t, []uintptr{0x10000, 0x11000}, seen)
}

func TestWalkSignExtendsHigherHalf(t *testing.T) {
	m := newBlankMachine(t, 4*mem.Mb)
	require.NoError(t, m.as.Map(0xFFFF_8000_0000_1000, 0x1000, Size4K, Writable))

	var seen []uintptr
	m.as.Walk(func(va uintptr, e Entry, size PageSize) bool {
		seen = append(seen, va)
		return true
	})
	assert.Equal(t, []uintptr{0xFFFF_8000_0000_1000}, seen)
}

func TestAdoptRejectsBadRoot(t *testing.T) {
	ram := newRAM(t, 2*mem.Mb)
	frames, err := physmem.New(ram, arenaBase, 16)
	require.NoError(t, err)

	for _, root := range []uintptr{0, 0x1800, 0x10000000} {
		as := New(NewSoftCPU(root), ram, frames)
		err := as.Adopt()
		require.ErrorIs(t, err, mem.ErrInvalidAddress, "root 0x%x", root)
		assert.True(t, mem.IsFatal(err))
	}
}

func TestInitializeIdentityMapsLow4GB(t *testing.T) {
	m := newBootedMachine(t, 8*mem.Mb)

	for _, va := range []uintptr{0x100000, 0x12345678, 0x7FFFFFFF, 0xFFFFF000, 0xFFFFFFFF} {
		pa, ok := m.as.GetPhysicalAddress(va)
		require.True(t, ok, "0x%x", va)
		assert.Equal(t, va, pa)
	}
	_, ok := m.as.GetPhysicalAddress(0x1_0000_0000)
	assert.False(t, ok, "identity map stops at 4GB")

	assert.Equal(t, bootPML4, m.as.Root(), "boot root is adopted, not replaced")
	// Three PDs for 1-4GB plus the PT splitting the first 2MB
	assert.Equal(t, 4, m.as.TableFrames())
	require.NoError(t, m.as.Check())
}

func TestInitializeProtectsFirstMegabyte(t *testing.T) {
	m := newBootedMachine(t, 8*mem.Mb)

	for _, va := range []uintptr{0, 0x1000, 0x9F000, 0xFF000} {
		e, size, ok := m.as.Lookup(va)
		require.True(t, ok, "0x%x", va)
		assert.Equal(t, Size4K, size)
		assert.False(t, e.HasFlags(Writable), "0x%x must be read-only", va)
	}

	e, size, ok := m.as.Lookup(0x100000)
	require.True(t, ok)
	assert.Equal(t, Size4K, size)
	assert.True(t, e.HasFlags(Writable))

	e, size, ok = m.as.Lookup(0x200000)
	require.True(t, ok)
	assert.Equal(t, Size2M, size)
	assert.True(t, e.HasFlags(Writable|Global))
}

func TestInitializeKeepsExistingGigabyteLeaf(t *testing.T) {
	ram := newRAM(t, 8*mem.Mb)
	// Bootloader that maps the first 1GB with a single large page
	ram.WriteUint64(bootPML4, uint64(NewEntry(bootPDPT, Present|Writable)))
	ram.WriteUint64(bootPDPT, uint64(NewEntry(0, Present|Writable|Large)))

	frames, err := physmem.New(ram, arenaBase, 16)
	require.NoError(t, err)
	as := New(NewSoftCPU(bootPML4), ram, frames)
	require.NoError(t, as.Initialize())

	pa, ok := as.GetPhysicalAddress(0x3FFF_FFFF)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x3FFF_FFFF), pa)

	// First 1GB split to 2MB, first 2MB split to 4KB, three new PDs
	assert.Equal(t, 5, as.TableFrames())
	e, _, _ := as.Lookup(0x5000)
	assert.False(t, e.HasFlags(Writable))
	require.NoError(t, as.Check())
}
