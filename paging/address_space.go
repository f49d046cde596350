// Package paging maintains the hardware-walked translation tree (x86-64
// 4-level paging with 4KB, 2MB and 1GB pages).
//
// Tables live in physical memory and are read and written through the
// PhysicalMemory interface; new intermediate tables come from a
// FrameAllocator. The walk itself is expressed over Indices, one table index
// per level, rather than raw pointer chasing.
package paging

import (
	"fmt"
	"log/slog"
	"sync"

	"mazmm/klog"
	"mazmm/mem"
)

const module = "paging"

const (
	// identityLimit is the end of the identity map built by Initialize.
	identityLimit = 4 * uint64(mem.Gb)

	// firmwareLimit is the end of the region kept read-only after boot
	// (real-mode IVT, BIOS data, bootloader).
	firmwareLimit = uint64(mem.Mb)

	// identityFlags are used for the boot identity map.
	identityFlags = Writable | Global
)

// PhysicalMemory gives the manager access to table frames.
type PhysicalMemory interface {
	Contains(addr uintptr, n uint64) bool
	ReadUint64(addr uintptr) uint64
	WriteUint64(addr uintptr, value uint64)
	Zero(addr uintptr, n uint64)
}

// FrameAllocator backs newly created tables.
type FrameAllocator interface {
	AllocateRun(pageCount int) (uintptr, error)
	Free(addr uintptr) uint64
	Contains(addr uintptr) bool
}

// AddressSpace is a page-table tree rooted at the CPU's root register.
type AddressSpace struct {
	mu sync.Mutex

	cpu    CPU
	ram    PhysicalMemory
	frames FrameAllocator
	root   uintptr

	// tables counts the table frames this address space allocated.
	tables int

	log *slog.Logger
}

// New creates an address space bound to its collaborators. Call Initialize
// (adopt the boot tables) or Adopt before use.
func New(cpu CPU, ram PhysicalMemory, frames FrameAllocator) *AddressSpace {
	return &AddressSpace{cpu: cpu, ram: ram, frames: frames, log: klog.With(module)}
}

// Adopt takes over the tree the CPU is currently using without changing it.
func (as *AddressSpace) Adopt() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.adoptLocked()
}

func (as *AddressSpace) adoptLocked() error {
	root := as.cpu.Root()
	if root == 0 || !mem.IsAligned(root, uintptr(mem.PageSize)) || !as.ram.Contains(root, uint64(mem.PageSize)) {
		return mem.Fatalf(module, mem.InvalidAddress, "page-table root 0x%x is not a table in RAM", root)
	}
	as.root = root
	return nil
}

// Initialize adopts the tables the bootloader left in the CPU, identity-maps
// the low 4GB wherever nothing is mapped yet (so every frame the page
// allocator hands out is directly addressable), and makes the first 1MB
// read-only.
func (as *AddressSpace) Initialize() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.adoptLocked(); err != nil {
		return err
	}
	as.log.Info("adopted boot page tables", "root", fmt.Sprintf("0x%x", as.root))

	mapped := 0
	for addr := uint64(0); addr < identityLimit; addr += uint64(Size2M) {
		va := uintptr(addr)
		_, e, level := as.walk(va, levelPD)
		if e.Present() && (level == levelPD || e.IsLarge()) {
			// Already mapped by the bootloader, either as a 2MB/1GB leaf
			// or through a page table
			continue
		}
		if err := as.mapLocked(va, va, Size2M, identityFlags); err != nil {
			return fmt.Errorf("identity map 0x%x: %w", va, err)
		}
		mapped++
	}

	// Protect the firmware area. It needs 4KB granularity, so split
	// whatever leaf currently covers it down to a page table
	if err := as.splitTo(0, levelPT); err != nil {
		return fmt.Errorf("split firmware region: %w", err)
	}
	for addr := uint64(0); addr < firmwareLimit; addr += uint64(Size4K) {
		slot, e, level := as.walk(uintptr(addr), levelPT)
		if level != levelPT || !e.Present() {
			continue
		}
		as.writeEntry(slot, e.WithFlags(e.Flags()&^Writable))
		as.cpu.InvalidatePage(uintptr(addr))
	}

	as.log.Info("identity map ready",
		"limit", mem.Size(identityLimit).String(),
		"new_2m_pages", mapped,
		"tables", as.tables)
	return nil
}

// Root returns the physical address of the top-level table.
func (as *AddressSpace) Root() uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.root
}

// TableFrames returns the number of table frames this address space has
// allocated (boot tables excluded).
func (as *AddressSpace) TableFrames() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tables
}

func (as *AddressSpace) readEntry(slot uintptr) Entry {
	return Entry(as.ram.ReadUint64(slot))
}

func (as *AddressSpace) writeEntry(slot uintptr, e Entry) {
	as.ram.WriteUint64(slot, uint64(e))
}

func slotAddr(table uintptr, idx int) uintptr {
	return table + uintptr(idx)*entrySize
}

// walk descends from the root towards stop without creating anything. It
// returns the slot and entry where it stopped: at stop, or higher up at the
// first entry that is not present or is a large leaf.
func (as *AddressSpace) walk(va uintptr, stop int) (uintptr, Entry, int) {
	ix, _ := Split(va)
	table := as.root
	for level := levelPML4; ; level-- {
		slot := slotAddr(table, ix.At(level))
		e := as.readEntry(slot)
		if level == stop || !e.Present() || (level > levelPT && e.IsLarge()) {
			return slot, e, level
		}
		table = e.Address(Size4K)
	}
}

// allocTable takes a zeroed frame from the frame allocator.
func (as *AddressSpace) allocTable() (uintptr, error) {
	frame, err := as.frames.AllocateRun(1)
	if err != nil {
		return 0, &mem.Error{
			Module:  module,
			Kind:    mem.AllocatorExhausted,
			Message: fmt.Sprintf("no frame for a page table: %v", err),
		}
	}
	as.ram.Zero(frame, uint64(mem.PageSize))
	as.tables++
	return frame, nil
}

// releaseTable frees a table frame and every table below it. Leaves are not
// touched; only frames that came from the frame allocator are returned.
func (as *AddressSpace) releaseTable(table uintptr, level int) {
	if level > levelPT {
		for i := 0; i < entriesPerTable; i++ {
			e := as.readEntry(slotAddr(table, i))
			if e.Present() && !e.IsLarge() {
				as.releaseTable(e.Address(Size4K), level-1)
			}
		}
	}
	if as.frames.Contains(table) && as.frames.Free(table) > 0 {
		as.tables--
	}
}

// descend returns the slot at the target level for va, creating missing
// intermediate tables and splitting larger leaves that sit in the way.
func (as *AddressSpace) descend(va uintptr, target int, user bool) (uintptr, error) {
	ix, err := Split(va)
	if err != nil {
		return 0, err
	}

	table := as.root
	for level := levelPML4; level > target; level-- {
		slot := slotAddr(table, ix.At(level))
		e := as.readEntry(slot)

		switch {
		case !e.Present():
			next, err := as.allocTable()
			if err != nil {
				return 0, err
			}
			flags := Present | Writable
			if user {
				flags |= User
			}
			e = NewEntry(next, flags)
			as.writeEntry(slot, e)

		case level > levelPT && e.IsLarge():
			if e, err = as.split(slot, e, level); err != nil {
				return 0, err
			}

		case user && !e.HasFlags(User):
			// Intermediate levels must allow what the leaf allows
			e = e.WithFlags(e.Flags() | User)
			as.writeEntry(slot, e)
		}

		table = e.Address(Size4K)
	}
	return slotAddr(table, ix.At(target)), nil
}

// split replaces the large leaf e (stored at slot, at the given level) with
// a table of 512 smaller leaves producing the same translations.
func (as *AddressSpace) split(slot uintptr, e Entry, level int) (Entry, error) {
	table, err := as.allocTable()
	if err != nil {
		return 0, err
	}

	parentSize := sizeAt(level)
	childSize := sizeAt(level - 1)
	base := e.Address(parentSize)
	childFlags := e.Flags()
	if level-1 == levelPT {
		// Bit 7 is PAT at the PT level, not a size bit
		childFlags &^= Large
	}
	for i := 0; i < entriesPerTable; i++ {
		child := NewEntry(base+uintptr(i)*uintptr(childSize), childFlags)
		as.writeEntry(slotAddr(table, i), child)
	}

	tableFlags := Present | Writable | (e.Flags() & User)
	next := NewEntry(table, tableFlags)
	as.writeEntry(slot, next)
	as.log.Debug("split large page",
		"size", parentSize.String(),
		"phys", fmt.Sprintf("0x%x", base))
	return next, nil
}

// splitTo makes sure va is translated at the target level or below,
// splitting larger leaves on the way. Unmapped ranges are left alone.
func (as *AddressSpace) splitTo(va uintptr, target int) error {
	for {
		slot, e, level := as.walk(va, target)
		if level == target || !e.Present() {
			return nil
		}
		// Stopped early on a large leaf
		if _, err := as.split(slot, e, level); err != nil {
			return err
		}
	}
}

func (as *AddressSpace) checkMapArgs(va, pa uintptr, size PageSize) error {
	if !size.Valid() {
		return mem.Errorf(module, mem.InvalidAddress, "unsupported page size %d", uint64(size))
	}
	mask := uintptr(size.OffsetMask())
	if va&mask != 0 || pa&mask != 0 {
		return mem.Errorf(module, mem.InvalidAddress,
			"map 0x%x -> 0x%x: addresses must be %s aligned", va, pa, size)
	}
	if uint64(pa) > MaxPhysicalAddress {
		return mem.Errorf(module, mem.InvalidAddress, "physical address 0x%x exceeds 52 bits", pa)
	}
	if !Canonical(va) {
		return mem.Errorf(module, mem.InvalidAddress, "0x%x is not a canonical address", va)
	}
	return nil
}

// Map installs a translation va -> pa of the given page size. Both addresses
// must be aligned to size; they are never rounded. Missing intermediate
// tables are allocated (zeroed, present and writable). Flags outside the
// entry's flag bits are ignored; Present is implied and Large is set for
// 2MB and 1GB pages.
func (as *AddressSpace) Map(va, pa uintptr, size PageSize, flags Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapLocked(va, pa, size, flags)
}

func (as *AddressSpace) mapLocked(va, pa uintptr, size PageSize, flags Flags) error {
	if err := as.checkMapArgs(va, pa, size); err != nil {
		return err
	}

	level := size.level()
	slot, err := as.descend(va, level, flags&User != 0)
	if err != nil {
		return err
	}

	replaced := false
	if old := as.readEntry(slot); level > levelPT && old.Present() && !old.IsLarge() {
		// A table hangs here; the large leaf replaces the whole sub-tree
		as.releaseTable(old.Address(Size4K), level-1)
		replaced = true
	}

	leaf := (flags &^ Large) | Present
	if level > levelPT {
		leaf |= Large
	}
	as.writeEntry(slot, NewEntry(pa, leaf))
	if replaced {
		// Any page of the window may be cached from the old sub-tree.
		// Reloading the root flushes them all, as a CR3 write does.
		as.cpu.LoadRoot(as.root)
		return nil
	}
	as.cpu.InvalidatePage(va)
	return nil
}

// MapRegion maps length bytes starting at va to pa, using the largest page
// size that the alignment of both addresses and the remaining length allow.
// On error the pages mapped so far stay mapped.
func (as *AddressSpace) MapRegion(va, pa uintptr, length uint64, flags Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	mask := uintptr(Size4K.OffsetMask())
	if va&mask != 0 || pa&mask != 0 || length&uint64(mask) != 0 {
		return mem.Errorf(module, mem.InvalidAddress,
			"map region 0x%x -> 0x%x (+0x%x): not page aligned", va, pa, length)
	}

	for length > 0 {
		size := Size4K
		for _, candidate := range []PageSize{Size1G, Size2M} {
			m := uintptr(candidate.OffsetMask())
			if va&m == 0 && pa&m == 0 && length >= uint64(candidate) {
				size = candidate
				break
			}
		}
		if err := as.mapLocked(va, pa, size, flags); err != nil {
			return err
		}
		va += uintptr(size)
		pa += uintptr(size)
		length -= uint64(size)
	}
	return nil
}

// Unmap clears the leaf of the given size that maps va and flushes its
// cached translation. Invalid input, a size that does not match the leaf,
// or an address that is not mapped is ignored (and logged); the result
// reports whether a translation was removed. Intermediate tables that
// become empty are not reclaimed.
func (as *AddressSpace) Unmap(va uintptr, size PageSize) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !size.Valid() || va&uintptr(size.OffsetMask()) != 0 || !Canonical(va) {
		as.log.Warn("ignoring unmap of invalid address",
			"va", fmt.Sprintf("0x%x", va), "size", size.String())
		return false
	}

	target := size.level()
	slot, e, level := as.walk(va, target)
	if !e.Present() || level != target || (level > levelPT && !e.IsLarge()) {
		as.log.Warn("ignoring unmap of address without a leaf of that size",
			"va", fmt.Sprintf("0x%x", va), "size", size.String())
		return false
	}

	as.writeEntry(slot, 0)
	as.cpu.InvalidatePage(va)
	return true
}

// leaf finds the leaf translating va. ok is false if any level on the way
// lacks the present bit.
func (as *AddressSpace) leaf(va uintptr) (slot uintptr, e Entry, size PageSize, ok bool) {
	if !Canonical(va) || as.root == 0 {
		return 0, 0, 0, false
	}
	slot, e, level := as.walk(va, levelPT)
	if !e.Present() {
		return 0, 0, 0, false
	}
	return slot, e, sizeAt(level), true
}

// Lookup returns the leaf entry translating va and its page size.
func (as *AddressSpace) Lookup(va uintptr) (Entry, PageSize, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, e, size, ok := as.leaf(va)
	return e, size, ok
}

// GetPhysicalAddress walks the tables (read-only) and returns the physical
// address va translates to. The offset is taken with the mask of the leaf's
// actual page size.
func (as *AddressSpace) GetPhysicalAddress(va uintptr) (uintptr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	_, e, size, ok := as.leaf(va)
	if !ok {
		return 0, false
	}
	return e.Address(size) | va&uintptr(size.OffsetMask()), true
}

// Translate resolves va the way the MMU does: through the CPU's TLB when it
// has one, walking the tables and filling the TLB on a miss. A mapping
// change that skipped invalidation would show up here as a stale result.
func (as *AddressSpace) Translate(va uintptr) (uintptr, bool) {
	tlb, hasTLB := as.cpu.(TLB)
	if hasTLB {
		if pa, ok := tlb.Lookup(va); ok {
			return pa, true
		}
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	_, e, size, ok := as.leaf(va)
	if !ok {
		return 0, false
	}
	base := e.Address(size)
	if hasTLB {
		tlb.Fill(va, base, size)
	}
	return base | va&uintptr(size.OffsetMask()), true
}

// SetFlags rewrites the flag bits of the leaf mapping va, keeping its
// physical base and page size. Applying the same flags twice yields the
// same entry.
func (as *AddressSpace) SetFlags(va uintptr, flags Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	slot, e, size, ok := as.leaf(va)
	if !ok {
		return mem.Errorf(module, mem.InvalidAddress, "set flags on 0x%x: not mapped", va)
	}

	leafFlags := (flags &^ Large) | Present
	if size != Size4K {
		leafFlags |= Large
	}
	as.writeEntry(slot, e.WithFlags(leafFlags))
	as.cpu.InvalidatePage(va)
	return nil
}

// Walk calls fn for every present leaf in ascending virtual address order
// until fn returns false.
func (as *AddressSpace) Walk(fn func(va uintptr, e Entry, size PageSize) bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return
	}
	as.walkTable(as.root, levelPML4, 0, fn)
}

func (as *AddressSpace) walkTable(table uintptr, level int, prefix uint64, fn func(uintptr, Entry, PageSize) bool) bool {
	for i := 0; i < entriesPerTable; i++ {
		e := as.readEntry(slotAddr(table, i))
		if !e.Present() {
			continue
		}
		va := prefix | uint64(i)<<(mem.PageShift+levelBits*level)
		if level == levelPT || e.IsLarge() {
			if !fn(uintptr(signExtend(va)), e, sizeAt(level)) {
				return false
			}
			continue
		}
		if !as.walkTable(e.Address(Size4K), level-1, va, fn) {
			return false
		}
	}
	return true
}

// Check verifies the tree: every table pointer stays inside RAM and is page
// aligned, and every large leaf's base is aligned to its size.
func (as *AddressSpace) Check() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return fmt.Errorf("paging: address space not initialized")
	}
	return as.checkTable(as.root, levelPML4)
}

func (as *AddressSpace) checkTable(table uintptr, level int) error {
	if !as.ram.Contains(table, uint64(mem.PageSize)) {
		return fmt.Errorf("paging: level %d table 0x%x outside RAM", level, table)
	}
	for i := 0; i < entriesPerTable; i++ {
		e := as.readEntry(slotAddr(table, i))
		if !e.Present() {
			continue
		}
		if level == levelPT || e.IsLarge() {
			if level == levelPML4 {
				return fmt.Errorf("paging: large leaf in PML4 slot %d", i)
			}
			if level > levelPT {
				// Bit 12 holds PAT in large leaves; the rest of the
				// offset bits must be clear
				size := sizeAt(level)
				if uint64(e)&AddressMask&size.OffsetMask()&^(1<<12) != 0 {
					return fmt.Errorf("paging: %s leaf at slot %d of 0x%x is misaligned", size, i, table)
				}
			}
			continue
		}
		if err := as.checkTable(e.Address(Size4K), level-1); err != nil {
			return err
		}
	}
	return nil
}
