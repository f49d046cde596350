// Package heap is the kernel's variable-size allocator. It carves a virtual
// region, kept backed by physical frames, into a singly linked list of
// blocks, each preceded by a 16 byte header:
//
//	word 0: payload size | hold bit | used bit
//	word 1: virtual address of the next header, 0 for the last block
//
// Blocks tile the region exactly: the next header always starts right after
// the previous payload. A used block with the hold bit set was taken whole
// while its successor was free; freeing it leaves that successor alone, so
// an allocation followed by its free restores the list exactly.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mazmm/klog"
	"mazmm/mem"
)

const module = "heap"

const (
	// HeaderSize is the size of the block header preceding every payload.
	HeaderSize = 16

	// Alignment of every payload and every payload size.
	Alignment = 16

	usedBit = 1
	holdBit = 2

	flagBits = usedBit | holdBit

	// minBlock is the smallest block worth splitting off: a header plus
	// one aligned payload unit.
	minBlock = HeaderSize + Alignment

	// maxRequest bounds request sizes so rounding never wraps.
	maxRequest = uint64(1) << 62
)

// Memory is the virtual memory the heap lives in.
type Memory interface {
	ReadUint64(addr uintptr) uint64
	WriteUint64(addr uintptr, value uint64)
	Copy(dst, src uintptr, n uint64)
}

// Grower backs more of the heap's virtual range. Grow makes at least bytes
// bytes starting at end usable and returns how many it added.
type Grower interface {
	Grow(end uintptr, bytes uint64) (uint64, error)
}

// Config tunes heap growth.
type Config struct {
	// GrowthIncrement is the granularity growth requests are rounded up to.
	GrowthIncrement mem.Size `yaml:"growth_increment"`

	// DisableGrowth keeps the heap at its initial size.
	DisableGrowth bool `yaml:"disable_growth"`

	// MaxSize caps the heap, headers included. Zero means no cap.
	MaxSize mem.Size `yaml:"max_size"`
}

// DefaultConfig grows the heap 64KB at a time without a cap.
func DefaultConfig() Config {
	return Config{GrowthIncrement: 64 * mem.Kb}
}

// Block describes one block of the list.
type Block struct {
	Header uintptr
	Size   uint64 // payload bytes
	Used   bool
}

// Payload returns the address handed out for the block.
func (b Block) Payload() uintptr {
	return b.Header + HeaderSize
}

// Stats summarises the block list. Used and Free include headers, so
// Used+Free == Total.
type Stats struct {
	Base        uintptr
	Total       uint64
	Used        uint64
	Free        uint64
	Blocks      int
	FreeBlocks  int
	LargestFree uint64 // largest free payload
	Growths     int
}

// Heap is a first-fit allocator with forward-only coalescing.
type Heap struct {
	mu sync.Mutex

	cfg    Config
	mem    Memory
	grower Grower

	base uintptr
	end  uintptr

	growths int

	log *slog.Logger
}

// New creates a heap over m. grower may be nil, which disables growth.
func New(m Memory, grower Grower, cfg Config) *Heap {
	if cfg.GrowthIncrement == 0 {
		cfg.GrowthIncrement = DefaultConfig().GrowthIncrement
	}
	cfg.GrowthIncrement = mem.Size(mem.AlignUp(uintptr(cfg.GrowthIncrement), uintptr(mem.PageSize)))
	return &Heap{cfg: cfg, mem: m, grower: grower, log: klog.With(module)}
}

// Initialize turns [base, base+size) into a single free block. size is
// rounded down to the alignment.
func (h *Heap) Initialize(base uintptr, size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size &^= Alignment - 1
	if base == 0 || !mem.IsAligned(base, Alignment) {
		return mem.Errorf(module, mem.InvalidAddress, "heap base 0x%x must be %d byte aligned", base, Alignment)
	}
	if size < minBlock {
		return mem.Errorf(module, mem.OutOfMemory, "heap of %d bytes cannot hold a block", size)
	}
	if h.cfg.MaxSize != 0 && size > uint64(h.cfg.MaxSize) {
		return mem.Errorf(module, mem.InvalidAddress,
			"initial heap %s exceeds the %s cap", mem.Size(size), h.cfg.MaxSize)
	}

	h.base = base
	h.end = base + uintptr(size)
	h.growths = 0
	h.writeHeader(base, size-HeaderSize, false, 0)

	h.log.Info("heap initialized", "base", fmt.Sprintf("0x%x", base), "size", mem.Size(size).String())
	return nil
}

func (h *Heap) readHeader(addr uintptr) (size uint64, used bool, next uintptr) {
	word := h.mem.ReadUint64(addr)
	return word &^ flagBits, word&usedBit != 0, uintptr(h.mem.ReadUint64(addr + 8))
}

func (h *Heap) held(addr uintptr) bool {
	return h.mem.ReadUint64(addr)&holdBit != 0
}

func (h *Heap) setHold(addr uintptr, hold bool) {
	word := h.mem.ReadUint64(addr)
	if hold {
		word |= holdBit
	} else {
		word &^= holdBit
	}
	h.mem.WriteUint64(addr, word)
}

func (h *Heap) isFree(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	_, used, _ := h.readHeader(addr)
	return !used
}

func (h *Heap) writeHeader(addr uintptr, size uint64, used bool, next uintptr) {
	word := size
	if used {
		word |= usedBit
	}
	h.mem.WriteUint64(addr, word)
	h.mem.WriteUint64(addr+8, uint64(next))
}

func roundRequest(size uint64) uint64 {
	if size == 0 {
		return Alignment
	}
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Allocate returns a 16 byte aligned pointer to at least size bytes. When
// no block fits the heap grows once and the search is retried.
func (h *Heap) Allocate(size uint64) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateLocked(size)
}

func (h *Heap) allocateLocked(size uint64) (uintptr, error) {
	if h.base == 0 {
		return 0, mem.Errorf(module, mem.InvalidAddress, "heap not initialized")
	}
	if size > maxRequest {
		return 0, mem.Errorf(module, mem.OutOfMemory, "request of %d bytes is too large", size)
	}
	need := roundRequest(size)

	if ptr, ok := h.firstFit(need); ok {
		return ptr, nil
	}
	if err := h.grow(need); err != nil {
		return 0, err
	}
	if ptr, ok := h.firstFit(need); ok {
		return ptr, nil
	}
	return 0, mem.Errorf(module, mem.OutOfMemory, "no block of %d bytes after growth", need)
}

func (h *Heap) firstFit(need uint64) (uintptr, bool) {
	var prev uintptr
	for addr := h.base; addr != 0; {
		size, used, next := h.readHeader(addr)
		if !used && size >= need {
			// A held predecessor may merge with this block again once it
			// is freed
			if prev != 0 && h.held(prev) {
				h.setHold(prev, false)
			}
			h.carve(addr, size, need, next)
			return addr + HeaderSize, true
		}
		prev, addr = addr, next
	}
	return 0, false
}

// carve marks the block at addr used for need bytes, splitting the tail off
// as a free block when it is big enough to be useful.
func (h *Heap) carve(addr uintptr, size, need uint64, next uintptr) {
	if size >= need+minBlock {
		rest := addr + HeaderSize + uintptr(need)
		h.writeHeader(rest, size-need-HeaderSize, false, next)
		h.writeHeader(addr, need, true, rest)
		return
	}
	h.writeHeader(addr, size, true, next)
	if h.isFree(next) {
		h.setHold(addr, true)
	}
}

// grow asks the grower for room for a need byte payload and appends it to
// the list, merging it into a free tail block.
func (h *Heap) grow(need uint64) error {
	if h.cfg.DisableGrowth || h.grower == nil {
		return mem.Errorf(module, mem.OutOfMemory, "no block of %d bytes and growth is disabled", need)
	}

	want := uint64(mem.AlignUp(uintptr(need+HeaderSize), uintptr(h.cfg.GrowthIncrement)))
	total := uint64(h.end - h.base)
	if limit := uint64(h.cfg.MaxSize); limit != 0 {
		if total+want > limit {
			want = uint64(mem.AlignDown(uintptr(limit-total), uintptr(mem.PageSize)))
		}
		if want < need+HeaderSize {
			return mem.Errorf(module, mem.OutOfMemory,
				"no block of %d bytes and the heap is at its %s cap", need, h.cfg.MaxSize)
		}
	}

	got, err := h.grower.Grow(h.end, want)
	if err != nil {
		var merr *mem.Error
		if errors.As(err, &merr) && merr.Kind == mem.AllocatorExhausted {
			return err
		}
		return &mem.Error{
			Module:  module,
			Kind:    mem.AllocatorExhausted,
			Message: fmt.Sprintf("grow heap by %s: %v", mem.Size(want), err),
		}
	}
	got &^= Alignment - 1
	if got < minBlock {
		return mem.Errorf(module, mem.AllocatorExhausted, "heap grew by only %d bytes", got)
	}

	last := h.lastBlock()
	size, used, _ := h.readHeader(last)
	if used {
		h.writeHeader(h.end, got-HeaderSize, false, 0)
		h.writeHeader(last, size, true, h.end)
	} else {
		h.writeHeader(last, size+got, false, 0)
	}
	h.end += uintptr(got)
	h.growths++

	h.log.Debug("heap grown",
		"by", mem.Size(got).String(),
		"end", fmt.Sprintf("0x%x", h.end),
		"growths", h.growths)
	return nil
}

func (h *Heap) lastBlock() uintptr {
	addr := h.base
	for {
		_, _, next := h.readHeader(addr)
		if next == 0 {
			return addr
		}
		addr = next
	}
}

// find returns the header of the block whose payload is ptr. Pointers that
// are out of range, misaligned or not on the list are rejected.
func (h *Heap) find(ptr uintptr) (uintptr, bool) {
	if h.base == 0 || ptr < h.base+HeaderSize || ptr >= h.end || !mem.IsAligned(ptr, Alignment) {
		return 0, false
	}
	hdr := ptr - HeaderSize
	for addr := h.base; addr != 0 && addr <= hdr; {
		if addr == hdr {
			return hdr, true
		}
		_, _, next := h.readHeader(addr)
		addr = next
	}
	return 0, false
}

// Free releases ptr. Pointers the heap did not hand out, and blocks that
// are already free, are ignored.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freeLocked(ptr)
}

func (h *Heap) freeLocked(ptr uintptr) {
	hdr, ok := h.find(ptr)
	if !ok {
		h.log.Warn("ignoring free of address outside the heap", "ptr", fmt.Sprintf("0x%x", ptr))
		return
	}
	size, used, next := h.readHeader(hdr)
	if !used {
		h.log.Warn("ignoring double free", "ptr", fmt.Sprintf("0x%x", ptr))
		return
	}
	hold := h.held(hdr)
	h.writeHeader(hdr, size, false, next)
	if !hold {
		h.coalesce(hdr)
	}
}

// coalesce merges the free block at hdr with the block immediately after
// it when that one is free. Preceding blocks are never merged.
func (h *Heap) coalesce(hdr uintptr) {
	size, _, next := h.readHeader(hdr)
	if !h.isFree(next) {
		return
	}
	nsize, _, nnext := h.readHeader(next)
	h.writeHeader(hdr, size+HeaderSize+nsize, false, nnext)
}

// Realloc resizes the allocation at ptr. A zero ptr allocates and a zero
// size frees (returning 0). Shrinking and growing into a free neighbour
// happen in place; otherwise the data moves to a new block.
func (h *Heap) Realloc(ptr uintptr, size uint64) (uintptr, error) {
	if ptr == 0 {
		return h.Allocate(size)
	}
	if size == 0 {
		h.Free(ptr)
		return 0, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	hdr, ok := h.find(ptr)
	if !ok {
		return 0, mem.Errorf(module, mem.InvalidAddress, "realloc of 0x%x: not a heap pointer", ptr)
	}
	cur, used, next := h.readHeader(hdr)
	if !used {
		return 0, mem.Errorf(module, mem.InvalidAddress, "realloc of 0x%x: block is free", ptr)
	}
	if size > maxRequest {
		return 0, mem.Errorf(module, mem.OutOfMemory, "request of %d bytes is too large", size)
	}
	need := roundRequest(size)

	if need <= cur {
		h.shrink(hdr, cur, need, next)
		return ptr, nil
	}

	if next != 0 {
		nsize, nused, nnext := h.readHeader(next)
		if merged := cur + HeaderSize + nsize; !nused && merged >= need {
			h.writeHeader(hdr, merged, true, nnext)
			h.shrink(hdr, merged, need, nnext)
			return ptr, nil
		}
	}

	moved, err := h.allocateLocked(need)
	if err != nil {
		return 0, err
	}
	h.mem.Copy(moved, ptr, cur)
	h.freeLocked(ptr)
	return moved, nil
}

// shrink trims the used block at hdr to need bytes when the tail can form a
// block of its own.
func (h *Heap) shrink(hdr uintptr, size, need uint64, next uintptr) {
	if size < need+minBlock {
		return
	}
	rest := hdr + HeaderSize + uintptr(need)
	h.writeHeader(rest, size-need-HeaderSize, false, next)
	h.writeHeader(hdr, need, true, rest)
	h.coalesce(rest)
}

// Bounds returns the heap's current virtual range.
func (h *Heap) Bounds() (base, end uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base, h.end
}

// Contains reports whether addr lies inside the heap's current range.
func (h *Heap) Contains(addr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base != 0 && addr >= h.base && addr < h.end
}

// UsableSize returns the payload size of the block at ptr. ok is false
// unless ptr is a live allocation.
func (h *Heap) UsableSize(ptr uintptr) (size uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hdr, found := h.find(ptr)
	if !found {
		return 0, false
	}
	size, ok, _ = h.readHeader(hdr)
	return size, ok
}

// Blocks returns a snapshot of the block list in address order.
func (h *Heap) Blocks() []Block {
	h.mu.Lock()
	defer h.mu.Unlock()

	var blocks []Block
	if h.base == 0 {
		return blocks
	}
	for addr := h.base; addr != 0; {
		size, used, next := h.readHeader(addr)
		blocks = append(blocks, Block{Header: addr, Size: size, Used: used})
		addr = next
	}
	return blocks
}

// Stats returns the current usage.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{Base: h.base, Total: uint64(h.end - h.base), Growths: h.growths}
	if h.base == 0 {
		return s
	}
	for addr := h.base; addr != 0; {
		size, used, next := h.readHeader(addr)
		s.Blocks++
		if used {
			s.Used += HeaderSize + size
		} else {
			s.Free += HeaderSize + size
			s.FreeBlocks++
			s.LargestFree = max(s.LargestFree, size)
		}
		addr = next
	}
	return s
}

// Check verifies that the blocks tile [base, end) exactly.
func (h *Heap) Check() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.base == 0 {
		return fmt.Errorf("heap: not initialized")
	}
	limit := int((h.end - h.base) / minBlock)
	addr := h.base
	for n := 0; ; n++ {
		if n > limit {
			return fmt.Errorf("heap: block list does not terminate")
		}
		size, used, next := h.readHeader(addr)
		if size%Alignment != 0 || size == 0 {
			return fmt.Errorf("heap: block 0x%x has bad size %d", addr, size)
		}
		if !used && h.held(addr) {
			return fmt.Errorf("heap: free block 0x%x is marked held", addr)
		}
		blockEnd := addr + HeaderSize + uintptr(size)
		if blockEnd > h.end || blockEnd < addr {
			return fmt.Errorf("heap: block 0x%x runs past the heap end 0x%x", addr, h.end)
		}
		if next == 0 {
			if blockEnd != h.end {
				return fmt.Errorf("heap: last block 0x%x ends at 0x%x, heap ends at 0x%x", addr, blockEnd, h.end)
			}
			return nil
		}
		if next != blockEnd {
			return fmt.Errorf("heap: block 0x%x links to 0x%x, expected 0x%x", addr, next, blockEnd)
		}
		addr = next
	}
}
