package paging

import "sync"

// CPU is the part of the processor the page-table manager talks to: the
// root register (CR3) and the single-page TLB invalidation (INVLPG).
type CPU interface {
	Root() uintptr
	LoadRoot(root uintptr)
	InvalidatePage(va uintptr)
}

// TLB is implemented by CPUs that expose their translation cache, so that
// hardware-style translation (Translate) can be simulated faithfully.
type TLB interface {
	Lookup(va uintptr) (pa uintptr, ok bool)
	Fill(va, pa uintptr, size PageSize)
}

type tlbKey struct {
	base uintptr
	size PageSize
}

// SoftCPU is an in-process CPU: a root register plus a translation cache
// that only changes when translations are filled or invalidated.
type SoftCPU struct {
	mu   sync.Mutex
	root uintptr
	tlb  map[tlbKey]uintptr

	invalidations uint64
	hits          uint64
	misses        uint64
}

// NewSoftCPU returns a CPU whose root register holds root.
func NewSoftCPU(root uintptr) *SoftCPU {
	return &SoftCPU{root: root, tlb: map[tlbKey]uintptr{}}
}

// Root returns the active page-table root.
func (c *SoftCPU) Root() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// LoadRoot switches the root and flushes every cached translation.
func (c *SoftCPU) LoadRoot(root uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
	clear(c.tlb)
}

// InvalidatePage drops every cached translation covering va, whatever the
// size of the page that produced it.
func (c *SoftCPU) InvalidatePage(va uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations++
	for _, size := range []PageSize{Size4K, Size2M, Size1G} {
		delete(c.tlb, tlbKey{base: va &^ uintptr(size.OffsetMask()), size: size})
	}
}

// Lookup translates va from the cache only.
func (c *SoftCPU) Lookup(va uintptr) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, size := range []PageSize{Size4K, Size2M, Size1G} {
		mask := uintptr(size.OffsetMask())
		if pa, ok := c.tlb[tlbKey{base: va &^ mask, size: size}]; ok {
			c.hits++
			return pa | va&mask, true
		}
	}
	c.misses++
	return 0, false
}

// Fill caches the translation of the page of the given size containing va.
func (c *SoftCPU) Fill(va, pa uintptr, size PageSize) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mask := uintptr(size.OffsetMask())
	c.tlb[tlbKey{base: va &^ mask, size: size}] = pa &^ mask
}

// TLBStats reports cache activity.
type TLBStats struct {
	Entries       int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

// Stats returns a snapshot of the translation cache counters.
func (c *SoftCPU) Stats() TLBStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TLBStats{
		Entries:       len(c.tlb),
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
	}
}
