package memory

import (
	"fmt"
	"log/slog"

	"mazmm/mem"
	"mazmm/paging"
	"mazmm/physmem"
)

// heapFlags are the leaf flags of heap pages: kernel data, never executed,
// kept across root switches.
const heapFlags = paging.Writable | paging.Global | paging.NoExecute

// heapGrower backs the heap's virtual range with frames, one page at a
// time so the heap never needs physically contiguous memory.
type heapGrower struct {
	pages *physmem.PageAllocator
	space *paging.AddressSpace
	log   *slog.Logger
}

// Grow maps whole pages starting at end. If any page fails, the pages
// mapped by this call are unmapped and their frames freed.
func (g *heapGrower) Grow(end uintptr, bytes uint64) (uint64, error) {
	pages := mem.Size(bytes).Pages()
	if free := g.pages.FreePages(); pages > free {
		return 0, &mem.Error{
			Module:  module,
			Kind:    mem.AllocatorExhausted,
			Message: fmt.Sprintf("heap growth at 0x%x needs %d pages, %d free", end, pages, free),
		}
	}
	n := int(pages)
	frames := make([]uintptr, 0, n)

	for i := 0; i < n; i++ {
		va := end + uintptr(i)*uintptr(mem.PageSize)
		frame, err := g.pages.AllocateRun(1)
		if err == nil {
			if err = g.space.Map(va, frame, paging.Size4K, heapFlags); err != nil {
				g.pages.Free(frame)
			}
		}
		if err != nil {
			g.rollback(end, frames)
			return 0, &mem.Error{
				Module:  module,
				Kind:    mem.AllocatorExhausted,
				Message: fmt.Sprintf("back heap page %d of %d at 0x%x: %v", i+1, n, va, err),
			}
		}
		frames = append(frames, frame)
	}

	g.log.Debug("heap backing mapped",
		"at", fmt.Sprintf("0x%x", end),
		"pages", n)
	return uint64(n) * uint64(mem.PageSize), nil
}

func (g *heapGrower) rollback(end uintptr, frames []uintptr) {
	for i, frame := range frames {
		g.space.Unmap(end+uintptr(i)*uintptr(mem.PageSize), paging.Size4K)
		g.pages.Free(frame)
	}
	if len(frames) > 0 {
		g.log.Warn("heap growth rolled back", "pages", len(frames))
	}
}
