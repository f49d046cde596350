package physmem

import (
	"encoding/binary"
	"fmt"

	"mazmm/mem"
)

// RAM is the simulated physical memory of the machine. Physical address A
// lives at data[A]; the whole range [0, Size()) is backed.
type RAM struct {
	data    []byte
	release func() error
}

// NewRAM reserves size bytes of zeroed physical memory.
func NewRAM(size mem.Size) (*RAM, error) {
	if size == 0 || size%mem.PageSize != 0 {
		return nil, fmt.Errorf("physmem: RAM size %d is not a positive multiple of the page size", size)
	}
	data, release, err := mapAnonymous(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: reserve %s of RAM: %w", size, err)
	}
	return &RAM{data: data, release: release}, nil
}

// Size returns the number of physical bytes.
func (r *RAM) Size() mem.Size {
	return mem.Size(len(r.data))
}

// Contains reports whether [addr, addr+n) is backed by RAM.
func (r *RAM) Contains(addr uintptr, n uint64) bool {
	end := uint64(addr) + n
	return end >= uint64(addr) && end <= uint64(len(r.data))
}

func (r *RAM) check(addr uintptr, n uint64) {
	if !r.Contains(addr, n) {
		panic(fmt.Sprintf("physmem: access [0x%x, +0x%x) outside RAM (0x%x bytes)", addr, n, len(r.data)))
	}
}

// ReadUint64 reads a little-endian 64-bit word at a physical address.
func (r *RAM) ReadUint64(addr uintptr) uint64 {
	r.check(addr, 8)
	return binary.LittleEndian.Uint64(r.data[addr:])
}

// WriteUint64 writes a little-endian 64-bit word at a physical address.
func (r *RAM) WriteUint64(addr uintptr, value uint64) {
	r.check(addr, 8)
	binary.LittleEndian.PutUint64(r.data[addr:], value)
}

// Zero clears n bytes starting at addr.
func (r *RAM) Zero(addr uintptr, n uint64) {
	r.check(addr, n)
	clear(r.data[addr : uint64(addr)+n])
}

// Copy moves n bytes from src to dst; the ranges may overlap.
func (r *RAM) Copy(dst, src uintptr, n uint64) {
	r.check(dst, n)
	r.check(src, n)
	copy(r.data[dst:uint64(dst)+n], r.data[src:uint64(src)+n])
}

// ReadAt copies len(p) bytes starting at physical address addr into p.
func (r *RAM) ReadAt(p []byte, addr uintptr) {
	r.check(addr, uint64(len(p)))
	copy(p, r.data[addr:])
}

// WriteAt copies p into physical memory starting at addr.
func (r *RAM) WriteAt(p []byte, addr uintptr) {
	r.check(addr, uint64(len(p)))
	copy(r.data[addr:], p)
}

// Close releases the backing memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	r.data = nil
	return err
}
