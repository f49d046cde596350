package paging

import (
	"fmt"

	"mazmm/mem"
)

// PageSize is one of the translation granularities the MMU supports.
type PageSize uint64

// Supported page sizes.
const (
	Size4K PageSize = 4 << 10
	Size2M PageSize = 2 << 20
	Size1G PageSize = 1 << 30
)

// Table geometry.
const (
	entriesPerTable = 512
	entrySize       = 8
	levelBits       = 9

	// pageLevels is the number of table levels (PML4, PDPT, PD, PT).
	pageLevels = 4

	// Level numbers, counted up from the PT.
	levelPT   = 0
	levelPD   = 1
	levelPDPT = 2
	levelPML4 = 3
)

// Valid reports whether s is one of the supported page sizes.
func (s PageSize) Valid() bool {
	return s == Size4K || s == Size2M || s == Size1G
}

// OffsetMask selects the offset-within-page bits of an address.
func (s PageSize) OffsetMask() uint64 {
	return uint64(s) - 1
}

// level returns the table level that holds leaves of this size.
func (s PageSize) level() int {
	switch s {
	case Size2M:
		return levelPD
	case Size1G:
		return levelPDPT
	}
	return levelPT
}

// sizeAt returns the span of one entry at the given level.
func sizeAt(level int) PageSize {
	return PageSize(uint64(1) << (mem.PageShift + levelBits*level))
}

func (s PageSize) String() string {
	switch s {
	case Size4K:
		return "4KiB"
	case Size2M:
		return "2MiB"
	case Size1G:
		return "1GiB"
	}
	return fmt.Sprintf("PageSize(%d)", uint64(s))
}

// ParsePageSize accepts "4k", "2m", "1g" and the mem.ParseSize forms.
func ParsePageSize(str string) (PageSize, error) {
	size, err := mem.ParseSize(str)
	if err != nil {
		return 0, err
	}
	ps := PageSize(size)
	if !ps.Valid() {
		return 0, fmt.Errorf("paging: unsupported page size %s", size)
	}
	return ps, nil
}

// Indices is a virtual address broken into its table indices. Keeping the
// decomposition explicit makes every walk step visible and testable.
type Indices struct {
	PML4   uint16
	PDPT   uint16
	PD     uint16
	PT     uint16
	Offset uint16
}

// Split decomposes a virtual address. Non-canonical addresses (bits 63..47
// not all equal) cannot be translated and are rejected.
func Split(va uintptr) (Indices, error) {
	if !Canonical(va) {
		return Indices{}, mem.Errorf(module, mem.InvalidAddress, "0x%x is not a canonical address", va)
	}
	v := uint64(va)
	return Indices{
		PML4:   uint16((v >> 39) & 0x1FF), // Bits 47-39
		PDPT:   uint16((v >> 30) & 0x1FF), // Bits 38-30
		PD:     uint16((v >> 21) & 0x1FF), // Bits 29-21
		PT:     uint16((v >> 12) & 0x1FF), // Bits 20-12
		Offset: uint16(v & 0xFFF),
	}, nil
}

// At returns the index used at the given table level.
func (ix Indices) At(level int) int {
	switch level {
	case levelPML4:
		return int(ix.PML4)
	case levelPDPT:
		return int(ix.PDPT)
	case levelPD:
		return int(ix.PD)
	}
	return int(ix.PT)
}

// Join rebuilds the canonical virtual address.
func (ix Indices) Join() uintptr {
	v := uint64(ix.PML4&0x1FF)<<39 | uint64(ix.PDPT&0x1FF)<<30 |
		uint64(ix.PD&0x1FF)<<21 | uint64(ix.PT&0x1FF)<<12 | uint64(ix.Offset&0xFFF)
	return uintptr(signExtend(v))
}

// Canonical reports whether va is a canonical 48-bit virtual address.
func Canonical(va uintptr) bool {
	return signExtend(uint64(va)) == uint64(va)
}

func signExtend(v uint64) uint64 {
	if v&(1<<47) != 0 {
		return v | 0xFFFF000000000000
	}
	return v & 0x0000FFFFFFFFFFFF
}
