package paging

import (
	"strings"

	"mazmm/bitfield"
)

// Flags are the permission and status bits of a page-table entry.
type Flags uint64

// Bits in page table entries (x86-64, identical at every level).
const (
	// Present is set when the entry maps a page or points to a table.
	Present Flags = 1 << iota

	// Writable is set if the page can be written to.
	Writable

	// User is set if ring-3 code can access the page. If not set only kernel
	// code can access it.
	User

	// WriteThrough implies write-through caching when set and write-back
	// caching if cleared.
	WriteThrough

	// CacheDisable prevents the page from being cached (MMIO).
	CacheDisable

	// Accessed is set by the CPU when the page is accessed.
	Accessed

	// Dirty is set by the CPU when the page is modified.
	Dirty

	// Large marks a 2MB (PD level) or 1GB (PDPT level) leaf.
	Large

	// Global keeps the translation in the TLB across root switches.
	Global

	// NoExecute forbids instruction fetches from the page.
	NoExecute Flags = 1 << 63
)

const (
	// AddressMask extracts the physical address bits 12-51 of an entry.
	AddressMask uint64 = 0x000ffffffffff000

	// flagMask is every bit that is not part of the physical address.
	flagMask = Flags(^AddressMask)

	// MaxPhysicalAddress is the largest address an entry can encode.
	MaxPhysicalAddress = AddressMask | 0xfff
)

// Entry is a page table entry.
type Entry uint64

// NewEntry builds an entry pointing at pa with the given flags.
func NewEntry(pa uintptr, flags Flags) Entry {
	return Entry(uint64(pa)&AddressMask | uint64(flags&flagMask))
}

// Present returns true iff this entry is valid.
func (e Entry) Present() bool {
	return Flags(e)&Present != 0
}

// IsLarge returns true iff this entry is a 2MB or 1GB leaf. It is only
// meaningful above the PT level.
func (e Entry) IsLarge() bool {
	return Flags(e)&Large != 0
}

// Flags extracts the entry's flags.
func (e Entry) Flags() Flags {
	return Flags(e) & flagMask
}

// HasFlags reports whether every bit of f is set.
func (e Entry) HasFlags(f Flags) bool {
	return Flags(e)&f == f
}

// Address extracts the physical base for a leaf of the given size. For
// table pointers use Size4K. This should only be used if Present is true.
func (e Entry) Address(size PageSize) uintptr {
	return uintptr(uint64(e) & AddressMask &^ size.OffsetMask())
}

// WithFlags returns e with its flag bits replaced by f.
func (e Entry) WithFlags(f Flags) Entry {
	return Entry(uint64(e)&AddressMask | uint64(f&flagMask))
}

var flagNames = []struct {
	on   func(bitfield.EntryFlags) bool
	name string
}{
	{func(f bitfield.EntryFlags) bool { return f.Present }, "P"},
	{func(f bitfield.EntryFlags) bool { return f.Writable }, "RW"},
	{func(f bitfield.EntryFlags) bool { return f.User }, "U"},
	{func(f bitfield.EntryFlags) bool { return f.WriteThrough }, "PWT"},
	{func(f bitfield.EntryFlags) bool { return f.CacheDisable }, "PCD"},
	{func(f bitfield.EntryFlags) bool { return f.Accessed }, "A"},
	{func(f bitfield.EntryFlags) bool { return f.Dirty }, "D"},
	{func(f bitfield.EntryFlags) bool { return f.Large }, "PS"},
	{func(f bitfield.EntryFlags) bool { return f.Global }, "G"},
}

// String renders the flags as "P|RW|NX"; an empty set renders as "-".
func (f Flags) String() string {
	bits := bitfield.UnpackEntryFlags(uint64(f))
	var parts []string
	for _, n := range flagNames {
		if n.on(bits) {
			parts = append(parts, n.name)
		}
	}
	if f&NoExecute != 0 {
		parts = append(parts, "NX")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses the String form (case-insensitive). "R" and "RO" are
// accepted as a no-op for readability, "W" as Writable.
func ParseFlags(s string) (Flags, bool) {
	var f Flags
	if s == "" || s == "-" {
		return 0, true
	}
	for _, part := range strings.Split(strings.ToUpper(s), "|") {
		switch strings.TrimSpace(part) {
		case "P":
			f |= Present
		case "RW", "W":
			f |= Writable
		case "R", "RO":
		case "U":
			f |= User
		case "PWT":
			f |= WriteThrough
		case "PCD":
			f |= CacheDisable
		case "A":
			f |= Accessed
		case "D":
			f |= Dirty
		case "PS":
			f |= Large
		case "G":
			f |= Global
		case "NX":
			f |= NoExecute
		default:
			return 0, false
		}
	}
	return f, true
}
