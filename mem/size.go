// Package mem holds the units, alignment helpers and error taxonomy shared by
// the page allocator, the page-table manager and the kernel heap.
package mem

import (
	"fmt"
	"strconv"
	"strings"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Paging constants for the base (4KB) page.
const (
	PageShift = 12
	PageSize  = Size(1 << PageShift)
)

// Pages returns the number of base pages needed to hold s bytes.
// A zero size still needs one page.
func (s Size) Pages() uint64 {
	if s == 0 {
		return 1
	}
	return uint64((s + PageSize - 1) >> PageShift)
}

// String renders the size using the largest binary unit that divides it.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return fmt.Sprintf("%dGiB", uint64(s/Gb))
	case s >= Mb && s%Mb == 0:
		return fmt.Sprintf("%dMiB", uint64(s/Mb))
	case s >= Kb && s%Kb == 0:
		return fmt.Sprintf("%dKiB", uint64(s/Kb))
	}
	return fmt.Sprintf("%dB", uint64(s))
}

// ParseSize parses strings such as "4096", "64KiB", "2M" or "1GiB".
func ParseSize(str string) (Size, error) {
	s := strings.TrimSpace(str)
	if s == "" {
		return 0, fmt.Errorf("mem: empty size")
	}

	// Split the numeric prefix from the unit suffix
	i := 0
	hex := strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
	if hex {
		i = 2
	}
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || hex && isHexDigit(s[i])) {
		i++
	}
	num, err := strconv.ParseUint(s[:i], 0, 64)
	if err != nil {
		return 0, fmt.Errorf("mem: invalid size %q: %w", str, err)
	}

	var unit Size
	switch strings.ToLower(strings.TrimSpace(s[i:])) {
	case "", "b":
		unit = Byte
	case "k", "kb", "kib":
		unit = Kb
	case "m", "mb", "mib":
		unit = Mb
	case "g", "gb", "gib":
		unit = Gb
	default:
		return 0, fmt.Errorf("mem: unknown size unit in %q", str)
	}
	return Size(num) * unit, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// UnmarshalText lets sizes be written as human strings in config files.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AlignUp rounds addr up to the next multiple of align (a power of two).
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align (a power of two).
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align (a power of two).
func IsAligned(addr, align uintptr) bool {
	return addr&(align-1) == 0
}
