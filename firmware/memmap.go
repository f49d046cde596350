package firmware

import (
	"encoding/binary"
	"fmt"

	"mazmm/mem"
)

// RegionType is the E820 type of a memory map entry.
type RegionType uint32

const (
	Usable      RegionType = 1
	Reserved    RegionType = 2
	ACPIReclaim RegionType = 3
	ACPINVS     RegionType = 4
	BadMemory   RegionType = 5
)

func (t RegionType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPIReclaim:
		return "acpi"
	case ACPINVS:
		return "acpi-nvs"
	case BadMemory:
		return "bad"
	}
	return fmt.Sprintf("type-%d", uint32(t))
}

// Region is one entry of the firmware memory map.
type Region struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%09x-0x%09x) %s", r.Base, r.End(), r.Type)
}

const (
	// entrySize is base(8) + length(8) + type(4) + extended attributes(4).
	entrySize = 24

	// maxEntries bounds the walk so a corrupted map cannot run away.
	maxEntries = 128
)

// Reader reads physical memory.
type Reader interface {
	Contains(addr uintptr, n uint64) bool
	ReadAt(p []byte, addr uintptr)
}

// Writer writes physical memory.
type Writer interface {
	Contains(addr uintptr, n uint64) bool
	WriteAt(p []byte, addr uintptr)
}

// WriteMemoryMap stores regions at addr, terminated by a zero-length entry.
func WriteMemoryMap(w Writer, addr uintptr, regions []Region) error {
	if len(regions) >= maxEntries {
		return fmt.Errorf("firmware: %d memory map entries, at most %d fit", len(regions), maxEntries-1)
	}
	n := uint64(len(regions)+1) * entrySize
	if !w.Contains(addr, n) {
		return fmt.Errorf("firmware: memory map at 0x%x (+%d) is outside RAM", addr, n)
	}

	buf := make([]byte, n)
	for i, r := range regions {
		e := buf[i*entrySize:]
		binary.LittleEndian.PutUint64(e[0:], r.Base)
		binary.LittleEndian.PutUint64(e[8:], r.Length)
		binary.LittleEndian.PutUint32(e[16:], uint32(r.Type))
		binary.LittleEndian.PutUint32(e[20:], 1) // enabled
	}
	w.WriteAt(buf, addr)
	return nil
}

// ReadMemoryMap walks the map at addr until the terminating entry. The walk
// stops with an error if it leaves RAM or exceeds maxEntries.
func ReadMemoryMap(r Reader, addr uintptr) ([]Region, error) {
	var regions []Region
	e := make([]byte, entrySize)
	for i := 0; i < maxEntries; i++ {
		at := addr + uintptr(i*entrySize)
		if !r.Contains(at, entrySize) {
			return nil, fmt.Errorf("firmware: memory map entry %d at 0x%x is outside RAM", i, at)
		}
		r.ReadAt(e, at)
		region := Region{
			Base:   binary.LittleEndian.Uint64(e[0:]),
			Length: binary.LittleEndian.Uint64(e[8:]),
			Type:   RegionType(binary.LittleEndian.Uint32(e[16:])),
		}
		if region.Length == 0 {
			return regions, nil
		}
		if region.End() < region.Base {
			return nil, fmt.Errorf("firmware: memory map entry %d wraps around", i)
		}
		regions = append(regions, region)
	}
	return nil, fmt.Errorf("firmware: memory map at 0x%x is not terminated within %d entries", addr, maxEntries)
}

// DefaultMemoryMap describes a PC with size bytes of RAM: conventional
// memory, the BIOS area below 1MB, extended memory, and ACPI tables in the
// top acpi bytes.
func DefaultMemoryMap(size, acpi mem.Size) []Region {
	regions := []Region{
		{Base: 0, Length: 0x9F000, Type: Usable},
		{Base: 0x9F000, Length: 0x100000 - 0x9F000, Type: Reserved},
	}
	top := uint64(size) - uint64(acpi)
	regions = append(regions, Region{Base: uint64(mem.Mb), Length: top - uint64(mem.Mb), Type: Usable})
	if acpi > 0 {
		regions = append(regions, Region{Base: top, Length: uint64(acpi), Type: ACPIReclaim})
	}
	return regions
}
