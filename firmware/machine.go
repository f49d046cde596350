// Package firmware plays the bootloader for the simulated machine. It
// powers on RAM, leaves a minimal page-table tree and an E820 style memory
// map in low memory, loads the CPU's root register, and derives the boot
// information the memory manager needs.
package firmware

import (
	"fmt"
	"log/slog"

	"mazmm/klog"
	"mazmm/mem"
	"mazmm/memory"
	"mazmm/paging"
	"mazmm/physmem"
)

// Fixed low-memory layout left by the bootloader.
const (
	BootPML4      = uintptr(0x1000)
	BootPDPT      = uintptr(0x2000)
	BootPD        = uintptr(0x3000)
	MemoryMapAddr = uintptr(0x7000)

	// KernelLoadAddr is where the kernel image sits, at the start of
	// extended memory.
	KernelLoadAddr = uintptr(mem.Mb)

	minRAM = 4 * mem.Mb
)

// Options describes the machine.
type Options struct {
	RAMSize mem.Size `yaml:"ram_size"`

	// ACPISize is reserved for ACPI tables at the top of RAM.
	ACPISize mem.Size `yaml:"acpi_size"`

	// KernelSize is the size of the kernel image loaded at KernelLoadAddr.
	KernelSize mem.Size `yaml:"kernel_size"`
}

// DefaultOptions is a 64MB machine with a 2MB kernel image.
func DefaultOptions() Options {
	return Options{
		RAMSize:    64 * mem.Mb,
		ACPISize:   64 * mem.Kb,
		KernelSize: 2 * mem.Mb,
	}
}

// Validate checks that the layout fits.
func (o Options) Validate() error {
	if o.RAMSize < minRAM {
		return fmt.Errorf("ram_size %s is below the %s minimum", o.RAMSize, minRAM)
	}
	for name, s := range map[string]mem.Size{"ram_size": o.RAMSize, "acpi_size": o.ACPISize, "kernel_size": o.KernelSize} {
		if s%mem.PageSize != 0 {
			return fmt.Errorf("%s %s is not a whole number of pages", name, s)
		}
	}
	if mem.Size(KernelLoadAddr)+o.KernelSize+o.ACPISize >= o.RAMSize {
		return fmt.Errorf("kernel (%s) and ACPI (%s) leave no free memory in %s", o.KernelSize, o.ACPISize, o.RAMSize)
	}
	return nil
}

// Machine is a powered-on simulated PC.
type Machine struct {
	RAM *physmem.RAM
	CPU *paging.SoftCPU

	opts Options
	log  *slog.Logger
}

// PowerOn builds the machine and runs the bootloader's part of the boot.
func PowerOn(opts Options) (*Machine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ram, err := physmem.NewRAM(opts.RAMSize)
	if err != nil {
		return nil, err
	}

	writeBootTables(ram)
	if err := WriteMemoryMap(ram, MemoryMapAddr, DefaultMemoryMap(opts.RAMSize, opts.ACPISize)); err != nil {
		ram.Close()
		return nil, err
	}

	m := &Machine{RAM: ram, CPU: paging.NewSoftCPU(BootPML4), opts: opts, log: klog.With("firmware")}
	m.log.Info("machine powered on",
		"ram", opts.RAMSize.String(),
		"root", fmt.Sprintf("0x%x", BootPML4))
	return m, nil
}

// writeBootTables identity-maps the first 2MB with one large page, which
// covers the tables themselves, the memory map and the start of the kernel.
func writeBootTables(ram *physmem.RAM) {
	ram.Zero(BootPML4, uint64(3*mem.PageSize))
	ram.WriteUint64(BootPML4, uint64(paging.NewEntry(BootPDPT, paging.Present|paging.Writable)))
	ram.WriteUint64(BootPDPT, uint64(paging.NewEntry(BootPD, paging.Present|paging.Writable)))
	ram.WriteUint64(BootPD, uint64(paging.NewEntry(0, paging.Present|paging.Writable|paging.Large)))
}

// Options returns the machine description.
func (m *Machine) Options() Options {
	return m.opts
}

// MemoryMap reads the memory map back from RAM, the way the kernel finds it.
func (m *Machine) MemoryMap() ([]Region, error) {
	return ReadMemoryMap(m.RAM, MemoryMapAddr)
}

// BootInfo picks the largest usable region at or above 1MB as the page
// allocator's arena and lists what inside it is already taken: the kernel
// image and any firmware region overlapping it.
func (m *Machine) BootInfo() (memory.BootInfo, error) {
	regions, err := m.MemoryMap()
	if err != nil {
		return memory.BootInfo{}, err
	}

	var best Region
	for _, r := range regions {
		if r.Type != Usable || r.End() <= uint64(mem.Mb) {
			continue
		}
		start := max(r.Base, uint64(mem.Mb))
		start = uint64(mem.AlignUp(uintptr(start), uintptr(mem.PageSize)))
		end := uint64(mem.AlignDown(uintptr(r.End()), uintptr(mem.PageSize)))
		if end > start && end-start > best.Length {
			best = Region{Base: start, Length: end - start, Type: Usable}
		}
	}
	if best.Length == 0 {
		return memory.BootInfo{}, fmt.Errorf("firmware: no usable memory above 1MB")
	}

	info := memory.BootInfo{ArenaBase: uintptr(best.Base), ArenaSize: best.Length}
	if m.opts.KernelSize > 0 {
		info.Reserved = append(info.Reserved, memory.Range{Base: KernelLoadAddr, Size: uint64(m.opts.KernelSize)})
	}
	for _, r := range regions {
		if r.Type != Usable && r.Base < best.End() && r.End() > best.Base {
			info.Reserved = append(info.Reserved, memory.Range{Base: uintptr(r.Base), Size: r.Length})
		}
	}

	m.log.Debug("boot info",
		"arena", best.String(),
		"reserved", len(info.Reserved))
	return info, nil
}

// Close powers the machine off.
func (m *Machine) Close() error {
	return m.RAM.Close()
}
