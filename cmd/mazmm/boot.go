package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mazmm/firmware"
	"mazmm/heap"
	"mazmm/klog"
	"mazmm/mem"
	"mazmm/memory"
	"mazmm/paging"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory manager and print its state",
		Long: `The boot command powers on the configured machine, boots the memory
manager and prints the firmware memory map, physical usage, page-table and
heap state, then runs every consistency check.

Example:
  mazmm boot
  mazmm boot --config machine.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// BootReport is the --json form of the boot summary.
type BootReport struct {
	RAM         string            `json:"ram"`
	MemoryMap   []firmware.Region `json:"memory_map"`
	ArenaBase   uint64            `json:"arena_base"`
	Total       uint64            `json:"total_bytes"`
	Used        uint64            `json:"used_bytes"`
	Free        uint64            `json:"free_bytes"`
	TableFrames int               `json:"table_frames"`
	TLB         paging.TLBStats   `json:"tlb"`
	Heap        heap.Stats        `json:"heap"`
	Check       string            `json:"check"`
}

func newBootReport(machine *firmware.Machine, m *memory.Manager) (BootReport, error) {
	regions, err := machine.MemoryMap()
	if err != nil {
		return BootReport{}, err
	}
	report := BootReport{
		RAM:         machine.RAM.Size().String(),
		MemoryMap:   regions,
		ArenaBase:   uint64(m.Pages().Base()),
		Total:       m.TotalMemory(),
		Used:        m.UsedMemory(),
		Free:        m.FreeMemory(),
		TableFrames: m.AddressSpace().TableFrames(),
		TLB:         machine.CPU.Stats(),
		Heap:        m.HeapStats(),
		Check:       "ok",
	}
	if err := m.Check(); err != nil {
		klog.Warn("consistency check failed", "err", err)
		report.Check = err.Error()
	}
	return report, nil
}

func runBoot(out, stderr io.Writer) error {
	_, machine, m, err := prepare(stderr)
	if err != nil {
		return err
	}
	defer machine.Close()

	report, err := newBootReport(machine, m)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, report)
	}
	printBootReport(out, report)
	return nil
}

func printBootReport(w io.Writer, r BootReport) {
	st := newStyles(w)
	row := func(label, format string, args ...any) {
		printer.Fprintf(w, "  %s %s\n", st.label.Render(label), fmt.Sprintf(format, args...))
	}
	bytes := func(n uint64) string {
		return printer.Sprintf("%d bytes (%s)", n, mem.Size(n))
	}

	fmt.Fprintln(w, st.header.Render("Machine"))
	row("RAM", "%s", r.RAM)
	for _, region := range r.MemoryMap {
		row("region", "%s", region)
	}

	fmt.Fprintln(w, st.header.Render("Page allocator"))
	row("arena", "0x%x", r.ArenaBase)
	row("total", "%s", bytes(r.Total))
	row("used", "%s", bytes(r.Used))
	row("free", "%s", bytes(r.Free))

	fmt.Fprintln(w, st.header.Render("Address space"))
	row("tables", "%d", r.TableFrames)
	row("tlb", "%d entries, %d invalidations", r.TLB.Entries, r.TLB.Invalidations)

	fmt.Fprintln(w, st.header.Render("Heap"))
	row("base", "0x%x", r.Heap.Base)
	row("total", "%s", bytes(r.Heap.Total))
	row("used", "%s", bytes(r.Heap.Used))
	row("blocks", "%d (%d free)", r.Heap.Blocks, r.Heap.FreeBlocks)

	if r.Check == "ok" {
		fmt.Fprintln(w, st.ok.Render("check: ok"))
	} else {
		fmt.Fprintln(w, st.bad.Render("check: "+r.Check))
	}
}
