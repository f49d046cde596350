// Package script drives a booted memory manager from a line-oriented
// command script, one operation per line:
//
//	alloc NAME SIZE          realloc NAME SIZE        free NAME
//	write TARGET "text"      read TARGET N
//	map VA PA PAGESIZE [FLAGS]                        maprange VA PA LENGTH [FLAGS]
//	unmap VA PAGESIZE        translate VA             flags VA FLAGS
//	stats                    check
//
// TARGET is a name bound by alloc, optionally with a +OFFSET, or an
// address. Prefixing a line with "!" asserts that the command fails.
// Lines starting with # are comments.
package script

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mazmm/mem"
	"mazmm/memory"
	"mazmm/paging"
)

const (
	commentPrefix = "#"
	failPrefix    = "!"
	maxLineSize   = 1 << 20
)

// ErrUnexpectedSuccess is returned when a "!" line succeeds.
var ErrUnexpectedSuccess = errors.New("command was expected to fail")

// Runner executes scripts against one manager.
type Runner struct {
	m    *memory.Manager
	out  io.Writer
	p    *message.Printer
	vars map[string]uintptr
}

// New creates a runner writing results to out.
func New(m *memory.Manager, out io.Writer) *Runner {
	return &Runner{
		m:    m,
		out:  out,
		p:    message.NewPrinter(language.English),
		vars: map[string]uintptr{},
	}
}

// Vars returns the names bound so far.
func (r *Runner) Vars() map[string]uintptr {
	vars := make(map[string]uintptr, len(r.vars))
	for k, v := range r.vars {
		vars[k] = v
	}
	return vars
}

// Run executes every line of in, stopping at the first failure.
func (r *Runner) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for n := 1; scanner.Scan(); n++ {
		if err := r.Exec(scanner.Text()); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return scanner.Err()
}

// Exec runs a single line.
func (r *Runner) Exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, commentPrefix) {
		return nil
	}

	if rest, ok := strings.CutPrefix(line, failPrefix); ok {
		err := r.exec(strings.TrimSpace(rest))
		if err == nil {
			return fmt.Errorf("%q: %w", rest, ErrUnexpectedSuccess)
		}
		r.printf("expected failure: %v\n", err)
		return nil
	}
	return r.exec(line)
}

func (r *Runner) exec(line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if cmd == "write" {
		return r.write(rest)
	}

	args := strings.Fields(rest)
	switch cmd {
	case "alloc":
		return r.alloc(args)
	case "realloc":
		return r.realloc(args)
	case "free":
		return r.free(args)
	case "read":
		return r.read(args)
	case "map":
		return r.mapPage(args)
	case "maprange":
		return r.mapRange(args)
	case "unmap":
		return r.unmap(args)
	case "translate":
		return r.translate(args)
	case "flags":
		return r.flags(args)
	case "stats":
		return r.stats(args)
	case "check":
		if err := r.m.Check(); err != nil {
			return err
		}
		r.printf("check: ok\n")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (r *Runner) printf(format string, args ...any) {
	r.p.Fprintf(r.out, format, args...)
}

func want(args []string, lo, hi int, usage string) error {
	if len(args) < lo || len(args) > hi {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uintptr(v), nil
}

// target resolves NAME, NAME+OFFSET or a literal address.
func (r *Runner) target(s string) (uintptr, error) {
	name, off, hasOff := strings.Cut(s, "+")
	base, ok := r.vars[name]
	if !ok {
		if hasOff {
			return 0, fmt.Errorf("unknown name %q", name)
		}
		return parseAddr(s)
	}
	if !hasOff {
		return base, nil
	}
	delta, err := mem.ParseSize(off)
	if err != nil {
		return 0, err
	}
	return base + uintptr(delta), nil
}

func parseFlags(args []string, i int) (paging.Flags, error) {
	if len(args) <= i {
		return paging.Writable, nil
	}
	f, ok := paging.ParseFlags(args[i])
	if !ok {
		return 0, fmt.Errorf("invalid flags %q", args[i])
	}
	return f, nil
}

func (r *Runner) alloc(args []string) error {
	if err := want(args, 2, 2, "alloc NAME SIZE"); err != nil {
		return err
	}
	size, err := mem.ParseSize(args[1])
	if err != nil {
		return err
	}
	ptr, err := r.m.Allocate(uint64(size))
	if err != nil {
		return err
	}
	r.vars[args[0]] = ptr
	r.printf("%s = 0x%x\n", args[0], ptr)
	return nil
}

func (r *Runner) realloc(args []string) error {
	if err := want(args, 2, 2, "realloc NAME SIZE"); err != nil {
		return err
	}
	size, err := mem.ParseSize(args[1])
	if err != nil {
		return err
	}
	ptr, err := r.m.Realloc(r.vars[args[0]], uint64(size))
	if err != nil {
		return err
	}
	if ptr == 0 {
		delete(r.vars, args[0])
		r.printf("%s freed\n", args[0])
		return nil
	}
	r.vars[args[0]] = ptr
	r.printf("%s = 0x%x\n", args[0], ptr)
	return nil
}

func (r *Runner) free(args []string) error {
	if err := want(args, 1, 1, "free NAME"); err != nil {
		return err
	}
	ptr, err := r.target(args[0])
	if err != nil {
		return err
	}
	r.m.Free(ptr)
	delete(r.vars, args[0])
	r.printf("%s freed\n", args[0])
	return nil
}

func (r *Runner) write(rest string) error {
	dst, text, ok := strings.Cut(rest, " ")
	if !ok {
		return fmt.Errorf(`usage: write TARGET "text"`)
	}
	va, err := r.target(dst)
	if err != nil {
		return err
	}
	data, err := strconv.Unquote(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("invalid string %s: %w", text, err)
	}
	if err := r.m.Write(va, []byte(data)); err != nil {
		return err
	}
	r.printf("wrote %d bytes at 0x%x\n", len(data), va)
	return nil
}

func (r *Runner) read(args []string) error {
	if err := want(args, 2, 2, "read TARGET N"); err != nil {
		return err
	}
	va, err := r.target(args[0])
	if err != nil {
		return err
	}
	n, err := mem.ParseSize(args[1])
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := r.m.Read(va, buf); err != nil {
		return err
	}
	r.printf("%s: %q\n", args[0], buf)
	return nil
}

func (r *Runner) mapPage(args []string) error {
	if err := want(args, 3, 4, "map VA PA PAGESIZE [FLAGS]"); err != nil {
		return err
	}
	va, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	pa, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	size, err := paging.ParsePageSize(args[2])
	if err != nil {
		return err
	}
	flags, err := parseFlags(args, 3)
	if err != nil {
		return err
	}
	if err := r.m.Map(va, pa, size, flags); err != nil {
		return err
	}
	r.printf("mapped 0x%x -> 0x%x (%s, %s)\n", va, pa, size, flags|paging.Present)
	return nil
}

func (r *Runner) mapRange(args []string) error {
	if err := want(args, 3, 4, "maprange VA PA LENGTH [FLAGS]"); err != nil {
		return err
	}
	va, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	pa, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	length, err := mem.ParseSize(args[2])
	if err != nil {
		return err
	}
	flags, err := parseFlags(args, 3)
	if err != nil {
		return err
	}
	if err := r.m.MapRegion(va, pa, uint64(length), flags); err != nil {
		return err
	}
	r.printf("mapped 0x%x -> 0x%x (+%s)\n", va, pa, length)
	return nil
}

func (r *Runner) unmap(args []string) error {
	if err := want(args, 2, 2, "unmap VA PAGESIZE"); err != nil {
		return err
	}
	va, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	size, err := paging.ParsePageSize(args[1])
	if err != nil {
		return err
	}
	if !r.m.Unmap(va, size) {
		return mem.Errorf("script", mem.InvalidAddress, "0x%x has no %s mapping", va, size)
	}
	r.printf("unmapped 0x%x\n", va)
	return nil
}

func (r *Runner) translate(args []string) error {
	if err := want(args, 1, 1, "translate VA"); err != nil {
		return err
	}
	va, err := r.target(args[0])
	if err != nil {
		return err
	}
	pa, ok := r.m.GetPhysicalAddress(va)
	if !ok {
		r.printf("0x%x: not mapped\n", va)
		return nil
	}
	r.printf("0x%x -> 0x%x\n", va, pa)
	return nil
}

func (r *Runner) flags(args []string) error {
	if err := want(args, 2, 2, "flags VA FLAGS"); err != nil {
		return err
	}
	va, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	flags, err := parseFlags(args, 1)
	if err != nil {
		return err
	}
	if err := r.m.SetFlags(va, flags); err != nil {
		return err
	}
	e, size, _ := r.m.AddressSpace().Lookup(va)
	r.printf("0x%x: %s (%s)\n", va, e.Flags(), size)
	return nil
}

func (r *Runner) stats(args []string) error {
	if err := want(args, 0, 0, "stats"); err != nil {
		return err
	}
	r.printf("physical: %d of %d bytes used, %d free\n", r.m.UsedMemory(), r.m.TotalMemory(), r.m.FreeMemory())
	hs := r.m.HeapStats()
	r.printf("heap: %d of %d bytes used in %d blocks (%d free, largest %d), %d growths\n",
		hs.Used, hs.Total, hs.Blocks, hs.FreeBlocks, hs.LargestFree, hs.Growths)
	return nil
}
