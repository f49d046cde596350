// Package memviz draws a memory manager snapshot: one cell per physical
// page of the arena, coloured by run, and a bar showing the heap's blocks
// in proportion to their size.
package memviz

import (
	"fmt"
	"image/color"
	"io"

	"github.com/fogleman/gg"

	"mazmm/heap"
	"mazmm/mem"
	"mazmm/memory"
	"mazmm/physmem"
)

// Layout in pixels.
const (
	Columns  = 128
	CellSize = 6
	Margin   = 10
	titleH   = 18
	barH     = 24
)

var (
	Background = color.RGBA{0x1A, 0x1A, 0x1A, 0xFF}
	FreeColor  = color.RGBA{0x38, 0x38, 0x38, 0xFF}
	HeapUsed   = color.RGBA{0xFF, 0xA5, 0x00, 0xFF}
	HeapFree   = color.RGBA{0x04, 0xB5, 0x75, 0xFF}
	TextColor  = color.RGBA{0xDD, 0xDD, 0xDD, 0xFF}

	// RunColors cycle over consecutive runs so neighbours differ.
	RunColors = []color.RGBA{
		{0x7D, 0x56, 0xF4, 0xFF},
		{0x00, 0xD7, 0xFF, 0xFF},
		{0xFF, 0x4B, 0x4B, 0xFF},
		{0xFF, 0x00, 0xFF, 0xFF},
	}
)

// Snapshot is the state drawn by Render.
type Snapshot struct {
	ArenaBase uintptr
	Pages     []uint32
	HeapBase  uintptr
	HeapTotal uint64
	Blocks    []heap.Block
}

// Capture takes a snapshot of a running manager.
func Capture(m *memory.Manager) Snapshot {
	hs := m.HeapStats()
	return Snapshot{
		ArenaBase: m.Pages().Base(),
		Pages:     m.Pages().States(),
		HeapBase:  hs.Base,
		HeapTotal: hs.Total,
		Blocks:    m.Heap().Blocks(),
	}
}

func (s Snapshot) rows() int {
	return (len(s.Pages) + Columns - 1) / Columns
}

// Size returns the image dimensions Render produces.
func (s Snapshot) Size() (w, h int) {
	return 2*Margin + Columns*CellSize, Margin + titleH + s.rows()*CellSize + titleH + barH + Margin
}

// CellOrigin returns the top-left pixel of page i's cell.
func CellOrigin(i int) (x, y int) {
	return Margin + (i%Columns)*CellSize, Margin + titleH + (i/Columns)*CellSize
}

// BarTop returns the y coordinate of the heap bar.
func (s Snapshot) BarTop() int {
	return Margin + titleH + s.rows()*CellSize + titleH
}

// Render draws the snapshot.
func Render(s Snapshot) *gg.Context {
	w, h := s.Size()
	dc := gg.NewContext(w, h)
	dc.SetColor(Background)
	dc.Clear()

	var used int
	run := -1
	for i := 0; i < len(s.Pages); {
		state := s.Pages[i]
		n := 1
		c := FreeColor
		if state != physmem.Free && state != physmem.Continuation {
			n = int(state)
			run++
			used += n
			c = RunColors[run%len(RunColors)]
		}
		dc.SetColor(c)
		for j := i; j < i+n && j < len(s.Pages); j++ {
			x, y := CellOrigin(j)
			dc.DrawRectangle(float64(x), float64(y), CellSize-1, CellSize-1)
		}
		dc.Fill()
		i += n
	}

	dc.SetColor(TextColor)
	dc.DrawString(fmt.Sprintf("arena 0x%x: %d/%d pages used", s.ArenaBase, used, len(s.Pages)), Margin, Margin+12)

	top := s.BarTop()
	dc.DrawString(fmt.Sprintf("heap 0x%x: %s in %d blocks", s.HeapBase, mem.Size(s.HeapTotal), len(s.Blocks)), Margin, float64(top-5))
	drawHeapBar(dc, s, float64(top))
	return dc
}

func drawHeapBar(dc *gg.Context, s Snapshot, top float64) {
	if s.HeapTotal == 0 {
		return
	}
	width := float64(Columns * CellSize)
	scale := width / float64(s.HeapTotal)
	for _, b := range s.Blocks {
		x := Margin + float64(b.Header-s.HeapBase)*scale
		bw := max(float64(heap.HeaderSize+b.Size)*scale, 1)
		if b.Used {
			dc.SetColor(HeapUsed)
		} else {
			dc.SetColor(HeapFree)
		}
		dc.DrawRectangle(x, top, bw, barH)
		dc.Fill()
	}
}

// WritePNG renders s as a PNG to w.
func WritePNG(w io.Writer, s Snapshot) error {
	return Render(s).EncodePNG(w)
}

// SavePNG renders s to a PNG file.
func SavePNG(path string, s Snapshot) error {
	return Render(s).SavePNG(path)
}
