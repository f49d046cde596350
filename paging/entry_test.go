package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryBitLayout(t *testing.T) {
	// Hardware-exact values: address in bits 12-51, flags at fixed bits
	assert.Equal(t, Flags(0x001), Present)
	assert.Equal(t, Flags(0x002), Writable)
	assert.Equal(t, Flags(0x004), User)
	assert.Equal(t, Flags(0x008), WriteThrough)
	assert.Equal(t, Flags(0x010), CacheDisable)
	assert.Equal(t, Flags(0x020), Accessed)
	assert.Equal(t, Flags(0x040), Dirty)
	assert.Equal(t, Flags(0x080), Large)
	assert.Equal(t, Flags(0x100), Global)
	assert.Equal(t, Flags(0x8000000000000000), NoExecute)

	e := NewEntry(0x0000_0012_3456_7000, Present|Writable|NoExecute)
	assert.Equal(t, Entry(0x8000_0012_3456_7003), e)
	assert.Equal(t, uintptr(0x12_3456_7000), e.Address(Size4K))
	assert.True(t, e.Present())
	assert.False(t, e.IsLarge())
}

func TestEntryAddressMasksLargePages(t *testing.T) {
	e := NewEntry(0x40200000, Present|Large)
	assert.Equal(t, uintptr(0x40200000), e.Address(Size2M))
	assert.Equal(t, uintptr(0x40000000), e.Address(Size1G))

	// Bits above 51 never leak into the address
	raw := Entry(0x7FF0_0000_0020_0083)
	assert.Equal(t, uintptr(0x200000), raw.Address(Size2M))
}

func TestEntryWithFlagsKeepsAddress(t *testing.T) {
	e := NewEntry(0xABC000, Present|Writable|User)
	e2 := e.WithFlags(Present | NoExecute)
	assert.Equal(t, e.Address(Size4K), e2.Address(Size4K))
	assert.Equal(t, Present|NoExecute, e2.Flags())
	assert.True(t, e.HasFlags(Present|User))
	assert.False(t, e2.HasFlags(Writable))
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "-", Flags(0).String())
	assert.Equal(t, "P|RW", (Present | Writable).String())
	assert.Equal(t, "P|PCD|PS|G|NX", (Present | CacheDisable | Large | Global | NoExecute).String())
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		in   string
		want Flags
		ok   bool
	}{
		{in: "rw", want: Writable, ok: true},
		{in: "P|RW|NX", want: Present | Writable | NoExecute, ok: true},
		{in: "ro", want: 0, ok: true},
		{in: "-", want: 0, ok: true},
		{in: "u|pcd|pwt|g", want: User | CacheDisable | WriteThrough | Global, ok: true},
		{in: "rwx", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseFlags(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	// String output parses back
	f := Present | Writable | User | Dirty | NoExecute
	back, ok := ParseFlags(f.String())
	assert.True(t, ok)
	assert.Equal(t, f, back)
}
