package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slotState struct {
	Head  bool   `bitfield:",1"`
	Count uint32 `bitfield:",20"`
	Color int    `bitfield:",4"`
	Note  string // untagged fields are skipped
}

func TestPackLayout(t *testing.T) {
	packed, err := Pack(slotState{Head: true, Count: 5, Color: 3, Note: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1|5<<1|3<<21), packed)

	// Pointers to structs are accepted too
	packedPtr, err := Pack(&slotState{Head: true, Count: 5, Color: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, packed, packedPtr)
}

func TestPackErrors(t *testing.T) {
	tests := []struct {
		name string
		x    interface{}
		c    *Config
	}{
		{name: "not a struct", x: 42},
		{name: "value too wide", x: slotState{Count: 1 << 20}},
		{name: "negative", x: slotState{Color: -1}},
		{name: "exceeds NumBits", x: slotState{}, c: &Config{NumBits: 8}},
		{name: "bad tag", x: struct {
			A bool `bitfield:"wide"`
		}{}},
		{name: "unsupported kind", x: struct {
			F float64 `bitfield:",8"`
		}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pack(tt.x, tt.c)
			require.Error(t, err)
		})
	}
}

func TestUnpack(t *testing.T) {
	var s slotState
	require.NoError(t, Unpack(1|7<<1|2<<21, &s))
	assert.True(t, s.Head)
	assert.Equal(t, uint32(7), s.Count)
	assert.Equal(t, 2, s.Color)

	require.Error(t, Unpack(0, s), "non-pointer must be rejected")
}
