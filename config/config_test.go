package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mazmm/mem"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
machine:
  ram_size: 128MiB
  kernel_size: 4M
memory:
  heap_base: 0xffff900000000000
  heap_initial_size: 64KiB
  heap_max_size: 16MiB
  disable_heap_growth: true
log:
  level: debug
  json: true
`))
	require.NoError(t, err)

	assert.Equal(t, 128*mem.Mb, cfg.Machine.RAMSize)
	assert.Equal(t, 4*mem.Mb, cfg.Machine.KernelSize)
	assert.Equal(t, 64*mem.Kb, cfg.Machine.ACPISize, "untouched keys keep defaults")
	assert.Equal(t, uintptr(0xffff900000000000), cfg.Memory.HeapBase)
	assert.Equal(t, 64*mem.Kb, cfg.Memory.HeapInitialSize)
	assert.Equal(t, 16*mem.Mb, cfg.Memory.HeapMaxSize)
	assert.True(t, cfg.Memory.DisableHeapGrowth)
	assert.Equal(t, Log{Level: "debug", JSON: true}, cfg.Log)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown key", doc: "memory:\n  heap_sise: 4k\n", want: "heap_sise"},
		{name: "bad size", doc: "machine:\n  ram_size: lots\n", want: "lots"},
		{name: "small machine", doc: "machine:\n  ram_size: 1MiB\n", want: "machine"},
		{name: "low heap", doc: "memory:\n  heap_base: 0x100000\n", want: "memory"},
		{name: "bad level", doc: "log:\n  level: loud\n", want: "level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAndMarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mazmm.yaml")
	data, err := Default().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}
