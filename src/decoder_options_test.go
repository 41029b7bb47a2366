package taperescue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPreset(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"dual: true\n"+
			"slow: true\n"+
			"binner: super\n"+
			"fdec: plen\n"+
			"band: high\n"+
			"cue: wide\n"+
			"clock: 4500\n"), 0o644))

	var opts = DefaultDecoderOptions()
	require.NoError(t, opts.LoadPreset(path))

	assert.True(t, opts.Dual)
	assert.True(t, opts.Slow)
	assert.False(t, opts.Fast)
	assert.Equal(t, BINNER_SUPER, opts.Binner)
	assert.Equal(t, FDEC_PLEN, opts.Fdec)
	assert.Equal(t, BAND_HIGH, opts.Band)
	assert.Equal(t, CUE_WIDE, opts.Cue)
	assert.Equal(t, 4500, opts.FRef)
}

func TestLoadPresetPartial(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fast: true\n"), 0o644))

	var opts = DefaultDecoderOptions()
	require.NoError(t, opts.LoadPreset(path))

	// Unset fields keep their defaults
	assert.True(t, opts.Fast)
	assert.Equal(t, BINNER_PATTERN, opts.Binner)
	assert.Equal(t, 4800, opts.FRef)
}

func TestLoadPresetRejectsUnknownSelector(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(path, []byte("binner: zigzag\n"), 0o644))

	var opts = DefaultDecoderOptions()
	var err = opts.LoadPreset(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binner")
}
