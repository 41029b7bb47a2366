package taperescue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDuration(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "dur.wav")

	var enc = NewTapeEncoder()
	require.True(t, enc.Open(path, true))

	assert.Zero(t, enc.GetDuration())

	// One slow byte is 209 physical bit cycles at 4800 Hz
	enc.PutByte(0x00)
	assert.InDelta(t, 210.0/4800, enc.GetDuration(), 1e-9)

	require.True(t, enc.Close())
}

func TestEncoderFastBitBudget(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "fast.wav")

	var enc = NewTapeEncoder()
	require.True(t, enc.Open(path, false))

	// 0xff: start(3) + 8 ones(2 each) + parity 1(2) + 3 stops(2 each)
	// + extra cycle = 3+16+2+6+1 = 28 cycles, plus one for the end ramp
	enc.PutByte(0xff)
	assert.InDelta(t, 29.0/4800, enc.GetDuration(), 1e-9)

	require.True(t, enc.Close())
}

func TestEncoderOutputIsReadableWav(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "out.wav")

	var enc = NewTapeEncoder()
	require.True(t, enc.Open(path, false))
	for _, b := range []uint8{0x16, 0x16, 0x16, 0x24} {
		enc.PutByte(b)
	}
	var want_duration = enc.GetDuration()
	require.True(t, enc.Close())

	var snd Sound
	require.True(t, snd.ReadFromFile(path, false))
	assert.Equal(t, ENCODER_RATE, snd.GetSampleRate())
	assert.InDelta(t, want_duration, snd.GetDuration(), 0.01)

	// The signal uses 60% of the amplitude range and stays within it
	var buf = make([]float32, snd.GetLength())
	require.True(t, snd.Read(0, buf))
	var peak float32 = 0
	for _, y := range buf {
		peak = fmaxf(peak, fabsf(y))
	}
	assert.InDelta(t, 0.6, peak, 0.01)
}
