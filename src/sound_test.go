package taperescue

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWavWriteReadRoundTrip(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "roundtrip.wav")

	// A 440 Hz tone, one tenth of a second
	var rate = 44100
	var src = make([]float32, rate/10)
	for i := range src {
		src[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}

	var snd = NewSound(src, rate)
	require.True(t, snd.WriteToFile(path))

	var back Sound
	require.True(t, back.ReadFromFile(path, false))
	assert.Equal(t, rate, back.GetSampleRate())
	assert.Equal(t, int64(len(src)), back.GetLength())

	var got = make([]float32, len(src))
	require.True(t, back.Read(0, got))
	for i := range src {
		// 16-bit quantization noise
		assert.InDelta(t, src[i], got[i], 1.0/32000)
	}
}

func TestSoundReadOutsidePadsWithZeros(t *testing.T) {
	var snd = NewSound([]float32{1, 2, 3}, 44100)

	var buf = make([]float32, 7)
	require.True(t, snd.Read(-2, buf))
	assert.Equal(t, []float32{0, 0, 1, 2, 3, 0, 0}, buf)
}

func TestSoundClip(t *testing.T) {
	var src = make([]float32, 44100*2)
	for i := range src {
		src[i] = float32(i)
	}
	var snd = NewSound(src, 44100)

	snd.Clip(1.0, 0.5)
	assert.Equal(t, int64(22050), snd.GetLength())

	var buf = make([]float32, 1)
	require.True(t, snd.Read(0, buf))
	assert.Equal(t, float32(44100), buf[0])
}

func TestSoundWriteModifies(t *testing.T) {
	var snd = NewSilentSound(10, 44100)
	require.True(t, snd.Write(4, []float32{1, 2}))

	var buf = make([]float32, 10)
	require.True(t, snd.Read(0, buf))
	assert.Equal(t, float32(0), buf[3])
	assert.Equal(t, float32(1), buf[4])
	assert.Equal(t, float32(2), buf[5])
}

func TestStereoAveragedToMono(t *testing.T) {
	var stereo = []int16{100, 200, 300, 400, -100, 100}
	var mono = make([]int16, 3)
	average_channels(mono, 3, stereo, 2)
	assert.Equal(t, []int16{150, 350, 0}, mono)
}
