package taperescue

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Reference implementation: direct convolution with the Hann kernel
func hann_lowpass_naive(src []float32, filterlen int) []float32 {
	var dst = make([]float32, len(src)-filterlen+1)

	var kern = make([]float64, filterlen)
	var sum float64
	for i := 0; i < filterlen; i++ {
		kern[i] = 1 + math.Cos(2*math.Pi*float64(i-filterlen/2)/float64(filterlen))
		sum += kern[i]
	}
	for i := range kern {
		kern[i] /= sum
	}

	for i := range dst {
		var acc float64
		for j := 0; j < filterlen; j++ {
			acc += kern[j] * float64(src[i+j])
		}
		dst[i] = float32(acc)
	}
	return dst
}

func TestHannLowpassKernelSum(t *testing.T) {
	// A constant signal must pass through unchanged: the kernel sums to 1
	for _, filterlen := range []int{3, 9, 37, 441} {
		var src = make([]float32, filterlen+99)
		for i := range src {
			src[i] = 0.25
		}
		var dst = make([]float32, len(src)-filterlen+1)
		hann_lowpass(dst, len(dst), src, len(src), filterlen)

		for _, y := range dst {
			assert.InDelta(t, 0.25, y, 1e-5)
		}
	}
}

func TestHannLowpassSizes(t *testing.T) {
	var src = make([]float32, 100)
	var dst = make([]float32, 100-37+1)
	hann_lowpass(dst, len(dst), src, len(src), 37)
	assert.Len(t, dst, len(src)-37+1)
}

func TestHannLowpassMatchesNaive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var filterlen = 2*rapid.IntRange(1, 20).Draw(t, "halflen") + 1
		var n = rapid.IntRange(filterlen, filterlen+64).Draw(t, "n")
		var src = make([]float32, n)
		for i := range src {
			src[i] = float32(rapid.Float64Range(-1, 1).Draw(t, "sample"))
		}

		var dst = make([]float32, n-filterlen+1)
		hann_lowpass(dst, len(dst), src, n, filterlen)

		var want = hann_lowpass_naive(src, filterlen)
		require.Len(t, dst, len(want))
		for i := range want {
			assert.InDelta(t, want[i], dst[i], 1e-3)
		}
	})
}

func TestRunningMinMaxMatchNaive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var filterlen = rapid.IntRange(1, 15).Draw(t, "filterlen")
		var dstlen = rapid.IntRange(1, 50).Draw(t, "dstlen")
		var src = make([]float32, dstlen+filterlen-1)
		for i := range src {
			src[i] = float32(rapid.Float64Range(-10, 10).Draw(t, "sample"))
		}

		var minbuf = make([]float32, dstlen)
		var maxbuf = make([]float32, dstlen)
		running_min(minbuf, dstlen, src, len(src), filterlen)
		running_max(maxbuf, dstlen, src, len(src), filterlen)

		for i := 0; i < dstlen; i++ {
			var lo = src[i]
			var hi = src[i]
			for j := 1; j < filterlen; j++ {
				lo = fminf(lo, src[i+j])
				hi = fmaxf(hi, src[i+j])
			}
			assert.Equal(t, lo, minbuf[i], "min at %d", i)
			assert.Equal(t, hi, maxbuf[i], "max at %d", i)
		}
	})
}

func TestInterpOutsideIsZero(t *testing.T) {
	var vals = []float32{1, 2, 3}
	assert.Zero(t, interp(vals, len(vals), -10))
	assert.Zero(t, interp(vals, len(vals), 10))
	assert.Zero(t, interp_lin(vals, len(vals), -10))
	assert.Zero(t, interp_lin(vals, len(vals), 10))
}

func TestInterpHitsSamples(t *testing.T) {
	var vals = []float32{0, 1, 4, 9, 16}
	for i, v := range vals {
		assert.InDelta(t, v, interp(vals, len(vals), float64(i)), 1e-6)
		assert.InDelta(t, v, interp_lin(vals, len(vals), float64(i)), 1e-6)
	}

	// Linear interpolation is exact on midpoints of a line
	var line = []float32{0, 2, 4, 6}
	assert.InDelta(t, 3, interp_lin(line, len(line), 1.5), 1e-6)
}

func TestDownsamplerUnitGain(t *testing.T) {
	var ds = NewDownsampler(4)

	// DC gain 1
	var src = make([]float32, 200)
	for i := range src {
		src[i] = 0.5
	}
	var dst = make([]float32, 20)
	ds.Downsample(dst, len(dst), src, len(src), ds.GetExtraSamplesNeeded())
	for _, y := range dst[2 : len(dst)-2] {
		assert.InDelta(t, 0.5, y, 1e-3)
	}
}
