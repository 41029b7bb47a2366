package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Super binarizer - revised grid binarizer with less
 *		jitter issues.
 *
 *		Works on a band pass signal (long Hann minus short
 *		Hann), re-balances its magnitude into an edge detection
 *		function, and runs the grid Viterbi on a SCALE-upsampled
 *		lattice where each state carries its incoming stride.
 *		Strides may only change by one sub-sample per step,
 *		which gives the grid inertia against jitter.
 *
 *----------------------------------------------------------------*/

import (
	"math"
)

type SuperBinarizer struct {
	long_filter  *LowpassFilter
	short_filter *LowpassFilter
	src          *Sound

	long_buf []float32
	band_buf []float32
	mag_buf  []float32
	edf_buf  []float32
}

func NewSuperBinarizer(src *Sound, t_ref float64) *SuperBinarizer {
	return &SuperBinarizer{
		long_filter:  NewLowpassFilter(src, int(math.Floor(12.0*t_ref))|1),
		short_filter: NewLowpassFilter(src, int(math.Floor(2.0*t_ref))|1),
		src:          src,
	}
}

func (sb *SuperBinarizer) GetSampleRate() int {
	return sb.src.GetSampleRate()
}

//----------------------------------------------------------------------------

func (sb *SuperBinarizer) Read(
	evt_xs []int,
	evt_vals []bool,
	core_start int,
	core_len int,
	dbgbuf []float32,
	given_rise_edge int,
	t_clk float64,
	dt_clk float64,
) int {
	var evt_maxcnt = len(evt_xs)

	var margin = binarizer_margin(sb.GetSampleRate())
	var bufsize = margin + core_len + margin

	if given_rise_edge >= 0 {
		given_rise_edge += margin
	}

	if len(sb.long_buf) < bufsize {
		sb.long_buf = make([]float32, bufsize)
		sb.band_buf = make([]float32, bufsize)
		sb.mag_buf = make([]float32, bufsize)
		sb.edf_buf = make([]float32, bufsize)
	}
	var long_buf = sb.long_buf[:bufsize]
	var band_buf = sb.band_buf[:bufsize]
	var mag_buf = sb.mag_buf[:bufsize]
	var edf_buf = sb.edf_buf[:bufsize]

	//------------------------------------------------
	// Band pass
	//------------------------------------------------

	var ok = sb.long_filter.Read(core_start-margin, long_buf)
	Assert(ok)
	ok = sb.short_filter.Read(core_start-margin, band_buf)
	Assert(ok)
	for i := 0; i < bufsize; i++ {
		band_buf[i] -= long_buf[i]
	}

	// Debug output
	copy(dbgbuf[:core_len], band_buf[margin:])

	//------------------------------------------------
	// Phase detect function
	//------------------------------------------------

	// Form magnitude signal
	for i := 0; i < bufsize; i++ {
		mag_buf[i] = fabsf(band_buf[i])
	}

	// A twice long filter, so we can reject period 4
	var mid_filterlen = int(math.Floor(4.0*float64(sb.GetSampleRate())/4800)) | 1
	var mid_margin = mid_filterlen / 2

	// Second high pass filter to re-balance signal
	hann_lowpass(edf_buf[mid_margin:], bufsize-2*mid_margin,
		mag_buf, bufsize, mid_filterlen)
	for i := 0; i < mid_margin; i++ {
		edf_buf[i] = 0
	}
	for i := mid_margin; i < bufsize-mid_margin; i++ {
		edf_buf[i] = mag_buf[i] - edf_buf[i]
	}
	for i := bufsize - mid_margin; i < bufsize; i++ {
		edf_buf[i] = 0
	}

	//------------------------------------------------
	// Forward propagation
	//------------------------------------------------

	// Upscale factor for viterbi propagation.
	// Higher values are of course slower but also enable higher
	// inertia, which is desirable.
	const SCALE = 4

	const INVALID_GRID_SCORE = -1e20
	const BOUNDARY_GRID_SCORE = 1e10

	// Each state represents an incoming stride of (di_min+s)/SCALE
	var di_min = SCALE * int(math.Floor(0.5+t_clk-dt_clk))
	var di_max = SCALE * int(math.Floor(0.5+t_clk+dt_clk))

	var ns = di_max - di_min + 1
	Assert(ns < 256) // so predecessors fit in uint8

	var ni = SCALE * bufsize
	var grid_scores = make([]float32, ni*ns)
	var grid_pred_ss = make([]uint8, ni*ns)
	var kscale = 1.0 / SCALE
	for i := 0; i < ni; i++ {
		var score float32
		if i >= di_max {
			score = INVALID_GRID_SCORE
		} else if given_rise_edge >= 0 {
			score = -BOUNDARY_GRID_SCORE
		}
		for s := 0; s < ns; s++ {
			grid_scores[i*ns+s] = score
			grid_pred_ss[i*ns+s] = uint8(ns / 2)
		}
	}

	for i := 0; i < ni; i++ {
		var edge_score = interp_lin(edf_buf, bufsize, kscale*float64(i))
		var boundary_score float32 = 0
		if i == SCALE*given_rise_edge {
			boundary_score = BOUNDARY_GRID_SCORE
		}

		for s := 0; s < ns; s++ {
			grid_scores[i*ns+s] += edge_score + boundary_score
		}

		for s0 := 0; s0 < ns; s0++ {
			for s1 := s0 - 1; s1 <= s0+1; s1++ {
				if s1 >= 0 && s1 < ns && i+di_min+s1 < ni {
					var i1 = i + di_min + s1
					var a0 = i*ns + s0
					var a1 = i1*ns + s1
					if grid_scores[a1] < grid_scores[a0] {
						grid_scores[a1] = grid_scores[a0]
						grid_pred_ss[a1] = uint8(s0)
					}
				}
			}
		}
	}

	//------------------------------------------------
	// Find best end state
	//------------------------------------------------

	var best_i = ni - 1
	var best_s = 0
	var best_r = grid_scores[best_i*ns+best_s]
	for i := ni - di_max; i < ni; i++ {
		for s := 0; s < ns; s++ {
			if best_r < grid_scores[i*ns+s] {
				best_r = grid_scores[i*ns+s]
				best_i = i
				best_s = s
			}
		}
	}

	//------------------------------------------------
	// Backtrace and set grid points
	//------------------------------------------------

	var i = best_i
	var s = best_s
	var evt_cnt = 0
	var found_given_edge = false
	for i >= 0 && i >= SCALE*given_rise_edge {
		var x = i / SCALE
		Assert(x >= 0 && x < bufsize)
		Assert(evt_cnt < evt_maxcnt)
		evt_xs[evt_cnt] = x
		evt_cnt++
		if x == given_rise_edge {
			found_given_edge = true
		}
		edf_buf[x] = 0.8 // Paint gridpoint
		var sp = grid_pred_ss[i*ns+s]
		i -= di_min + s
		s = int(sp)
	}

	//------------------------------------------------------------------------

	// Check that we managed to meet the boundary condition
	if given_rise_edge >= 0 && given_rise_edge < bufsize {
		Assert(found_given_edge)
	}

	// The onsets we have picked are in backwards order.
	// Reverse to get them in the expected order.
	for i := 0; i < evt_cnt/2; i++ {
		var j = evt_cnt - 1 - i
		evt_xs[i], evt_xs[j] = evt_xs[j], evt_xs[i]
	}

	//------------------------------------------------------------------------
	// Discriminate bits
	//------------------------------------------------------------------------

	// NOTE: We'd normally use a viterbi here to constrain pulse length.
	// For now just sample bits from the band buf.

	for i := 0; i < evt_cnt; i++ {
		var x = evt_xs[i]
		evt_vals[i] = x >= 0 && x < bufsize && band_buf[x] > 0
	}

	//------------------------------------------------------------------------

	// Discard events preceding the leftmost rise edge
	var discard_cnt = 0
	for discard_cnt < evt_cnt &&
		evt_xs[discard_cnt] != given_rise_edge &&
		!(discard_cnt > 0 && evt_vals[discard_cnt] && !evt_vals[discard_cnt-1]) {
		discard_cnt++
	}

	if discard_cnt > 0 {
		copy(evt_xs[:evt_cnt-discard_cnt], evt_xs[discard_cnt:evt_cnt])
		copy(evt_vals[:evt_cnt-discard_cnt], evt_vals[discard_cnt:evt_cnt])
	}
	evt_cnt -= discard_cnt

	// Remove the margin offset from the output coordinates.
	// We may return some negative coordinates left of window.
	for i := 0; i < evt_cnt; i++ {
		evt_xs[i] -= margin
	}

	return evt_cnt
}
