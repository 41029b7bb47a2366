package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Grid binarizer - alternative bit extractor.
 *
 *		Builds an edge detection function from wave packet
 *		correlates of the low-passed signal, enhances it to
 *		zero mean, then picks a grid of points spaced one clock
 *		period apart with a 1-D Viterbi. Bit polarity is read
 *		off the low-passed signal at each grid point.
 *
 *----------------------------------------------------------------*/

import (
	"math"
)

type GridBinarizer struct {
	lowpass *LowpassFilter
	src     *Sound

	lpbuf  []float32
	edfbuf []float32
}

func NewGridBinarizer(src *Sound, t_ref float64) *GridBinarizer {
	return &GridBinarizer{
		lowpass: NewLowpassFilter(src, int(math.Floor(2.0*t_ref))|1),
		src:     src,
	}
}

func (gb *GridBinarizer) GetSampleRate() int {
	return gb.src.GetSampleRate()
}

//----------------------------------------------------------------------------

func (gb *GridBinarizer) Read(
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

	var margin = binarizer_margin(gb.GetSampleRate())
	var bufsize = margin + core_len + margin

	if len(gb.lpbuf) < bufsize {
		gb.lpbuf = make([]float32, bufsize)
		gb.edfbuf = make([]float32, bufsize)
	}
	var lpbuf = gb.lpbuf[:bufsize]
	var edfbuf = gb.edfbuf[:bufsize]

	var ok = gb.lowpass.Read(core_start-margin, lpbuf)
	if !ok {
		return 0
	}

	// Debug output: low-passed signal
	copy(dbgbuf[:core_len], lpbuf[margin:])

	if given_rise_edge >= 0 {
		given_rise_edge += margin
	}

	var t_clk_min = int(math.Floor(0.5 + t_clk - dt_clk))
	var t_clk_max = int(math.Floor(0.5 + t_clk + dt_clk))
	var t_clk_typ = int(math.Floor(0.5 + t_clk))

	//------------------------------------------------
	// Pass 1: Edge detection function
	//------------------------------------------------

	for i := 0; i < bufsize; i++ {
		// Sample 4 bits
		var y0 = interp_lin(lpbuf, bufsize, float64(i)-1.5*t_clk)
		var y1 = interp_lin(lpbuf, bufsize, float64(i)-0.5*t_clk)
		var y2 = interp_lin(lpbuf, bufsize, float64(i)+0.5*t_clk)
		var y3 = interp_lin(lpbuf, bufsize, float64(i)+1.5*t_clk)

		// Form wave packet correlates
		var c0010 = -.25*y0 - .25*y1 + .75*y2 - .25*y3
		var c0011 = -.5*y0 - .5*y1 + .5*y2 + .5*y3
		var c0100 = -.25*y0 + .75*y1 - .25*y2 - .25*y3
		var c0101 = -.5*y0 + .5*y1 - .5*y2 + .5*y3
		var c0110 = -.5*y0 + .5*y1 + .5*y2 - .5*y3

		// The Euclidean norm gets less phase error, and only unit
		// length periods, compared to a plain edge correlate.
		edfbuf[i] = float32(math.Sqrt(float64(c0010*c0010 +
			c0011*c0011 +
			c0100*c0100 +
			c0101*c0101 +
			c0110*c0110)))
	}

	//------------------------------------------------
	// Enhance the edge detection function
	//------------------------------------------------

	// Subtract two surrounding values to get zero-average signal.
	// This is necessary for the peak picking maximization to make
	// sense, it will not work for regions of constant sign.
	var edfbuf2 = make([]float32, bufsize)
	for i := 0; i < bufsize; i++ {
		edfbuf2[i] = -.5*interp_lin(edfbuf, bufsize, float64(i)-.5*t_clk) +
			edfbuf[i] +
			-.5*interp_lin(edfbuf, bufsize, float64(i)+.5*t_clk)
	}
	copy(edfbuf, edfbuf2)

	// Periodic averaging with the expected clock
	for i := 0; i < bufsize; i++ {
		edfbuf2[i] = (.5*interp_lin(edfbuf, bufsize, float64(i)-3*t_clk) +
			interp_lin(edfbuf, bufsize, float64(i)-2*t_clk) +
			interp_lin(edfbuf, bufsize, float64(i)-t_clk) +
			edfbuf[i] +
			interp_lin(edfbuf, bufsize, float64(i)+t_clk) +
			interp_lin(edfbuf, bufsize, float64(i)+2*t_clk) +
			.5*interp_lin(edfbuf, bufsize, float64(i)+3*t_clk)) / 6
	}
	copy(edfbuf, edfbuf2)

	//------------------------------------------------
	// Pass 2: Grid extraction
	//------------------------------------------------

	const INVALID_GRID_SCORE = -1e20
	const BOUNDARY_GRID_SCORE = 1e10

	var grid_scores = make([]float32, bufsize)
	var grid_pred = make([]int, bufsize)

	for i := 0; i < bufsize; i++ {
		if i >= t_clk_max {
			grid_scores[i] = INVALID_GRID_SCORE
		} else if given_rise_edge >= 0 {
			grid_scores[i] = -BOUNDARY_GRID_SCORE
		} else {
			grid_scores[i] = 0
		}
		grid_pred[i] = i - t_clk_typ
	}

	// Forward propagation
	for i := 0; i < bufsize; i++ {
		grid_scores[i] += edfbuf[i]
		if i == given_rise_edge {
			grid_scores[i] += BOUNDARY_GRID_SCORE
		}

		for i1 := i + t_clk_min; i1 <= i+t_clk_max && i1 < bufsize; i1++ {
			if grid_scores[i1] < grid_scores[i] {
				grid_scores[i1] = grid_scores[i]
				grid_pred[i1] = i
			}
		}
	}

	// Find best end state
	var best_x = bufsize - 1
	var best_r = grid_scores[best_x]
	for x := bufsize - t_clk_max; x < bufsize; x++ {
		if best_r < grid_scores[x] {
			best_r = grid_scores[x]
			best_x = x
		}
	}

	// Backtrace and set grid points
	var x = best_x
	var evt_cnt = 0
	var found_given_edge = false
	for x >= 0 && x >= given_rise_edge {
		Assert(evt_cnt < evt_maxcnt)
		evt_xs[evt_cnt] = x
		evt_cnt++
		if x == given_rise_edge {
			found_given_edge = true
		}
		edfbuf[x] = 0.8 // Paint gridpoint
		x = grid_pred[x]
	}

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
	// Pass 3: Discriminate bits
	//------------------------------------------------------------------------

	// NOTE: We'd normally use a viterbi here to constrain pulse length.
	// For now just interpret each bit on its own.

	for i := 0; i < evt_cnt; i++ {
		var x0 = float64(evt_xs[i]) - t_clk // onset of previous bit
		if i > 0 {
			x0 = float64(evt_xs[i-1])
		}
		var x1 = float64(evt_xs[i])
		var x2 = x1 + t_clk
		if i+1 < evt_cnt {
			x2 = float64(evt_xs[i+1])
		}
		var x3 = x2 + t_clk
		if i+2 < evt_cnt {
			x3 = float64(evt_xs[i+2])
		}

		var y0 = interp(lpbuf, bufsize, (x0+x1)/2)
		var y1 = interp(lpbuf, bufsize, (x1+x2)/2)
		var y2 = interp(lpbuf, bufsize, (x2+x3)/2)

		evt_vals[i] = 2*y1 > y0+y2
	}

	//------------------------------------------------------------------------

	// Discard events preceding the leftmost rise edge.
	// While we're not constraining pulse lengths this could be a lot of bits.
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
