package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Viterbi pattern-matching binarizer.
 *		Applicable to both fast and slow formats.
 *
 *		Tracks the balanced signal through a four-phase cycle
 *		Rise - High - Fall - Low, each phase up to one clock
 *		period long. State templates mix a raised cosine slope
 *		with plateaus, scaled by the local amplitude.
 *
 *----------------------------------------------------------------*/

import (
	"math"
)

type PatternBinarizer struct {
	balancer *Balancer
	src      *Sound

	buf  []float32
	abuf []float32

	loaded_start int
	loaded_end   int
}

func NewPatternBinarizer(src *Sound, t_ref float64) *PatternBinarizer {
	// Balancing filter parameters
	// Set these to 1 in order to disable filters
	return &PatternBinarizer{
		balancer: NewBalancer(
			src,
			int(math.Floor(4.5*t_ref))|1,  // mm_filterlen
			int(math.Floor(12.0*t_ref))|1, // lp_filterlen
		),
		src: src,
	}
}

func (pb *PatternBinarizer) GetSampleRate() int {
	return pb.src.GetSampleRate()
}

/*------------------------------------------------------------------
 *
 * Name:	PatternBinarizer.Read
 *
 * Purpose:	Viterbi physical bit segmentation of balanced signal.
 *		Returns no. of bit events found.
 *
 *----------------------------------------------------------------*/

func (pb *PatternBinarizer) Read(
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

	var left_margin = binarizer_margin(pb.GetSampleRate())
	var right_margin = left_margin

	// Disable left margin when we have a given rise edge
	// Gives 10-25% speedup
	if given_rise_edge >= 0 {
		left_margin = 0
	}

	var bufsize = left_margin + core_len + right_margin

	if len(pb.buf) < bufsize {
		pb.buf = make([]float32, bufsize)
		pb.abuf = make([]float32, bufsize)
		pb.loaded_start = 0
		pb.loaded_end = 0 // nothing loaded in buffers
	}
	var buf = pb.buf
	var abuf = pb.abuf

	//--------------------------------------------------
	// Load buffers
	//--------------------------------------------------

	// Eliminate overlapping reads
	var window_offs = core_start - left_margin
	var overlap = 0
	if pb.loaded_start < window_offs &&
		pb.loaded_end > window_offs { // old overlaps our start
		var hop = window_offs - pb.loaded_start
		if hop > 0 && hop < bufsize {
			// Move overlapping data left
			overlap = pb.loaded_end - window_offs
			Assert(overlap > 0)
			if overlap > bufsize-1 {
				overlap = bufsize - 1
			}
			copy(buf[:overlap], buf[hop:hop+overlap])
			copy(abuf[:overlap], abuf[hop:hop+overlap])
		}
	}

	// Read balanced signal
	pb.balancer.Read(window_offs+overlap, buf[overlap:bufsize], abuf[overlap:bufsize])

	// Note what we loaded so we can reuse overlap
	pb.loaded_start = window_offs
	pb.loaded_end = window_offs + bufsize

	// Adjust given_rise_edge by margin
	if given_rise_edge >= 0 {
		given_rise_edge += left_margin
	}

	//--------------------------------------------------
	// Viterbi binarizer
	//--------------------------------------------------

	var t_clk_min = int(math.Floor(0.5 + t_clk - dt_clk))
	var t_clk_max = int(math.Floor(0.5 + t_clk + dt_clk))

	// State encoding "RHFL" - Rise High Fall Low
	// R states:           0 ..1*tclk_max-1
	// H states: 1*tclk_max .. 2*tclk_max-1
	// F states: 2*tclk_max .. 3*tclk_max-1
	// L states: 3*tclk_max .. 4*tclk_max-1
	//  .-----------------------------------------------------------------------.
	//  |   .-------.---.    .-------.---.    .-------.---.    .-------.---.    |
	//  '-->| R     |   +-+->| H     |   +-+->| F     |   +-+->| L     |   +-+--'
	//      '-------'---' |  '-------'---' |  '-------'---' |  '-------'---' |
	//                    '----------------'                '----------------'

	var ns = 4 * t_clk_max
	var s_r = 0
	var s_h = 1 * t_clk_max
	var s_f = 2 * t_clk_max
	var s_l = 3 * t_clk_max

	// We want a state where the pattern is zero so we have a well defined
	// zero crossing location. This is good for splicing sequences.
	// Angle is k*(i+1) so when i is tslope/2-1, we get pattern=-cos(PI/2)=0
	var t_slope = t_clk_min + (t_clk_min & 1) // use even number
	var s_trig_r = s_r + t_slope/2 - 1        // State which rises through 0
	var s_trig_h = s_h + t_slope/2 - 1        // State where a sustained 1 is detected
	var s_trig_f = s_f + t_slope/2 - 1        // State which falls through 0
	var s_trig_l = s_l + t_slope/2 - 1        // State where a sustained 0 is detected

	var pattern = make([]float32, ns)
	var k = math.Pi / float64(t_slope)
	for i := 0; i < t_slope; i++ {
		pattern[i] = float32(-math.Cos(k * float64(i+1))) // rise
	}
	for i := t_slope; i < 2*t_clk_max; i++ {
		pattern[i] = 1.0 // high
	}
	for i := 0; i < 2*t_clk_max; i++ {
		pattern[2*t_clk_max+i] = -pattern[i] // fall, low
	}

	// A movable "scrollable" cost vector: moving elements one step down
	// usually just means moving the base offset up.
	var scroll_margin = imax(ns, 64)
	var cost_storage = make([]float32, ns+scroll_margin)
	var cost_base = scroll_margin
	var costs = cost_storage[cost_base:]

	// Set initial costs
	for s := 0; s < ns; s++ {
		costs[s] = fabsf(buf[0] - pattern[s]*abuf[0])
	}

	// Force a rise edge if requested
	if given_rise_edge == 0 {
		for s := 0; s < ns; s++ {
			if s == s_trig_r {
				costs[s] = 0
			} else {
				costs[s] = 1e20
			}
		}
	}

	var pred = make([]int16, bufsize*4)

	for i := 1; i < bufsize; i++ {
		// Find best predecessor for each state
		var p int
		var c float32

		// Find best predecessor of H
		p = s_r + t_clk_max - 1
		c = costs[p]
		for s := s_r + t_clk_min - 1; s < s_r+t_clk_max-1; s++ {
			if c > costs[s] {
				c = costs[s]
				p = s
			}
		}
		pred[i*4+1] = int16(p)
		var c_h = c

		// Find best predecessor of F
		// This might be H or H's predecessor R
		// Start with p,c kept from H's predecessor R
		for s := s_h + t_clk_min - 1; s < s_h+t_clk_max; s++ {
			if c > costs[s] {
				c = costs[s]
				p = s
			}
		}
		pred[i*4+2] = int16(p)
		var c_f = c

		// Find best predecessor of L
		p = s_f + t_clk_max - 1
		c = costs[p]
		for s := s_f + t_clk_min - 1; s < s_f+t_clk_max-1; s++ {
			if c > costs[s] {
				c = costs[s]
				p = s
			}
		}
		pred[i*4+3] = int16(p)
		var c_l = c

		// Find best predecessor of R
		// This might be L or L's predecessor F
		// Start with p,c kept from L's predecessor F
		for s := s_l + t_clk_min - 1; s < s_l+t_clk_max; s++ {
			if c > costs[s] {
				c = costs[s]
				p = s
			}
		}
		pred[i*4+0] = int16(p)
		var c_r = c

		// Move costs one step down (to higher index)
		if cost_base > 0 {
			// Fast case: Move elements down by moving base offset up
			cost_base--
			costs = cost_storage[cost_base:]
		} else {
			// Slow case: Place array at cost_storage+scroll_margin
			//            Copy old data to offset 1 in the new storage
			copy(cost_storage[scroll_margin+1:scroll_margin+ns], cost_storage[0:ns-1])
			cost_base = scroll_margin
			costs = cost_storage[cost_base:]
		}

		costs[s_r] = c_r
		costs[s_h] = c_h
		costs[s_f] = c_f
		costs[s_l] = c_l

		// Score local signal against pattern
		// First 2*t_clk_max states are mirrored by the later 2*t_clk_max states
		var amp = abuf[i]
		var sig = buf[i]
		for s := 0; s < t_slope; s++ {
			var p = pattern[s] * amp // rise curve
			costs[s] += fabsf(sig - p)
			costs[2*t_clk_max+s] += fabsf(sig + p) // flipped
		}
		var dh = fabsf(sig - amp) // cost of high plateau
		var dl = fabsf(sig + amp) // cost of low plateau
		for s := t_slope; s < 2*t_clk_max; s++ {
			costs[s] += dh
			costs[2*t_clk_max+s] += dl
		}

		// Force a rise edge if requested
		if given_rise_edge == i {
			for s := 0; s < ns; s++ {
				if s == s_trig_r {
					costs[s] = 0
				} else {
					costs[s] = 1e20
				}
			}
		}
	}

	// Backtrace
	var s = 0

	// Find best end state
	var c = costs[s]
	for s1 := 0; s1 < ns; s1++ {
		if c > costs[s1] {
			c = costs[s1]
			s = s1
		}
	}

	// Reconstruct signal there
	var x = bufsize - 1 - left_margin
	if x >= 0 && x < core_len {
		dbgbuf[x] = buf[bufsize-1]
	}

	// Trace back chain of predecessors
	// Note onset of each trigger state
	var evt_cnt = 0
	var last_rise = -1
	for i := bufsize - 2; i >= 0 && i >= given_rise_edge; i-- {
		switch s {
		case s_r:
			s = int(pred[(i+1)*4+0])
		case s_h:
			s = int(pred[(i+1)*4+1])
		case s_f:
			s = int(pred[(i+1)*4+2])
		case s_l:
			s = int(pred[(i+1)*4+3])
		default:
			s-- // state with just one predecessor
		}

		// Reconstruct signal there
		if i-left_margin >= 0 && i-left_margin < core_len {
			dbgbuf[i-left_margin] = pattern[s] * abuf[i]
		}

		if (s == s_trig_r || s == s_trig_h || s == s_trig_f || s == s_trig_l) && evt_cnt < evt_maxcnt {
			if s == s_trig_r {
				last_rise = evt_cnt
			}
			evt_vals[evt_cnt] = s == s_trig_r || s == s_trig_h
			evt_xs[evt_cnt] = i
			evt_cnt++
		}
	}

	// Discard events beyond leftmost rise edge
	evt_cnt = last_rise + 1

	// The onsets we have picked are in backwards order.
	// Reverse to get them in the expected order.
	for i := 0; i < evt_cnt/2; i++ {
		var j = evt_cnt - 1 - i
		evt_xs[i], evt_xs[j] = evt_xs[j], evt_xs[i]
		evt_vals[i], evt_vals[j] = evt_vals[j], evt_vals[i]
	}

	// Make the output coordinates relative to core_start
	for i := 0; i < evt_cnt; i++ {
		evt_xs[i] -= left_margin
	}

	return evt_cnt
}
