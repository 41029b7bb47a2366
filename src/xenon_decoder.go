package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Xenon decoder - fast format back-end built on peak
 *		location and pulse area measurement.
 *
 *		Scans for sync patterns in pulse indication functions
 *		derived from the low-passed signal:
 *
 *		ssssh S+ d0..d7 p sssh S- d0..d7 p sssh S+
 *		\------/         \------/         \------/
 *
 *		Start bit candidates are labeled by two fuzzy
 *		classifiers (height based and width based), bytes are
 *		read with either a wide-peak or an underside-area
 *		reader, and a chaining activity selection picks the
 *		byte track, filling gaps with pad bytes.
 *
 *----------------------------------------------------------------*/

import (
	"math"
	"sort"

	"github.com/charmbracelet/log"
)

// Scale for start bit confidence labeling:
// -DETECT_MAX clear negative start bit
//  0          not a start bit
// +DETECT_MAX clear positive start bit
const DETECT_MAX = 100

//----------------------------------------------------------------------------

// Fuzzy logic greyzone function.
// Returns a confidence in range 0..1: linear mapping where false_bar
// maps to 0, true_bar maps to 1, clipped to the 0..1 range.
func greyzone(false_bar float32, true_bar float32, val float32) float32 {
	return fmaxf(0, fminf(1, (val-false_bar)/(true_bar-false_bar)))
}

//----------------------------------------------------------------------------

// Return location of center of gravity relative to coordinate x,
// using only the top 10% of the peak.
func center_of_gravity(wpif []float32, length int, x int) float32 {
	var pol = sign(wpif[x])
	if pol == 0 {
		return 0
	}
	var fpol = float32(pol)

	var thresh = 0.9 * fabsf(wpif[x])

	var x0, x1 = x, x
	for x0 > 0 && fpol*wpif[x0-1] > thresh {
		x0--
	}
	for x1+1 < length && fpol*wpif[x1+1] > thresh {
		x1++
	}

	var sum float32 = 0
	var wsum float32 = 0
	for i := x0; i <= x1; i++ {
		var w = fpol*wpif[i] - thresh
		sum += w * float32(i-x)
		wsum += w
	}
	return sum / wsum
}

//----------------------------------------------------------------------------

// Return interpolated peak location relative to coordinate x,
// from the ratio of first and second derivative. Clamped to +-0.5.
func interpolate_peak(npif []float32, length int, x int) float32 {
	if x <= 0 || x >= length-1 {
		return 0 // need 3-sample window
	}

	var y0 = float64(npif[x-1])
	var y1 = float64(npif[x])
	var y2 = float64(npif[x+1])
	var d1 = .5 * (y2 - y0)
	var d2 = -y0 + 2*y1 - y2

	var dx float32 = 0
	if d2 != 0 {
		dx = float32(d1 / d2)
	}

	return fmaxf(-0.5, fminf(0.5, dx))
}

/*------------------------------------------------------------------
 *
 * Name:	pick_all_peaks
 *
 * Purpose:	Two-sided peak picker. Picks both positive and negative
 *		peaks, generating a sequence of alternating polarities.
 *
 *----------------------------------------------------------------*/

func pick_all_peaks(
	peak_detect []int8, // Labeling output
	peak_xs []float32, // Coord relative start of buffer
	max_cnt int,
	npif []float32, length int, // Narrow pulse indication function
) int {
	var peak_cnt = 0
	var needed_pol = -1
	for i := 0; i < length; i++ {
		var pol = sign(npif[i])
		peak_detect[i] = 0

		if pol == needed_pol && i > 0 && i < length-1 {
			var fpol = float32(pol)
			var ym = fpol * npif[i-1]
			var y = fpol * npif[i]
			var yp = fpol * npif[i+1]
			if y > ym && y >= yp { // peak
				peak_detect[i] = int8(pol)
				needed_pol = -pol

				if peak_cnt < max_cnt {
					var cog = center_of_gravity(npif, length, i)
					peak_xs[peak_cnt] = float32(i) + cog
					peak_cnt++
				}
			}
		}
	}
	return peak_cnt
}

/*------------------------------------------------------------------
 *
 * Name:	detect_start
 *
 * Purpose:	Label start bit candidates using the DETECT_MAX scale,
 *		and auto-select the byte reader for each.
 *
 * Description:	Uses both wide and narrow peak indication functions
 *		(WPIF + NPIF) to cope with both of
 *		* stretch (clock variation) - pulse width as feature
 *		* dropout of narrow peaks - pulse height as feature
 *
 *----------------------------------------------------------------*/

func detect_start(
	start_detect []int8, // Labeling output
	use_area []bool, // Reader auto-select
	wpif []float32, // Wide peak indication function
	npif []float32, length int, // Narrow peak indication function
	options *DecoderOptions, // User selectable settings
	t_min float32, // Clock period in samples, lower bound
	t_max float32, // Clock period in samples, upper bound
	given_byte_x int, // Index where start is required / known
	given_byte_use_area bool, // Reader select for the given byte
	thresh float32, // WPIF threshold to qualify a peak
) {
	// Settings
	const use_hbc = true // Set to enable height based classifier
	const use_wbc = true // Set to enable width based classifier

	// Threshold to qualify a start bit peak
	var avg_mag float32 = 0
	for i := 0; i < length; i++ {
		avg_mag += fabsf(npif[i])
	}
	avg_mag /= float32(length)

	var peak_xs = make([]float32, length)
	var peak_ys = make([]float32, length)
	var peak_detect = make([]int8, length)

	// Pick all peaks, two sided (high or low pulses)
	var peak_cnt = pick_all_peaks(
		peak_detect,
		peak_xs,
		length,
		npif, length)

	for j := 0; j < peak_cnt; j++ {
		peak_ys[j] = interp(npif, length, float64(peak_xs[j]))
	}

	for i := 0; i < length; i++ {
		start_detect[i] = 0
		use_area[i] = false
	}

	//---------------------------------------------------------------------

	// Distance windows for the height based classifier

	var dwin_size = int(math.Ceil(8 * float64(t_max)))
	var dwin_14 = make([]float32, dwin_size)
	var dwin_17 = make([]float32, dwin_size)
	var dwin_38 = make([]float32, dwin_size)
	for d := 0; d < dwin_size; d++ {
		var fd = float32(d)
		dwin_14[d] = fminf(greyzone(1.0*t_min, 1.0*t_max, fd),
			greyzone(4.0*t_max, 4.0*t_min, fd))
		dwin_17[d] = fminf(greyzone(1.0*t_min, 1.0*t_max, fd),
			greyzone(7.0*t_max, 7.0*t_min, fd))
		dwin_38[d] = fminf(greyzone(3.0*t_min, 3.0*t_max, fd),
			greyzone(8.0*t_max, 8.0*t_min, fd))
	}

	//---------------------------------------------------------------------

	// Classify the peaks
	for j := 0; j < peak_cnt; j++ {
		// Location of start bit NPIF peak
		var i_npif = int(math.Floor(0.5 + float64(peak_xs[j])))

		// Reject if either of NPIF or WPIF has wrong sign
		var pol = 1
		if j&1 == 0 {
			pol = -1
		}
		if sign(npif[i_npif]) != pol || sign(wpif[i_npif]) != pol {
			continue
		}
		var fpol = float32(pol)

		// Check peak height against average magnitude
		var m = fpol * peak_ys[j]
		var common = greyzone(0.2*avg_mag, 0.8*avg_mag, m)

		//--------------------------------------------------------------
		// Height based classifier
		//--------------------------------------------------------------

		var hbc float32 = 0
		if use_hbc {
			hbc = 1.0
		}

		// Home in on WPIF peak, may differ from NPIF peak
		var i_wpif = i_npif
		for i_wpif > 0 && fpol*wpif[i_wpif-1] > fpol*wpif[i_wpif] {
			i_wpif--
		}
		for i_wpif+1 < length && fpol*wpif[i_wpif+1] > fpol*wpif[i_wpif] {
			i_wpif++
		}

		// Check WPIF peak strength, against threshold with +/-30% grey zone
		var h = wpif[i_wpif] * fpol
		hbc = greyzone(0.7*thresh, 1.3*thresh, h)

		// Stop bits should be largely quiet, but we must tolerate the
		// half-height opposite-sign sidelobe expected at -1.5.
		// Reject if same-polarity peak found 1..7 clocks before.
		// Mark weak if not silent 3..8 clocks before.
		for d := 1; d < dwin_size && i_wpif-d >= 0; d++ {
			var yd = fpol * wpif[i_wpif-d]

			if dwin_17[d] >= 0.5 {
				hbc = fminf(hbc, greyzone(.8*h, .6*h, yd))
			}

			if dwin_38[d] >= 0.5 {
				hbc = fminf(hbc, greyzone(1.2*h, 0.3*h, fabsf(yd)))
			}
		}

		// Sidelobe suppression.
		// Reject if there's a stronger peak 1..4 clocks after,
		// since that indicates that we are at a sidelobe.
		for d := 1; d < dwin_size && i_wpif+d < length; d++ {
			var md = fabsf(wpif[i_wpif+d])
			if dwin_14[d] >= 0.5 {
				hbc = fminf(hbc, greyzone(1.4*h, 1.2*h, md))
			}
		}

		//--------------------------------------------------------------
		// Width based classifier
		//--------------------------------------------------------------

		// Detect 1110 sequence: 3 short 1 long
		var wbc float32 = 0

		// First byte can be preceded by silence, then look at the next sync
		var j1 = j
		if j < 7 {
			j1 = j + 13
		}

		if use_wbc && j1 >= 7 && j1+13+2 < peak_cnt {
			wbc = 1.0

			// For width based detection we must have clear peaks
			var h1 = fpol * peak_ys[j1-2]
			var h2 = fpol * peak_ys[j1-4]
			var h3 = fpol * peak_ys[j1-6]
			wbc = fminf(wbc, greyzone(.3*m, .8*m, h1))
			wbc = fminf(wbc, greyzone(.3*m, .8*m, h2))
			wbc = fminf(wbc, greyzone(.3*m, .8*m, h3))

			// The sequence must plausibly be 9 cycles long
			var w = peak_xs[j1+1] - peak_xs[j1-7]
			wbc = fminf(wbc, greyzone((9-2)*t_min, (9-1)*t_min, w))
			wbc = fminf(wbc, greyzone((9+2)*t_max, (9+1)*t_max, w))

			// Compare adjacent pulse lengths
			var wm3 = peak_xs[j1-5] - peak_xs[j1-7]
			var wm2 = peak_xs[j1-3] - peak_xs[j1-5]
			var wm1 = peak_xs[j1-1] - peak_xs[j1-3]
			var w0 = peak_xs[j1+1] - peak_xs[j1-1] // stop bit candidate
			var r0 = 5 * (w0 - wm1) / (w0 + wm1)
			var r1 = 5 * (wm1 - wm2) / (wm1 + wm2)
			var r2 = 5 * (wm2 - wm3) / (wm2 + wm3)

			// Length differences must be low, low, positive
			wbc = fminf(wbc, greyzone(0.2, 0.3, r0))        // positive
			wbc = fminf(wbc, greyzone(0.5, 0.4, fabsf(r1))) // low
			wbc = fminf(wbc, greyzone(0.5, 0.4, fabsf(r2))) // low

			// Sidelobe suppression.
			// Widths between positive peaks
			var wm05 = peak_xs[j1] - peak_xs[j1-2]
			var wp05 = peak_xs[j1+2] - peak_xs[j1]

			// Other-polarity change measure.
			// Margin of 0.1 is empirically tuned.
			var rp05 = 5 * (wp05 - wm05) / (wp05 + wm05)
			wbc = fminf(wbc, greyzone(rp05-1.1, rp05-0.1, r0))
		}

		//--------------------------------------------------------------
		// Reader auto-selector
		//--------------------------------------------------------------

		// Check when the area reader might be the best to use
		var area_cue_quality float32 = 0.0
		var bcnt = 11
		if j >= 7 && j+2*bcnt-1 < peak_cnt {
			// Heights must not drop too much
			var h0 = fpol * peak_ys[j]
			var hmin = h0
			var hmax = h0
			for b := 1; b < bcnt; b++ {
				var hb = fpol * peak_ys[j+2*b]
				hmin = fminf(hmin, hb)
				hmax = fmaxf(hmax, hb)
			}
			area_cue_quality = greyzone(0.2, 0.5, hmin/hmax)

			// The sequence must plausibly be bcnt bits long
			var w = peak_xs[j+2*bcnt-1] - peak_xs[j-1]
			area_cue_quality = fminf(area_cue_quality, greyzone(float32(2*bcnt-2)*t_min, float32(2*bcnt-1)*t_min, w))
			area_cue_quality = fminf(area_cue_quality, greyzone(float32(3*bcnt+2)*t_max, float32(3*bcnt+1)*t_max, w))
		}

		//--------------------------------------------------------------
		// Conclusion
		//--------------------------------------------------------------

		// Either the height or width classifier must have accepted
		common = fminf(common, fmaxf(hbc, wbc)) // hbc or wbc

		var i = i_wpif
		if i >= 0 && i < length {
			var detect int
			switch {
			case common <= 0.0:
				detect = 0
			case common >= 1.0:
				detect = DETECT_MAX
			default:
				detect = 1 + int(math.Floor(float64((DETECT_MAX-1)*common)))
			}
			start_detect[i] = int8(pol * detect)

			switch options.Cue {
			case CUE_AREA:
				use_area[i] = true
			case CUE_WIDE:
				use_area[i] = false
			default:
				use_area[i] = area_cue_quality > 0.5
			}
		}
	}

	if given_byte_x >= 0 && given_byte_x < length && start_detect[given_byte_x] == 0 {
		start_detect[given_byte_x] = int8(DETECT_MAX * sign(npif[given_byte_x]))
		use_area[given_byte_x] = given_byte_use_area
	}
}

/*------------------------------------------------------------------
 *
 * Name:	quantize
 *
 * Purpose:	Interpret peak intervals as bit intervals.
 *
 * Description:	Enumerates clock period candidates from the intervals
 *		between adjacent picked peaks. For each clock, infers
 *		the 13-bit code, fits the clock by least squares over
 *		the bit-number-vs-offset relation with regularization
 *		pulling toward the expected clock, penalizes codes with
 *		sync errors, and picks the argmin.
 *
 *----------------------------------------------------------------*/

func quantize(
	out_z *uint16, // Output: 13-bit code
	out_t_clk *float32, // Output: re-estimated clock period
	out_t_byte *float32, // Output: nominal length
	peak_xs []float32, // Peak locations relative to start bit
	peak_cnt int, // No. of peaks excluding start bit
	t_min float32, // Clock period in samples, lower bound
	t_max float32, // Clock period in samples, upper bound
) {
	const MAX_PEAKS = 12
	if peak_cnt > MAX_PEAKS {
		peak_cnt = MAX_PEAKS
	}

	// Expected clock
	var t_exp = (t_min + t_max) / 2

	// Simple exit for peak_cnt==0 and peak_cnt==1
	if peak_cnt < 2 {
		if peak_cnt == 0 {
			*out_z = 0x1ffe
		} else {
			var b = int(math.Floor(.5 + .5*(float64(peak_xs[0]/t_exp)-1)))
			*out_z = 0x1ffe &^ (1 << b)
		}
		*out_t_clk = t_exp
		*out_t_byte = 28 * t_exp
		return
	}

	//---------------------------------------------------------------------
	// List clock candidates / dividers
	//---------------------------------------------------------------------

	const MAX_CLKS = 20
	var clks [MAX_CLKS]float32
	var clk_cnt = 0

	clks[clk_cnt] = t_min
	clk_cnt++
	clks[clk_cnt] = t_exp
	clk_cnt++
	clks[clk_cnt] = t_max
	clk_cnt++

	for k := 0; k < peak_cnt; k++ {
		// Interval from previous peak
		var dx = float64(peak_xs[0])
		if k > 0 {
			dx = float64(peak_xs[k] - peak_xs[k-1])
		}
		var db_min = int(math.Ceil(.5 * (dx/float64(t_max) - 1)))
		var db_max = int(math.Floor(.5 * (dx/float64(t_min) - 1)))
		for db := db_min; db <= db_max && clk_cnt < MAX_CLKS; db++ {
			clks[clk_cnt] = float32(dx / float64(2*db+1))
			clk_cnt++
		}
	}

	// Sort in ascending order
	sort.Sort(float32Slice(clks[:clk_cnt]))

	//------------------------------------------------------------------------
	// Evaluate candidate quantizations
	//------------------------------------------------------------------------

	const k_regul = 1 // Regularization strength, counted in cycles
	var t_best = t_exp
	var e_best float32 = 1e20
	var z_best uint16 = 0xffff
	var z_last uint16 = 0xffff
	for i := 0; i < clk_cnt; i++ {
		// Label peaks according to the clock candidate
		var bs, cs [MAX_PEAKS]int
		var sync_error = false
		var fit_cnt = 0
		var z uint16 = 0x1ffe
		var b = 0
		for k := 0; k < peak_cnt; k++ {
			var dx = float64(peak_xs[0])
			if k > 0 {
				dx = float64(peak_xs[k] - peak_xs[k-1])
			}
			var db = int(math.Floor(.5 * dx / float64(clks[i])))
			b += db
			bs[k] = b          // bit no (0=start bit)
			cs[k] = 2*b + k + 1 // clock cycle
			if b < 16 {
				z &^= 1 << b
			}

			if b == 10 || b == 11 {
				sync_error = true
			}

			if b <= 12 || fit_cnt < 2 {
				fit_cnt++
			}
			// else ignore for fitting purpose
		}

		if z == z_last {
			continue // no need to re-evaluate
		}
		z_last = z

		// Fit clock period to peak intervals
		// Minimize sq( sum (dxs - t_clk*dcs) )
		var sum_dcdx = float32(k_regul*k_regul) * t_exp
		var sum_dcdc float32 = k_regul * k_regul // regularization
		for k := 0; k < fit_cnt; k++ {
			var dc = cs[0]
			var dx = peak_xs[0]
			if k > 0 {
				dc = cs[k] - cs[k-1]
				dx = peak_xs[k] - peak_xs[k-1]
			}
			sum_dcdx += float32(dc) * dx
			sum_dcdc += float32(dc * dc)
		}
		var t_fit = sum_dcdx / sum_dcdc

		// Clip fitted clock to search range
		t_fit = fmaxf(t_min, fminf(t_max, t_fit))

		var dt_clk = (t_fit - t_exp) * k_regul
		var e_fit = dt_clk * dt_clk // regularization
		for k := 0; k < fit_cnt; k++ {
			var dc = cs[0]
			var dx = peak_xs[0]
			if k > 0 {
				dc = cs[k] - cs[k-1]
				dx = peak_xs[k] - peak_xs[k-1]
			}
			var r = dx - float32(dc)*t_fit
			e_fit += r * r
		}

		// Penalize sync error as if moving a peak 2cc
		if sync_error {
			e_fit += 4 * t_fit * t_fit
		}

		if i == 0 || e_fit < e_best {
			e_best = e_fit
			t_best = t_fit
			z_best = z
		}
	}

	//------------------------------------------------------------------------

	var dp_zero_cnt = 0
	for b := 1; b <= 9; b++ {
		if z_best&(1<<b) == 0 {
			dp_zero_cnt++
		}
	}

	*out_z = z_best
	*out_t_clk = t_best
	*out_t_byte = float32(28+dp_zero_cnt) * t_best
}

type float32Slice []float32

func (s float32Slice) Len() int           { return len(s) }
func (s float32Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s float32Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

/*------------------------------------------------------------------
 *
 * Name:	read_byte_wide_peak
 *
 * Purpose:	Read one byte starting from a given start bit, using
 *		wide peak locations. Handles tapes with loss of high
 *		frequencies.
 *
 *----------------------------------------------------------------*/

func read_byte_wide_peak(
	out_z *uint16, // Output: 13-bit code
	out_dx *int, // Output: length in samples
	out_t_clk *float32, // Output: re-estimated clock period
	wpif []float32, // Wide peak indicator function
	length int,
	start_x int, // Sample in middle of start bit
	t_min float32, // Clock period in samples, lower bound
	t_max float32, // Clock period in samples, upper bound
	global_thresh float32, // Threshold for accepting wpif peak
) {
	// Pick start value
	Assert(start_x >= 0 && start_x < length)
	var y0 = wpif[start_x]

	// Check polarity
	var pol float32 = -1
	if y0 > 0 {
		pol = 1
	}

	// Local threshold: Set at 70% of start bit height, since ripple can
	// be found to approach half of the start bit height.
	// Dilute it slightly with the global threshold (20%).
	var local_thresh = .8*.7*fabsf(y0) + .2*global_thresh
	Assert(local_thresh > 0)

	// Initial clock estimate
	var t_clk = (t_min + t_max) / 2

	//-----------------------------------------------------------------------
	// Peak picking
	//-----------------------------------------------------------------------

	const MAX_PEAKS = 13
	var peak_xs [MAX_PEAKS]float32
	var peak_cnt = 0

	var start_cog = center_of_gravity(wpif, length, start_x)

	var x float32 = 0 // Current coordinate, relative to start bit
	for x < 38*t_max && peak_cnt < MAX_PEAKS {
		// Look for peak 3 clocks ahead
		var i_min = start_x + int(math.Floor(float64(start_cog+x+2.0*t_clk)))
		var i_max = start_x + int(math.Ceil(float64(start_cog+x+4.0*t_clk)))
		var i_peak = i_max
		var y_peak float32 = 0
		for i1 := i_min; i1 <= i_max && i1 < length; i1++ {
			var y = pol * wpif[i1]
			if y_peak < y {
				y_peak = y
				i_peak = i1
			}
		}

		if y_peak > local_thresh &&
			i_peak != i_max { // must defer peak on end sample to next window
			// '0' symbol
			peak_xs[peak_cnt] = float32(i_peak - start_x)
			peak_xs[peak_cnt] += center_of_gravity(wpif, length, i_peak) - start_cog
			peak_cnt++
			x = peak_xs[peak_cnt-1]

			// Update local threshold based on 70% of the approved peak.
			// Keep the global ingredient at 20%.
			// Average old threshold and new.
			local_thresh = .5*(.8*.7*y_peak+.2*global_thresh) + .5*local_thresh
		} else {
			// '1' symbol
			x += 2 * t_clk
		}
	}

	//-----------------------------------------------------------------------
	// Quantization - convert peak locations to bit numbers
	//-----------------------------------------------------------------------

	var z uint16 = 0x1fff
	var t_byte = 32 * t_clk
	quantize(
		&z,
		&t_clk,
		&t_byte,
		peak_xs[:],
		peak_cnt,
		t_min,
		t_max)

	//-----------------------------------------------------------------------

	// Result 13-bit code
	*out_z = z

	// Length in samples
	*out_dx = int(math.Floor(0.5 + float64(start_cog+t_byte)))

	// Clock period estimate
	*out_t_clk = t_clk
}

/*------------------------------------------------------------------
 *
 * Name:	read_byte_underside
 *
 * Purpose:	Read one byte starting from a given start bit, using
 *		underside narrow-pulse dips and area measurement.
 *		Handles tapes with stretch.
 *
 *----------------------------------------------------------------*/

func read_byte_underside(
	out_z *uint16, // Output: 13-bit code
	out_dx *int, // Output: length in samples
	out_t_clk *float32, // Output: re-estimated clock period
	lfsig []float32, // Low pass filtered input signal
	npif []float32, // Narrow pulse indicator function
	length int,
	start_x int, // Sample in middle of start bit
	t_min float32, // Clock period in samples, lower bound
	t_max float32, // Clock period in samples, upper bound
) {
	Assert(start_x >= 0 && start_x < length)

	var t_clk = (t_min + t_max) / 2

	// Default outputs on peak picking failure
	*out_z = 0
	*out_dx = int(math.Floor(float64(32 * t_clk)))
	*out_t_clk = t_clk

	//----------------------------------------------------------------
	// Pick dips
	//----------------------------------------------------------------

	var pol = sign(npif[start_x])
	var fpol = float32(pol)

	// No. of extra bits to scan to the left of start bit
	const nb_left = 3
	const dip_max = nb_left + 14
	var dip_xs [dip_max]float32
	var dip_cnt = 0

	// Search back to trench before start bit
	var i = start_x
	for i > 0 && (sign(npif[i]) == pol || fpol*npif[i-1] <= fpol*npif[i]) {
		i--
	}

	// Then search further to get past nb_left more bits
	for k := 0; k < nb_left; k++ {
		for i > 0 && (sign(npif[i]) == -pol || fpol*npif[i-1] >= fpol*npif[i]) {
			i--
		}
		for i > 0 && (sign(npif[i]) == pol || fpol*npif[i-1] <= fpol*npif[i]) {
			i--
		}
	}

	if i <= 0 {
		return // edge of buffer reached
	}

	for dip_cnt < dip_max && i+1 < length {
		var ym = -fpol * npif[i-1]
		var y = -fpol * npif[i]
		var yp = -fpol * npif[i+1]

		if y > ym && y >= yp && y > 0 { // peak on underside
			var dx = interpolate_peak(npif, length, i)
			dip_xs[dip_cnt] = float32(i-start_x) + dx
			dip_cnt++

			// hysteresis by skipping to next sign flip
			for i+1 < length && -fpol*npif[i+1] > 0 {
				i++
			}
		}
		i++
	}

	if dip_cnt < dip_max {
		return // Too few dips, edge of buffer reached
	}

	//----------------------------------------------------------------------------

	// Pulse width measurement
	var ws [13]float32
	for k := 0; k < 13; k++ {
		ws[k] = dip_xs[nb_left+k+1] - dip_xs[nb_left+k]
	}

	// Pulse area measurement: integrate the low-passed signal between
	// consecutive dip samples, minus the midline chord.
	var as [nb_left + 13]float32
	for k := 0; k < nb_left+13; k++ {
		var x0 = start_x + int(math.Floor(0.5+float64(dip_xs[k])))
		var x1 = start_x + int(math.Floor(0.5+float64(dip_xs[k+1])))
		Assert(x0 >= 0 && x0 < length)
		Assert(x1 >= x0 && x1 < length)

		var bottom = .5 * (lfsig[x0] + lfsig[x1])
		var sum float32 = 0
		for i := x0 + 1; i < x1; i++ {
			sum += lfsig[i] - bottom
		}
		as[k] = fpol * sum
	}

	// Fit a line through the low-area peaks
	var a_low_line [nb_left + 13]float32
	var a_left = (as[0] + as[1] + as[2]) / 3
	var a_right = (as[nb_left+10] + as[nb_left+11] + as[nb_left+12]) / 3
	for k := 0; k < nb_left+13; k++ {
		a_low_line[k] = a_left + (a_right-a_left)*float32(k-1)/13
	}

	// Estimate the typical high-low area difference.
	// Use the start bit, and if they look reasonable, the two largest areas
	// among the data/parity bits. Zeros come in pairs because of the parity.
	// No gain has been seen for using more than those potential two.
	var das [9]float32
	for k := 0; k < 9; k++ {
		das[k] = as[nb_left+1+k] - a_low_line[nb_left+1+k]
	}
	sort.Sort(float32Slice(das[:]))
	var typ_da = as[nb_left] - a_low_line[nb_left]
	if das[7]+das[8] > typ_da {
		typ_da = (das[7] + das[8] + typ_da) / 3
	}

	//----------------------------------------------------------------------------
	// Change measure
	//----------------------------------------------------------------------------

	// Pulse area change measure, clipped to -1..1.
	// A width change measure (5*(w1-w0)/(w0+w1)) would perform worse
	// on tapes with stretch.
	var chgs [12]float32
	const kc = 0.5 // Counterweight for the change measure

	for k := 0; k < 12; k++ {
		var a0, a1 = as[nb_left+k], as[nb_left+k+1]

		// NOTE: Removing the clipping here reveals a byte tracking issue
		//       where the last byte in a file can be lost
		chgs[k] = fmaxf(-1, fminf(1, 3*(a1-a0)/(a1+a0)))
	}

	//----------------------------------------------------------------------------
	// Re-estimate the local clock based on the pulse widths
	//----------------------------------------------------------------------------

	var minw = ws[0]
	var maxw = ws[0]
	for i := 0; i < 10; i++ {
		minw = fminf(minw, ws[i])
		maxw = fmaxf(maxw, ws[i])
	}

	// ws[10..12] may represent the future, t_min/t_max get to represent the
	// past with the same total weight of 6 cycles.
	t_clk = (3*t_min + 3*t_max + minw + maxw + ws[10] + ws[11] + ws[12]) / 17

	//----------------------------------------------------------------------------
	// Viterbi
	//----------------------------------------------------------------------------

	const nb = 13
	const ns = 2
	const BAD_SCORE = -1e10
	var scores [nb * ns]float32
	var pred [nb * ns]uint8

	// Start bit is always 0
	scores[0*2+0] = 0
	scores[0*2+1] = BAD_SCORE
	pred[0*2+0] = 0
	pred[0*2+1] = 0

	// Forward
	for b := 1; b < nb; b++ {
		var a_thresh = a_low_line[nb_left+b] + .5*typ_da
		var long_bonus = (as[nb_left+b] - a_thresh) / (a_thresh / 1.5)

		// Rise/fall rewarded when change measure exceeds kc
		var rise_reward = -chgs[b-1] - kc
		var fall_reward = chgs[b-1] - kc

		var score_00 = scores[(b-1)*2+0] + long_bonus
		var score_11 = scores[(b-1)*2+1] - long_bonus
		var score_01 = scores[(b-1)*2+0] - long_bonus + rise_reward
		var score_10 = scores[(b-1)*2+1] + long_bonus + fall_reward

		scores[b*2+0] = fmaxf(score_00, score_10)
		scores[b*2+1] = fmaxf(score_01, score_11)
		if score_00 > score_10 {
			pred[b*2+0] = 0
		} else {
			pred[b*2+0] = 1
		}
		if score_01 > score_11 {
			pred[b*2+1] = 0
		} else {
			pred[b*2+1] = 1
		}
	}

	// Backtrace
	var z uint16 = 0
	var b = nb - 1
	var s = 0
	if scores[b*ns+1] >= scores[b*ns+0] {
		s = 1
	}
	for b > 0 {
		z |= uint16(s) << b
		s = int(pred[b*ns+s])
		b--
	}

	// Add up clock cycles
	var dc = 0
	var w float32 = 0
	for b := 0; b < 13; b++ {
		w += ws[b]
		dc += 3 - int((z>>b)&1)
	}

	t_clk = fmaxf(t_min, fminf(t_max, w/float32(dc)))
	w += t_clk // Count the extra half-bit

	*out_z = z
	*out_dx = int(math.Floor(0.5 + float64(w)))
	*out_t_clk = t_clk
}

/*------------------------------------------------------------------
 *
 * Name:	xenon_decode_bytes
 *
 * Purpose:	Detect and read all bytes in a window, then select
 *		the byte track.
 *
 *----------------------------------------------------------------*/

func xenon_decode_bytes(
	byte_xs []int, byte_zs []uint16, maxcnt int, // Event buffer
	t_est *float32, // Re-estimated clock
	start_detect []int8, // Start labelling (output)
	use_area []bool, // Reader select (output)
	lfsig []float32, // Low pass filtered signal
	wpif []float32, npif []float32, length int, // Pulse indicators
	options *DecoderOptions, // User selectable settings
	t_min float32, t_max float32, // Clock range
	given_byte_x int, // Location of given byte
	given_byte_use_area bool, // Reader for the given byte
) int {
	var t_clk = (t_min + t_max) / 2

	// Default output clock estimate
	*t_est = t_clk

	// Threshold to qualify a peak
	var thresh float32 = 0
	for i := 0; i < length; i++ {
		thresh += fabsf(wpif[i])
	}
	thresh /= float32(length)

	//---------------------------------------------------------------------
	// Label start bit candidates
	//---------------------------------------------------------------------

	detect_start(
		start_detect,
		use_area,
		wpif,
		npif, length,
		options,
		t_min, t_max,
		given_byte_x,
		given_byte_use_area,
		thresh)

	//---------------------------------------------------------------------
	// Read bytes from start bit candidates
	//---------------------------------------------------------------------

	var rd_xs = make([]int, length)
	var rd_dxs = make([]int, length)
	var rd_tcs = make([]float32, length)
	var rd_zs = make([]uint16, length)
	var rd_cnt = 0

	for i := 0; i < length; i++ {
		var pol = 0
		if start_detect[i] > 0 {
			pol = 1
		} else if start_detect[i] < 0 {
			pol = -1
		}
		if pol == 0 {
			continue
		}

		var z uint16 = 0
		var dx = 1
		var tc = t_clk

		if use_area[i] {
			// Use method which can handle tape stretch
			read_byte_underside(&z, &dx, &tc, lfsig, npif, length, i, t_min, t_max)
		} else {
			// Use method which can handle loss of high frequencies
			read_byte_wide_peak(&z, &dx, &tc, wpif, length, i, t_min, t_max, thresh)
		}

		if i+dx > length-1 {
			break // skip byte reaching outside window
		}

		Assert(rd_cnt < length)
		rd_xs[rd_cnt] = i
		rd_dxs[rd_cnt] = dx
		rd_tcs[rd_cnt] = tc
		rd_zs[rd_cnt] = z
		rd_cnt++
	}

	//---------------------------------------------------------------------
	// Byte track selection
	//---------------------------------------------------------------------

	// This differs from classic Activity Selection in that we must favour
	// bytes that come directly after another byte.
	// A two-state model where chained bytes are rewarded.
	const ns = 2 // States: 0=skip 1=take
	var scores = make([]int, length*ns)
	var pred_ss = make([]uint8, length*ns)
	var pred_xs = make([]int, length*ns)
	var pred_zs = make([]uint16, length*ns)
	var pred_tcs = make([]float32, length*ns)
	for i := 0; i < length*ns; i++ {
		pred_xs[i] = -1
		pred_tcs[i] = t_clk
	}

	var rd_ix = 0 // Scan position in read bytes

	// Forward pass
	for i := 0; i < length; i++ {
		// Skipping: Propagate to both states to the right
		for s1 := 0; s1 < ns; s1++ {
			if i+1 < length && scores[(i+1)*2+s1] < scores[i*2+0] {
				scores[(i+1)*2+s1] = scores[i*2+0]
				pred_ss[(i+1)*2+s1] = pred_ss[i*2+0]
				pred_xs[(i+1)*2+s1] = pred_xs[i*2+0]
				pred_zs[(i+1)*2+s1] = pred_zs[i*2+0]
				pred_tcs[(i+1)*2+s1] = pred_tcs[i*2+0]
			}
		}

		// Award the given byte position
		var given_bonus = 0
		if given_byte_x == i {
			given_bonus = 100000
		}

		// Award based on clarity of start bit
		var start_score = iabs(int(start_detect[i]))

		if rd_ix < rd_cnt && rd_xs[rd_ix] == i { // byte to be taken?
			var dx = rd_dxs[rd_ix]
			var z = rd_zs[rd_ix]
			var vanity_bonus = 0
			if is_sync_ok(z) && is_parity_ok(z) {
				vanity_bonus = 1
			}

			// Add local score for taking the byte
			scores[i*2+1] += start_score + 50*vanity_bonus + 50*given_bonus

			// Jump to where the next byte should be.
			// Add up to 50 bonus when chaining to another take.
			// Add 15 bonus for polarity flip.
			var d_max = int(math.Floor(0.5 + 4*float64(rd_tcs[rd_ix]))) // search range on each side
			for d := -d_max; d <= d_max; d++ {
				var chain_score = 50 - 50*iabs(d)/(d_max+1)

				var i1 = i + dx + d
				if i1 > i && i1 < length {
					var polarity_bonus = 0
					if sign(float32(start_detect[i1])) == -sign(float32(start_detect[i])) {
						polarity_bonus = 1
					}
					for s1 := 0; s1 < ns; s1++ {
						var score = scores[i*2+1] + 15*polarity_bonus
						if s1 == 1 {
							score += chain_score
						}

						if scores[i1*2+s1] < score {
							scores[i1*2+s1] = score
							pred_ss[i1*2+s1] = 1
							pred_xs[i1*2+s1] = i
							pred_zs[i1*2+s1] = z
							pred_tcs[i1*2+s1] = rd_tcs[rd_ix]
						}
					}
				}
			}
			rd_ix++
		} else {
			scores[i*2+1] = -100000 // nothing to take here
		}
	}

	// Backtrace, with gap filling
	// Find best end state
	var s = 0
	for s1 := 0; s1 < ns; s1++ {
		if scores[(length-1)*ns+s] < scores[(length-1)*ns+s1] {
			s = s1
		}
	}

	var a = (length-1)*ns + s
	s = int(pred_ss[a])
	var x = pred_xs[a]
	var z = pred_zs[a]
	var tc = pred_tcs[a]
	var byte_cnt = 0
	var good_byte_cnt = 0
	var sum_tc float32 = 0
	for x >= 0 {
		// Pad insertion.
		// We clearly don't want a missed byte to cause a displacement
		// of the whole file.
		if byte_cnt > 0 {
			// Does the distance correspond to 2 bytes or more?
			// In that case insert equidistant pads.
			var last_x = byte_xs[byte_cnt-1]
			var dx = last_x - x
			var n = int(math.Floor(0.5 + float64(dx)/float64(32*t_clk)))
			for n >= 2 {
				var x_pad = x + (dx*(n-1)+n/2)/n

				Assert(byte_cnt < maxcnt)
				byte_xs[byte_cnt] = x_pad
				byte_zs[byte_cnt] = 0x1fff // $ff with sync error
				byte_cnt++
				n--
			}
		}

		Assert(byte_cnt < maxcnt)
		byte_xs[byte_cnt] = x
		byte_zs[byte_cnt] = z
		byte_cnt++
		if is_sync_ok(z) && is_parity_ok(z) {
			good_byte_cnt++
			sum_tc += tc
		}

		var a = x*ns + s
		s = int(pred_ss[a])
		x = pred_xs[a]
		z = pred_zs[a]
		tc = pred_tcs[a]
	}

	if good_byte_cnt >= 5 {
		*t_est = fmaxf(t_min, fminf(t_max, sum_tc/float32(good_byte_cnt)))
	}

	reverse_byte_events(byte_xs, byte_zs, byte_cnt)

	return byte_cnt
}

/*------------------------------------------------------------------
 * XenonDecoder
 *----------------------------------------------------------------*/

type XenonDecoder struct {
	lp_filter *LowpassFilter
	options   *DecoderOptions

	sample_rate int
	start_pos   int
	end_pos     int

	t_ref  float64
	t_clk  float64
	dt_clk float64
	dt_min float64
	dt_max float64

	hopsize       int
	window_margin int
	windowlen     int
	window_offs   int

	lp_buf           []float32
	wpif_buf         []float32
	npif_buf         []float32
	start_detect_buf []int8
	use_area_buf     []bool

	dump_snd *Sound
	dump_buf []float32

	byte_xs    []int
	byte_zs    []uint16
	byte_times []float64

	byte_emit_start int
	byte_emit_end   int

	byte_last_x            int
	byte_boundary_x        int
	byte_boundary_use_area bool
}

//----------------------------------------------------------------------------

func NewXenonDecoder(src *Sound, options *DecoderOptions) *XenonDecoder {
	var xd = &XenonDecoder{
		lp_filter: NewLowpassFilter(
			src,
			// Set a filter length of two reference clock cycles
			int(math.Floor(2.0*float64(src.GetSampleRate())/float64(options.FRef)))|1,
		),
		options: options,
	}

	xd.sample_rate = src.GetSampleRate()
	var full_len = int(src.GetLength())

	xd.start_pos = 0
	xd.end_pos = full_len
	if options.Start >= 0 {
		xd.start_pos = int(math.Floor(0.5 + options.Start*float64(xd.sample_rate)))
	}
	if options.End >= 0 {
		xd.end_pos = int(math.Floor(0.5 + options.End*float64(xd.sample_rate)))
	}
	if xd.end_pos > full_len {
		xd.end_pos = full_len
	}
	if xd.end_pos < xd.start_pos+1 {
		xd.end_pos = xd.start_pos + 1 // avoid empty interval for dump len
	}

	// Clocking parameters
	xd.t_ref = float64(xd.sample_rate) / float64(options.FRef)

	// Clock search window half width.
	// This can at most be 20% since 2*1.2 = 3*0.8 = 2.4, where a
	// 3-period can look the same as a 2-period.
	xd.dt_max = .20 * xd.t_ref
	xd.dt_min = .07 * xd.t_ref
	xd.dt_clk = xd.dt_max
	xd.t_clk = xd.t_ref

	// Core window / hop size: about 0.217s
	xd.hopsize = int(math.Floor(0.5 + 5*209*xd.t_ref))

	// Margin on each side of core window: about 0.0625s
	xd.window_margin = int(math.Floor(0.5 + 300*xd.t_ref))

	xd.windowlen = xd.hopsize + 2*xd.window_margin

	// Allocate buffers
	xd.lp_buf = make([]float32, xd.windowlen)
	xd.wpif_buf = make([]float32, xd.windowlen)
	xd.npif_buf = make([]float32, xd.windowlen)
	xd.start_detect_buf = make([]int8, xd.windowlen)
	xd.use_area_buf = make([]bool, xd.windowlen)

	// Start with waveform start as the middle 'hopsize' part of the window
	xd.window_offs = xd.start_pos - xd.start_pos%xd.hopsize - xd.window_margin

	// Dump
	if options.Dump {
		var dump_len = int64(xd.end_pos - xd.start_pos)
		var snd = NewSilentSound(dump_len, xd.sample_rate)
		xd.dump_snd = &snd
	}
	xd.dump_buf = make([]float32, xd.windowlen)

	// Byte decoder state
	var bufsize = xd.windowlen / 8
	xd.byte_xs = make([]int, bufsize)
	xd.byte_zs = make([]uint16, bufsize)
	xd.byte_times = make([]float64, bufsize)

	xd.byte_last_x = -1
	xd.byte_boundary_x = -1

	return xd
}

//----------------------------------------------------------------------------

// Write out the debug dump, if one was collected
func (xd *XenonDecoder) Close() {
	if xd.dump_snd != nil {
		const dump_file = "dump-xenon.wav"
		log.Info("writing dump", "path", dump_file)
		if !xd.dump_snd.WriteToFile(dump_file) {
			log.Error("couldn't write dump", "path", dump_file)
		}
		xd.dump_snd = nil
	}
}

//----------------------------------------------------------------------------

func (xd *XenonDecoder) decode_window() bool {
	if xd.window_offs >= xd.end_pos {
		return false // nothing to decode
	}

	var last_window = xd.window_offs+xd.hopsize >= xd.end_pos
	var windowlen = xd.windowlen

	//------------------------------------------------------------------------
	// Low pass
	//------------------------------------------------------------------------

	var ok = xd.lp_filter.Read(xd.window_offs, xd.lp_buf[:windowlen])
	Assert(ok)

	//------------------------------------------------------------------------
	// Wide pulse indicator function: 4-tap correlator with weights
	// (-1, +1, +1, -1) at lags (-1.5, -0.5, +0.5, +1.5) clocks
	//------------------------------------------------------------------------

	for i := 0; i < windowlen; i++ {
		var x0 = interp_lin(xd.lp_buf, windowlen, float64(i)-1.5*xd.t_clk)
		var x1 = interp_lin(xd.lp_buf, windowlen, float64(i)-0.5*xd.t_clk)
		var x2 = interp_lin(xd.lp_buf, windowlen, float64(i)+0.5*xd.t_clk)
		var x3 = interp_lin(xd.lp_buf, windowlen, float64(i)+1.5*xd.t_clk)
		xd.wpif_buf[i] = -x0 + x1 + x2 - x3
	}

	//------------------------------------------------------------------------
	// Narrow pulse indicator function: 3-tap (-1, +2, -1) at lags
	// (-1, 0, +1) clocks
	//------------------------------------------------------------------------

	for i := 0; i < windowlen; i++ {
		var x0 = interp_lin(xd.lp_buf, windowlen, float64(i)-1.0*xd.t_clk)
		var x1 = interp_lin(xd.lp_buf, windowlen, float64(i)+0.0*xd.t_clk)
		var x2 = interp_lin(xd.lp_buf, windowlen, float64(i)+1.0*xd.t_clk)
		xd.npif_buf[i] = -x0 + 2*x1 - x2
	}

	//------------------------------------------------------------------------
	// Byte decoding
	//------------------------------------------------------------------------

	var given_byte_x = -1
	if xd.byte_boundary_x >= 0 {
		given_byte_x = xd.byte_boundary_x - xd.window_offs
	}
	var given_byte_use_area = xd.byte_boundary_use_area

	var t_est = float32(xd.t_clk)
	var byte_evt_cnt = xenon_decode_bytes(
		xd.byte_xs, xd.byte_zs, len(xd.byte_xs),
		&t_est,
		xd.start_detect_buf,
		xd.use_area_buf,
		xd.lp_buf, xd.wpif_buf, xd.npif_buf, windowlen,
		xd.options,
		float32(xd.t_clk-xd.dt_clk), float32(xd.t_clk+xd.dt_clk),
		given_byte_x, given_byte_use_area)

	// Add a dummy byte if nothing was decoded
	if byte_evt_cnt == 0 {
		Assert(len(xd.byte_xs) >= 1)
		xd.byte_xs[0] = len(xd.byte_xs) / 2
		xd.byte_zs[0] = 0x1fff // ff with sync error
		byte_evt_cnt = 1
	}

	//------------------------------------------------------------------------
	// Byte post processing
	//------------------------------------------------------------------------

	// Portion of window which we need to interpret
	var right_limit = xd.window_margin + xd.hopsize
	if last_window {
		right_limit = xd.windowlen
	}

	var k_time = 1.0 / float64(xd.sample_rate)
	var t_half_byte = int(0.5 + 32*xd.t_ref/2)

	var healthy_byte_cnt = 0

	// Clear range of byte events to be emitted
	xd.byte_emit_start = 0
	xd.byte_emit_end = 0

	for i := 0; i < byte_evt_cnt; i++ {
		var x = xd.window_offs + xd.byte_xs[i] // Global sample offset

		// Annotate global time
		xd.byte_times[i] = k_time * float64(x)

		if x >= xd.window_offs+right_limit {
			continue // deal with in next window instead
		}
		if xd.byte_last_x >= 0 && x-xd.byte_last_x < t_half_byte {
			continue // too close to last accepted byte
		}
		if x < xd.start_pos-t_half_byte || x > xd.end_pos {
			continue // outside user specified scan range
		}

		// Add to range of events to emit bytes for
		if xd.byte_emit_end == 0 {
			xd.byte_emit_start = i
		}
		xd.byte_emit_end = i + 1

		xd.byte_last_x = x // sample coordinate

		var z = xd.byte_zs[i]
		if is_parity_ok(z) && is_sync_ok(z) {
			xd.byte_boundary_x = x
			xd.byte_boundary_use_area = xd.use_area_buf[x-xd.window_offs]
			healthy_byte_cnt++
		}
	}

	// Detected new clock parameters
	var detected_t_clk = xd.t_ref
	var detected_dt_clk = xd.dt_max
	var emit_cnt = xd.byte_emit_end - xd.byte_emit_start
	if emit_cnt >= 4 &&
		float64(t_est) >= xd.t_ref-xd.dt_max &&
		float64(t_est) <= xd.t_ref+xd.dt_max {
		var health = float64(healthy_byte_cnt) / float64(emit_cnt)
		if health > 0.95 {
			detected_t_clk = float64(t_est)
			detected_dt_clk = xd.dt_min
		}
	}

	// Update clock parameters with exponential decay.
	// The coefficients below approximate the 15/16 decay for 5 bytes in
	// the demodulation decoder. Narrow or widen the clock search window.
	xd.t_clk = 0.75*xd.t_clk + 0.25*detected_t_clk
	xd.dt_clk = 0.75*xd.dt_clk + 0.25*detected_dt_clk

	//------------------------------------------------------------------------
	// Epilogue
	//------------------------------------------------------------------------

	// Save data in debug dump
	if xd.dump_snd != nil {
		// Debug output: narrow pulse indication with start bit annotation
		for i := 0; i < windowlen; i++ {
			xd.dump_buf[i] = .5*float32(xd.start_detect_buf[i])/DETECT_MAX +
				.5*xd.npif_buf[i]
		}

		// Write out core part of window only
		xd.dump_snd.Write(int64(xd.window_offs+xd.window_margin-xd.start_pos),
			xd.dump_buf[xd.window_margin:xd.window_margin+xd.hopsize])
	}

	xd.window_offs += xd.hopsize
	return true // success
}

//----------------------------------------------------------------------------

// Main entry point - retrieve one byte from tape.
// Returns false on end of tape.
func (xd *XenonDecoder) DecodeByte(b *DecodedByte) bool {
	// Range of bytes empty?
	for xd.byte_emit_start == xd.byte_emit_end {
		if !xd.decode_window() {
			return false
		}
	}

	Assert(xd.byte_emit_start < xd.byte_emit_end)

	var i = xd.byte_emit_start
	var z = xd.byte_zs[i]
	b.Time = xd.byte_times[i]
	b.Slow = false
	b.Byte = get_data_bits(z)
	b.ParityError = !is_parity_ok(z)
	b.SyncError = !is_sync_ok(z)
	xd.byte_emit_start++
	return true
}
