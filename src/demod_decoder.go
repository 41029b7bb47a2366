package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Demodulation based, slow format only decoder back-end.
 *
 *		Faster and more accurate than the dual decoder for slow
 *		tapes, but can't do fast mode. Runs two demodulators in
 *		parallel (1200 Hz and 2400 Hz bands), finds byte onsets
 *		with a three macro-state Viterbi and reads the bits by
 *		sampling both bands at the 13 bit centers.
 *
 *----------------------------------------------------------------*/

import (
	"math"

	"github.com/charmbracelet/log"
)

/*------------------------------------------------------------------
 *
 * Name:	demod_viterbi
 *
 * Purpose:	Viterbi byte segmentation of demodulated signal.
 *		Returns no. of start bits found.
 *
 * Description:	Only detects start/stop bits, ignores data/parity bits.
 *		+--+--------------------------+--------+
 *		|0 |x  x  x  x  x  x  x  x  x |1  1  1 |
 *		+--+--------------------------+--------+
 *		<A>|<           D            >|<  E   >|
 *
 *		A byte is 209 cycles @ 4800Hz. Start and stop are 16 and
 *		49 cycles. 'A' is scored as -y, 'D' as k_d*abs(y), 'E'
 *		as y. Scoring 'D' corrects a problem where the
 *		optimization would otherwise squeeze in as many syncs as
 *		possible; k_d should be between 0 and 1, 0.6 works well.
 *
 *----------------------------------------------------------------*/

func demod_viterbi(
	xs []int, maxcnt int, // Locations of start bits (onsets)
	buf []float32, length int, // Demodulated signal
	given_onset int, // -1: no known phase, >=0: force a given onset
	t_clk float64, // Expected clock, nominally samplerate/4800.0
	dt_clk float64, // Half-range of clock search window
) int {
	const k_d = 0.6
	var t_clk_min = t_clk - dt_clk
	var t_clk_max = t_clk + dt_clk

	// Distribute min/max flexibility so the segments add up nicely;
	// minimize relative error in ranges by starting with the smallest.
	var t_a_min = int(math.Floor(0.5 + 16*t_clk_min))
	var t_a_max = int(math.Floor(0.5 + 16*t_clk_max))
	var t_e_min = int(math.Floor(0.5 + 49*t_clk_min))
	var t_e_max = int(math.Floor(0.5 + 49*t_clk_max))
	var t_d_min = int(math.Floor(0.5+209*t_clk_min)) - t_a_min - t_e_min
	var t_d_max = int(math.Floor(0.5+209*t_clk_max)) - t_a_max - t_e_max

	var ns = t_a_max + t_d_max + t_e_max

	// Score the initial state against the first signal level
	var s_a = 0
	var s_d = t_a_max
	var s_e = t_a_max + t_d_max
	var scores = make([]float32, ns)
	for s := 0; s < ns; s++ {
		var y = buf[0]
		switch {
		case s < s_d:
			scores[s] = -y // start state 'A'
		case s < s_e:
			scores[s] = float32(k_d) * fabsf(y) // data state 'D'
		default:
			scores[s] = y // stop state 'E'
		}
	}

	// Force onset if desired
	if given_onset == 0 {
		for s := 1; s < ns; s++ {
			scores[s] = 1e-20
		}
	}

	var pred = make([]int16, length*3)

	// Elasticity - shortcuts from t_min-1..t_max-1 to t_max
	// .--.  .--.  .--.  .--.  .--.  .--.  .--.
	// |  +->|  +->|  +->|  +->|  +->|  +->|  ++>
	// '--'  '--'  '--'  '-+'  '-+'  '-+'  '--'|
	//                     '-----+-----+-------+
	//  0                 t_min-1          t_max-1

	for i := 1; i < length; i++ {
		// Find best predecessor for each state
		var pred_a = s_e + t_e_max - 1
		var pred_d = s_a + t_a_max - 1
		var pred_e = s_d + t_d_max - 1

		var score_a = scores[pred_a]
		var score_d = scores[pred_d]
		var score_e = scores[pred_e]

		for s := s_e + t_e_min - 1; s < s_e+t_e_max-1; s++ {
			if score_a < scores[s] {
				score_a = scores[s]
				pred_a = s
			}
		}

		for s := s_a + t_a_min - 1; s < s_a+t_a_max-1; s++ {
			if score_d < scores[s] {
				score_d = scores[s]
				pred_d = s
			}
		}

		for s := s_d + t_d_min - 1; s < s_d+t_d_max-1; s++ {
			if score_e < scores[s] {
				score_e = scores[s]
				pred_e = s
			}
		}

		// Save predecessors
		pred[i*3+0] = int16(pred_a)
		pred[i*3+1] = int16(pred_d)
		pred[i*3+2] = int16(pred_e)

		// Level-keeping transitions: roll in from states to the left
		copy(scores[1:ns], scores[0:ns-1])
		scores[s_a] = score_a
		scores[s_d] = score_d
		scores[s_e] = score_e

		// Score against local signal.
		// Start state 'A' thrives on negative signal,
		// data state 'D' thrives on magnitude, for fair competition,
		// stop state 'E' thrives on positive signal.
		var y = buf[i]
		for s := s_a; s < s_d; s++ {
			scores[s] -= y
		}
		for s := s_d; s < s_e; s++ {
			scores[s] += float32(k_d) * fabsf(y)
		}
		for s := s_e; s < ns; s++ {
			scores[s] += y
		}

		// Force onset if desired
		if given_onset == i {
			for s := 1; s < ns; s++ {
				scores[s] = 1e-20
			}
		}
	}

	// Backtrace
	var s = 0

	// Find best end state
	var score = scores[s]
	for s1 := 0; s1 < ns; s1++ {
		if score < scores[s1] {
			score = scores[s1]
			s = s1
		}
	}

	// Trace back chain of predecessors, noting onsets of the start state
	var cnt = 0
	for i := length - 2; i >= 0; i-- {
		switch s {
		case s_a:
			s = int(pred[(i+1)*3+0])
		case s_d:
			s = int(pred[(i+1)*3+1])
		case s_e:
			s = int(pred[(i+1)*3+2])
		default:
			s-- // state with just one predecessor
		}
		if s == s_a && cnt < maxcnt {
			xs[cnt] = i
			cnt++
		}
	}

	// The onsets we have picked are in backwards order.
	// Reverse to get them in the expected order.
	for i := 0; i < cnt/2; i++ {
		var j = cnt - 1 - i
		xs[i], xs[j] = xs[j], xs[i]
	}

	return cnt
}

/*------------------------------------------------------------------
 * DemodDecoder
 *----------------------------------------------------------------*/

type DemodDecoder struct {
	demod0  *Demodulator // low band
	demod1  *Demodulator // high band
	options *DecoderOptions

	start_pos int
	end_pos   int

	t_ref  float64
	t_clk  float64
	dt_min float64
	dt_max float64
	dt_clk float64

	windowlen   int
	hopsize     int
	window_offs int
	fno         int

	buf0 []float32
	buf1 []float32
	buf  []float32

	onset_buf          []int
	last_byte_onset    int
	boundary_byte_onset int

	byte_buf   []DecodedByte
	byte_cnt   int
	byte_index int

	dump_snd *Sound
	dump_buf []float32
}

//----------------------------------------------------------------------------

func NewDemodDecoder(src *Sound, options *DecoderOptions) *DemodDecoder {
	var de = &DemodDecoder{
		demod0:  NewDemodulator(src, options.FRef, false), // low band
		demod1:  NewDemodulator(src, options.FRef, true),  // high band
		options: options,
	}

	// Sub sampled sample rate
	var ss_sample_rate = de.demod0.GetSampleRate()

	// Clip interval
	var full_len = de.demod0.GetLength()
	de.start_pos = 0
	if options.Start >= 0 {
		de.start_pos = int(math.Floor(0.5 + options.Start*float64(ss_sample_rate)))
	}
	de.end_pos = full_len
	if options.End >= 0 {
		de.end_pos = int(math.Floor(0.5 + options.End*float64(ss_sample_rate)))
	}
	if de.end_pos > full_len {
		de.end_pos = full_len
	}
	if de.end_pos < de.start_pos+1 {
		de.end_pos = de.start_pos + 1 // avoid empty interval for dump len
	}

	// Clock parameters
	de.t_ref = float64(ss_sample_rate) / float64(options.FRef) // reference physical bit period
	de.t_clk = de.t_ref                                        // center of current search window
	de.dt_min = .07 * de.t_ref                                 // minimum search window half width
	de.dt_max = .25 * de.t_ref                                 // maximum search window half width
	de.dt_clk = de.dt_max                                      // current search window half width

	// Main buffer, window length and hop size
	de.windowlen = int(math.Floor(0.5+10*209*de.t_ref)) &^ 3 // 10 nominal byte times
	de.hopsize = de.windowlen / 2
	Assert(de.hopsize&1 == 0)

	// Start with waveform start as the middle 'hopsize' part of the window
	de.window_offs = de.start_pos - de.start_pos%de.hopsize - de.windowlen/2 + de.hopsize/2
	de.fno = 0

	de.buf0 = make([]float32, de.windowlen)
	de.buf1 = make([]float32, de.windowlen)
	de.buf = make([]float32, de.windowlen)

	de.onset_buf = make([]int, de.windowlen/4)
	de.last_byte_onset = -1
	de.boundary_byte_onset = -1

	de.byte_buf = make([]DecodedByte, len(de.onset_buf))
	de.byte_cnt = 0
	de.byte_index = 0

	// Dump support
	if options.Dump {
		var dump_len = int64(de.end_pos - de.start_pos)
		var snd = NewSilentSound(dump_len, ss_sample_rate)
		de.dump_snd = &snd
		de.dump_buf = make([]float32, de.windowlen)
	}

	return de
}

//----------------------------------------------------------------------------

// Write out the debug dump, if one was collected
func (de *DemodDecoder) Close() {
	if de.dump_snd != nil {
		const dump_file = "dump-demod.wav"
		log.Info("writing dump", "path", dump_file)
		if !de.dump_snd.WriteToFile(dump_file) {
			log.Error("couldn't write dump", "path", dump_file)
		}
		de.dump_snd = nil
	}
}

//----------------------------------------------------------------------------

// Decode one window, return false if there was nothing to decode
func (de *DemodDecoder) decode_window() bool {
	if de.window_offs >= de.end_pos {
		return false // nothing to decode
	}

	var first_window = de.fno == 0
	var last_window = de.window_offs+de.hopsize >= de.end_pos

	// Read demodulated signal
	var skip = 0
	if !first_window {
		// Move data left
		skip = de.windowlen - de.hopsize
		copy(de.buf0[:skip], de.buf0[de.hopsize:])
		copy(de.buf1[:skip], de.buf1[de.hopsize:])
	}

	// Read the low and high bands
	de.demod0.Read(de.window_offs+skip, de.buf0[skip:de.windowlen])
	de.demod1.Read(de.window_offs+skip, de.buf1[skip:de.windowlen])

	// Select band(s) for sync detection
	for i := 0; i < de.windowlen; i++ {
		switch de.options.Band {
		case BAND_LOW:
			de.buf[i] = de.buf0[i] // low band only
		case BAND_HIGH:
			de.buf[i] = de.buf1[i] // high band only
		default:
			de.buf[i] = de.buf0[i] + de.buf1[i] // 2-band
		}
	}

	// Constrain viterbi to have an onset at boundary_byte_onset
	var given_onset = -1
	if !first_window &&
		de.boundary_byte_onset >= de.window_offs &&
		de.boundary_byte_onset < de.window_offs+de.windowlen {
		given_onset = de.boundary_byte_onset - de.window_offs
	}

	// Run viterbi to detect bytes in buffer
	var onset_cnt = demod_viterbi(
		de.onset_buf, len(de.onset_buf),
		de.buf, de.windowlen,
		given_onset,
		de.t_clk, de.dt_clk)

	// Portion of window which we need to convert
	var right_limit = (de.windowlen + de.hopsize) / 2
	if last_window {
		right_limit = de.windowlen
	}

	var t_half_byte = int(0.5 + 209*de.t_ref/2)
	var k_time = 1.0 / float64(de.demod0.GetSampleRate()) // seconds per demodulated sample
	var perfect_byte_run = 0

	Assert(de.byte_cnt == 0)
	for i := 0; i < onset_cnt-1; i++ {
		var x0 = de.onset_buf[i]
		var x1 = de.onset_buf[i+1]
		var onset = de.window_offs + x0

		if x0 >= right_limit {
			continue // deal with in next window instead
		}
		if de.last_byte_onset >= 0 && onset-de.last_byte_onset < t_half_byte {
			continue // too close to last accepted byte
		}
		if onset < de.start_pos-t_half_byte || onset > de.end_pos {
			continue // outside user specified scan range
		}

		// Sample bits in both bands
		var levels [2][13]float32
		for b := 0; b < 13; b++ {
			var x = float64(x0) + ((16.0/209)*float64(b)+(8.0/209))*float64(x1-x0)
			levels[0][b] = interp_lin(de.buf0, de.windowlen, x)
			levels[1][b] = interp_lin(de.buf1, de.windowlen, x)
		}

		// Normalize the levels to 0..1 range
		var norm_levels [2][13]float32
		for c := 0; c < 2; c++ {
			var ymin = levels[c][0]
			var ymax = levels[c][0]
			for b := 0; b < 13; b++ {
				ymin = fminf(levels[c][b], ymin)
				ymax = fmaxf(levels[c][b], ymax)
			}
			for b := 0; b < 13; b++ {
				if ymax > ymin {
					norm_levels[c][b] = (levels[c][b] - ymin) / (ymax - ymin)
				} else {
					norm_levels[c][b] = 0.5
				}
			}
		}

		// Mix the two bands
		var mix_levels [13]float32
		if de.options.Band == BAND_DUAL {
			// Measure noise variance in each of the two bands
			var noise [2]float32
			for c := 0; c < 2; c++ {
				var e = norm_levels[c][0] * norm_levels[c][0]
				for b := 1; b < 10; b++ {
					var m = fminf(norm_levels[c][b], 1-norm_levels[c][b])
					e += m * m
				}
				for b := 10; b < 13; b++ {
					e += (1 - norm_levels[c][b]) * (1 - norm_levels[c][b])
				}
				noise[c] = e
			}

			// Mix with inverse variance weights to minimize the
			// resulting noise variance
			var v0, v1 = noise[0], noise[1]
			var k0 float32 = 0.5
			if v0+v1 > 0 {
				k0 = v1 / (v0 + v1)
			}
			for b := 0; b < 13; b++ {
				mix_levels[b] = k0*norm_levels[0][b] + (1-k0)*norm_levels[1][b] - 0.5
			}
		} else {
			// Use just the user-selected band
			var csel = 0
			if de.options.Band == BAND_HIGH {
				csel = 1
			}
			for b := 0; b < 13; b++ {
				mix_levels[b] = levels[csel][b]
			}
		}

		// Binarize with the 0.5 threshold (0 after centering)
		var z uint16 = 0
		for b := 0; b < 13; b++ {
			if mix_levels[b] > 0 {
				z |= 1 << b
			}
		}

		Assert(de.byte_cnt < len(de.byte_buf))
		var b = &de.byte_buf[de.byte_cnt]
		b.Time = k_time * float64(onset)
		b.Slow = true
		b.Byte = get_data_bits(z)
		b.ParityError = !is_parity_ok(z)
		b.SyncError = !is_sync_ok(z)
		de.byte_cnt++

		de.last_byte_onset = onset

		// Tune the sync search window
		if !b.SyncError && !b.ParityError {
			// Perfect byte: Narrow the search window
			de.t_clk = (15*de.t_clk + float64(x1-x0)/209.0) / 16
			de.dt_clk = (15*de.dt_clk + de.dt_min) / 16

			perfect_byte_run++
			if perfect_byte_run >= 2 {
				// Note a boundary condition for next viterbi window
				de.boundary_byte_onset = onset
			}
		} else {
			// Imperfect byte: Widen the search window
			de.t_clk = (15*de.t_clk + de.t_ref) / 16
			de.dt_clk = (15*de.dt_clk + de.dt_max) / 16
			perfect_byte_run = 0
		}
	}

	// Save data in debug dump
	if de.dump_snd != nil {
		var maxval = de.buf[0]
		for i := 0; i < de.windowlen; i++ {
			de.dump_buf[i] = de.buf[i]
			maxval = fmaxf(maxval, de.buf[i])
		}

		// Draw a spike on every start bit onset
		for i := 0; i < onset_cnt; i++ {
			var x = de.onset_buf[i]
			if x >= 0 && x < de.windowlen {
				de.dump_buf[x] = 1.5 * maxval
			}
		}

		// Write out core part only
		de.dump_snd.Write(int64(de.window_offs+(de.windowlen-de.hopsize)/2-de.start_pos),
			de.dump_buf[(de.windowlen-de.hopsize)/2:(de.windowlen-de.hopsize)/2+de.hopsize])
	}

	de.window_offs += de.hopsize
	de.fno++
	return true // success
}

//----------------------------------------------------------------------------

// Main entry point - retrieve one byte from tape.
// Returns false on end of tape.
func (de *DemodDecoder) DecodeByte(b *DecodedByte) bool {
	for de.byte_index == de.byte_cnt { // all read
		de.byte_index = 0
		de.byte_cnt = 0
		if !de.decode_window() {
			return false
		}
	}

	*b = de.byte_buf[de.byte_index]
	de.byte_index++
	return true
}
