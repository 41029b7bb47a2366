package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Dual decoder - a two-stage back-end capable of both
 *		slow and fast formats.
 *
 *		Each window runs the selected binarizer once, then one
 *		or both byte framers on the same bit events. A rise edge
 *		kept from the previous window forces the binarizer
 *		through a known phase; the byte framers get the bit
 *		index of the last perfect byte as their boundary.
 *
 *----------------------------------------------------------------*/

import (
	"math"

	"github.com/charmbracelet/log"
)

type dualByteDecoder struct {
	enabled bool

	xs    []int
	zs    []uint16
	times []float64

	emit_start int
	emit_end   int

	last_x     int // sample coordinate of last accepted byte
	boundary_x int // bit index of last perfect byte, -1 when unknown
}

type DualDecoder struct {
	options *DecoderOptions

	sample_rate int
	start_pos   int
	end_pos     int

	t_ref  float64
	t_clk  float64
	dt_clk float64
	dt_min float64
	dt_max float64

	binarizer Binarizer

	windowlen   int
	hopsize     int
	window_offs int

	bit_evt_xs   []int
	bit_evt_vals []bool
	bit_evt_cnt  int

	dump_snd *Sound
	dump_buf []float32

	// [0]=fast [1]=slow
	byte_decoders [2]dualByteDecoder
}

//----------------------------------------------------------------------------

func NewDualDecoder(src *Sound, options *DecoderOptions, enable_fast bool, enable_slow bool) *DualDecoder {
	var dd = &DualDecoder{options: options}

	dd.sample_rate = src.GetSampleRate()
	var full_len = int(src.GetLength())

	dd.start_pos = 0
	dd.end_pos = full_len
	if options.Start >= 0 {
		dd.start_pos = int(math.Floor(0.5 + options.Start*float64(dd.sample_rate)))
	}
	if options.End >= 0 {
		dd.end_pos = int(math.Floor(0.5 + options.End*float64(dd.sample_rate)))
	}
	if dd.end_pos > full_len {
		dd.end_pos = full_len
	}
	if dd.end_pos < dd.start_pos+1 {
		dd.end_pos = dd.start_pos + 1 // avoid empty interval for dump len
	}

	// Clocking parameters
	dd.t_ref = float64(dd.sample_rate) / float64(options.FRef)

	// Clock search window half width.
	// This can at most be 20% since 2*1.2 = 3*0.8 = 2.4, where a
	// 3-period can look the same as a 2-period.
	dd.dt_max = .20 * dd.t_ref
	dd.dt_min = .07 * dd.t_ref
	dd.dt_clk = dd.dt_max
	dd.t_clk = dd.t_ref

	dd.binarizer = new_binarizer(src, options.Binner, dd.t_ref)

	// Window length and hop size
	dd.windowlen = int(math.Floor(0.5+10*209*dd.t_ref)) &^ 3 // 10 nominal byte times
	dd.hopsize = dd.windowlen / 2

	Assert(dd.hopsize&1 == 0)
	// Start with waveform start as the middle 'hopsize' part of the window
	dd.window_offs = dd.start_pos - dd.start_pos%dd.hopsize - dd.windowlen/2 + dd.hopsize/2

	// Bit event buffer
	dd.bit_evt_xs = make([]int, dd.windowlen/2)
	dd.bit_evt_vals = make([]bool, dd.windowlen/2)
	dd.bit_evt_cnt = 0

	// Dump
	if options.Dump {
		var dump_len = int64(dd.end_pos - dd.start_pos)
		var snd = NewSilentSound(dump_len, dd.sample_rate)
		dd.dump_snd = &snd
	}
	dd.dump_buf = make([]float32, dd.windowlen)

	// [0]=fast [1]=slow
	dd.byte_decoders[0].enabled = enable_fast
	dd.byte_decoders[1].enabled = enable_slow

	for slow := 0; slow < 2; slow++ {
		var bd = &dd.byte_decoders[slow]
		bd.last_x = -1
		bd.boundary_x = -1
		if bd.enabled {
			var bufsize = dd.windowlen / 8
			bd.xs = make([]int, bufsize)
			bd.zs = make([]uint16, bufsize)
			bd.times = make([]float64, bufsize)
		}
	}

	return dd
}

//----------------------------------------------------------------------------

// Write out the debug dump, if one was collected
func (dd *DualDecoder) Close() {
	if dd.dump_snd != nil {
		const dump_file = "dump-dual.wav"
		log.Info("writing dump", "path", dump_file)
		if !dd.dump_snd.WriteToFile(dump_file) {
			log.Error("couldn't write dump", "path", dump_file)
		}
		dd.dump_snd = nil
	}
}

//----------------------------------------------------------------------------

// Decode bytes from the current bit window
func (dd *DualDecoder) decode_byte_window(last_window bool) {
	// Detected new clock parameters
	var detected_t_clk = dd.t_ref
	var detected_dt_clk = dd.dt_max

	for slow := 0; slow < 2; slow++ {
		var byte_decoder = &dd.byte_decoders[slow]
		if !byte_decoder.enabled {
			continue // only run the asked for mode
		}

		// Portion of window which we need to interpret
		var right_limit = (dd.windowlen + dd.hopsize) / 2
		if last_window {
			right_limit = dd.windowlen
		}

		var k_time = 1.0 / float64(dd.sample_rate) // seconds per sample

		// Decode from bits to bytes
		var byte_evt_cnt int
		if slow == 1 {
			byte_evt_cnt = decode_slow_bytes(
				byte_decoder.xs, byte_decoder.zs, len(byte_decoder.xs),
				dd.bit_evt_vals, dd.bit_evt_cnt,
				byte_decoder.boundary_x)
		} else {
			byte_evt_cnt = decode_fast_bytes(dd.options.Fdec,
				byte_decoder.xs, byte_decoder.zs, len(byte_decoder.xs),
				dd.bit_evt_vals, dd.bit_evt_cnt,
				byte_decoder.boundary_x)
		}

		var nominal_bins_per_byte = 32
		if slow == 1 {
			nominal_bins_per_byte = 209
		}
		var t_half_byte = int(0.5 + float64(nominal_bins_per_byte)*dd.t_ref/2)
		var healthy_byte_cnt = 0
		var healthy_bit_cnt = 0
		var healthy_samples = 0.0

		// Clear range of byte events to be emitted
		byte_decoder.emit_start = 0
		byte_decoder.emit_end = 0

		for i := 0; i < byte_evt_cnt; i++ {
			var bix = byte_decoder.xs[i] // Bit index into bit window
			Assert(bix >= 0 && bix < dd.bit_evt_cnt)
			var x = dd.window_offs + dd.bit_evt_xs[bix] // Global sample offset

			// Annotate global time
			byte_decoder.times[i] = k_time * float64(x)

			if x >= dd.window_offs+right_limit {
				continue // deal with in next window instead
			}
			if byte_decoder.last_x >= 0 && x-byte_decoder.last_x < t_half_byte {
				continue // too close to last accepted byte
			}
			if x < dd.start_pos-t_half_byte || x > dd.end_pos {
				continue // outside user specified scan range
			}

			var z = byte_decoder.zs[i]

			// Add to range of events to emit bytes for
			if byte_decoder.emit_end == 0 {
				byte_decoder.emit_start = i
			}
			byte_decoder.emit_end = i + 1

			byte_decoder.last_x = x // sample coordinate
			if is_parity_ok(z) && is_sync_ok(z) && i+1 < byte_evt_cnt {
				byte_decoder.boundary_x = bix // bit index

				var bix1 = byte_decoder.xs[i+1]
				healthy_byte_cnt++
				if slow == 1 {
					healthy_bit_cnt += 209
				} else {
					healthy_bit_cnt += 27
					for b := 0; b < 13; b++ {
						if (z>>b)&1 == 0 {
							healthy_bit_cnt++
						}
					}
				}
				healthy_samples += float64(dd.bit_evt_xs[bix1] - dd.bit_evt_xs[bix])
			}
		}

		var emit_cnt = byte_decoder.emit_end - byte_decoder.emit_start
		var health = 0.0
		if emit_cnt > 0 {
			health = float64(healthy_byte_cnt) / float64(emit_cnt)
		}

		if health > 0.95 {
			detected_t_clk = healthy_samples / float64(healthy_bit_cnt)
			detected_dt_clk = dd.dt_min
		}
	}

	// Update clock parameters with exponential decay.
	// The coefficients below approximate the 15/16 decay for 5 bytes in
	// the demodulation decoder. Narrow or widen the clock search window.
	dd.t_clk = 0.75*dd.t_clk + 0.25*detected_t_clk
	dd.dt_clk = 0.75*dd.dt_clk + 0.25*detected_dt_clk
}

//----------------------------------------------------------------------------

// Update bit coordinates to new frame of reference on bit window shift
func (dd *DualDecoder) advance_byte_window(advance_bits int) {
	Assert(advance_bits >= 0)

	for slow := 0; slow < 2; slow++ {
		// Update byte-level boundary condition to new frame of reference
		dd.byte_decoders[slow].boundary_x -= advance_bits // ignored when negative
	}
}

//----------------------------------------------------------------------------

func (dd *DualDecoder) decode_window() bool {
	if dd.window_offs >= dd.end_pos {
		return false // nothing to decode
	}

	var last_window = dd.window_offs+dd.hopsize >= dd.end_pos

	// Boundary condition, and viterbi skipping, based on old events
	var given_rise_edge = -1
	if dd.bit_evt_cnt > 0 { // old events stashed?
		// Skip portion which we already binarized, gives 25% speedup
		given_rise_edge = dd.bit_evt_xs[dd.bit_evt_cnt-1]
		Assert(given_rise_edge >= 0)

		// The binarizer will output the boundary condition rise edge again
		dd.bit_evt_cnt--
	}

	// By default we offset by 1/4 into the legacy window
	var core_start = dd.window_offs + (dd.windowlen-dd.hopsize)/2

	// If we have a reasonable boundary condition, then use it as the start
	if given_rise_edge >= 0 && given_rise_edge < dd.windowlen/2 {
		core_start = dd.window_offs + given_rise_edge
	}

	var core_end = dd.window_offs + (dd.windowlen+dd.hopsize)/2
	var core_len = core_end - core_start
	var old_cnt = dd.bit_evt_cnt

	if given_rise_edge >= 0 {
		given_rise_edge -= core_start - dd.window_offs
	}

	// Run the binarizer. First event is a rise event.
	dd.bit_evt_cnt += dd.binarizer.Read(
		dd.bit_evt_xs[old_cnt:], dd.bit_evt_vals[old_cnt:],
		core_start, core_len,
		dd.dump_buf[core_start-dd.window_offs:],
		given_rise_edge,
		dd.t_clk, dd.dt_clk)

	for i := old_cnt; i < dd.bit_evt_cnt; i++ {
		dd.bit_evt_xs[i] += core_start - dd.window_offs // adjust for skipped part of waveform
	}

	dd.decode_byte_window(last_window)

	// Save data in debug dump
	if dd.dump_snd != nil {
		// Draw spikes on bit onsets
		for i := 0; i < dd.bit_evt_cnt; i++ {
			var x = dd.bit_evt_xs[i]
			if x >= 0 && x < dd.windowlen {
				if dd.bit_evt_vals[i] {
					dd.dump_buf[x] = .8
				} else {
					dd.dump_buf[x] = -.8
				}
			}
		}

		// Is just one of slow and fast enabled?
		if dd.byte_decoders[0].enabled != dd.byte_decoders[1].enabled {
			// Then draw spikes on each byte onset
			var dix = 0
			if dd.byte_decoders[1].enabled {
				dix = 1
			}
			var d = &dd.byte_decoders[dix]
			for i := d.emit_start; i < d.emit_end; i++ {
				var bix = d.xs[i] // Bit index into bit window
				Assert(bix >= 0 && bix < dd.bit_evt_cnt)
				var x = dd.bit_evt_xs[bix]
				if x >= 0 && x < dd.windowlen {
					if dd.bit_evt_vals[bix] {
						dd.dump_buf[x] = 1.0
					} else {
						dd.dump_buf[x] = -1.0
					}
				}
			}
		}

		// Write out range that we binarized
		dd.dump_snd.Write(int64(core_start-dd.start_pos),
			dd.dump_buf[core_start-dd.window_offs:core_start-dd.window_offs+core_len])
	}

	var right_limit = (dd.windowlen + dd.hopsize) / 2
	if last_window {
		right_limit = dd.windowlen
	}
	for dd.bit_evt_cnt > 0 && dd.bit_evt_xs[dd.bit_evt_cnt-1] > right_limit {
		dd.bit_evt_cnt--
	}

	// Discard events that will be to the left of next window.
	// We can delete events to the left regardless of event type.
	var delete_left = 0
	for delete_left < dd.bit_evt_cnt && dd.bit_evt_xs[delete_left] < 0 {
		delete_left++
	}

	// Discard bit events that are to the right of the window core;
	// they will be analyzed more reliably using the next window.
	// Make sure that the last kept event is a rise edge.
	var delete_right = 0
	for i := dd.bit_evt_cnt - 1; i >= delete_left; i-- {
		if i > 0 && !dd.bit_evt_vals[i-1] && dd.bit_evt_vals[i] { // rise edge at i
			if dd.bit_evt_xs[i] >= right_limit {
				delete_right = dd.bit_evt_cnt - 1 - i
			}
		}
	}

	var keep_cnt = dd.bit_evt_cnt - delete_left - delete_right
	Assert(keep_cnt >= 1)

	// Shift bit events left in buffer.
	// Change frame of reference to that of next window.
	for i := 0; i < keep_cnt; i++ {
		dd.bit_evt_xs[i] = dd.bit_evt_xs[i+delete_left] - dd.hopsize
		dd.bit_evt_vals[i] = dd.bit_evt_vals[i+delete_left]
	}
	dd.bit_evt_cnt = keep_cnt

	// Update byte-level boundary condition to new frame of reference
	dd.advance_byte_window(delete_left)

	dd.window_offs += dd.hopsize
	return true // success
}

//----------------------------------------------------------------------------

// Main entry point - retrieve one byte from tape.
// Produces a mixture of slow and fast events when both are enabled.
// Returns false on end of tape.
func (dd *DualDecoder) DecodeByte(b *DecodedByte) bool {
	// Range of bytes empty?
	for dd.byte_decoders[0].emit_start == dd.byte_decoders[0].emit_end &&
		dd.byte_decoders[1].emit_start == dd.byte_decoders[1].emit_end {
		if !dd.decode_window() {
			return false
		}
	}

	var have_fast = dd.byte_decoders[0].emit_start != dd.byte_decoders[0].emit_end
	var have_slow = dd.byte_decoders[1].emit_start != dd.byte_decoders[1].emit_end

	var slow = 0
	if have_slow {
		slow = 1
	}
	if have_fast && have_slow {
		// Output chronologically when we have two types of event
		var t0 = dd.byte_decoders[0].times[dd.byte_decoders[0].emit_start]
		var t1 = dd.byte_decoders[1].times[dd.byte_decoders[1].emit_start]
		if t1 < t0 {
			slow = 1
		} else {
			slow = 0
		}
	}

	var bd = &dd.byte_decoders[slow]
	var i = bd.emit_start
	var z = bd.zs[i]
	b.Time = bd.times[i]
	b.Slow = slow == 1
	b.Byte = get_data_bits(z)
	b.ParityError = !is_parity_ok(z)
	b.SyncError = !is_sync_ok(z)
	bd.emit_start++
	return true
}
