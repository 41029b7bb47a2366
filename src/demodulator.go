package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Demodulation filter to recover tapes where the 2400 Hz
 *		oscillations are too faded to detect reliably.
 *
 *     .----.  .----.                    .-----------------------------.
 *  .->|*cos|->| LP |--.                 |  .---.                      |
 *  |  '----'  '----'  |  .---.  .----.  +->|min|--.                 - v
 *--+                   =>|abs|->|down|--+  '---'  |  .---.  .----. +.---.
 *  |  .----.  .----.  |  '---'  '----'  |          =>|avg|->| LP |->| + |-->
 *  '->|*sin|->| LP |--'                 '->|max|--'  '---'  '----'  '---'
 *     '----'  '----'
 * |<---------- Demodulation --------->|<----------- Balancing ---------->|
 *
 *		Demodulating with a 1200 Hz carrier (the '0' bit signal)
 *		or 2400 Hz (the '1' bit signal), then downsampling to
 *		half the nominal bit rate.
 *
 *----------------------------------------------------------------*/

import (
	"math"
)

type Demodulator struct {
	src           *Sound
	use_high_band bool

	ss_rate   int // subsampled output rate, nominally 2400 Hz
	ss_len    int // length of entire tape in subsampled resolution
	t_carrier int // carrier period in input samples
	t_lowpass int // size of lowpass kernel

	dm_ckern []float32
	dm_skern []float32

	// Demand allocated demodulation buffers
	dm_cbuf  []float32
	dm_sbuf  []float32
	dm_obuf0 []float32
	dm_obuf1 []float32

	// Downsampling input buffer
	dsin_buf []float32

	// Balancing stage
	mm_filterlen int
	th_filterlen int
	mm_ibuf      []float32
	mm_m0buf     []float32
	mm_m1buf     []float32
}

//----------------------------------------------------------------------------

// f_ref_hz is the reference physical symbol rate.
// use_high_band selects the 2400 Hz band over the 1200 Hz one.
func NewDemodulator(src *Sound, f_ref_hz int, use_high_band bool) *Demodulator {
	var dm = &Demodulator{src: src, use_high_band: use_high_band}

	// As carrier we take either:
	// Low band: 1200 Hz for the nominal '0' pattern
	// High band: 2400 Hz for the nominal '1' pattern
	var carrier_hz = f_ref_hz / 4
	if use_high_band {
		carrier_hz = f_ref_hz / 2
	}

	dm.ss_rate = f_ref_hz / 2

	var src_rate = src.GetSampleRate()

	dm.ss_len = int(math.Floor(0.5 + float64(src.GetLength())*float64(dm.ss_rate)/float64(src_rate)))

	dm.t_carrier = (src_rate + carrier_hz/2) / carrier_hz

	// Size of lowpass kernel, 4 low carrier periods
	dm.t_lowpass = (16 * src_rate / f_ref_hz) | 1

	// Cos and sin kernels
	var k = 2 * math.Pi / float64(dm.t_carrier)
	dm.dm_ckern = make([]float32, dm.t_carrier)
	dm.dm_skern = make([]float32, dm.t_carrier)
	for i := 0; i < dm.t_carrier; i++ {
		var phi = k * float64(i)
		dm.dm_ckern[i] = float32(math.Cos(phi))
		dm.dm_skern[i] = float32(math.Sin(phi))
	}

	// Size of minmax, 256 reference periods in low sample rate
	// C.f. one byte is 209/4 = 52.25 carrier periods
	dm.mm_filterlen = (256 * dm.ss_rate / f_ref_hz) | 1
	dm.th_filterlen = (3 * dm.mm_filterlen) | 1

	return dm
}

//----------------------------------------------------------------------------

// Sample rate of the demodulated output
func (dm *Demodulator) GetSampleRate() int { return dm.ss_rate }

// Length of the demodulated output in samples
func (dm *Demodulator) GetLength() int { return dm.ss_len }

//----------------------------------------------------------------------------

// Full resolution demodulation: quadrature mix with the carrier,
// lowpass both products, output the magnitude.
func (dm *Demodulator) read_demod_fullres(where int, buf []float32) bool {
	var length = len(buf)
	var filter_margin = dm.t_lowpass / 2
	var ibuf_len = length + 2*filter_margin

	if len(dm.dm_obuf0) < length {
		dm.dm_cbuf = make([]float32, ibuf_len)
		dm.dm_sbuf = make([]float32, ibuf_len)
		dm.dm_obuf0 = make([]float32, length)
		dm.dm_obuf1 = make([]float32, length)
	}
	var cbuf = dm.dm_cbuf[:ibuf_len]
	var sbuf = dm.dm_sbuf[:ibuf_len]
	var obuf0 = dm.dm_obuf0[:length]
	var obuf1 = dm.dm_obuf1[:length]

	if !dm.src.Read(int64(where-filter_margin), cbuf) {
		return false
	}

	// Produce cosine and sine multiplied versions
	for i := 0; i < ibuf_len; i++ {
		var j = ((where - filter_margin + i) % dm.t_carrier + dm.t_carrier) % dm.t_carrier
		sbuf[i] = cbuf[i] * dm.dm_skern[j]
		cbuf[i] = cbuf[i] * dm.dm_ckern[j]
	}

	hann_lowpass(obuf0, length, cbuf, ibuf_len, dm.t_lowpass)
	hann_lowpass(obuf1, length, sbuf, ibuf_len, dm.t_lowpass)

	for i := 0; i < length; i++ {
		buf[i] = float32(math.Sqrt(float64(obuf0[i]*obuf0[i] + obuf1[i]*obuf1[i])))
	}
	return true
}

//----------------------------------------------------------------------------

// Demodulate and subsample to the output resolution
func (dm *Demodulator) read_demod(where int, buf []float32) bool {
	var bufsize = len(buf)
	var src_rate = dm.src.GetSampleRate()
	var k_subsamp = float64(src_rate) / float64(dm.ss_rate)

	var interp_filter_margin = 3
	var t0 = int(math.Floor(k_subsamp*float64(where))) - interp_filter_margin
	var t1 = int(math.Ceil(k_subsamp*float64(where+bufsize-1))) + interp_filter_margin
	var dsin_len = t1 + 1 - t0

	if len(dm.dsin_buf) < dsin_len {
		dm.dsin_buf = make([]float32, dsin_len)
	}
	var dsin_buf = dm.dsin_buf[:dsin_len]

	var ok = dm.read_demod_fullres(t0, dsin_buf)

	for i := 0; i < bufsize; i++ {
		buf[i] = interp(dsin_buf, dsin_len, k_subsamp*float64(where+i)-float64(t0))
	}

	return ok
}

//----------------------------------------------------------------------------

// Read the balanced demodulated signal, where zero crossings correspond
// to bit phase and '1' is the positive direction.
func (dm *Demodulator) Read(where int, buf []float32) bool {
	var length = len(buf)

	// Generate a threshold level for the demodulated signal
	var mm_margin = dm.mm_filterlen / 2
	var th_margin = dm.th_filterlen / 2
	var mm_mbuf_len = length + 2*th_margin
	var mm_ibuf_len = length + 2*th_margin + 2*mm_margin

	if len(dm.mm_m0buf) < mm_mbuf_len {
		dm.mm_ibuf = make([]float32, mm_ibuf_len)
		dm.mm_m0buf = make([]float32, mm_mbuf_len)
		dm.mm_m1buf = make([]float32, mm_mbuf_len)
	}
	var ibuf = dm.mm_ibuf[:mm_ibuf_len]
	var m0buf = dm.mm_m0buf[:mm_mbuf_len]
	var m1buf = dm.mm_m1buf[:mm_mbuf_len]

	// Read demodulated signal
	var ok = dm.read_demod(where-mm_margin-th_margin, ibuf)

	// Run min and max filters
	running_min(m0buf, mm_mbuf_len, ibuf, mm_ibuf_len, dm.mm_filterlen)
	running_max(m1buf, mm_mbuf_len, ibuf, mm_ibuf_len, dm.mm_filterlen)

	// Threshold level: Blend 65% min and 35% max. Compared to 50-50 averaging
	// this handles dips in signal strength better. For instance it can decode
	// correctly even when magnitude falls below 50%.
	for i := 0; i < mm_mbuf_len; i++ {
		m0buf[i] = .65*m0buf[i] + .35*m1buf[i]
	}

	// Low-pass filter the threshold level into the output buffer
	hann_lowpass(buf, length, m0buf, mm_mbuf_len, dm.th_filterlen)

	if dm.use_high_band {
		// The modulation signal indicates when there is a '1'.
		// Subtract the threshold level.
		for i := 0; i < length; i++ {
			buf[i] = ibuf[mm_margin+th_margin+i] - buf[i]
		}
	} else {
		// The modulation signal indicates when there is a '0'.
		// Subtract threshold and negate, so '1' becomes the positive direction
		for i := 0; i < length; i++ {
			buf[i] -= ibuf[mm_margin+th_margin+i]
		}
	}
	return ok
}
