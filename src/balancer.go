package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Nonlinear highpass filter to remove offset in signal.
 *
 *            .-----------------------------.
 *            |  .---.                      |
 *  Input     +->|min|--.                 + v
 *  Signal  --+  '---'  |  .---.  .----. -.---.
 *            |          =>|avg|->| LP |->| + |-->  Balanced output
 *            |  .---.  |  '---'  '----'  '---'
 *            '->|max|--'
 *               '---'
 *
 *		This is the lowest stage at which the decoder becomes
 *		insensitive to slow tape-level drift. Optionally also
 *		produces an instantaneous amplitude from the half
 *		min-max spread.
 *
 *----------------------------------------------------------------*/

type Balancer struct {
	src          *Sound
	mm_filterlen int
	lp_filterlen int

	ibuf  []float32
	m0buf []float32
	m1buf []float32
}

func NewBalancer(src *Sound, mm_filterlen int, lp_filterlen int) *Balancer {
	Assert(mm_filterlen&1 == 1)
	Assert(lp_filterlen&1 == 1)
	return &Balancer{src: src, mm_filterlen: mm_filterlen, lp_filterlen: lp_filterlen}
}

//----------------------------------------------------------------------------

// Read a balanced window. abuf, when non-nil, receives the smoothed
// amplitude and must have the same length as buf.
func (ba *Balancer) Read(where int, buf []float32, abuf []float32) bool {
	var length = len(buf)

	// Generate a threshold level
	var mm_margin = ba.mm_filterlen >> 1
	var lp_margin = ba.lp_filterlen >> 1
	var mm_mbuf_len = length + 2*lp_margin
	var mm_ibuf_len = length + 2*lp_margin + 2*mm_margin

	if len(ba.m0buf) < mm_mbuf_len {
		ba.ibuf = make([]float32, mm_ibuf_len)
		ba.m0buf = make([]float32, mm_mbuf_len)
		ba.m1buf = make([]float32, mm_mbuf_len)
	}
	var ibuf = ba.ibuf[:mm_ibuf_len]
	var m0buf = ba.m0buf[:mm_mbuf_len]
	var m1buf = ba.m1buf[:mm_mbuf_len]

	// Read source
	var ok = ba.src.Read(int64(where-mm_margin-lp_margin), ibuf)

	// Run min and max filters
	running_min(m0buf, mm_mbuf_len, ibuf, mm_ibuf_len, ba.mm_filterlen)
	running_max(m1buf, mm_mbuf_len, ibuf, mm_ibuf_len, ba.mm_filterlen)

	// Average min and max to get a threshold level
	for i := 0; i < mm_mbuf_len; i++ {
		var m0 = m0buf[i]
		var m1 = m1buf[i]
		m0buf[i] = .5 * (m0 + m1)
		m1buf[i] = .5 * (m1 - m0) // save difference for potential use
	}

	// Low-pass filter the threshold level into the output buffer
	hann_lowpass(buf, length, m0buf, mm_mbuf_len, ba.lp_filterlen)

	// Subtract filtered threshold level from the input signal
	for i := 0; i < length; i++ {
		buf[i] = ibuf[mm_margin+lp_margin+i] - buf[i]
	}

	if abuf != nil {
		// Low-pass filter the max-min to get an amplitude
		hann_lowpass(abuf, length, m1buf, mm_mbuf_len, ba.lp_filterlen)
	}

	return ok
}
