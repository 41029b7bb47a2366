package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Hann low pass filter stage reading from a Sound.
 *
 *----------------------------------------------------------------*/

type LowpassFilter struct {
	src          *Sound
	lp_filterlen int
	ibuf         []float32
}

func NewLowpassFilter(src *Sound, lp_filterlen int) *LowpassFilter {
	Assert(lp_filterlen&1 == 1)
	return &LowpassFilter{src: src, lp_filterlen: lp_filterlen}
}

//----------------------------------------------------------------------------

func (lf *LowpassFilter) Read(where int, buf []float32) bool {
	var length = len(buf)
	var lp_margin = lf.lp_filterlen >> 1
	var ibuf_len = length + 2*lp_margin

	if len(lf.ibuf) < ibuf_len {
		lf.ibuf = make([]float32, ibuf_len)
	}
	var ibuf = lf.ibuf[:ibuf_len]

	var ok = lf.src.Read(int64(where-lp_margin), ibuf)

	hann_lowpass(buf, length, ibuf, ibuf_len, lf.lp_filterlen)

	return ok
}
