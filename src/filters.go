package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Signal processing filters used throughout the decoders.
 *
 *		All filters are pure functions over contiguous float
 *		buffers. The caller pre-pads by the half-length margin;
 *		outputs are shorter than inputs by filterlen-1.
 *
 *----------------------------------------------------------------*/

import (
	"math"
)

/*------------------------------------------------------------------
 *
 * Name:	interp
 *
 * Purpose:	Cubic interpolation at a fractional index.
 *		Values outside the buffer read as zero.
 *
 *----------------------------------------------------------------*/

func interp(vals []float32, cnt int, x float64) float32 {
	var x0 = int(math.Floor(x))
	var frac = float32(x - float64(x0))

	var at = func(i int) float32 {
		if i >= 0 && i < cnt {
			return vals[i]
		}
		return 0
	}

	var y0 = at(x0 - 1)
	var y1 = at(x0)
	var y2 = at(x0 + 1)
	var y3 = at(x0 + 2)
	return y1 + frac*(y2-y0+frac*(2*y0-5*y1+4*y2-y3+frac*(-y0+3*y1-3*y2+y3)))/2
}

// Linear interpolation variant, for the hot loops that don't need cubic.
func interp_lin(vals []float32, cnt int, x float64) float32 {
	var x0 = int(math.Floor(x))
	var frac = float32(x - float64(x0))

	var y0 float32 = 0
	if x0 >= 0 && x0 < cnt {
		y0 = vals[x0]
	}
	var y1 float32 = 0
	if x0+1 >= 0 && x0+1 < cnt {
		y1 = vals[x0+1]
	}
	return y0 + frac*(y1-y0)
}

/*------------------------------------------------------------------
 *
 * Name:	running_min / running_max
 *
 * Purpose:	Sliding extremum over a fixed window using the
 *		two-pass block algorithm, so each output costs O(1)
 *		comparisons regardless of filterlen.
 *
 * Inputs:	src	- input buffer, len(dst)+filterlen-1 samples
 *		filterlen - window length
 *
 * Outputs:	dst	- one extremum per window position
 *
 *----------------------------------------------------------------*/

func running_min(dst []float32, dstlen int, src []float32, srclen int, filterlen int) {
	running_extremum(dst, dstlen, src, srclen, filterlen, fminf)
}

func running_max(dst []float32, dstlen int, src []float32, srclen int, filterlen int) {
	running_extremum(dst, dstlen, src, srclen, filterlen, fmaxf)
}

func running_extremum(dst []float32, dstlen int, src []float32, srclen int, filterlen int, comb func(float32, float32) float32) {
	Assert(filterlen > 0)
	Assert(dstlen == srclen-filterlen+1) // For now, exact sizes

	// i  i  i  i  i  i  i  i  i  i  i   input
	// l  l  s  l  l  s  l  l  s
	//    l  s     l  s     l  s
	// .  .  s  .  .  s  .  .  s
	//       s  r     s  r     s  r
	//       s  r  r  s  r  r  s  r  r
	//    o  o  o  o  o  o  o  o  o       output

	// Avoid special cases by aligning to a multiple of the filter length
	for dstlen%filterlen != 0 {
		// Trivial algorithm for edge case
		var acc = src[0]
		for j := 1; j < filterlen; j++ {
			acc = comb(acc, src[j])
		}
		dst[0] = acc

		dst = dst[1:]
		src = src[1:]
		dstlen--
		srclen--
	}

	for i := 0; i < dstlen; i += filterlen {
		// Starting element
		var acc = src[i+filterlen-1]
		dst[i+filterlen-1] = acc // Partial result

		// Left sweep
		for j := filterlen - 2; j >= 0; j-- {
			acc = comb(acc, src[i+j]) // Combine in 'l' element
			dst[i+j] = acc            // Partial result in case of j>0
		}

		// Right sweep
		acc = src[i+filterlen-1] // Use starting element again

		for j := 1; j < filterlen; j++ {
			acc = comb(acc, src[i+filterlen-1+j]) // Combine in 'r' element
			dst[i+j] = comb(acc, dst[i+j])        // Combine in 'l' elements
		}
	}
}

/*------------------------------------------------------------------
 *
 * Name:	hann_lowpass
 *
 * Purpose:	Low pass filter with a Hann kernel,
 *		1 + cos(2*pi*(i-L/2)/L) normalized to unit sum.
 *
 * Description:	Implemented as a sliding sum with separate accumulators
 *		for the constant part and the two quadrature terms,
 *		updated by the single-sample difference at each step.
 *		O(1) per output sample regardless of kernel length.
 *
 *----------------------------------------------------------------*/

func hann_lowpass(dst []float32, dstlen int, src []float32, srclen int, filterlen int) {
	Assert(filterlen > 0)
	Assert(filterlen&1 == 1) // so we can have 1 in the middle
	Assert(dstlen == srclen-filterlen+1)

	// Initialize cosine and sine kernels
	var ckern = make([]float32, filterlen)
	var skern = make([]float32, filterlen)
	var k = 2 * math.Pi / float64(filterlen)
	var csum float64 = 0
	for i := 0; i < filterlen; i++ {
		var phi = k * float64(i-filterlen/2) // 0 degrees in the middle element
		ckern[i] = float32(math.Cos(phi))
		skern[i] = float32(math.Sin(phi))
		csum += float64(ckern[i])
	}

	// Constant for normalizing the Hann kernel sum to 1
	var kh = float32(1.0 / (float64(filterlen) + csum))

	// Initial window position
	var r, c, s float32
	for i := 0; i < filterlen; i++ {
		var x = src[i]
		r += x
		c += x * ckern[i]
		s += x * skern[i]
	}
	dst[0] = kh * (r + c)

	// Incremental update for remaining positions
	for i := 1; i < dstlen; i++ {
		var dx = src[i+filterlen-1] - src[i-1]
		var j = (i - 1) % filterlen

		r += dx
		c += dx * ckern[j]
		s += dx * skern[j]

		j = (i + filterlen/2) % filterlen
		dst[i] = kh * (ckern[j]*c + skern[j]*s + r)
	}
}
