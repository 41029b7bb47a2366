package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Shared contract for the bit extractors ("binarizers")
 *		used by the dual decoder.
 *
 *		A binarizer turns a window of filtered signal into bit
 *		onset events. The first returned event is always a rise
 *		edge; coordinates are relative to core_start and may be
 *		slightly negative. When given_rise_edge >= 0 the search
 *		is forced through that sample as a rising edge, which
 *		keeps consecutive windows phase continuous.
 *
 *----------------------------------------------------------------*/

type Binarizer interface {
	GetSampleRate() int

	// Returns the number of events stored in evt_xs / evt_vals.
	Read(
		evt_xs []int, // Locations of events. First one is rising edge
		evt_vals []bool, // Value transitioned to (or sustained)
		core_start int, // Offset in samples to region of interest
		core_len int, // Length in samples of region of interest
		dbgbuf []float32, // Debug output buffer [core_len]
		given_rise_edge int, // -1: no known phase, >=0: force a given rise edge
		t_clk float64, // Expected clock, nominally samplerate/4800.0
		dt_clk float64, // Half-range of clock search window
	) int
}

// Margin on each side of a binarizer core window.
// This is about 0.05s, 2400 samples in case of 44.1 kHz,
// can be compared to a slow byte which is 1920 samples.
func binarizer_margin(sample_rate int) int {
	return 24 * sample_rate / 441
}

func new_binarizer(src *Sound, binner binner_t, t_ref float64) Binarizer {
	switch binner {
	case BINNER_GRID:
		return NewGridBinarizer(src, t_ref)
	case BINNER_SUPER:
		return NewSuperBinarizer(src, t_ref)
	case BINNER_PATTERN:
		return NewPatternBinarizer(src, t_ref)
	}
	Assert(false)
	return nil
}
