package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Common interface for sample consumers: the WAV writer
 *		and the live audio player.
 *
 *----------------------------------------------------------------*/

type SoundSink interface {
	// Write samples in the -1..1 range. Returns false on failure.
	Write(buf []float32) bool

	// Wait for playback to finish, or up to timeout seconds.
	// Zero means non-blocking. No-op for file writers.
	Flush(timeout float64)

	// Finalize. Returns false if output could not be completed.
	Close() bool

	// Seconds of audio played (or written).
	// May be called from any goroutine.
	GetElapsedTime() float64
}
