package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:   	Record audio from the default input device.
 *
 *		A capture goroutine moves chunks from the portaudio
 *		stream into a FIFO sized for at least 3 seconds of
 *		audio. Read blocks until the FIFO has data or recording
 *		has stopped, polling at quarter-chunk intervals. All
 *		buffered samples up to the stop signal are retained.
 *
 *----------------------------------------------------------------*/

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

type SoundRecorder struct {
	stream            *portaudio.Stream
	sample_rate       int
	samples_per_chunk int
	chunk_buf         []float32

	fifo chan []float32

	read_pos atomic.Int64 // samples handed out by Read
	captured atomic.Int64 // samples captured from the device
	started  atomic.Bool
	stopping atomic.Bool

	capture_done chan struct{}

	leftover []float32

	open bool
}

//----------------------------------------------------------------------------

func (sr *SoundRecorder) Open(sample_rate int, samples_per_chunk int) bool {
	sr.Close()

	if err := portaudio.Initialize(); err != nil {
		log.Error("portaudio init failed", "err", err)
		return false
	}

	sr.chunk_buf = make([]float32, samples_per_chunk)
	var stream, err = portaudio.OpenDefaultStream(
		1, 0, float64(sample_rate), samples_per_chunk, sr.chunk_buf)
	if err != nil {
		log.Error("could not open audio input", "err", err)
		portaudio.Terminate()
		return false
	}

	// FIFO for at least 3 seconds or 8 chunks
	var chunk_cnt = (3*sample_rate + samples_per_chunk - 1) / samples_per_chunk
	if chunk_cnt < 8 {
		chunk_cnt = 8
	}

	sr.stream = stream
	sr.sample_rate = sample_rate
	sr.samples_per_chunk = samples_per_chunk
	sr.fifo = make(chan []float32, chunk_cnt)
	sr.read_pos.Store(0)
	sr.captured.Store(0)
	sr.started.Store(false)
	sr.stopping.Store(false)
	sr.leftover = nil
	sr.open = true
	return true
}

//----------------------------------------------------------------------------

func (sr *SoundRecorder) Start() {
	if !sr.open || sr.started.Load() {
		return
	}
	if err := sr.stream.Start(); err != nil {
		log.Error("could not start audio input", "err", err)
		return
	}
	sr.started.Store(true)

	sr.capture_done = make(chan struct{})
	go sr.capture_thread()
}

//----------------------------------------------------------------------------

func (sr *SoundRecorder) capture_thread() {
	defer close(sr.capture_done)

	for !sr.stopping.Load() {
		if err := sr.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				continue // lost some samples, keep capturing
			}
			return
		}

		var chunk = make([]float32, len(sr.chunk_buf))
		copy(chunk, sr.chunk_buf)

		// Drop the chunk when the consumer lags too far behind,
		// like a bounded ring buffer would
		select {
		case sr.fifo <- chunk:
			sr.captured.Add(int64(len(chunk)))
		default:
		}
	}
}

//----------------------------------------------------------------------------

func (sr *SoundRecorder) IsStarted() bool {
	return sr.started.Load() && !sr.stopping.Load()
}

// Samples available without blocking
func (sr *SoundRecorder) GetReadAvail() int {
	return len(sr.leftover) + len(sr.fifo)*sr.samples_per_chunk
}

func (sr *SoundRecorder) GetReadPos() int64 {
	return sr.read_pos.Load()
}

// Seconds of audio captured so far.
// May be called from any goroutine.
func (sr *SoundRecorder) GetElapsedTime() float64 {
	if sr.sample_rate == 0 {
		return 0
	}
	return float64(sr.captured.Load()) / float64(sr.sample_rate)
}

//----------------------------------------------------------------------------

// Read samples, blocking until the FIFO has data or recording has
// stopped. Returns false when stopped and drained.
func (sr *SoundRecorder) Read(buf []float32) bool {
	if !sr.open {
		return false
	}

	var filled = 0
	for filled < len(buf) {
		// Use up the leftover first
		if len(sr.leftover) > 0 {
			var n = copy(buf[filled:], sr.leftover)
			sr.leftover = sr.leftover[n:]
			filled += n
			continue
		}

		select {
		case chunk, ok := <-sr.fifo:
			if !ok {
				return false
			}
			sr.leftover = chunk
		default:
			if sr.stopping.Load() {
				// Stopped and drained
				if len(sr.fifo) == 0 {
					return false
				}
				continue
			}
			// Wait 1/4 chunk time
			var ms = 250 * sr.samples_per_chunk / sr.sample_rate
			if ms < 1 {
				ms = 1
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}

	sr.read_pos.Add(int64(filled))
	return true
}

//----------------------------------------------------------------------------

// Stop capturing. Samples already in the FIFO remain readable.
func (sr *SoundRecorder) Stop() {
	if !sr.open || !sr.started.Load() {
		return
	}
	sr.stopping.Store(true)
	sr.stream.Stop()
	if sr.capture_done != nil {
		<-sr.capture_done
		sr.capture_done = nil
	}
}

//----------------------------------------------------------------------------

func (sr *SoundRecorder) Close() {
	if !sr.open {
		return
	}
	sr.Stop()
	sr.stream.Close()
	portaudio.Terminate()
	sr.stream = nil
	sr.open = false
}
