package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:   	Play audio to the default output device.
 *
 *		Samples pass through a bounded FIFO: Write blocks while
 *		the FIFO is full, and a playback goroutine drains it
 *		into the portaudio stream. Play feeds a whole Sound
 *		through a refill goroutine which checks a stopping flag
 *		cooperatively.
 *
 *		The elapsed-time inquiries may be called from any
 *		goroutine; positions are atomics.
 *
 *----------------------------------------------------------------*/

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

const player_chunk = 4096 // frames per portaudio buffer
const player_fifo_chunks = 24

type SoundPlayer struct {
	stream      *portaudio.Stream
	sample_rate int
	chunk_buf   []float32

	fifo chan []float32

	write_pos  atomic.Int64 // samples accepted by Write
	played_pos atomic.Int64 // samples handed to the device
	stopping   atomic.Bool

	playback_done chan struct{}
	refill_done   chan struct{}

	open bool
	ok   bool
}

//----------------------------------------------------------------------------

func NewSoundPlayer() *SoundPlayer {
	return &SoundPlayer{ok: true}
}

//----------------------------------------------------------------------------

func (sp *SoundPlayer) Open(sample_rate int) bool {
	sp.Close()

	if err := portaudio.Initialize(); err != nil {
		log.Error("portaudio init failed", "err", err)
		return false
	}

	sp.chunk_buf = make([]float32, player_chunk)
	var stream, err = portaudio.OpenDefaultStream(
		0, 1, float64(sample_rate), player_chunk, sp.chunk_buf)
	if err != nil {
		log.Error("could not open audio output", "err", err)
		portaudio.Terminate()
		return false
	}

	if err = stream.Start(); err != nil {
		log.Error("could not start audio output", "err", err)
		stream.Close()
		portaudio.Terminate()
		return false
	}

	sp.stream = stream
	sp.sample_rate = sample_rate
	sp.fifo = make(chan []float32, player_fifo_chunks)
	sp.write_pos.Store(0)
	sp.played_pos.Store(0)
	sp.stopping.Store(false)
	sp.open = true
	sp.ok = true

	sp.playback_done = make(chan struct{})
	go sp.playback_thread()

	return true
}

//----------------------------------------------------------------------------

// Drain the FIFO into the portaudio stream
func (sp *SoundPlayer) playback_thread() {
	defer close(sp.playback_done)

	for chunk := range sp.fifo {
		for len(chunk) > 0 && !sp.stopping.Load() {
			var n = imin(len(chunk), player_chunk)
			copy(sp.chunk_buf[:n], chunk[:n])
			for i := n; i < player_chunk; i++ {
				sp.chunk_buf[i] = 0
			}
			if err := sp.stream.Write(); err != nil {
				// Output underflow is routine when the FIFO runs dry;
				// anything else ends playback.
				if err != portaudio.OutputUnderflowed {
					return
				}
			}
			sp.played_pos.Add(int64(n))
			chunk = chunk[n:]
		}
	}
}

//----------------------------------------------------------------------------

// Write samples for playback. Blocks while the FIFO is full.
func (sp *SoundPlayer) Write(buf []float32) bool {
	if !sp.open || sp.stopping.Load() {
		return false
	}

	var chunk = make([]float32, len(buf))
	copy(chunk, buf)
	sp.fifo <- chunk
	sp.write_pos.Add(int64(len(buf)))
	return true
}

//----------------------------------------------------------------------------

// Feed a whole Sound through a background refill goroutine.
// Returns immediately; use Flush to wait for completion.
func (sp *SoundPlayer) Play(snd Sound) bool {
	if !sp.open && !sp.Open(snd.GetSampleRate()) {
		return false
	}

	sp.refill_done = make(chan struct{})
	go func() {
		defer close(sp.refill_done)

		var length = snd.GetLength()
		var buf = make([]float32, player_chunk)
		for offs := int64(0); offs < length && !sp.stopping.Load(); offs += player_chunk {
			var n = int64(player_chunk)
			if n > length-offs {
				n = length - offs
			}
			if !snd.Read(offs, buf[:n]) {
				return
			}
			if !sp.Write(buf[:n]) {
				return
			}
		}
	}()
	return true
}

//----------------------------------------------------------------------------

// Check how long we have been playing, in seconds.
// May be called from any goroutine.
func (sp *SoundPlayer) GetElapsedTime() float64 {
	if sp.sample_rate == 0 {
		return 0
	}
	return float64(sp.played_pos.Load()) / float64(sp.sample_rate)
}

// Seconds of queued audio not yet played
func (sp *SoundPlayer) GetTimeLeft() float64 {
	if sp.sample_rate == 0 {
		return 0
	}
	return float64(sp.write_pos.Load()-sp.played_pos.Load()) / float64(sp.sample_rate)
}

func (sp *SoundPlayer) IsPlaying() bool {
	return sp.open && sp.played_pos.Load() < sp.write_pos.Load()
}

//----------------------------------------------------------------------------

// Wait for playback of everything written so far, or up to timeout
// seconds. Zero means non-blocking. Wakes by polling every 10 ms to 1 s.
func (sp *SoundPlayer) Flush(timeout float64) {
	var deadline = time.Now().Add(time.Duration(timeout * float64(time.Second)))

	var poll = 10 * time.Millisecond
	for sp.open && !sp.stopping.Load() {
		if sp.refill_done != nil {
			select {
			case <-sp.refill_done:
				sp.refill_done = nil
			default:
			}
		}
		if sp.refill_done == nil && sp.played_pos.Load() >= sp.write_pos.Load() {
			return // all played
		}
		if !time.Now().Before(deadline) {
			return
		}

		time.Sleep(poll)
		if poll < time.Second {
			poll *= 2
		}
	}
}

//----------------------------------------------------------------------------

// Stop playback quickly. Queued samples are dropped.
func (sp *SoundPlayer) Stop() {
	if !sp.open {
		return
	}
	sp.stopping.Store(true) // tell threads to exit quickly
	sp.stream.Abort()
}

//----------------------------------------------------------------------------

func (sp *SoundPlayer) Close() bool {
	if !sp.open {
		return sp.ok
	}

	if sp.refill_done != nil {
		<-sp.refill_done
		sp.refill_done = nil
	}

	// Let the playback thread drain what is queued, unless stopping
	close(sp.fifo)
	<-sp.playback_done

	sp.stream.Stop()
	sp.stream.Close()
	portaudio.Terminate()

	sp.stream = nil
	sp.open = false
	return sp.ok
}
