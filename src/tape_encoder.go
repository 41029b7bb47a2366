package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Encoder for the Oric tape format.
 *
 *		Emits the square wave through a cosine ramp template so
 *		the output has no hard edges. Slow format writes 16 half
 *		cycles per physical bit at 1200/2400 Hz; fast format
 *		writes two-segment pulses.
 *
 *		Encoding runs in a background goroutine so playback can
 *		proceed while the CLI prints progress. Only the elapsed
 *		time inquiries cross goroutines, and those are atomic in
 *		the sink.
 *
 *----------------------------------------------------------------*/

import (
	"bufio"
	"io"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

const ENCODER_BUFSIZE = 1024
const ENCODER_RATE = 44100
const RAMP_LEN = 441 // No. of samples in ramp template
const RAMP_STEP = 48 // Step to take for 4800 Hz switching rate

type TapeEncoder struct {
	put_phys_bits int
	inbuf         []uint8

	buf     [ENCODER_BUFSIZE]float32
	buf_cnt int
	sink    SoundSink
	open    bool
	ok      bool
	slow    bool

	ramp       [RAMP_LEN]float32
	ramp_phase int // 0..RAMP_LEN-1
	last_y     float32
	last_bit   bool

	// Background encoding
	enc_done chan struct{}
}

//----------------------------------------------------------------------------

func NewTapeEncoder() *TapeEncoder {
	var te = &TapeEncoder{ok: true, slow: true}

	// Form a template ramp from 0.0 to 1.0
	var k = math.Pi / RAMP_LEN
	for i := 0; i < RAMP_LEN; i++ {
		te.ramp[i] = float32(.5 - .5*math.Cos(k*float64(i)))
	}
	return te
}

//----------------------------------------------------------------------------

// Write out buffered samples to sound file or line out
func (te *TapeEncoder) emit_flush() {
	if te.buf_cnt > 0 && te.open && te.ok {
		te.ok = te.sink.Write(te.buf[:te.buf_cnt])
	}
	te.buf_cnt = 0
}

func (te *TapeEncoder) emit_sample(y float32) {
	Assert(te.buf_cnt < ENCODER_BUFSIZE)
	te.buf[te.buf_cnt] = y
	te.buf_cnt++
	if te.buf_cnt == ENCODER_BUFSIZE {
		te.emit_flush()
	}
}

// Switch to value via cosine ramp
func (te *TapeEncoder) ramp_to(y float32) {
	var y0 = te.last_y
	for te.ramp_phase < RAMP_LEN {
		var yy = y0 + te.ramp[te.ramp_phase]*(y-y0)
		te.emit_sample(yy)
		te.ramp_phase += RAMP_STEP
	}
	te.ramp_phase -= RAMP_LEN
	te.last_y = y
}

func (te *TapeEncoder) emit_bit(val bool) {
	// We use 60% of the available amplitude range
	if val {
		te.ramp_to(0.6)
	} else {
		te.ramp_to(-0.6)
	}
	te.last_bit = val
}

//----------------------------------------------------------------------------

// Open output. If no filename is given then output to speaker.
func (te *TapeEncoder) Open(opt_filename string, slow bool) bool {
	te.Close()
	te.slow = slow
	te.put_phys_bits = 0
	te.inbuf = nil

	if opt_filename != "" {
		var writer = &SoundWriter{}
		te.sink = writer
		te.open = writer.Open(opt_filename, ENCODER_RATE)
		te.ok = te.open
	} else {
		var player = NewSoundPlayer()
		te.sink = player
		te.open = player.Open(ENCODER_RATE)
		te.ok = te.open
	}
	te.last_y = 0
	te.last_bit = false
	te.ramp_phase = 0
	return te.ok
}

//----------------------------------------------------------------------------

func (te *TapeEncoder) encode_bit(val bool) bool {
	var polarity = te.last_bit
	if te.slow {
		for i := 0; i < 16; i++ {
			var y bool
			if val {
				y = i&1 == 0
			} else {
				y = i&2 == 0
			}
			te.emit_bit(y != polarity)
		}
	} else {
		te.emit_bit(!polarity)
		te.emit_bit(polarity)
		if !val {
			te.emit_bit(polarity)
		}
	}
	return te.ok
}

func (te *TapeEncoder) encode_byte(b uint8) {
	te.encode_bit(false) // start bit
	var parity = true
	for i := 0; i < 8; i++ {
		var bit = (b>>i)&1 != 0
		te.encode_bit(bit) // data bit
		parity = parity != bit
	}
	te.encode_bit(parity)       // odd parity
	te.encode_bit(true)         // stop bits
	te.encode_bit(true)         // stop bits
	te.encode_bit(true)         // stop bits
	te.emit_bit(!te.last_bit)   // extra cycle
}

//----------------------------------------------------------------------------

// Finish goroutine launched by start_encode
func (te *TapeEncoder) finish_encode() {
	if te.enc_done != nil {
		<-te.enc_done
		te.enc_done = nil
	}
}

// Function which runs in the background goroutine
func (te *TapeEncoder) encode_thread() {
	for _, c := range te.inbuf {
		te.encode_byte(c)
	}
	te.inbuf = nil
	te.ramp_to(0)
	te.emit_flush()
	te.sink.Flush(1e9) // make sure player starts even if sound was short
	close(te.enc_done)
}

// Start encoding from input buffer unless done so already
func (te *TapeEncoder) start_encode() {
	if te.enc_done == nil && len(te.inbuf) > 0 {
		te.enc_done = make(chan struct{})
		go te.encode_thread()
	}
}

//----------------------------------------------------------------------------

func (te *TapeEncoder) count_bit(val bool) {
	if te.slow {
		te.put_phys_bits += 16
	} else if val {
		te.put_phys_bits += 2
	} else {
		te.put_phys_bits += 3
	}
}

// Enqueue single byte for encoding
func (te *TapeEncoder) PutByte(b uint8) {
	// Finish previous encoding, if any
	te.finish_encode()

	te.inbuf = append(te.inbuf, b)
	if te.slow {
		te.put_phys_bits += 209
	} else {
		te.count_bit(false) // start bit
		var parity = true
		for i := 0; i < 8; i++ {
			var bit = (b>>i)&1 != 0
			te.count_bit(bit) // data bit
			parity = parity != bit
		}
		te.count_bit(parity) // odd parity
		te.count_bit(true)   // stop bits
		te.count_bit(true)   // stop bits
		te.count_bit(true)   // stop bits
		te.put_phys_bits += 1 // extra cycle
	}
}

//----------------------------------------------------------------------------

// Enqueue bytestream stored in archive file.
// Returns false on input error (output errors are indicated by Close).
func (te *TapeEncoder) PutFile(iname string) bool {
	// Finish previous encoding, if any
	te.finish_encode()

	var f, err = os.Open(iname)
	if err != nil {
		return false
	}
	defer f.Close()

	var r = bufio.NewReader(f)

	// We expect a TAP file to start with three or more 0x16 followed
	// by one 0x24.
	var c, rerr = r.ReadByte()
	var n = 0
	for rerr == nil && c == 0x16 {
		n++
		c, rerr = r.ReadByte()
	}
	if rerr == nil && c == 0x24 && n >= 3 {
		// Sync found - prolong to about 2/3 seconds if shorter.
		// If it's just three 0x16's we fail to decode it ourselves.
		var nn = 99
		if te.slow {
			nn = 15
		}
		if n < nn {
			n = nn
		}

		for n > 0 {
			te.PutByte(0x16)
			n--
		}
		// 0x24 gets put below
	} else {
		log.Warn("Tape archive not introduced by standard sync")
	}

	for rerr == nil {
		te.PutByte(c)
		c, rerr = r.ReadByte()
	}
	if rerr != io.EOF {
		return false
	}
	return true
}

//----------------------------------------------------------------------------

// Flush output and close. Returns true if everything was written
// without errors.
func (te *TapeEncoder) Close() bool {
	te.start_encode()
	te.finish_encode()

	if te.open {
		if !te.sink.Close() {
			te.ok = false
		}
		te.open = false
	}
	te.sink = nil

	return te.ok
}

//----------------------------------------------------------------------------

// Check how long the output is, in seconds
func (te *TapeEncoder) GetDuration() float64 {
	if te.put_phys_bits == 0 {
		return 0 // no ramping out in this case
	}

	// A.k.a 1.0/4800
	var cycle_time = float64(RAMP_LEN) / RAMP_STEP / ENCODER_RATE
	return cycle_time * float64(te.put_phys_bits+1) // one extra for end ramp
}

// Get length in seconds that is yet to be sent
func (te *TapeEncoder) GetTimeLeft() float64 {
	return te.GetDuration() - te.GetElapsedTime()
}

// Get length in seconds that has been sent
func (te *TapeEncoder) GetElapsedTime() float64 {
	if te.sink == nil {
		return te.GetDuration()
	}
	var t = te.sink.GetElapsedTime() // goroutine safe
	var t1 = te.GetDuration()
	var tol = 10.0 / ENCODER_RATE // 10 sample tolerance for rounding error

	// Make sure to arrive at duration even in case of some roundoff error
	if t > t1-tol {
		return t1
	}
	return t
}

//----------------------------------------------------------------------------

// Wait for t seconds
func EncoderSleep(t float64) {
	if t > 0 {
		time.Sleep(time.Duration(t * float64(time.Second)))
	}
}

// Start outputting to file or line out unless done so already.
// Wait for output to finish or timeout to be reached.
func (te *TapeEncoder) Flush(t_timeout float64) {
	// The encoding might not have been started yet
	te.start_encode()

	// If timeout seems shorter than what's left, then wait just the timeout
	var t_left = te.GetTimeLeft()
	if t_timeout < t_left {
		EncoderSleep(t_timeout)
		return
	}

	// Blocking finalization
	te.Close()
}
