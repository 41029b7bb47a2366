package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:   	Random-access monaural waveform abstraction.
 *
 *		A Sound is a handle to a shared backend. Backends exist
 *		for file data (with a one-second block cache), in-memory
 *		data, clipping, integer downsampling and mixing.
 *
 *		Reads outside the waveform return zeros. All Read entry
 *		points are safe for concurrent callers; the file backend
 *		serializes block fetches on an internal mutex.
 *
 *----------------------------------------------------------------*/

import (
	"math"
	"sync"
	"sync/atomic"
)

type soundBackend interface {
	GetSampleRate() int
	GetLength() int64
	Read(where int64, buf []float32) bool
}

type Sound struct {
	backend soundBackend
}

//----------------------------------------------------------------------------

// Combine multiple (stereo) channels to one by averaging
func average_channels(dst []int16, dstlen int, src []int16, channels int) {
	for i := 0; i < dstlen; i++ {
		var sum = 0
		for j := 0; j < channels; j++ {
			sum += int(src[i*channels+j])
		}
		dst[i] = int16(sum / channels)
	}
}

/*------------------------------------------------------------------
 * fileBackend
 *
 * Uses a SoundReader. Converts stereo to mono, caches one-second
 * blocks, pads with zeros outside the data.
 *----------------------------------------------------------------*/

type fileBackend struct {
	reader SoundReader
	mutex  sync.Mutex

	sample_rate int
	length      int64

	block_size int
	blocks     []atomic.Pointer[[]int16]

	// Buffer for stereo-to-mono conversion
	stereo_buf []int16
}

func new_file_backend(reader SoundReader) *fileBackend {
	var fb = &fileBackend{reader: reader}

	var channels = reader.GetChannelCnt()
	fb.sample_rate = reader.GetSampleRate()
	fb.length = reader.GetLength() / int64(channels) // since we convert to mono

	if fb.length > 0 {
		fb.block_size = fb.sample_rate // 1 second blocks
		if int64(fb.block_size) > fb.length {
			fb.block_size = int(fb.length)
		}

		var block_cnt = int((fb.length + int64(fb.block_size) - 1) / int64(fb.block_size))
		fb.blocks = make([]atomic.Pointer[[]int16], block_cnt)

		if channels > 1 {
			fb.stereo_buf = make([]int16, fb.block_size*channels)
		}
	}
	return fb
}

func (fb *fileBackend) GetSampleRate() int { return fb.sample_rate }
func (fb *fileBackend) GetLength() int64   { return fb.length }

// Retrieve a pointer to a cached block.
// Read from file, stereo-to-mono, and cache.
// Callable from any thread.
func (fb *fileBackend) get_block(block_no int) []int16 {
	Assert(block_no >= 0 && block_no < len(fb.blocks))

	// Quick check before locking mutex
	if p := fb.blocks[block_no].Load(); p != nil {
		return *p
	}

	fb.mutex.Lock()
	defer fb.mutex.Unlock()

	// Check again, in case somebody fetched it while we got the mutex
	if p := fb.blocks[block_no].Load(); p != nil {
		return *p
	}

	var length = fb.reader.GetLength()
	var channels = fb.reader.GetChannelCnt()

	// Attempt to seek. Formats that can't seek make us read all the
	// blocks from the beginning.
	fb.reader.SetReadPos(int64(block_no) * int64(fb.block_size) * int64(channels))
	var at_pos = fb.reader.GetReadPos() / int64(channels)
	var at_block_no = int(at_pos / int64(fb.block_size))
	Assert(int64(at_block_no)*int64(fb.block_size) == at_pos)

	for at_block_no <= block_no {
		if fb.blocks[at_block_no].Load() != nil {
			at_block_no++
			at_pos += int64(fb.block_size)
			continue // already fetched
		}

		var size = fb.block_size
		if int64(size) > length/int64(channels)-at_pos {
			size = int(length/int64(channels) - at_pos) // last block is smaller
		}
		var block = make([]int16, size)

		var ok bool
		if channels == 1 {
			// Mono already, no conversion needed
			ok = fb.reader.Read(block)
		} else {
			// Read first to stereo buffer, then convert to mono
			ok = fb.reader.Read(fb.stereo_buf[:size*channels])
			if ok {
				average_channels(block, size, fb.stereo_buf, channels)
			}
		}

		if ok {
			fb.blocks[at_block_no].Store(&block)
		}
		at_block_no++
		at_pos += int64(fb.block_size)
	}

	if p := fb.blocks[block_no].Load(); p != nil {
		return *p
	}
	return nil
}

// Read via cache, callable from any thread
func (fb *fileBackend) read_from_cache(where int64, buf []int16) bool {
	var cnt = len(buf)
	var length = fb.length

	for cnt > 0 {
		Assert(where >= 0 && where < length)
		Assert(where+int64(cnt) <= length)

		var block_no = int(where / int64(fb.block_size))
		var block_start = int64(block_no) * int64(fb.block_size)
		var block_end = block_start + int64(fb.block_size)

		var do_cnt = int(block_end - where)
		if do_cnt > cnt {
			do_cnt = cnt
		}

		var block = fb.get_block(block_no)
		if block == nil {
			return false
		}

		copy(buf[:do_cnt], block[where-block_start:])

		where += int64(do_cnt)
		buf = buf[do_cnt:]
		cnt -= do_cnt
	}

	return true
}

// 16-bit read entry point: stereo-to-mono, cache and pad
func (fb *fileBackend) ReadShorts(where int64, buf []int16) bool {
	// Add padding to the left
	for where < 0 && len(buf) > 0 {
		buf[0] = 0
		buf = buf[1:]
		where++
	}

	// Add padding to the right
	var samples = len(buf)
	for samples > 0 && where+int64(samples) > fb.length {
		samples--
		buf[samples] = 0
	}

	if samples == 0 {
		return true
	}

	return fb.read_from_cache(where, buf[:samples])
}

// Float read entry point
func (fb *fileBackend) Read(where int64, buf []float32) bool {
	// Convert in chunks
	const sbufsize = 2048
	var sbuf [sbufsize]int16
	var ok = true

	var cnt = len(buf)
	for dx := 0; dx < cnt; dx += sbufsize {
		var chunk = imin(sbufsize, cnt-dx)
		if !fb.ReadShorts(where+int64(dx), sbuf[:chunk]) {
			ok = false
		}

		var k = float32(1.0 / 32768) // convert to +-1 range like portaudio does
		for i := 0; i < chunk; i++ {
			buf[dx+i] = k * float32(sbuf[i])
		}
	}
	return ok
}

/*------------------------------------------------------------------
 * memBackend - sound data stored in primary memory
 *----------------------------------------------------------------*/

type memBackend struct {
	buf         []float32
	sample_rate int
}

func (mb *memBackend) GetSampleRate() int { return mb.sample_rate }
func (mb *memBackend) GetLength() int64   { return int64(len(mb.buf)) }

func (mb *memBackend) Read(where int64, buf []float32) bool {
	for i := range buf {
		if where >= 0 && where < int64(len(mb.buf)) {
			buf[i] = mb.buf[where]
		} else {
			buf[i] = 0
		}
		where++
	}
	return true
}

/*------------------------------------------------------------------
 * clipBackend - cut out a part of a sound
 *----------------------------------------------------------------*/

type clipBackend struct {
	sound0 Sound
	offset int64
	length int64
}

func (cb *clipBackend) GetSampleRate() int { return cb.sound0.GetSampleRate() }
func (cb *clipBackend) GetLength() int64   { return cb.length }

func (cb *clipBackend) Read(where int64, buf []float32) bool {
	for where < 0 && len(buf) > 0 {
		buf[0] = 0
		buf = buf[1:]
		where++
	}

	var samples = len(buf)
	for samples > 0 && where+int64(samples) > cb.length {
		samples--
		buf[samples] = 0
	}

	if samples == 0 {
		return true
	}

	return cb.sound0.Read(cb.offset+where, buf[:samples])
}

/*------------------------------------------------------------------
 * downsampleBackend - downsample by an integer factor
 *----------------------------------------------------------------*/

type downsampleBackend struct {
	sound0      Sound
	downsampler *Downsampler
	down_factor int
	sample_rate int
	length      int64
}

func (db *downsampleBackend) GetSampleRate() int { return db.sample_rate }
func (db *downsampleBackend) GetLength() int64   { return db.length }

func (db *downsampleBackend) Read(where int64, buf []float32) bool {
	var extra_samples = db.downsampler.GetExtraSamplesNeeded()
	var highlen = db.down_factor*len(buf) + 2*extra_samples
	var highbuf = make([]float32, highlen)

	if db.sound0.Read(int64(db.down_factor)*where-int64(extra_samples), highbuf) {
		db.downsampler.Downsample(buf, len(buf), highbuf, highlen, extra_samples)
		return true
	}
	return false
}

/*------------------------------------------------------------------
 * mixBackend - blend two equal-length sounds
 *----------------------------------------------------------------*/

type mixBackend struct {
	sound0 Sound
	sound1 Sound
	k      float32
}

func (xb *mixBackend) GetSampleRate() int { return xb.sound0.GetSampleRate() }
func (xb *mixBackend) GetLength() int64   { return xb.sound0.GetLength() }

func (xb *mixBackend) Read(where int64, buf []float32) bool {
	var tmp = make([]float32, len(buf))
	if !xb.sound0.Read(where, buf) {
		return false
	}
	if !xb.sound1.Read(where, tmp) {
		return false
	}

	for i := range buf {
		buf[i] += xb.k * (tmp[i] - buf[i])
	}
	return true
}

/*------------------------------------------------------------------
 * Sound front end
 *----------------------------------------------------------------*/

// In-memory sound initialized from a buffer (copied)
func NewSound(buf []float32, sample_rate int) Sound {
	Assert(sample_rate > 0)
	var copied = make([]float32, len(buf))
	copy(copied, buf)
	return Sound{backend: &memBackend{buf: copied, sample_rate: sample_rate}}
}

// In-memory sound initialized with zeros
func NewSilentSound(length int64, sample_rate int) Sound {
	Assert(length > 0)
	Assert(sample_rate > 0)
	return Sound{backend: &memBackend{buf: make([]float32, length), sample_rate: sample_rate}}
}

func (s *Sound) GetLength() int64 {
	if s.backend == nil {
		return 0
	}
	return s.backend.GetLength()
}

func (s *Sound) GetSampleRate() int {
	if s.backend == nil {
		return 0
	}
	return s.backend.GetSampleRate()
}

func (s *Sound) GetDuration() float64 {
	if s.backend == nil {
		return 0
	}
	return float64(s.backend.GetLength()) / float64(s.backend.GetSampleRate())
}

func (s *Sound) IsOk() bool {
	return s.backend != nil
}

func (s *Sound) Read(where int64, buf []float32) bool {
	if s.backend == nil {
		return false
	}
	return s.backend.Read(where, buf)
}

// 16-bit variant, used by the player. Clips to the int16 range.
func (s *Sound) ReadShorts(where int64, buf []int16) bool {
	if s.backend == nil {
		return false
	}
	if fb, ok := s.backend.(*fileBackend); ok {
		return fb.ReadShorts(where, buf)
	}

	var fbuf = make([]float32, len(buf))
	if !s.backend.Read(where, fbuf) {
		return false
	}
	for i, y := range fbuf {
		var val = 32768 * float64(y)
		if val > 32767 {
			buf[i] = 32767
		} else if val < -32768 {
			buf[i] = -32768
		} else {
			buf[i] = int16(val)
		}
	}
	return true
}

// Read from file. Only the header is read during this call,
// data reads are deferred and cached.
func (s *Sound) ReadFromFile(path string, silent bool) bool {
	var reader SoundReader
	if reader.Open(path, silent) {
		s.backend = new_file_backend(reader)
		return true
	}
	s.backend = nil
	return false
}

// Write to file as .wav
func (s *Sound) WriteToFile(path string) bool {
	var wr SoundWriter
	if !wr.Open(path, s.GetSampleRate()) {
		return false
	}
	defer wr.Close()

	const bufsize = 65536
	var buf = make([]float32, bufsize)
	var length = s.GetLength()
	for offs := int64(0); offs < length; offs += bufsize {
		var chunk_size = int64(bufsize)
		if chunk_size > length-offs {
			chunk_size = length - offs
		}
		if !s.Read(offs, buf[:chunk_size]) {
			return false
		}
		if !wr.Write(buf[:chunk_size]) {
			return false
		}
	}

	return wr.Close()
}

// Get a writable pointer to the sound's buffer.
// Converts to an exclusive in-memory backend first if needed.
func (s *Sound) GetBuffer() []float32 {
	Assert(s.backend != nil)

	if mb, ok := s.backend.(*memBackend); ok {
		return mb.buf
	}

	var length = s.GetLength()
	var mb = &memBackend{buf: make([]float32, length), sample_rate: s.GetSampleRate()}
	s.Read(0, mb.buf)
	s.backend = mb
	return mb.buf
}

// Cut out a part of a sound
func (s *Sound) Clip(skip_seconds float64, max_seconds float64) {
	Assert(skip_seconds >= 0)

	if skip_seconds > 0 || s.GetDuration() > max_seconds {
		var rate = s.GetSampleRate()
		var offset = int64(math.Floor(0.5 + skip_seconds*float64(rate)))
		var maxlen = int64(math.Floor(0.5 + max_seconds*float64(rate)))

		var length = s.GetLength() - offset
		if maxlen >= 0 && length > maxlen {
			length = maxlen
		}
		if length < 0 {
			length = 0
		}
		s.backend = &clipBackend{sound0: *s, offset: offset, length: length}
	}
}

// Downsample by an integer factor
func (s *Sound) Downsample(down_factor int) {
	Assert(down_factor >= 1)
	if down_factor > 1 {
		s.backend = &downsampleBackend{
			sound0:      *s,
			downsampler: NewDownsampler(down_factor),
			down_factor: down_factor,
			sample_rate: s.GetSampleRate() / down_factor,
			length:      s.GetLength() / int64(down_factor),
		}
	}
}

// Mix with another sound. proportion: 0=only this sound, 1=only sound1.
func (s *Sound) Mix(sound1 Sound, proportion float64) {
	Assert(proportion >= 0 && proportion <= 1)
	Assert(s.GetSampleRate() == sound1.GetSampleRate())
	Assert(s.GetLength() == sound1.GetLength())
	s.backend = &mixBackend{sound0: *s, sound1: sound1, k: float32(proportion)}
}

// Modify a section of the sound. Converts to an in-memory backend.
// Writes outside the sound are ignored.
func (s *Sound) Write(where int64, buf []float32) bool {
	var dst = s.GetBuffer()
	var length = int64(len(dst))

	for where < 0 && len(buf) > 0 {
		where++
		buf = buf[1:]
	}

	var samples = len(buf)
	for samples > 0 && where+int64(samples) > length {
		samples--
	}

	copy(dst[where:], buf[:samples])
	return true
}
