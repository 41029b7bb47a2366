package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:   	Write uncompressed mono 16-bit PCM WAV files.
 *
 *		The RIFF sizes are patched on Close. GetWritePos and the
 *		elapsed-time queries are callable from any goroutine;
 *		the encoder's background goroutine writes while the CLI
 *		polls progress.
 *
 *----------------------------------------------------------------*/

import (
	"encoding/binary"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

const wav_header_size = 44

type SoundWriter struct {
	file        *os.File
	sample_rate int
	write_pos   atomic.Int64 // samples written
}

//----------------------------------------------------------------------------

func (sw *SoundWriter) Open(path string, sample_rate int) bool {
	sw.Close()

	var f, err = os.Create(path)
	if err != nil {
		log.Error("could not open sound file for writing", "path", path, "err", err)
		return false
	}

	sw.file = f
	sw.sample_rate = sample_rate
	sw.write_pos.Store(0)

	// Placeholder header; sizes are fixed up on Close
	return sw.write_header(0)
}

func (sw *SoundWriter) write_header(data_bytes uint32) bool {
	var h [wav_header_size]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+data_bytes)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], 1) // mono
	binary.LittleEndian.PutUint32(h[24:28], uint32(sw.sample_rate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sw.sample_rate*2)) // byte rate
	binary.LittleEndian.PutUint16(h[32:34], 2)                        // block align
	binary.LittleEndian.PutUint16(h[34:36], 16)                       // bits per sample
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], data_bytes)

	var _, err = sw.file.WriteAt(h[:], 0)
	return err == nil
}

//----------------------------------------------------------------------------

func (sw *SoundWriter) GetSampleRate() int { return sw.sample_rate }

func (sw *SoundWriter) GetWritePos() int64 { return sw.write_pos.Load() }

//----------------------------------------------------------------------------

func (sw *SoundWriter) WriteShorts(buf []int16) bool {
	if sw.file == nil {
		return false
	}

	var raw = make([]byte, 2*len(buf))
	for i, v := range buf {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(v))
	}

	var pos = sw.write_pos.Load()
	var _, err = sw.file.WriteAt(raw, wav_header_size+2*pos)
	if err != nil {
		return false
	}
	sw.write_pos.Add(int64(len(buf)))
	return true
}

// Float variant, expected range -1..1, clipped to int16
func (sw *SoundWriter) Write(buf []float32) bool {
	var sbuf = make([]int16, len(buf))
	for i, y := range buf {
		var val = 32768 * float64(y)
		if val > 32767 {
			sbuf[i] = 32767
		} else if val < -32768 {
			sbuf[i] = -32768
		} else {
			sbuf[i] = int16(val)
		}
	}
	return sw.WriteShorts(sbuf)
}

//----------------------------------------------------------------------------

// Check how many seconds of audio have been written.
// May be called from any goroutine.
func (sw *SoundWriter) GetWrittenTime() float64 {
	if sw.sample_rate == 0 {
		return 0
	}
	return float64(sw.write_pos.Load()) / float64(sw.sample_rate)
}

// SoundSink interface: a writer mimics a player that has finished.
func (sw *SoundWriter) GetElapsedTime() float64 { return sw.GetWrittenTime() }

func (sw *SoundWriter) Flush(timeout float64) {
	// not relevant when writing to file
}

//----------------------------------------------------------------------------

// Patch up the header and close. Returns false if the file could not
// be finalized.
func (sw *SoundWriter) Close() bool {
	if sw.file == nil {
		return true
	}

	var ok = sw.write_header(uint32(2 * sw.write_pos.Load()))
	if err := sw.file.Close(); err != nil {
		ok = false
	}
	sw.file = nil
	return ok
}
