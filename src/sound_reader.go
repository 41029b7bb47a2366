package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:   	Read uncompressed 16-bit PCM WAV files.
 *
 *		Only the header is parsed at Open time; sample data is
 *		read on demand through ReadAt so multiple block fetches
 *		can proceed without shared file position state.
 *
 *----------------------------------------------------------------*/

import (
	"encoding/binary"
	"os"

	"github.com/charmbracelet/log"
)

type SoundReader struct {
	file *os.File

	sample_rate int
	channels    int
	data_offs   int64 // file offset of first sample
	length      int64 // total no. of int16 samples (all channels)

	read_pos int64 // current position in samples
}

//----------------------------------------------------------------------------

// Open a WAV file and parse its header.
// Returns false (with a log message unless silent) when the file is
// not a readable 16-bit PCM WAV.
func (sr *SoundReader) Open(path string, silent bool) bool {
	var complain = func(format string, args ...any) {
		if !silent {
			log.Error(format, args...)
		}
	}

	var f, err = os.Open(path)
	if err != nil {
		complain("could not open sound file", "path", path, "err", err)
		return false
	}

	var header [12]byte
	if _, err = f.ReadAt(header[:], 0); err != nil ||
		string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		complain("not a RIFF/WAVE file", "path", path)
		f.Close()
		return false
	}

	// Walk the chunk list for fmt and data
	var have_fmt, have_data bool
	var offs int64 = 12
	for {
		var chunk [8]byte
		if _, err = f.ReadAt(chunk[:], offs); err != nil {
			break
		}
		var id = string(chunk[0:4])
		var size = int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			var fmtbuf [16]byte
			if _, err = f.ReadAt(fmtbuf[:], offs+8); err != nil {
				complain("truncated fmt chunk", "path", path)
				f.Close()
				return false
			}
			var audio_format = binary.LittleEndian.Uint16(fmtbuf[0:2])
			var channels = int(binary.LittleEndian.Uint16(fmtbuf[2:4]))
			var rate = int(binary.LittleEndian.Uint32(fmtbuf[4:8]))
			var bits = int(binary.LittleEndian.Uint16(fmtbuf[14:16]))
			if audio_format != 1 || bits != 16 || channels < 1 {
				complain("unsupported WAV encoding, want 16-bit PCM",
					"path", path, "format", audio_format, "bits", bits)
				f.Close()
				return false
			}
			sr.channels = channels
			sr.sample_rate = rate
			have_fmt = true

		case "data":
			sr.data_offs = offs + 8
			sr.length = size / 2
			have_data = true
		}

		if have_fmt && have_data {
			break
		}

		// Chunks are word aligned
		offs += 8 + size + (size & 1)
	}

	if !have_fmt || !have_data {
		complain("missing fmt or data chunk", "path", path)
		f.Close()
		return false
	}

	sr.file = f
	sr.read_pos = 0
	return true
}

//----------------------------------------------------------------------------

func (sr *SoundReader) GetSampleRate() int { return sr.sample_rate }
func (sr *SoundReader) GetChannelCnt() int { return sr.channels }

// Length in int16 samples, all channels included
func (sr *SoundReader) GetLength() int64 { return sr.length }

func (sr *SoundReader) GetReadPos() int64 { return sr.read_pos }

// Position in samples; clamped to the data range
func (sr *SoundReader) SetReadPos(pos int64) {
	if pos < 0 {
		pos = 0
	}
	if pos > sr.length {
		pos = sr.length
	}
	sr.read_pos = pos
}

//----------------------------------------------------------------------------

// Read int16 samples at the current position, advancing it.
// Returns false on I/O error or attempt to read past the end.
func (sr *SoundReader) Read(buf []int16) bool {
	if sr.file == nil {
		return false
	}
	if sr.read_pos+int64(len(buf)) > sr.length {
		return false
	}

	var raw = make([]byte, 2*len(buf))
	if _, err := sr.file.ReadAt(raw, sr.data_offs+2*sr.read_pos); err != nil {
		return false
	}

	for i := range buf {
		buf[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	sr.read_pos += int64(len(buf))
	return true
}

//----------------------------------------------------------------------------

func (sr *SoundReader) Close() {
	if sr.file != nil {
		sr.file.Close()
		sr.file = nil
	}
}
