package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Trivial decoder to extract the bytestream from a .tap
 *		archive file.
 *
 *		Synthesizes monotonic timestamps at the nominal byte
 *		rate so the rest of the pipeline is oblivious to the
 *		input being an archive rather than a waveform.
 *
 *----------------------------------------------------------------*/

import (
	"bufio"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

type TrivialDecoder struct {
	options *DecoderOptions
	file    *os.File
	reader  *bufio.Reader
	time    float64
}

//----------------------------------------------------------------------------

func NewTrivialDecoder(options *DecoderOptions) *TrivialDecoder {
	var td = &TrivialDecoder{options: options}

	var f, err = os.Open(options.Filename)
	if err != nil {
		log.Fatal("couldn't read archive", "path", options.Filename, "err", err)
	}
	td.file = f
	td.reader = bufio.NewReader(f)
	return td
}

//----------------------------------------------------------------------------

func (td *TrivialDecoder) Close() {
	if td.file != nil {
		td.file.Close()
		td.file = nil
	}
}

//----------------------------------------------------------------------------

// Retrieve one byte. Returns false on end of archive.
func (td *TrivialDecoder) DecodeByte(b *DecodedByte) bool {
	if td.reader == nil {
		return false
	}

	var dt = 32.0 / float64(td.options.FRef)
	if td.options.Slow {
		dt = 209.0 / float64(td.options.FRef)
	}

	for {
		var c, err = td.reader.ReadByte()
		if err == io.EOF {
			return false
		}
		if err != nil {
			return false
		}

		var time = td.time
		td.time += dt

		// Discard byte outside user specified time interval
		if td.options.Start != -1 && time < td.options.Start {
			continue
		}
		if td.options.End != -1 && time >= td.options.End {
			return false
		}

		b.Time = time
		b.Slow = td.options.Slow
		b.Byte = c
		b.ParityError = false
		b.SyncError = false
		return true
	}
}
