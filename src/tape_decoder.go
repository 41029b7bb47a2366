package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	TapeDecoder - top level decoder for the Oric tape
 *		format.
 *
 *		Holds up to two back-ends with a one byte look-ahead
 *		each, weaving their outputs together chronologically:
 *
 *		* Demod decoder - demodulation based, slow format only
 *		* Xenon decoder - peak based, fast format only
 *		* Dual decoder  - two-stage, both formats
 *		* Trivial decoder - .tap archive passthrough
 *
 *		Clean 0x16 sync bytes lock the format selection while
 *		the parser is idle.
 *
 *----------------------------------------------------------------*/

type decoderBackend interface {
	// Retrieve one byte; false on end of tape
	DecodeByte(b *DecodedByte) bool

	// Release resources, write dumps
	Close()
}

type TapeDecoder struct {
	options DecoderOptions
	parser  *TapeParser

	select_fast bool
	select_slow bool

	backend0 decoderBackend
	backend1 decoderBackend

	// Peek buffers: always one byte read out unless at EOF
	backend0_byte    DecodedByte
	backend0_byte_ok bool
	backend1_byte    DecodedByte
	backend1_byte_ok bool
}

//----------------------------------------------------------------------------

func NewTapeDecoder(options *DecoderOptions) *TapeDecoder {
	var td = &TapeDecoder{options: *options}
	td.parser = NewTapeParser(options.Verbose)
	td.open()
	return td
}

// Convenience constructor reading a file with default options
func NewTapeDecoderFromFile(filename string) *TapeDecoder {
	var options = DefaultDecoderOptions()
	options.Filename = filename
	return NewTapeDecoder(&options)
}

//----------------------------------------------------------------------------

func (td *TapeDecoder) open() {
	Assert(td.options.Filename != "")

	// Select slow or fast in case clearly specified.
	// Otherwise clear both flags for autodetect.
	td.select_fast = td.options.Fast && !td.options.Slow
	td.select_slow = td.options.Slow && !td.options.Fast

	var src Sound

	if !src.ReadFromFile(td.options.Filename, true /*silent*/) {
		// Read as TAP archive
		td.backend0 = NewTrivialDecoder(&td.options)
	} else if td.options.Dual {
		// Dual format (fast+slow) two-stage decoder.
		// Enable just one format in case clearly specified,
		// otherwise enable both decoders for autodetect.
		var decode_fast = td.options.Fast || !td.options.Slow
		var decode_slow = td.options.Slow || !td.options.Fast
		td.backend0 = NewDualDecoder(&src, &td.options, decode_fast, decode_slow)
	} else {
		// For fast format: Xenon decoder
		if !td.options.Slow {
			td.backend0 = NewXenonDecoder(&src, &td.options)
		}

		// For slow format: Demodulation based decoder.
		// Faster and more accurate than the dual decoder, but can't
		// do fast mode.
		if !td.options.Fast {
			td.backend1 = NewDemodDecoder(&src, &td.options)
		}
	}

	// Fill peek buffers
	td.backend0_byte_ok = td.backend0 != nil && td.backend0.DecodeByte(&td.backend0_byte)
	td.backend1_byte_ok = td.backend1 != nil && td.backend1.DecodeByte(&td.backend1_byte)
}

//----------------------------------------------------------------------------

func (td *TapeDecoder) Close() {
	if td.backend0 != nil {
		td.backend0.Close()
	}
	if td.backend1 != nil {
		td.backend1.Close()
	}
}

//----------------------------------------------------------------------------

func (td *TapeDecoder) VerboseLog(time float64, format string, args ...any) {
	td.parser.VerboseLog(time, format, args...)
}

//----------------------------------------------------------------------------

// Retrieve one byte, mixing bytes from up to two back-ends in
// chronological order. Returns false on end of tape.
func (td *TapeDecoder) ReadByte(b *DecodedByte) bool {
	// Weave together up to two streams
	for td.backend0_byte_ok || td.backend1_byte_ok {
		if td.backend0_byte_ok &&
			(!td.backend1_byte_ok || td.backend0_byte.Time <= td.backend1_byte.Time) {
			*b = td.backend0_byte

			// Keep peek buffer filled
			td.backend0_byte_ok = td.backend0.DecodeByte(&td.backend0_byte)
		} else {
			Assert(td.backend1_byte_ok)
			*b = td.backend1_byte

			// Keep peek buffer filled
			td.backend1_byte_ok = td.backend1.DecodeByte(&td.backend1_byte)
		}
		var idle = td.parser.IsIdle()

		// Detect sync, perform mode switch
		if b.Byte == 0x16 && !b.SyncError && !b.ParityError && idle {
			if b.Slow && !td.select_slow || !b.Slow && !td.select_fast {
				var format = "fast"
				if b.Slow {
					format = "slow"
				}
				td.parser.VerboseLog(b.Time, "Detected %s format\n", format)
			}

			td.select_fast = !b.Slow
			td.select_slow = b.Slow
		}

		var selected = td.select_fast
		if b.Slow {
			selected = td.select_slow
		}

		if selected {
			td.parser.PutByte(b)

			// Do not return bytes with errors unless inside a file.
			// This way --decode will print useful errors.
			if !b.SyncError && !b.ParityError || !idle {
				return true
			}
		}
	}
	return false // End of tape
}

//----------------------------------------------------------------------------

// Decode waveform to bytestream and parse to files.
// Returns false when no more files can be produced.
func (td *TapeDecoder) ReadFile(file *TapeFile) bool {
	if td.parser.NextFile(file) {
		return true
	}

	var b DecodedByte
	for td.ReadByte(&b) {
		if td.parser.NextFile(file) {
			return true
		}
	}

	td.parser.Flush() // might also produce a file
	return td.parser.NextFile(file)
}
