package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Decode byte stream to files.
 *
 *		A 3-phase state machine (SYNC, HEADER, NAME) with a
 *		concurrent payload activity: while payload bytes for one
 *		file are still being collected, the state machine is
 *		already scanning for the next file's sync. Finished
 *		files queue up and are pulled with NextFile.
 *
 *----------------------------------------------------------------*/

import (
	"fmt"

	"github.com/charmbracelet/log"
)

type section_t int

const (
	ST_SYNC section_t = iota // Waiting for $16
	ST_HEADER
	ST_NAME
)

type TapeParser struct {
	verbose bool

	section_type section_t
	section_offs int
	slow         bool

	consecutive_non_16    int
	consecutive_bad_bytes int

	payload_active bool
	payload_offs   int

	scout_file   TapeFile
	payload_file TapeFile

	// Finished files, pulled by the consumer
	files []TapeFile

	last_time float64

	// Hex dump print buffer
	printbuf         [16]DecodedByte
	printbuf_cnt     int
	printbuf_payload bool
	printbuf_section section_t
	printbuf_addr    int
}

//----------------------------------------------------------------------------

func NewTapeParser(verbose bool) *TapeParser {
	var tp = &TapeParser{verbose: verbose}
	tp.Reset()
	return tp
}

//----------------------------------------------------------------------------

func (tp *TapeParser) Reset() {
	tp.section_type = ST_SYNC
	tp.section_offs = 0
	tp.slow = false
	tp.consecutive_non_16 = 100 // assume we saw some bad bytes
	tp.consecutive_bad_bytes = 100
	tp.payload_active = false
	tp.payload_offs = 0
	tp.scout_file = TapeFile{}
	tp.payload_file = TapeFile{}
}

//----------------------------------------------------------------------------

func (tp *TapeParser) IsIdle() bool {
	return tp.section_type == ST_SYNC && !tp.payload_active
}

//----------------------------------------------------------------------------

// Pop the next finished file, if any
func (tp *TapeParser) NextFile(file *TapeFile) bool {
	if len(tp.files) == 0 {
		return false
	}
	*file = tp.files[0]
	tp.files = tp.files[1:]
	return true
}

//----------------------------------------------------------------------------

func (tp *TapeParser) VerboseLog(time float64, format string, args ...any) {
	if !tp.verbose {
		return
	}

	fmt.Printf("%s  ", format_time(time))
	fmt.Printf(format, args...)
}

//----------------------------------------------------------------------------

// Flush contents of hex dump buffer.
// Print in format similar to hexdump -C.
func (tp *TapeParser) print_flush() {
	if tp.printbuf_cnt == 0 {
		return
	}

	var N = len(tp.printbuf)

	// 5 wide column with section type or address in payload
	var abuf string
	if tp.printbuf_payload {
		abuf = fmt.Sprintf("%04x ", tp.printbuf_addr&0xffff)
	} else {
		switch tp.printbuf_section {
		case ST_HEADER:
			abuf = "Hdr  "
		case ST_NAME:
			abuf = "Name "
		default:
			abuf = "Sync "
		}
	}

	// Hex part, 3x16 = 48 chars wide
	var hbuf = make([]byte, 0, 3*N)
	for i := 0; i < N; i++ {
		if i < tp.printbuf_cnt {
			var b = &tp.printbuf[i]
			var c = byte(' ')
			if b.SyncError {
				c = '!'
			} else if b.ParityError {
				c = '?'
			}
			hbuf = append(hbuf, fmt.Sprintf("%02x%c", b.Byte, c)...)
		} else {
			hbuf = append(hbuf, "   "...)
		}
	}

	// Text part, 16 chars wide
	var tbuf = make([]byte, N)
	for i := 0; i < N; i++ {
		var c = byte(' ')
		if i < tp.printbuf_cnt {
			c = tp.printbuf[i].Byte
		}
		if c < 32 || c > 126 {
			c = '.'
		}
		tbuf[i] = c
	}

	tp.VerboseLog(tp.printbuf[0].Time, "%s %s |%s|\n", abuf, string(hbuf), string(tbuf))

	tp.printbuf_cnt = 0
}

//----------------------------------------------------------------------------

// Record byte for printing in hex dump
func (tp *TapeParser) print_byte(b *DecodedByte) {
	// Flush out print when section type changes
	if tp.printbuf_cnt > 0 &&
		(tp.printbuf_payload != tp.payload_active ||
			tp.printbuf_section != tp.section_type) {
		tp.print_flush()
	}

	tp.printbuf_payload = tp.payload_active
	tp.printbuf_section = tp.section_type
	if tp.printbuf_cnt == 0 {
		tp.printbuf_addr = int(tp.payload_file.StartAddr) + tp.payload_offs
	}

	var N = len(tp.printbuf)
	Assert(tp.printbuf_cnt < N)
	tp.printbuf[tp.printbuf_cnt] = *b
	tp.printbuf_cnt++
	if tp.printbuf_cnt == N ||
		(tp.printbuf_payload && (tp.printbuf_addr&15)+tp.printbuf_cnt == 16) {
		tp.print_flush()
	}
}

//----------------------------------------------------------------------------

func (tp *TapeParser) PutByte(b *DecodedByte) {
	if tp.slow != b.Slow {
		if !tp.IsIdle() {
			tp.Flush() // truncate ongoing file
		}
		tp.slow = b.Slow
	}

	if tp.verbose {
		tp.print_byte(b)
	} else {
		tp.print_flush()
	}

	// Extend end time of file past this byte
	var t_byte = 32.0 / 4800 // nominal
	if b.Slow {
		t_byte = 209.0 / 4800
	}
	tp.scout_file.EndTime = b.Time + 1.5*t_byte // 1.5 bytes ahead to have some margin
	tp.payload_file.EndTime = tp.scout_file.EndTime

	if tp.payload_active {
		var capacity = len(tp.payload_file.Payload)
		Assert(tp.payload_offs >= 0 && tp.payload_offs < capacity)
		tp.payload_file.Payload[tp.payload_offs] = b.Byte
		tp.payload_offs++

		// Count errors in mutually exclusive categories (max 1 per byte)
		if b.SyncError {
			tp.payload_file.SyncErrors++
		} else if b.ParityError {
			tp.payload_file.ParityErrors++
		}

		if tp.payload_offs == tp.payload_file.Len {
			tp.print_flush()
			tp.VerboseLog(tp.payload_file.EndTime,
				"File finished, %d sync errors, %d parity errors\n",
				tp.payload_file.SyncErrors,
				tp.payload_file.ParityErrors)
			tp.files = append(tp.files, tp.payload_file)
			tp.payload_active = false
		}
	}

	if b.Byte != 0x16 {
		tp.consecutive_non_16++
	} else {
		tp.consecutive_non_16 = 0
	}

	if b.SyncError || b.ParityError {
		tp.consecutive_bad_bytes++
	} else {
		tp.consecutive_bad_bytes = 0
	}

	switch tp.section_type {
	case ST_SYNC:
		// The Oric, when writing, will write 16,16,16,24 but accept
		// 16,16,16,A,24 where A is any random sequence when reading.
		// We try to balance missed/phantom files by allowing any A without
		// 8 non-16 bytes in a row with sync/parity errors in all the last 3.
		// An exception is when an old file is in progress, then we're
		// more strict.
		if tp.section_offs == 0 {
			tp.scout_file.StartTime = b.Time
		}
		if b.Byte == 0x16 {
			tp.section_offs++
		} else if b.Byte == 0x24 && tp.section_offs >= 3 { // need at least three 0x16
			tp.print_flush()
			tp.VerboseLog(b.Time, "Found sync, %d leading bytes\n", tp.section_offs)
			tp.section_type = ST_HEADER
			tp.section_offs = 0
			tp.scout_file.SyncErrors = 0
			tp.scout_file.ParityErrors = 0
		} else if tp.section_offs >= 3 &&
			!tp.payload_active && // When overlapping file, require strict sync
			(tp.consecutive_non_16 < 8 || tp.consecutive_bad_bytes < 4) {
			// Within tolerance - accept some funny bytes before giving up
			tp.section_offs++
		} else {
			// Reset the sync search
			tp.section_offs = 0
		}

	case ST_HEADER:
		var capacity = len(tp.scout_file.Header)
		Assert(tp.section_offs >= 0 && tp.section_offs < capacity)
		tp.scout_file.Header[tp.section_offs] = b.Byte
		tp.section_offs++

		// Count errors in mutually exclusive categories (max 1 per byte)
		if b.SyncError {
			tp.scout_file.SyncErrors++
		} else if b.ParityError {
			tp.scout_file.ParityErrors++
		}

		if tp.section_offs == capacity {
			//  +-----+-----------+------------------------------------------------------------+
			//  |Bytes| Name      | Values                                                     |
			//  +-----+-----------+------------------------------------------------------------+
			//  |  0  | datatype0 | Ignored when filetype is BASIC or DATA                     |
			//  |  1  | datatype1 | Ignored when filetype is BASIC or DATA                     |
			//  |  2  | filetype  | $00 = BASIC, $80 = DATA, $40 = ARRAY(V1.1 only)            |
			//  |  3  | autorun   | Autorun enabled when nonzero. Normally ($00 or $C7)        |
			//  | 4-5 | endaddr   | BASIC/DATA: End address (inclusive), high byte first       |
			//  | 6-7 | startaddr | BASIC/DATA: Start address, high byte first                 |
			//  |  8  | unused8   | Ignored when filetype is BASIC or DATA. The value varies.  |
			//  +-----+-----------+------------------------------------------------------------+

			var filetype = tp.scout_file.Header[2]
			if filetype == 0x00 || filetype == 0x80 {
				// Now expect name
				tp.section_type = ST_NAME
				tp.section_offs = 0
			} else {
				tp.print_flush()
				if tp.verbose {
					tp.VerboseLog(b.Time, "Unsupported header, ignoring file\n")
				} else if tp.scout_file.SyncErrors > 0 || tp.scout_file.ParityErrors > 0 {
					// Suspect the reason is decoding quality rather than
					// exotic file type
					log.Warn("Corrupted header, ignoring file",
						"at", format_time(tp.scout_file.StartTime))
				} else {
					log.Warn("Unsupported header, ignoring file",
						"at", format_time(tp.scout_file.StartTime))
				}

				tp.section_type = ST_SYNC
				tp.section_offs = 0
			}
		}

	case ST_NAME:
		var capacity = len(tp.scout_file.Name)
		Assert(tp.section_offs >= 0 && tp.section_offs < capacity)
		tp.scout_file.Name[tp.section_offs] = b.Byte
		tp.section_offs++

		// Count errors in mutually exclusive categories (max 1 per byte)
		if b.SyncError {
			tp.scout_file.SyncErrors++
		} else if b.ParityError {
			tp.scout_file.ParityErrors++
		}

		if b.Byte == 0 {
			var filetype = tp.scout_file.Header[2]
			var endaddr = uint16(tp.scout_file.Header[4])<<8 | uint16(tp.scout_file.Header[5])
			var startaddr = uint16(tp.scout_file.Header[6])<<8 | uint16(tp.scout_file.Header[7])

			// Calculate length as 1..65536
			var length = (int(endaddr) - int(startaddr)) & 0xffff
			length += 1

			tp.scout_file.StartAddr = startaddr
			tp.scout_file.EndAddr = endaddr
			tp.scout_file.Len = length
			tp.scout_file.Autorun = tp.scout_file.Header[3] != 0
			tp.scout_file.Basic = filetype == 0x00
			tp.scout_file.Slow = b.Slow

			// Interrupt previous file, if any.
			// New file takes priority.
			tp.flush_payload()

			if tp.verbose {
				tp.print_flush()
				tp.VerboseLog(b.Time, "Found %s\n", tp.scout_file.NameString())
			}

			// Spawn two parallel activities:
			// * Parse payload
			// * Scan for sync again
			tp.payload_active = true
			tp.payload_offs = 0
			tp.payload_file = tp.scout_file
			tp.section_type = ST_SYNC
			tp.section_offs = 0
		} else if tp.section_offs == capacity {
			tp.print_flush()
			if tp.verbose {
				tp.VerboseLog(b.Time, "Too long file name, ignoring file\n")
			} else if tp.scout_file.SyncErrors > 0 || tp.scout_file.ParityErrors > 0 {
				log.Warn("Corrupted file name, ignoring file",
					"at", format_time(tp.scout_file.StartTime))
			} else {
				log.Warn("Too long file name, ignoring file",
					"at", format_time(tp.scout_file.StartTime))
			}

			tp.section_type = ST_SYNC
			tp.section_offs = 0
		}
	}

	tp.last_time = b.Time
}

//----------------------------------------------------------------------------

// Truncate and output current file in payload processing
func (tp *TapeParser) flush_payload() {
	if !tp.payload_active {
		return
	}

	var capacity = len(tp.payload_file.Payload)

	var missing_bytes = tp.payload_file.Len - tp.payload_offs
	log.Warn("File truncated", "missing_bytes", missing_bytes)

	// Pad file to its expected length
	for missing_bytes > 0 {
		Assert(tp.payload_offs >= 0 && tp.payload_offs < capacity)
		tp.payload_file.Payload[tp.payload_offs] = 0xcd
		tp.payload_offs++
		tp.payload_file.SyncErrors += 1
		tp.payload_file.ParityErrors += 1
		missing_bytes--
	}
	tp.VerboseLog(tp.payload_file.EndTime,
		"File truncated, %d sync errors, %d parity errors\n",
		tp.payload_file.SyncErrors,
		tp.payload_file.ParityErrors)
	tp.files = append(tp.files, tp.payload_file)
	tp.payload_active = false
}

//----------------------------------------------------------------------------

func (tp *TapeParser) Flush() {
	tp.print_flush()
	tp.flush_payload()
	tp.Reset() // queued files survive the reset
}
