package taperescue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Feed a parser a stream of clean bytes at the nominal byte rate of the
// given format
func feed_bytes(tp *TapeParser, start_time float64, slow bool, data []uint8) float64 {
	var dt = 32.0 / 4800
	if slow {
		dt = 209.0 / 4800
	}
	var time = start_time
	for _, c := range data {
		var b = DecodedByte{Time: time, Slow: slow, Byte: c}
		tp.PutByte(&b)
		time += dt
	}
	return time
}

// A minimal well-formed record: sync, header, name, payload
func record_bytes(name string, filetype uint8, autorun uint8, start_addr uint16, payload []uint8) []uint8 {
	var end_addr = start_addr + uint16(len(payload)) - 1

	var data = []uint8{0x16, 0x16, 0x16, 0x24}
	data = append(data,
		0x00, 0x00, filetype, autorun,
		uint8(end_addr>>8), uint8(end_addr),
		uint8(start_addr>>8), uint8(start_addr),
		0x00)
	data = append(data, []uint8(name)...)
	data = append(data, 0x00)
	data = append(data, payload...)
	return data
}

func TestParserSingleBasicFile(t *testing.T) {
	var tp = NewTapeParser(false)

	var payload = []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	feed_bytes(tp, 0, false, record_bytes("HELLO", 0x00, 0x00, 0x501, payload))

	var file TapeFile
	require.True(t, tp.NextFile(&file))

	assert.Equal(t, "HELLO", file.NameString())
	assert.Equal(t, uint16(0x501), file.StartAddr)
	assert.Equal(t, uint16(0x50a), file.EndAddr)
	assert.Equal(t, 10, file.Len)
	assert.True(t, file.Basic)
	assert.False(t, file.Autorun)
	assert.False(t, file.Slow)
	assert.Zero(t, file.SyncErrors)
	assert.Zero(t, file.ParityErrors)
	assert.Equal(t, payload, file.Payload[:file.Len])

	assert.False(t, tp.NextFile(&file))
}

func TestParserTwoFilesBackToBack(t *testing.T) {
	var tp = NewTapeParser(false)

	var data = record_bytes("ONE", 0x00, 0x00, 0x1000, []uint8{0xaa})
	data = append(data, record_bytes("TWO", 0x80, 0xc7, 0x2000, []uint8{0xbb, 0xcc})...)
	feed_bytes(tp, 0, false, data)

	var file TapeFile
	require.True(t, tp.NextFile(&file))
	assert.Equal(t, "ONE", file.NameString())
	assert.True(t, file.Basic)
	assert.Zero(t, file.SyncErrors+file.ParityErrors)

	require.True(t, tp.NextFile(&file))
	assert.Equal(t, "TWO", file.NameString())
	assert.False(t, file.Basic)
	assert.True(t, file.Autorun)
	assert.Equal(t, []uint8{0xbb, 0xcc}, file.Payload[:file.Len])
	assert.Zero(t, file.SyncErrors+file.ParityErrors)

	assert.False(t, tp.NextFile(&file))
}

func TestParserSyncTolerance(t *testing.T) {
	// 16 16 16 X 24 parses as a valid sync for any single byte X
	for _, x := range []uint8{0x00, 0x42, 0xff} {
		var tp = NewTapeParser(false)

		var data = []uint8{0x16, 0x16, 0x16, x, 0x24}
		data = append(data,
			0x00, 0x00, 0x00, 0x00,
			0x10, 0x00, // end
			0x10, 0x00, // start
			0x00)
		data = append(data, 'A', 0x00)
		data = append(data, 0x5a) // one payload byte
		feed_bytes(tp, 0, false, data)

		var file TapeFile
		require.True(t, tp.NextFile(&file), "X=%02x", x)
		assert.Equal(t, 1, file.Len)
		assert.Equal(t, uint8(0x5a), file.Payload[0])
	}
}

func TestParserLengthSemantics(t *testing.T) {
	// start_addr == end_addr gives payload length 1
	var tp = NewTapeParser(false)
	var data = []uint8{0x16, 0x16, 0x16, 0x24,
		0x00, 0x00, 0x80, 0x00,
		0x12, 0x34, // end
		0x12, 0x34, // start
		0x00,
		'F', 0x00,
		0x77}
	feed_bytes(tp, 0, false, data)

	var file TapeFile
	require.True(t, tp.NextFile(&file))
	assert.Equal(t, 1, file.Len)

	// end_addr == start_addr-1 (mod 65536) gives length 65536
	tp = NewTapeParser(false)
	data = []uint8{0x16, 0x16, 0x16, 0x24,
		0x00, 0x00, 0x80, 0x00,
		0x0f, 0xff, // end = 0x0fff
		0x10, 0x00, // start = 0x1000
		0x00,
		'G', 0x00}
	var payload = make([]uint8, 65536)
	data = append(data, payload...)
	feed_bytes(tp, 0, false, data)

	require.True(t, tp.NextFile(&file))
	assert.Equal(t, 65536, file.Len)
}

func TestParserRejectsUnsupportedHeader(t *testing.T) {
	var tp = NewTapeParser(false)

	// Filetype 0x40 (ARRAY) is rejected
	var data = []uint8{0x16, 0x16, 0x16, 0x24,
		0x00, 0x00, 0x40, 0x00,
		0x10, 0x00,
		0x10, 0x00,
		0x00}
	feed_bytes(tp, 0, false, data)

	var file TapeFile
	assert.False(t, tp.NextFile(&file))

	// A valid file afterwards still parses
	feed_bytes(tp, 1, false, record_bytes("OK", 0x00, 0x00, 0x500, []uint8{1}))
	assert.True(t, tp.NextFile(&file))
	assert.Equal(t, "OK", file.NameString())
}

func TestParserRejectsOverlongName(t *testing.T) {
	var tp = NewTapeParser(false)

	var data = []uint8{0x16, 0x16, 0x16, 0x24,
		0x00, 0x00, 0x00, 0x00,
		0x10, 0x00,
		0x10, 0x00,
		0x00}
	// 17 name bytes with no terminating zero
	for i := 0; i < 17; i++ {
		data = append(data, 'X')
	}
	feed_bytes(tp, 0, false, data)

	var file TapeFile
	assert.False(t, tp.NextFile(&file))
}

func TestParserTruncatesInterruptedPayload(t *testing.T) {
	var tp = NewTapeParser(false)

	// First file claims 100 payload bytes but only 3 arrive before a new
	// record starts. The new record's sync, header and name (18 bytes)
	// also land in the pending payload; the rest is padded on truncation.
	var data = record_bytes("LONG", 0x00, 0x00, 0x1000, make([]uint8, 100))
	data = data[:len(data)-97] // drop the last 97 payload bytes
	data[len(data)-3] = 0x11
	data[len(data)-2] = 0x22
	data[len(data)-1] = 0x33
	data = append(data, record_bytes("NEXT", 0x00, 0x00, 0x2000, []uint8{0x44})...)
	feed_bytes(tp, 0, false, data)

	var file TapeFile
	require.True(t, tp.NextFile(&file))
	assert.Equal(t, "LONG", file.NameString())
	assert.Equal(t, 100, file.Len)

	// 3 real bytes + 18 bytes of the next record were collected; the
	// remaining 79 are padded with 0xcd, one sync and one parity error
	// per pad byte
	assert.Equal(t, uint8(0x11), file.Payload[0])
	assert.Equal(t, uint8(0xcd), file.Payload[21])
	assert.Equal(t, uint8(0xcd), file.Payload[99])
	assert.Equal(t, 79, file.SyncErrors)
	assert.Equal(t, 79, file.ParityErrors)

	require.True(t, tp.NextFile(&file))
	assert.Equal(t, "NEXT", file.NameString())
	assert.Zero(t, file.SyncErrors+file.ParityErrors)
}

func TestParserErrorCategoriesExclusive(t *testing.T) {
	var tp = NewTapeParser(false)

	var data = record_bytes("E", 0x00, 0x00, 0x1000, []uint8{0xaa, 0xbb, 0xcc})
	var dt = 32.0 / 4800
	var time = 0.0
	var payload_start = len(data) - 3
	for i, c := range data {
		var b = DecodedByte{Time: time, Slow: false, Byte: c}
		if i == payload_start {
			// Both flags raised: counts once, as a sync error
			b.SyncError = true
			b.ParityError = true
		}
		if i == payload_start+1 {
			b.ParityError = true
		}
		tp.PutByte(&b)
		time += dt
	}

	var file TapeFile
	require.True(t, tp.NextFile(&file))
	assert.Equal(t, 1, file.SyncErrors)
	assert.Equal(t, 1, file.ParityErrors)
}

func TestParserFormatChangeFlushes(t *testing.T) {
	var tp = NewTapeParser(false)

	// Start a fast file with pending payload, then switch format mid-file
	var data = record_bytes("HALF", 0x00, 0x00, 0x1000, make([]uint8, 4))
	data = data[:len(data)-2] // 2 payload bytes missing
	var time = feed_bytes(tp, 0, false, data)

	feed_bytes(tp, time, true, []uint8{0x16}) // slow byte arrives

	var file TapeFile
	require.True(t, tp.NextFile(&file))
	assert.Equal(t, "HALF", file.NameString())
	assert.Equal(t, 4, file.Len)
	assert.Equal(t, 2, file.SyncErrors)

	assert.True(t, tp.IsIdle())
}

func TestParserEndTimeMargin(t *testing.T) {
	var tp = NewTapeParser(false)

	var end = feed_bytes(tp, 0, false, record_bytes("T", 0x00, 0x00, 0x1000, []uint8{1, 2}))

	var file TapeFile
	require.True(t, tp.NextFile(&file))

	// End time is 1.5 nominal byte times past the last byte's onset
	var dt = 32.0 / 4800
	assert.InDelta(t, end-dt+1.5*dt, file.EndTime, 1e-9)
	assert.Greater(t, file.EndTime, file.StartTime)
}
