package taperescue

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback_testvector = []uint8{0x16, 0x16, 0x16, 0x24, 0x00, 0x55, 0xaa, 0xff}

// Encode a byte vector to a WAV file and return its path
func encode_to_wav(t *testing.T, bytes []uint8, slow bool) string {
	t.Helper()

	var path = filepath.Join(t.TempDir(), "loopback.wav")

	var enc = NewTapeEncoder()
	require.True(t, enc.Open(path, slow))
	for _, b := range bytes {
		enc.PutByte(b)
	}
	require.True(t, enc.Close())

	return path
}

// Decode all bytes from a file
func decode_all(t *testing.T, options *DecoderOptions) []DecodedByte {
	t.Helper()

	var dec = NewTapeDecoder(options)
	defer dec.Close()

	var decoded []DecodedByte
	var b DecodedByte
	for dec.ReadByte(&b) {
		decoded = append(decoded, b)
	}
	return decoded
}

func run_loopback(t *testing.T, slow bool, dual bool) {
	var path = encode_to_wav(t, loopback_testvector, slow)

	var options = DefaultDecoderOptions()
	options.Filename = path
	options.Dual = dual
	options.Fast = !slow
	options.Slow = slow

	var decoded = decode_all(t, &options)

	// The first len(testvector) bytes reproduce the input with no
	// errors; the ramp-out may produce a few residual tail bytes.
	require.GreaterOrEqual(t, len(decoded), len(loopback_testvector))
	assert.LessOrEqual(t, len(decoded), len(loopback_testvector)+50)
	for i, want := range loopback_testvector {
		assert.Equal(t, want, decoded[i].Byte, "byte %d", i)
		assert.False(t, decoded[i].SyncError, "sync error at byte %d", i)
		assert.False(t, decoded[i].ParityError, "parity error at byte %d", i)
		assert.Equal(t, slow, decoded[i].Slow, "format flag at byte %d", i)
	}
}

func TestLoopbackFast(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}
	run_loopback(t, false, false)
}

func TestLoopbackSlow(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}
	run_loopback(t, true, false)
}

func TestLoopbackFastDual(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}
	run_loopback(t, false, true)
}

func TestLoopbackSlowDual(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}
	run_loopback(t, true, true)
}

func TestLoopbackAutodetectDual(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}

	// Neither format forced: the dual decoder runs both framers and the
	// clean 0x16 syncs lock the selection onto the encoded format
	var path = encode_to_wav(t, loopback_testvector, false)

	var options = DefaultDecoderOptions()
	options.Filename = path
	options.Dual = true

	var decoded = decode_all(t, &options)

	require.GreaterOrEqual(t, len(decoded), len(loopback_testvector))
	for i, want := range loopback_testvector {
		assert.Equal(t, want, decoded[i].Byte, "byte %d", i)
		assert.False(t, decoded[i].Slow, "format flag at byte %d", i)
		assert.False(t, decoded[i].SyncError)
		assert.False(t, decoded[i].ParityError)
	}
}

//----------------------------------------------------------------------------

// Build a .tap archive for one BASIC file named HELLO at 0x501..0x50a
func hello_archive() []uint8 {
	var data = []uint8{0x16, 0x16, 0x16, 0x24,
		0x00, 0x00, 0x00, 0x00,
		0x05, 0x0a, // end addr hi,lo
		0x05, 0x01, // start addr hi,lo
		0x00}
	data = append(data, 'H', 'E', 'L', 'L', 'O', 0x00)
	data = append(data, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	return data
}

func TestArchiveEncodeDecodeParse(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}

	// Write the archive, encode it to WAV through PutFile (which
	// prolongs the sync), decode and parse
	var dir = t.TempDir()
	var tap_path = filepath.Join(dir, "hello.tap")
	require.NoError(t, os.WriteFile(tap_path, hello_archive(), 0o644))

	var wav_path = filepath.Join(dir, "hello.wav")
	var enc = NewTapeEncoder()
	require.True(t, enc.Open(wav_path, false))
	require.True(t, enc.PutFile(tap_path))
	require.True(t, enc.Close())

	var options = DefaultDecoderOptions()
	options.Filename = wav_path

	var dec = NewTapeDecoder(&options)
	defer dec.Close()

	var file TapeFile
	require.True(t, dec.ReadFile(&file))

	assert.Equal(t, "HELLO", file.NameString())
	assert.Equal(t, uint16(0x501), file.StartAddr)
	assert.Equal(t, uint16(0x50a), file.EndAddr)
	assert.Equal(t, 10, file.Len)
	assert.True(t, file.Basic)
	assert.False(t, file.Autorun)
	assert.Equal(t, []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, file.Payload[:file.Len])
	assert.Zero(t, file.SyncErrors)
	assert.Zero(t, file.ParityErrors)

	assert.False(t, dec.ReadFile(&file))
}

func TestArchiveCorruptedWindowStillParses(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}

	var dir = t.TempDir()
	var tap_path = filepath.Join(dir, "hello.tap")
	require.NoError(t, os.WriteFile(tap_path, hello_archive(), 0o644))

	var wav_path = filepath.Join(dir, "hello.wav")
	var enc = NewTapeEncoder()
	require.True(t, enc.Open(wav_path, false))
	require.True(t, enc.PutFile(tap_path))
	require.True(t, enc.Close())

	// Zero a contiguous 100-sample window inside the payload region.
	// The payload occupies roughly the last tenth of the encoding, after
	// the prolonged sync, the header and the name.
	var snd Sound
	require.True(t, snd.ReadFromFile(wav_path, false))
	var buf = snd.GetBuffer()
	var at = len(buf) * 95 / 100
	for i := 0; i < 100; i++ {
		buf[at+i] = 0
	}
	var hurt_path = filepath.Join(dir, "hurt.wav")
	require.True(t, snd.WriteToFile(hurt_path))

	var options = DefaultDecoderOptions()
	options.Filename = hurt_path

	var dec = NewTapeDecoder(&options)
	defer dec.Close()

	var file TapeFile
	require.True(t, dec.ReadFile(&file))
	assert.Equal(t, "HELLO", file.NameString())
	assert.Equal(t, 10, file.Len)
	assert.Positive(t, file.SyncErrors+file.ParityErrors)
}

//----------------------------------------------------------------------------

func TestTrivialDecoderPacesArchive(t *testing.T) {
	var dir = t.TempDir()
	var tap_path = filepath.Join(dir, "hello.tap")
	require.NoError(t, os.WriteFile(tap_path, hello_archive(), 0o644))

	var options = DefaultDecoderOptions()
	options.Filename = tap_path

	var dec = NewTapeDecoder(&options)
	defer dec.Close()

	var archive = hello_archive()
	var decoded []uint8
	var last_time = -1.0
	var b DecodedByte
	for dec.ReadByte(&b) {
		decoded = append(decoded, b.Byte)
		assert.False(t, b.SyncError)
		assert.False(t, b.ParityError)
		assert.Greater(t, b.Time, last_time)
		last_time = b.Time
	}
	assert.Equal(t, archive, decoded)

	// And the parser sees the file
	dec = NewTapeDecoder(&options)
	defer dec.Close()
	var file TapeFile
	require.True(t, dec.ReadFile(&file))
	assert.Equal(t, "HELLO", file.NameString())
}

//----------------------------------------------------------------------------

// Resample a sound so its clock scales linearly from k0 to k1 over the
// whole length, simulating tape motor drift.
func stretch_sound(src *Sound, k0 float64, k1 float64) Sound {
	var length = int(src.GetLength())
	var in = make([]float32, length)
	src.Read(0, in)

	var out []float32
	var pos = 0.0
	for int(pos) < length-1 {
		out = append(out, interp_lin(in, length, pos))
		var k = k0 + (k1-k0)*pos/float64(length)
		pos += k
	}
	return NewSound(out, src.GetSampleRate())
}

func TestClockDriftRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback decode is slow")
	}

	// A long run of perfectly framed sync bytes with the sample clock
	// scaled linearly by 0.95..1.10 over the input. The adaptive
	// per-window clock must converge; require at least 95% of all the
	// encoded bytes to come through clean.
	var bytes = make([]uint8, 400)
	for i := range bytes {
		bytes[i] = 0x16
	}
	var path = encode_to_wav(t, bytes, false)

	var src Sound
	require.True(t, src.ReadFromFile(path, false))
	var stretched = stretch_sound(&src, 0.95, 1.10)

	var drift_path = filepath.Join(t.TempDir(), "drift.wav")
	require.True(t, stretched.WriteToFile(drift_path))

	var options = DefaultDecoderOptions()
	options.Filename = drift_path
	options.Fast = true

	var dec = NewTapeDecoder(&options)
	defer dec.Close()

	var good = 0
	var b DecodedByte
	for dec.ReadByte(&b) {
		if !b.SyncError && !b.ParityError && b.Byte == 0x16 {
			good++
		}
	}

	// At least 95% of the encoded bytes come through clean despite
	// the drift
	assert.GreaterOrEqual(t, float64(good), math.Ceil(0.95*float64(len(bytes))))
}
