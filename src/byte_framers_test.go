package taperescue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Synthesize the binarized level sequence for fast format bytes,
// one value per clock cycle, mirroring the on-tape pulse shapes:
// '1' is two cycles, '0' is three, one flipped pad cycle per byte.
func fast_levels(bytes []uint8) []bool {
	var vals []bool
	var p = false

	var emit = func(v bool) { vals = append(vals, v) }
	var encode_bit = func(v bool) {
		emit(!p)
		emit(p)
		if !v {
			emit(p)
		}
	}

	for _, b := range bytes {
		var z = frame13(b)
		for i := 0; i < 13; i++ {
			encode_bit(z>>i&1 != 0)
		}
		emit(!p) // extra half-bit cycle
		p = !p
	}
	return vals
}

// Synthesize the binarized level sequence for slow format bytes:
// 16 half cycles per physical bit, alternating every cycle for '1'
// and every other cycle for '0', one flipped pad cycle per byte.
func slow_levels(bytes []uint8) []bool {
	var vals []bool
	var p = false

	for _, b := range bytes {
		var z = frame13(b)
		for i := 0; i < 13; i++ {
			var val = z>>i&1 != 0
			for j := 0; j < 16; j++ {
				var y bool
				if val {
					y = j&1 == 0
				} else {
					y = j&2 == 0
				}
				vals = append(vals, y != p)
			}
		}
		// extra cycle
		var last = vals[len(vals)-1]
		vals = append(vals, !last)
		p = !last
	}
	return vals
}

// Check that the clean data sequence appears contiguously among the
// frames a framer produced
func assert_frames_contain(t *testing.T, byte_zs []uint16, byte_cnt int, want []uint8) {
	t.Helper()

	var got []uint8
	for i := 0; i < byte_cnt; i++ {
		var z = byte_zs[i]
		if is_sync_ok(z) && is_parity_ok(z) {
			got = append(got, get_data_bits(z))
		}
	}

	var found = false
	for i := 0; i+len(want) <= len(got); i++ {
		var all = true
		for j := range want {
			if got[i+j] != want[j] {
				all = false
				break
			}
		}
		if all {
			found = true
			break
		}
	}
	assert.True(t, found, "decoded %x does not contain %x", got, want)
}

func TestFastFramersOnCleanSignal(t *testing.T) {
	// Lead-in syncs give the framers something to lock onto before the
	// interesting bytes
	var payload = []uint8{0x16, 0x16, 0x16, 0x16, 0x24, 0x00, 0x55, 0xaa, 0xff, 0x16, 0x16}
	var bin_vals = fast_levels(payload)

	for _, fdec := range []fdec_t{FDEC_ORIG, FDEC_PLEN, FDEC_BARREL} {
		t.Run(fmt.Sprintf("fdec=%d", fdec), func(t *testing.T) {
			var byte_xs = make([]int, len(bin_vals))
			var byte_zs = make([]uint16, len(bin_vals))

			var cnt = decode_fast_bytes(fdec,
				byte_xs, byte_zs, len(byte_xs),
				bin_vals, len(bin_vals), -1)

			require.Positive(t, cnt)

			// Byte onsets come out in increasing order
			for i := 1; i < cnt; i++ {
				assert.GreaterOrEqual(t, byte_xs[i], byte_xs[i-1])
			}

			// The interior bytes decode exactly; edge bytes may be
			// partial, so check for the full sequence minus the ends
			assert_frames_contain(t, byte_zs, cnt, payload[1:len(payload)-1])
		})
	}
}

func TestSlowFramerOnCleanSignal(t *testing.T) {
	var payload = []uint8{0x16, 0x16, 0x16, 0x24, 0x80, 0x01}
	var bin_vals = slow_levels(payload)

	var byte_xs = make([]int, len(bin_vals))
	var byte_zs = make([]uint16, len(bin_vals))

	var cnt = decode_slow_bytes(
		byte_xs, byte_zs, len(byte_xs),
		bin_vals, len(bin_vals), -1)

	require.Positive(t, cnt)
	assert_frames_contain(t, byte_zs, cnt, payload[1:len(payload)-1])
}
