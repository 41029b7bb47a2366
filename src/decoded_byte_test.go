package taperescue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// Build a correctly framed 13-bit code for a data byte:
// start(0), 8 data bits LSB first, odd parity, 3 stop(1).
func frame13(b uint8) uint16 {
	var z uint16 = 0
	for i := 0; i < 8; i++ {
		if (b>>i)&1 != 0 {
			z |= 1 << (1 + i)
		}
	}
	if parity8(b) == 0 {
		z |= 1 << 9 // odd parity
	}
	z |= 7 << 10 // stop bits
	return z
}

func TestFramed13RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var b = rapid.Byte().Draw(t, "b")
		var z = frame13(b)

		assert.True(t, is_sync_ok(z))
		assert.True(t, is_parity_ok(z))
		assert.Equal(t, b, get_data_bits(z))
	})
}

func TestFramed13SyncMask(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var z = rapid.Uint16Range(0, 0x1fff).Draw(t, "z")
		assert.Equal(t, z&0x0c01 == 0x0c00, is_sync_ok(z))
	})
}

func TestFramed13Violations(t *testing.T) {
	var z = frame13(0x55)

	// Start bit must be 0
	assert.False(t, is_sync_ok(z|0x0001))

	// Observable stop bits must be 1
	assert.False(t, is_sync_ok(z&^(1<<10)))
	assert.False(t, is_sync_ok(z&^(1<<11)))

	// Third stop bit is not checked, like the Oric ROM loader
	assert.True(t, is_sync_ok(z&^(1<<12)))

	// Flipping the parity bit breaks parity
	assert.False(t, is_parity_ok(z^(1<<9)))

	// Flipping one data bit breaks parity but not sync
	assert.True(t, is_sync_ok(z^(1<<4)))
	assert.False(t, is_parity_ok(z^(1<<4)))
}

func TestParity8(t *testing.T) {
	assert.Equal(t, 0, parity8(0x00))
	assert.Equal(t, 1, parity8(0x01))
	assert.Equal(t, 1, parity8(0x80))
	assert.Equal(t, 0, parity8(0xff))
	assert.Equal(t, 0, parity8(0x55))
}
