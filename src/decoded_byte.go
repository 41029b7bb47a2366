package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Byte decoded from tape, and the helpers for its 13-bit
 *		framed representation.
 *
 *		On tape a byte is 13 physical bits, LSB first:
 *
 *		+---+---+---+---+---+---+---+---+---+---+---+---+---+
 *		| 0 |b0 |b1 |b2 |b3 |b4 |b5 |b6 |b7 | p | 1 | 1 | 1 |
 *		+---+---+---+---+---+---+---+---+---+---+---+---+---+
 *		 start    8 data bits, LSB first     parity  3 stop
 *
 *----------------------------------------------------------------*/

type DecodedByte struct {
	Time        float64 // Onset in seconds
	Slow        bool    // Slow format
	Byte        uint8   // Data
	ParityError bool    // Set if parity bit was incorrect
	SyncError   bool    // Set if a sync bit was incorrect
}

//----------------------------------------------------------------------------

// Xor together bits in byte
func parity8(x uint8) int {
	x ^= x >> 4
	x ^= x >> 2
	x ^= x >> 1
	return int(x & 1)
}

// Check if sync bits are ok in 13-bit representation (LSB first).
// Nominally there are 3 stop bits, but for similarity with the Oric tape
// reading routine we check only the first two (bits 10 and 11).
func is_sync_ok(z uint16) bool {
	return z&0x0c01 == 0x0c00
}

// Check if parity is OK in 13-bit representation (LSB first).
// Parity is odd: the parity bit is the negation of the xor of the data bits.
func is_parity_ok(z uint16) bool {
	var b = uint8(z>>1) & 255
	var parity = int(z>>9) & 1
	var expected_parity = 1 - parity8(b)
	return parity == expected_parity
}

// Get data bits from 13-bit representation (LSB first)
func get_data_bits(z uint16) uint8 {
	return uint8(z>>1) & 255
}
