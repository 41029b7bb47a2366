package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Small helpers shared across the package.
 *
 *----------------------------------------------------------------*/

import (
	"bytes"
	"fmt"
	"runtime"
)

// Can't be "assert" because of conflicts with stretchr/testify/assert.
// Debug-only invariant check; production failures are boolean returns
// and error counters.
func Assert(t bool) {
	if !t {
		_, file, line, _ := runtime.Caller(1)
		panic(fmt.Sprintf("Assertion failed at %s:%d", file, line))
	}
}

// Fixed-width byte arrays containing a string terminate at the first zero.
func ByteArrayToString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Print time in MM:SS.CC format.
// The first byte of a tape may protrude slightly to the left of zero,
// so negative times clamp to 00:00.00.
func format_time(time float64) string {
	var cent = int(100 * time)
	if cent < 0 {
		cent = 0
	}

	var secs = cent / 100
	cent %= 100
	var mins = secs / 60
	secs %= 60

	return fmt.Sprintf("%02d:%02d.%02d", mins, secs, cent)
}

func fmaxf(a float32, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func fminf(a float32, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func fabsf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func imin(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

func imax(a int, b int) int {
	if a > b {
		return a
	}
	return b
}

// Ternary sign function
func sign(x float32) int {
	if x > 0 {
		return 1
	}
	if x < 0 {
		return -1
	}
	return 0
}
