package taperescue

/*------------------------------------------------------------------
 *
 * Purpose:	Decoder settings struct.
 *
 *		Assembled once by the CLI front end and passed by
 *		reference; immutable for the duration of a decode.
 *		There is no process-wide option state.
 *
 *----------------------------------------------------------------*/

import (
	"os"

	"gopkg.in/yaml.v3"
)

type band_t int

const (
	BAND_LOW band_t = iota
	BAND_HIGH
	BAND_DUAL
)

type cue_t int

const (
	CUE_AREA cue_t = iota
	CUE_WIDE
	CUE_AUTO
)

type binner_t int

const (
	BINNER_PATTERN binner_t = iota
	BINNER_GRID
	BINNER_SUPER
)

type fdec_t int

const (
	FDEC_ORIG fdec_t = iota
	FDEC_PLEN
	FDEC_BARREL
)

type DecoderOptions struct {
	Filename string  // Input file name
	Start    float64 // Start time in seconds, -1 if unspecified
	End      float64 // End time in seconds, -1 if unspecified
	Verbose  bool    // Verbose log mode
	Fast     bool    // Decode only fast mode when set
	Slow     bool    // Decode only slow mode when set
	Dual     bool    // Use dual-mode (fast+slow) decoder when set
	Dump     bool    // Write dump-demod.wav / dump-dual.wav / dump-xenon.wav

	Binner binner_t // Bit extractor for dual decoder
	Band   band_t   // Band to use in demodulation based decoder
	Cue    cue_t    // Method to recognize bits in Xenon decoder
	Fdec   fdec_t   // Bit to byte decoder to use for fast format
	FRef   int      // Nominal bit frequency in Hz
}

func DefaultDecoderOptions() DecoderOptions {
	return DecoderOptions{
		Start:  -1,
		End:    -1,
		Binner: BINNER_PATTERN,
		Band:   BAND_DUAL,
		Cue:    CUE_AUTO,
		Fdec:   FDEC_ORIG,
		FRef:   4800,
	}
}

/*------------------------------------------------------------------
 *
 * Name:	DecoderPreset
 *
 * Purpose:	Optional YAML preset file supplying flag defaults,
 *		so a tricky tape's working selector combination can be
 *		kept next to the recording.
 *
 *		Unset fields keep their built-in defaults.
 *
 *----------------------------------------------------------------*/

type DecoderPreset struct {
	Fast    *bool   `yaml:"fast"`
	Slow    *bool   `yaml:"slow"`
	Dual    *bool   `yaml:"dual"`
	Verbose *bool   `yaml:"verbose"`
	Binner  *string `yaml:"binner"` // pattern / grid / super
	Band    *string `yaml:"band"`   // low / high / dual
	Cue     *string `yaml:"cue"`    // area / wide / auto
	Fdec    *string `yaml:"fdec"`   // orig / plen / barrel
	Clock   *int    `yaml:"clock"`  // bit rate in Hz
}

// Apply a preset file on top of the given options.
// Unknown selector strings are reported, not silently ignored.
func (opts *DecoderOptions) LoadPreset(path string) error {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return err
	}

	var preset DecoderPreset
	if err = yaml.Unmarshal(raw, &preset); err != nil {
		return err
	}

	if preset.Fast != nil {
		opts.Fast = *preset.Fast
	}
	if preset.Slow != nil {
		opts.Slow = *preset.Slow
	}
	if preset.Dual != nil {
		opts.Dual = *preset.Dual
	}
	if preset.Verbose != nil {
		opts.Verbose = *preset.Verbose
	}
	if preset.Clock != nil {
		opts.FRef = *preset.Clock
	}

	if preset.Binner != nil {
		switch *preset.Binner {
		case "pattern":
			opts.Binner = BINNER_PATTERN
		case "grid":
			opts.Binner = BINNER_GRID
		case "super":
			opts.Binner = BINNER_SUPER
		default:
			return &PresetError{Field: "binner", Value: *preset.Binner}
		}
	}
	if preset.Band != nil {
		switch *preset.Band {
		case "low":
			opts.Band = BAND_LOW
		case "high":
			opts.Band = BAND_HIGH
		case "dual":
			opts.Band = BAND_DUAL
		default:
			return &PresetError{Field: "band", Value: *preset.Band}
		}
	}
	if preset.Cue != nil {
		switch *preset.Cue {
		case "area":
			opts.Cue = CUE_AREA
		case "wide":
			opts.Cue = CUE_WIDE
		case "auto":
			opts.Cue = CUE_AUTO
		default:
			return &PresetError{Field: "cue", Value: *preset.Cue}
		}
	}
	if preset.Fdec != nil {
		switch *preset.Fdec {
		case "orig":
			opts.Fdec = FDEC_ORIG
		case "plen":
			opts.Fdec = FDEC_PLEN
		case "barrel":
			opts.Fdec = FDEC_BARREL
		default:
			return &PresetError{Field: "fdec", Value: *preset.Fdec}
		}
	}

	return nil
}

type PresetError struct {
	Field string
	Value string
}

func (e *PresetError) Error() string {
	return "preset: unknown " + e.Field + " value \"" + e.Value + "\""
}
