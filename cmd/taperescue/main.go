package main

/*------------------------------------------------------------------
 *
 * Purpose:	taperescue - a tool for managing Oric tapes.
 *
 *		Exactly one command of list / extract / decode / encode /
 *		play / record, plus selectors for the decoding engines.
 *
 *----------------------------------------------------------------*/

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	taperescue "github.com/oricrescue/taperescue/src"
)

const VERSION = "1.0.3"

//----------------------------------------------------------------------------
// Command line options
//----------------------------------------------------------------------------

// Command flags
var g_help = pflag.BoolP("help", "h", false, "Show command line syntax")
var g_version = pflag.BoolP("version", "V", false, "Print program version")
var g_list = pflag.BoolP("list", "l", false, "List contents of tape")
var g_extract = pflag.BoolP("extract", "x", false, "Extract files from tape")
var g_decode = pflag.BoolP("decode", "d", false, "Decode waveform to tape archive")
var g_encode = pflag.BoolP("encode", "e", false, "Encode tape archive into waveform")
var g_play = pflag.BoolP("play", "p", false, "Play waveform or tape archive to audio output device")
var g_record = pflag.BoolP("record", "r", false, "Record waveform from audio input device")

// Other flags
var g_start = pflag.StringP("start", "S", "", "Specify start time in minutes:seconds notation")
var g_end = pflag.StringP("end", "E", "", "Specify end time in minutes:seconds notation")
var g_output_dir = pflag.StringP("output-dir", "O", "", "Specify directory to extract files into")
var g_fast = pflag.BoolP("fast", "f", false, "Use fast tape format")
var g_slow = pflag.BoolP("slow", "s", false, "Use slow tape format")
var g_dual = pflag.BoolP("dual", "2", false, "Use dual-mode two-stage decoder")
var g_verbose = pflag.BoolP("verbose", "v", false, "Print hex dump and diagnostic information")
var g_dump = pflag.BoolP("dump", "D", false, "Write intermediate waveform(s) named dump-<xxx>.wav")
var g_clock = pflag.IntP("clock", "c", 4800, "Decoder bit rate in Hz")
var g_preset = pflag.String("preset", "", "Load decoder flag defaults from YAML file")

// Sub-options to the demodulation decoder
var g_low_band = pflag.Bool("low-band", false, "Listen to 1200 Hz band only, ignore 2400 Hz")
var g_high_band = pflag.Bool("high-band", false, "Listen to 2400 Hz band only, ignore 1200 Hz")

// Sub-options to the Xenon decoder
var g_area_cue = pflag.Bool("area-cue", false, "Use only area measure to read bits")
var g_wide_cue = pflag.Bool("wide-cue", false, "Use only wide pulse location to read bits")

// Sub-options to the dual decoder
var g_grid = pflag.Bool("grid", false, "Use alternative bit extractor named Grid")
var g_super = pflag.Bool("super", false, "Use alternative bit extractor named Super")
var g_plen = pflag.Bool("plen", false, "Use alternative fast decoder named PLEN")
var g_barrel = pflag.Bool("barrel", false, "Use alternative fast decoder named Barrel")

//----------------------------------------------------------------------------
// Time argument parsing
//----------------------------------------------------------------------------

// Parse mm:ss[.cc] or plain seconds. Returns -1 for an empty string.
func parse_time(arg string) (float64, error) {
	if arg == "" {
		return -1, nil
	}

	if colon := strings.IndexByte(arg, ':'); colon >= 0 {
		var mins, merr = strconv.Atoi(arg[:colon])
		var secs, serr = strconv.ParseFloat(arg[colon+1:], 64)
		if merr != nil || serr != nil || mins < 0 || secs < 0 || secs >= 60 {
			return 0, fmt.Errorf("bad time %q, expected mm:ss[.cc]", arg)
		}
		return 60*float64(mins) + secs, nil
	}

	var secs, err = strconv.ParseFloat(arg, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("bad time %q, expected mm:ss[.cc] or seconds", arg)
	}
	return secs, nil
}

//----------------------------------------------------------------------------
// Help and version commands
//----------------------------------------------------------------------------

func help(progname string) int {
	fmt.Fprintf(os.Stderr, "Usage: %s -h/--help\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -V/--version\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -l/--list    [options] <in.tap/wav>\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -x/--extract [options] <in.tap/wav>\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -d/--decode  [options] <in.wav> <out.tap>\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -e/--encode  [options] <in.tap> <out.wav>\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -p/--play    [options] <in.tap/wav>\n", progname)
	fmt.Fprintf(os.Stderr, "       %s -r/--record  [options] <out.wav>\n", progname)
	fmt.Fprintf(os.Stderr, "\n")
	pflag.PrintDefaults()
	return 0
}

func version() int {
	fmt.Printf("oric-toolbox taperescue version %s\n", VERSION)
	return 0
}

//----------------------------------------------------------------------------
// Destination directory preparation
//----------------------------------------------------------------------------

// Create or re-use destination directory
func prepare_dest_dir(name string, verbose bool) bool {
	var stat, err = os.Stat(name)
	if err == nil {
		// Something exists with name 'name'
		if !stat.IsDir() {
			fmt.Fprintf(os.Stderr, "%s is not a directory\n", name)
			return false
		}

		if verbose {
			fmt.Printf("Using existing destination directory %s\n", name)
		}
		return true // success - directory already there
	}

	if !os.IsNotExist(err) {
		// Some other error while accessing the destination directory
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return false
	}

	if verbose {
		fmt.Printf("Creating destination directory %s\n", name)
	}
	if err := os.Mkdir(name, 0777); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return false
	}

	return true // success - directory now exists
}

//----------------------------------------------------------------------------
// File name helpers
//----------------------------------------------------------------------------

// Check if a name from tape can be used for an extracted file
func is_valid_file_name(name string) bool {
	if name == "" { // Forbid empty filename
		return false
	}

	// Forbid non-ASCII chars and Windows illegal chars
	// 0-31 \ / : * ? " < > | 128-255
	for i := 0; i < len(name); i++ {
		var c = name[i]
		if c < 32 || c > 127 || strings.IndexByte("\\/:*?\"<>|", c) >= 0 {
			return false
		}
	}

	// Also forbid names matching our autogenerated names
	if strings.HasPrefix(name, "FILE_AT_") {
		return false
	}

	return true
}

// Adjust file name from tape so it can be used on disk.
// Adds the used name to the set.
func adjust_file_name(used_names map[string]bool, file *taperescue.TapeFile, add_extension bool) string {
	// Avoid empty or otherwise problematic names
	var valid_name = file.NameString()
	if !is_valid_file_name(valid_name) {
		var sec0 = int(math.Floor(file.StartTime))
		valid_name = fmt.Sprintf("FILE_AT_%02d_%02d", sec0/60, sec0%60)
	}

	// If the same file name occurs multiple times,
	// append -<n> where n makes the file name unique.
	var try_name = valid_name
	var unique_no = 0
	for used_names[try_name] {
		unique_no++
		try_name = fmt.Sprintf("%s-%d", valid_name, unique_no)
	}
	used_names[try_name] = true

	if add_extension {
		return try_name + ".tap"
	}
	return try_name
}

//----------------------------------------------------------------------------
// List command
//----------------------------------------------------------------------------

func list_file(dec *taperescue.TapeDecoder, file *taperescue.TapeFile, unique_name string) {
	var sec0 = int(math.Floor(file.StartTime))
	var sec1 = int(math.Ceil(file.EndTime))
	if *g_verbose {
		dec.VerboseLog(file.EndTime, "Location:      %02d:%02d - %02d:%02d\n",
			sec0/60, sec0%60, sec1/60, sec1%60)
		dec.VerboseLog(file.EndTime, "Start address: $%04x\n", file.StartAddr)
		dec.VerboseLog(file.EndTime, "End address:   $%04x\n", file.EndAddr)
		dec.VerboseLog(file.EndTime, "Length:        %d bytes\n", file.Len)
		dec.VerboseLog(file.EndTime, "Type:          %s\n", map[bool]string{true: "BASIC", false: "DATA"}[file.Basic])
		dec.VerboseLog(file.EndTime, "Autorun:       %s\n", map[bool]string{true: "Yes", false: "No"}[file.Autorun])
		dec.VerboseLog(file.EndTime, "Format:        %s\n", map[bool]string{true: "Slow", false: "Fast"}[file.Slow])
		dec.VerboseLog(file.EndTime, "Sync errors:   %d\n", file.SyncErrors)
		dec.VerboseLog(file.EndTime, "Parity errors: %d\n", file.ParityErrors)
		dec.VerboseLog(file.EndTime, "Original name: %s\n", file.NameString())
		dec.VerboseLog(file.EndTime, "Extracted as:  %s\n", unique_name)
	} else {
		var flag = func(b bool, c byte) byte {
			if b {
				return c
			}
			return '-'
		}
		fmt.Printf("%02d:%02d - %02d:%02d %8d  %c %c %c %8d  %s\n",
			sec0/60, sec0%60,
			sec1/60, sec1%60,
			file.Len,
			flag(file.Basic, 'B'),
			flag(file.Autorun, 'A'),
			flag(file.Slow, 'S'),
			file.SyncErrors+file.ParityErrors,
			unique_name)
	}
}

// Return command status (0=success)
func list(options *taperescue.DecoderOptions) int {
	var file_cnt = 0
	var len_sum = 0
	var error_sum = 0
	var used_names = make(map[string]bool)

	if !*g_verbose {
		fmt.Printf("-------------  -------  -----  -------  ---------------\n")
		fmt.Printf("Location       Length   Flags  Errors   Name           \n")
		fmt.Printf("-------------  -------  -----  -------  ---------------\n")
	}

	var dec = taperescue.NewTapeDecoder(options)
	defer dec.Close()

	// Read all files from tape archive
	var file taperescue.TapeFile
	for dec.ReadFile(&file) {
		// Change name so it can be used on disk
		var adjusted_name = adjust_file_name(used_names, &file, *g_extract)

		list_file(dec, &file, adjusted_name)

		if *g_verbose {
			dec.VerboseLog(file.EndTime, "---------------------------------------\n")
		}

		file_cnt++
		len_sum += file.Len
		error_sum += file.SyncErrors + file.ParityErrors
	}

	if *g_verbose {
		dec.VerboseLog(file.EndTime, "Total length:  %d bytes\n", len_sum)
		dec.VerboseLog(file.EndTime, "Total errors:  %d\n", error_sum)
		dec.VerboseLog(file.EndTime, "File count:    %d\n", file_cnt)
	} else {
		if file_cnt > 0 {
			fmt.Printf("-------------  -------  -----  -------  ---------------\n")
		}
		fmt.Printf("              %8d        %8d  %d file(s)\n",
			len_sum, error_sum, file_cnt)
	}
	return 0
}

//----------------------------------------------------------------------------
// Extract command
//----------------------------------------------------------------------------

// Extract one file from tape
func extract_file(dec *taperescue.TapeDecoder, file *taperescue.TapeFile, extended_name string) {
	var full_name = extended_name
	if *g_output_dir != "" {
		full_name = filepath.Join(*g_output_dir, extended_name)
	}

	if *g_verbose {
		dec.VerboseLog(file.EndTime, "Extracting %s, %d sync errors, %d parity errors\n",
			full_name, file.SyncErrors, file.ParityErrors)
	} else {
		fmt.Printf("Extracting %s", full_name)
		if file.SyncErrors > 0 {
			fmt.Printf(", %d sync errors", file.SyncErrors)
		}
		if file.ParityErrors > 0 {
			fmt.Printf(", %d parity errors", file.ParityErrors)
		}
		fmt.Printf("\n")
	}

	var f, err = os.Create(full_name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", full_name, err)
		os.Exit(1)
	}
	defer f.Close()

	var werr error
	var write = func(data []byte) {
		if werr == nil {
			_, werr = f.Write(data)
		}
	}

	write([]byte{0x16, 0x16, 0x16, 0x24})
	write(file.Header[:])
	write(file.Name[:len(file.NameString())+1]) // name incl. trailing zero
	if file.Len > 0 {
		write(file.Payload[:file.Len])
	}

	if werr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", full_name, werr)
		os.Exit(1)
	}
}

// Return command status (0=success)
func extract(options *taperescue.DecoderOptions) int {
	// Prepare output directory, if specified
	if *g_output_dir != "" && !prepare_dest_dir(*g_output_dir, *g_verbose) {
		os.Exit(1)
	}

	var error_sum = 0
	var used_names = make(map[string]bool)

	var dec = taperescue.NewTapeDecoder(options)
	defer dec.Close()

	// Read all files from tape archive
	var file taperescue.TapeFile
	for dec.ReadFile(&file) {
		// Change name so it can be used on disk
		var adjusted_name = adjust_file_name(used_names, &file, *g_extract)

		extract_file(dec, &file, adjusted_name)

		if *g_verbose {
			dec.VerboseLog(file.EndTime, "---------------------------------------\n")
		}

		error_sum += file.SyncErrors + file.ParityErrors
	}

	if error_sum > 0 {
		fmt.Fprintf(os.Stderr, "Errors were encountered during extraction\n")
		return 1
	}

	return 0
}

//----------------------------------------------------------------------------
// Decode command
//----------------------------------------------------------------------------

// Decode .wav to .tap
// Return command status (0=success)
func decode(options *taperescue.DecoderOptions, oname string) int {
	fmt.Printf("Decoding %s to %s\n", options.Filename, oname)
	var dec = taperescue.NewTapeDecoder(options)
	defer dec.Close()

	var sync_errors = 0
	var parity_errors = 0
	var bytes = 0

	var f, err = os.Create(oname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", oname, err)
		os.Exit(1)
	}
	defer f.Close()

	var b taperescue.DecodedByte
	for dec.ReadByte(&b) {
		bytes++

		// Count errors in mutually exclusive categories (max 1 per byte)
		if b.SyncError {
			sync_errors++
		} else if b.ParityError {
			parity_errors++
		}
		if _, err := f.Write([]byte{b.Byte}); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", oname, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Decoded %d bytes, %d sync errors, %d parity errors\n",
		bytes, sync_errors, parity_errors)
	if sync_errors > 0 || parity_errors > 0 {
		return 1
	}
	return 0
}

//----------------------------------------------------------------------------
// Encode command
//----------------------------------------------------------------------------

// Encode .tap to .wav.
// If no output filename is given, play .tap to speaker.
// Return command status (0=success)
func encode(iname string, opt_oname string) int {
	var slow = *g_slow // default to fast mode when --slow not given

	if opt_oname != "" {
		fmt.Printf("Converting tape archive %s to WAV file %s\n", iname, opt_oname)
	} else {
		fmt.Printf("Playing tape archive %s\n", iname)
	}

	var enc = taperescue.NewTapeEncoder()
	if enc.Open(opt_oname, slow) {
		if !enc.PutFile(iname) {
			fmt.Fprintf(os.Stderr, "Couldn't read %s\n", iname)
			os.Exit(1)
		}

		if opt_oname == "" { // playing?
			// Loop while playing to present time progress on stdout
			var t1 = int(math.Floor(enc.GetDuration()))
			for t := 0; t <= t1; t++ {
				if te := enc.GetElapsedTime(); te < float64(t)-.01 {
					enc.Flush(float64(t) - te)
				}

				fmt.Printf("\rPlaying %02d:%02d / %02d:%02d", t/60, t%60, t1/60, t1%60)
			}
			enc.Flush(1e9) // wait the last fraction of second
			fmt.Printf("\n")
		}
		if enc.Close() {
			return 0 // success
		}
	}

	if opt_oname != "" {
		fmt.Fprintf(os.Stderr, "Error: Write to %s failed\n", opt_oname)
	} else {
		fmt.Fprintf(os.Stderr, "Error: Playing audio failed\n")
	}
	os.Exit(1)
	return 1
}

//----------------------------------------------------------------------------
// Play command
//----------------------------------------------------------------------------

// Play either .tap or .wav to speaker
// Return command status (0=success)
func play(filename string) int {
	// Try playing .wav to speaker
	var src taperescue.Sound
	if src.ReadFromFile(filename, true /*silent*/) {
		// Play .wav as is
		var player = taperescue.NewSoundPlayer()
		player.Play(src)

		// Loop while playing to present time progress on stdout
		var t1 = int(math.Floor(src.GetDuration()))
		for t := 0; t <= t1; t++ {
			if te := player.GetElapsedTime(); te < float64(t)-.01 {
				player.Flush(float64(t) - te)
			}

			fmt.Printf("\rPlaying %02d:%02d / %02d:%02d", t/60, t%60, t1/60, t1%60)
		}
		player.Flush(1e9) // wait the last fraction of second
		fmt.Printf("\n")
		player.Close()
		return 0
	}

	// Wasn't .wav - try to encode .tap to waveform and play to speaker
	return encode(filename, "")
}

//----------------------------------------------------------------------------
// Record command
//----------------------------------------------------------------------------

// Record from line in and write .wav file
// Return command status (0=success)
func record(filename string) int {
	// Catch Ctrl-C
	var interrupted = make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)

	const sample_rate_hz = 44100
	var chunk_len = sample_rate_hz / 10
	var chunk = make([]float32, chunk_len)

	var recorder taperescue.SoundRecorder
	var writer taperescue.SoundWriter
	var read_ok = recorder.Open(sample_rate_hz, chunk_len)
	var write_ok = writer.Open(filename, sample_rate_hz)
	recorder.Start()
	defer recorder.Close()

	fmt.Printf("Recording %02d:%02d", 0, 0)

	var broken = false

	// Loop the following operations
	// * Read from SoundRecorder
	// * Print RMS values
	// * Write using SoundWriter
	for read_ok && write_ok {
		read_ok = recorder.Read(chunk)
		if !read_ok {
			break
		}
		var time = recorder.GetElapsedTime()

		// Calculate RMS of the window
		var sum_x, sum_x2 float64
		for _, x := range chunk {
			sum_x += float64(x)
			sum_x2 += float64(x) * float64(x)
		}
		// sum( (x - a)^2 ) = sum(x2) + n*a2 - 2a*sum(x)
		var a = sum_x / float64(chunk_len) // average
		var rms = math.Sqrt(sum_x2/float64(chunk_len) + a*a - 2*a*sum_x/float64(chunk_len))

		// Display using 20-step log volume scale
		var rms_low, rms_high = 0.001, 0.9
		const steps = 20
		var vol int
		switch {
		case rms <= rms_low:
			vol = 0
		case rms >= rms_high:
			vol = steps - 1
		default:
			vol = int(math.Floor(0.5 + (steps-1)*math.Log(rms/rms_low)/math.Log(rms_high/rms_low)))
		}
		var indicator = make([]byte, steps)
		for i := 0; i < steps; i++ {
			if vol > i {
				indicator[i] = '#'
			} else {
				indicator[i] = '-'
			}
		}

		var secs = int(math.Floor(time))
		fmt.Printf("\rRecording %02d:%02d |%s|", secs/60, secs%60, string(indicator))

		select {
		case <-interrupted:
			broken = true
			recorder.Stop()
		default:
		}
		if broken {
			break
		}
		write_ok = writer.Write(chunk)
	}
	fmt.Printf("\n")

	if !writer.Close() {
		write_ok = false
	}

	if broken {
		fmt.Printf("Recording stopped\n")
		return 0 // success
	} else if !read_ok {
		fmt.Fprintf(os.Stderr, "Error reading audio input\n")
	} else if !write_ok {
		fmt.Fprintf(os.Stderr, "Error writing %s\n", filename)
	}
	return 1 // failure
}

//----------------------------------------------------------------------------
// main
//----------------------------------------------------------------------------

func main() {
	pflag.Parse()

	var commands_given = 0
	for _, b := range []*bool{g_help, g_version, g_list, g_extract, g_decode, g_encode, g_play, g_record} {
		if *b {
			commands_given++
		}
	}

	// Non option arguments are filenames
	var filenames = pflag.Args()
	var filename0, filename1 string
	if len(filenames) >= 1 {
		filename0 = filenames[0]
	}
	if len(filenames) >= 2 {
		filename1 = filenames[1]
	}

	var illegal_options = false

	if commands_given != 1 {
		fmt.Fprintf(os.Stderr, "Error: %d commands specified, one expected\n", commands_given)
		illegal_options = true
	}

	if *g_fast && *g_slow {
		fmt.Fprintf(os.Stderr, "Error: Both slow and fast format specified\n")
		illegal_options = true
	}

	if *g_area_cue && *g_wide_cue {
		fmt.Fprintf(os.Stderr, "Error: Both --area-cue and --wide-cue specified\n")
		illegal_options = true
	}

	var filename_cnt_expected = 1
	switch {
	case *g_help, *g_version:
		filename_cnt_expected = 0
	case *g_decode, *g_encode:
		filename_cnt_expected = 2
	}

	if !illegal_options && len(filenames) != filename_cnt_expected {
		fmt.Fprintf(os.Stderr, "Error: %d filename(s) provided but %d expected\n",
			len(filenames), filename_cnt_expected)
		illegal_options = true
	}

	if *g_output_dir != "" && !*g_extract {
		fmt.Fprintf(os.Stderr, "Warning: Option --output-dir/-O has no effect without --extract/-x\n")
	}

	var start_time, serr = parse_time(*g_start)
	var end_time, eerr = parse_time(*g_end)
	if serr != nil || eerr != nil {
		if serr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", serr)
		}
		if eerr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", eerr)
		}
		illegal_options = true
	}

	var options = taperescue.DefaultDecoderOptions()

	// Preset file supplies defaults; explicit flags override below
	if *g_preset != "" {
		if err := options.LoadPreset(*g_preset); err != nil {
			log.Fatal("could not load preset", "path", *g_preset, "err", err)
		}
	}

	options.Filename = filename0
	options.Dump = *g_dump
	options.Start = start_time
	options.End = end_time
	if *g_verbose {
		options.Verbose = true
	}
	options.FRef = *g_clock
	if *g_fast {
		options.Fast = true
	}
	if *g_slow {
		options.Slow = true
	}
	if *g_dual {
		options.Dual = true
	}
	switch {
	case *g_low_band:
		options.Band = taperescue.BAND_LOW
	case *g_high_band:
		options.Band = taperescue.BAND_HIGH
	}
	switch {
	case *g_area_cue:
		options.Cue = taperescue.CUE_AREA
	case *g_wide_cue:
		options.Cue = taperescue.CUE_WIDE
	}
	switch {
	case *g_grid:
		options.Binner = taperescue.BINNER_GRID
	case *g_super:
		options.Binner = taperescue.BINNER_SUPER
	}
	switch {
	case *g_plen:
		options.Fdec = taperescue.FDEC_PLEN
	case *g_barrel:
		options.Fdec = taperescue.FDEC_BARREL
	}

	if illegal_options {
		help(os.Args[0])
		os.Exit(1)
	}

	switch {
	case *g_help:
		os.Exit(help(os.Args[0]))
	case *g_version:
		os.Exit(version())
	case *g_list:
		os.Exit(list(&options))
	case *g_extract:
		os.Exit(extract(&options))
	case *g_decode:
		os.Exit(decode(&options, filename1))
	case *g_encode:
		os.Exit(encode(filename0, filename1))
	case *g_play:
		os.Exit(play(filename0))
	case *g_record:
		os.Exit(record(filename0))
	}

	os.Exit(1) // should not come here
}
