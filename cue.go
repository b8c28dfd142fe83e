package trackfs

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// parseCueSheet parses cue-sheet text (from either an embedded CUESHEET
// comment or a side-car .cue file) into a CueSheet. sampleRate converts
// mm:ss:ff timecodes to sample positions; it comes from the album's probed
// STREAMINFO/fmt chunk, not from the cue sheet itself.
//
// The grammar recognized is line-based and forgiving: blank lines and
// unrecognized commands are ignored. FILE/TRACK/INDEX/TITLE/PERFORMER/
// SONGWRITER are the only commands acted upon.
func parseCueSheet(text string, sampleRate uint32) (*CueSheet, error) {
	sheet := &CueSheet{}
	scanner := bufio.NewScanner(strings.NewReader(text))

	var current *CueTrack

	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(strings.ToUpper(line), "REM") {
			continue
		}

		cmd, args := splitCueLine(line)

		switch cmd {
		case "FILE":
			name, _ := parseCueFileArgs(args)
			sheet.FileName = name
		case "TRACK":
			if current != nil {
				sheet.Tracks = append(sheet.Tracks, *current)
			}

			num := parseCueTrackNumber(args)
			current = &CueTrack{Number: num}
		case "TITLE":
			title := unquoteCue(args)
			if current != nil {
				current.Title = title
			} else {
				sheet.Title = title
			}
		case "PERFORMER":
			performer := unquoteCue(args)
			if current != nil {
				current.Performer = performer
			} else {
				sheet.Performer = performer
			}
		case "SONGWRITER":
			songwriter := unquoteCue(args)
			if current != nil {
				current.Songwriter = songwriter
			} else {
				sheet.Songwriter = songwriter
			}
		case "INDEX":
			if current == nil {
				continue
			}

			num, ts, err := parseCueIndexArgs(args)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}

			current.Indexes = append(current.Indexes, CueIndex{
				Number:      num,
				StartSample: ts.toSamples(sampleRate),
			})
		}
	}

	if current != nil {
		sheet.Tracks = append(sheet.Tracks, *current)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cue sheet: %w", err)
	}

	if len(sheet.Tracks) == 0 {
		return nil, ErrNoTracks
	}

	for i := range sheet.Tracks {
		if _, ok := sheet.Tracks[i].Index1(); !ok {
			return nil, fmt.Errorf("track %d: %w", sheet.Tracks[i].Number, ErrMissingIndex1)
		}
	}

	return sheet, nil
}

// splitSemicolonValues splits a PERFORMER/SONGWRITER value containing ";"
// into multiple values, trimming surrounding whitespace from each.
func splitSemicolonValues(value string) []string {
	if value == "" {
		return nil
	}

	if !strings.Contains(value, ";") {
		return []string{value}
	}

	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}

// cueTimestamp is a raw MM:SS:FF cue timecode (75 CD frames per second).
type cueTimestamp struct {
	minutes int
	seconds int
	frames  int
}

const cdFramesPerSecond = 75

// toSamples converts a cue timecode to a sample position at sampleRate,
// rounded to the nearest integer.
func (t cueTimestamp) toSamples(sampleRate uint32) uint64 {
	const secondsPerMinute = 60

	totalFrames := uint64(t.minutes)*secondsPerMinute*cdFramesPerSecond +
		uint64(t.seconds)*cdFramesPerSecond + uint64(t.frames)

	// (((mm*60+ss)*75+ff) * sampleRate) / 75, rounded to nearest.
	num := totalFrames * uint64(sampleRate)

	return (num + cdFramesPerSecond/2) / cdFramesPerSecond
}

var cueTimeRegex = regexp.MustCompile(`^(\d+):(\d{1,2}):(\d{1,2})$`)

func parseCueTime(s string) (cueTimestamp, error) {
	m := cueTimeRegex.FindStringSubmatch(s)
	if m == nil {
		return cueTimestamp{}, fmt.Errorf("%w: %q", ErrBadTimecode, s)
	}

	minutes, _ := strconv.Atoi(m[1])
	seconds, _ := strconv.Atoi(m[2])
	frames, _ := strconv.Atoi(m[3])

	return cueTimestamp{minutes: minutes, seconds: seconds, frames: frames}, nil
}

// splitCueLine splits a cue-sheet line into its upper-cased command and the
// (untouched) remainder of the line.
func splitCueLine(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) < 2 {
		return strings.ToUpper(parts[0]), ""
	}

	return strings.ToUpper(parts[0]), strings.TrimSpace(parts[1])
}

// unquoteCue strips a single pair of surrounding double quotes, if present.
func unquoteCue(val string) string {
	val = strings.TrimSpace(val)
	if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
		return val[1 : len(val)-1]
	}

	return val
}

// parseCueFileArgs parses FILE command arguments: `"album.flac" WAVE`.
func parseCueFileArgs(args string) (name, fileType string) {
	if args != "" && args[0] == '"' {
		if end := strings.Index(args[1:], `"`); end >= 0 {
			return args[1 : end+1], strings.TrimSpace(args[end+2:])
		}

		return unquoteCue(args), ""
	}

	parts := strings.SplitN(args, " ", 2)
	if len(parts) > 1 {
		return parts[0], strings.TrimSpace(parts[1])
	}

	return parts[0], ""
}

func parseCueTrackNumber(args string) int {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0
	}

	num, _ := strconv.Atoi(fields[0])

	return num
}

func parseCueIndexArgs(args string) (int, cueTimestamp, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return 0, cueTimestamp{}, fmt.Errorf("%w: INDEX %q", ErrBadTimecode, args)
	}

	num, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, cueTimestamp{}, fmt.Errorf("%w: INDEX number %q", ErrBadTimecode, fields[0])
	}

	ts, err := parseCueTime(fields[1])
	if err != nil {
		return 0, cueTimestamp{}, err
	}

	return num, ts, nil
}
