package segment

import (
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// commandRunner abstracts ffmpeg/ffprobe invocation so probing can be tested
// without the binaries installed.
type commandRunner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Rough bytes-per-second rates for common containers, calibrated for typical
// speech recordings. Used only as the last probing fallback.
var bytesPerSecondByExt = map[string]float64{
	".wav":  32000, // 16 kHz mono 16-bit PCM
	".flac": 20000,
	".mp3":  16000, // ~128 kbps
	".m4a":  12000,
	".aac":  12000,
	".ogg":  8000,
	".opus": 6000,
	".webm": 8000,
}

const defaultBytesPerSecond = 16000

// ProbeDuration resolves the audio duration in seconds, trying in order an
// ffprobe metadata read, a full ffmpeg null decode, and finally a byte-size
// estimate from the container format. It never fails: the estimate is always
// available.
func ProbeDuration(ctx context.Context, path string, size int64) float64 {
	return probeDuration(ctx, osCommandRunner{}, path, size)
}

func probeDuration(ctx context.Context, cmd commandRunner, path string, size int64) float64 {
	if d, err := probeWithFFprobe(ctx, cmd, path); err == nil && d > 0 {
		return d
	}

	if d, err := probeWithDecode(ctx, cmd, path); err == nil && d > 0 {
		log.Info("metadata probe failed, used decode fallback", "path", path, "duration", d)
		return d
	}

	d := estimateFromSize(path, size)
	log.Warn("duration probing failed, using byte-size estimate",
		"path", path, "size", size, "estimate", d)
	return d
}

func probeWithFFprobe(ctx context.Context, cmd commandRunner, path string) (float64, error) {
	out, err := cmd.CombinedOutput(ctx, "ffprobe", []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

func probeWithDecode(ctx context.Context, cmd commandRunner, path string) (float64, error) {
	out, err := cmd.CombinedOutput(ctx, "ffmpeg", []string{
		"-i", path,
		"-f", "null", "-",
	})
	// ffmpeg often exits non-zero while still printing file info, so try to
	// parse the output regardless.
	if err != nil && len(out) == 0 {
		return 0, err
	}
	return parseFFmpegDuration(string(out))
}

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
)

// parseFFmpegDuration extracts a duration from ffmpeg stderr, preferring the
// "Duration:" header and falling back to the last "time=" progress line.
func parseFFmpegDuration(output string) (float64, error) {
	if m := durationRe.FindStringSubmatch(output); m != nil {
		return timeComponents(m[1], m[2], m[3], m[4]), nil
	}
	all := timeRe.FindAllStringSubmatch(output, -1)
	if len(all) > 0 {
		m := all[len(all)-1]
		return timeComponents(m[1], m[2], m[3], m[4]), nil
	}
	return 0, errNoDuration
}

type parseError string

func (e parseError) Error() string { return string(e) }

const errNoDuration = parseError("could not parse duration from ffmpeg output")

func timeComponents(hours, minutes, seconds, fractional string) float64 {
	h, _ := strconv.Atoi(hours)
	m, _ := strconv.Atoi(minutes)
	s, _ := strconv.Atoi(seconds)
	frac, _ := strconv.ParseFloat("0."+fractional, 64)
	return float64(h*3600+m*60+s) + frac
}

func estimateFromSize(path string, size int64) float64 {
	if size <= 0 {
		return 0
	}
	rate, ok := bytesPerSecondByExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		rate = defaultBytesPerSecond
	}
	return float64(size) / rate
}

// DetectSpeechIntervals runs ffmpeg silencedetect over the file and inverts
// the detected silences into speech intervals. An empty or singleton result
// is the documented "detection unavailable" signal for the planner.
func DetectSpeechIntervals(ctx context.Context, path string) ([]Interval, error) {
	return detectSpeechIntervals(ctx, osCommandRunner{}, path)
}

func detectSpeechIntervals(ctx context.Context, cmd commandRunner, path string) ([]Interval, error) {
	out, err := cmd.CombinedOutput(ctx, "ffmpeg", []string{
		"-i", path,
		"-af", "silencedetect=noise=-30dB:d=0.5",
		"-f", "null", "-",
	})
	if err != nil && len(out) == 0 {
		return nil, err
	}

	output := string(out)
	silences := parseSilences(output)
	duration, err := parseFFmpegDuration(output)
	if err != nil {
		return nil, err
	}

	return invertSilences(silences, duration), nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*([\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([\d.]+)`)
)

type silence struct {
	start float64
	end   float64
}

func parseSilences(output string) []silence {
	var silences []silence
	var currentStart float64
	hasStart := false

	for _, line := range strings.Split(output, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				currentStart = v
				hasStart = true
			}
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && hasStart {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				silences = append(silences, silence{start: currentStart, end: v})
				hasStart = false
			}
		}
	}

	return silences
}

// invertSilences turns the silent spans of [0, duration] into speech spans.
func invertSilences(silences []silence, duration float64) []Interval {
	var intervals []Interval
	cursor := 0.0

	for _, s := range silences {
		if s.start > cursor {
			intervals = append(intervals, Interval{Start: cursor, End: s.start})
		}
		if s.end > cursor {
			cursor = s.end
		}
	}
	if cursor < duration {
		intervals = append(intervals, Interval{Start: cursor, End: duration})
	}

	return intervals
}
