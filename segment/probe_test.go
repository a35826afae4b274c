package segment

import (
	"context"
	"errors"
	"testing"
)

type MockCommandRunner struct {
	Outputs map[string][]byte
	Errs    map[string]error
	Calls   []string
}

func (m *MockCommandRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	m.Calls = append(m.Calls, name)
	return m.Outputs[name], m.Errs[name]
}

func TestProbeDurationPrefersFFprobe(t *testing.T) {
	cmd := &MockCommandRunner{
		Outputs: map[string][]byte{"ffprobe": []byte("123.45\n")},
	}

	d := probeDuration(context.Background(), cmd, "audio.mp3", 0)
	if d != 123.45 {
		t.Errorf("Expected 123.45, got %f", d)
	}
	if len(cmd.Calls) != 1 || cmd.Calls[0] != "ffprobe" {
		t.Errorf("Expected a single ffprobe call, got %v", cmd.Calls)
	}
}

func TestProbeDurationDecodeFallback(t *testing.T) {
	cmd := &MockCommandRunner{
		Outputs: map[string][]byte{
			"ffmpeg": []byte("Input #0, mp3\n  Duration: 00:01:30.50, start: 0.0\n"),
		},
		Errs: map[string]error{"ffprobe": errors.New("no ffprobe")},
	}

	d := probeDuration(context.Background(), cmd, "audio.mp3", 0)
	if d != 90.5 {
		t.Errorf("Expected 90.5, got %f", d)
	}
}

func TestProbeDurationByteEstimate(t *testing.T) {
	cmd := &MockCommandRunner{
		Errs: map[string]error{
			"ffprobe": errors.New("missing"),
			"ffmpeg":  errors.New("missing"),
		},
	}

	d := probeDuration(context.Background(), cmd, "audio.wav", 320000)
	if d != 10 {
		t.Errorf("Expected 10s from 320000 bytes of wav, got %f", d)
	}
}

func TestParseFFmpegDurationTimeFallback(t *testing.T) {
	output := "frame=1 time=00:00:10.00 bitrate=N/A\n" +
		"frame=2 time=00:00:42.25 bitrate=N/A\n"

	d, err := parseFFmpegDuration(output)
	if err != nil {
		t.Fatalf("parseFFmpegDuration: %v", err)
	}
	if d != 42.25 {
		t.Errorf("Expected the last time= value 42.25, got %f", d)
	}
}

func TestParseFFmpegDurationNoMatch(t *testing.T) {
	if _, err := parseFFmpegDuration("nothing useful here"); err == nil {
		t.Error("Expected an error for unparseable output")
	}
}

func TestDetectSpeechIntervals(t *testing.T) {
	output := "Input #0, wav\n" +
		"  Duration: 00:01:00.00, start: 0.0\n" +
		"[silencedetect] silence_start: 10.5\n" +
		"[silencedetect] silence_end: 15.0 | silence_duration: 4.5\n" +
		"[silencedetect] silence_start: 40.0\n" +
		"[silencedetect] silence_end: 42.0 | silence_duration: 2.0\n"
	cmd := &MockCommandRunner{
		Outputs: map[string][]byte{"ffmpeg": []byte(output)},
	}

	intervals, err := detectSpeechIntervals(context.Background(), cmd, "audio.wav")
	if err != nil {
		t.Fatalf("detectSpeechIntervals: %v", err)
	}

	expected := []Interval{
		{Start: 0, End: 10.5},
		{Start: 15, End: 40},
		{Start: 42, End: 60},
	}
	if len(intervals) != len(expected) {
		t.Fatalf("Expected %d intervals, got %d: %+v", len(expected), len(intervals), intervals)
	}
	for i := range expected {
		if intervals[i] != expected[i] {
			t.Errorf("Interval %d = %+v, want %+v", i, intervals[i], expected[i])
		}
	}
}

func TestInvertSilencesLeadingSilence(t *testing.T) {
	intervals := invertSilences([]silence{{start: 0, end: 5}}, 30)
	if len(intervals) != 1 {
		t.Fatalf("Expected 1 interval, got %d", len(intervals))
	}
	if intervals[0].Start != 5 || intervals[0].End != 30 {
		t.Errorf("Expected [5, 30], got [%.1f, %.1f]", intervals[0].Start, intervals[0].End)
	}
}

func TestInvertSilencesNoSilence(t *testing.T) {
	intervals := invertSilences(nil, 20)
	if len(intervals) != 1 || intervals[0] != (Interval{Start: 0, End: 20}) {
		t.Errorf("Expected one full-span interval, got %+v", intervals)
	}
}
