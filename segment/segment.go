// Package segment turns one audio file into an ordered list of overlapping
// time windows suitable for independent transcription, and extracts each
// window into its own chunk file.
package segment

import (
	"github.com/charmbracelet/log"
)

// Config controls window planning. All values are seconds except MaxChunks.
type Config struct {
	TargetWindow     float64
	Overlap          float64
	MinWindow        float64
	MaxWindow        float64
	MaxChunks        int
	MaxTotalDuration float64
}

func DefaultConfig() Config {
	return Config{
		TargetWindow:     30,
		Overlap:          5,
		MinWindow:        10,
		MaxWindow:        60,
		MaxChunks:        150,
		MaxTotalDuration: 7200,
	}
}

// Window is one planned (start, end) span in the source audio.
type Window struct {
	Start float64
	End   float64
}

// Interval is one detected span of speech. An interval with End <= Start has
// an unknown end (open interval from the detector).
type Interval struct {
	Start float64
	End   float64
}

func (iv Interval) endKnown() bool {
	return iv.End > iv.Start
}

// Plan produces windows biased toward speech boundaries. It accumulates
// consecutive speech intervals until the running duration would exceed the
// target window, then closes the window just past the next interval's start
// so boundary words land in both neighbors. An empty or singleton interval
// list signals that detection was unavailable, and planning falls back to
// PlanByTime.
func (cfg Config) Plan(duration float64, intervals []Interval) []Window {
	if len(intervals) <= 1 {
		log.Info("speech detection unavailable, falling back to time-based windows",
			"intervals", len(intervals))
		return cfg.PlanByTime(duration)
	}

	if duration > cfg.MaxTotalDuration {
		log.Warn("audio exceeds maximum scheduled duration, truncating",
			"duration", duration, "max", cfg.MaxTotalDuration)
		duration = cfg.MaxTotalDuration
	}

	var windows []Window
	currentStart := 0.0
	currentDuration := 0.0

	for _, iv := range intervals {
		if iv.Start >= duration {
			break
		}

		segmentDuration := cfg.TargetWindow
		if iv.endKnown() {
			segmentDuration = iv.End - iv.Start
		}

		if currentDuration+segmentDuration > cfg.TargetWindow &&
			currentDuration >= cfg.MinWindow {

			end := iv.Start + cfg.Overlap
			if iv.endKnown() && end > iv.End {
				end = iv.End
			}
			if end > currentStart+cfg.MaxWindow {
				end = currentStart + cfg.MaxWindow
			}
			windows = append(windows, Window{Start: currentStart, End: end})

			if len(windows) >= cfg.MaxChunks {
				log.Warn("window limit reached, truncating plan", "max", cfg.MaxChunks)
				return windows
			}

			currentStart = iv.Start - cfg.Overlap
			if currentStart < 0 {
				currentStart = 0
			}
			currentDuration = segmentDuration + cfg.Overlap
		} else {
			currentDuration += segmentDuration
		}
	}

	if currentDuration >= cfg.MinWindow {
		windows = append(windows, Window{Start: currentStart, End: duration})
	}

	return windows
}

// PlanByTime produces fixed-size windows stepping targetWindow - overlap at a
// time. A remainder shorter than the minimum window extends the last window
// instead of becoming its own tiny chunk.
func (cfg Config) PlanByTime(duration float64) []Window {
	if duration > cfg.MaxTotalDuration {
		log.Warn("audio exceeds maximum scheduled duration, truncating",
			"duration", duration, "max", cfg.MaxTotalDuration)
		duration = cfg.MaxTotalDuration
	}

	if duration <= cfg.TargetWindow {
		return []Window{{Start: 0, End: duration}}
	}

	var windows []Window
	current := 0.0

	for current < duration {
		end := current + cfg.TargetWindow
		if end > duration {
			end = duration
		}
		windows = append(windows, Window{Start: current, End: end})

		if len(windows) >= cfg.MaxChunks {
			log.Warn("window limit reached, truncating plan", "max", cfg.MaxChunks)
			break
		}

		current += cfg.TargetWindow - cfg.Overlap

		if duration-current < cfg.MinWindow {
			windows[len(windows)-1].End = duration
			break
		}
	}

	return windows
}
