package etc

import (
	"fmt"
	"math"
	"time"

	"github.com/nrednav/cuid2"
)

func NewFreshID() string {
	return cuid2.Generate()
}

func JulianDayToTime(f float64) time.Time {
	// Julian date for the Unix epoch (January 1, 1970)
	const julianEpoch = 2440587.5

	unixTime := (f - julianEpoch) * 86400.0

	return time.Unix(
		int64(unixTime),
		int64((unixTime-math.Floor(unixTime))*1e9),
	)
}

// FormatSeconds renders a second count as h:mm:ss or m:ss for display.
func FormatSeconds(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
