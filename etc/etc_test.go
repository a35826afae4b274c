package etc

import (
	"testing"
	"time"
)

func TestNewFreshIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewFreshID()
		if id == "" {
			t.Fatal("Expected a non-empty id")
		}
		if seen[id] {
			t.Fatalf("Duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestJulianDayToTime(t *testing.T) {
	// 2440587.5 is the Unix epoch.
	epoch := JulianDayToTime(2440587.5)
	if !epoch.Equal(time.Unix(0, 0)) {
		t.Errorf("Expected Unix epoch, got %v", epoch)
	}

	oneDayLater := JulianDayToTime(2440588.5)
	if got := oneDayLater.Sub(epoch); got != 24*time.Hour {
		t.Errorf("Expected 24h difference, got %v", got)
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "0:00"},
		{59, "0:59"},
		{61.4, "1:01"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
	}
	for _, c := range cases {
		if got := FormatSeconds(c.seconds); got != c.want {
			t.Errorf("FormatSeconds(%.1f) = %q, want %q", c.seconds, got, c.want)
		}
	}
}
