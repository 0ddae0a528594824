package poller

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"stridebot/internal/strava"
)

func TestFormatActivity(t *testing.T) {
	t.Parallel()
	a := strava.Activity{
		ID:            12345,
		Name:          "Morning Run <3",
		Type:          "Run",
		Distance:      10500,
		MovingTime:    3725,
		ElevationGain: 142,
		Description:   "Nice & easy",
		StartDate:     time.Date(2026, 8, 30, 6, 30, 0, 0, time.UTC).Format(time.RFC3339),
		Athlete:       strava.Athlete{FirstName: "Ada", LastName: "L"},
	}

	got := formatActivity("42", a)
	for _, want := range []string{
		"Morning Run &lt;3",
		"Ada L",
		"<b>Type:</b> Run",
		"<b>Date:</b> 2026-08-30 06:30",
		"<b>Distance:</b> 10.50 km",
		"<b>Time:</b> 01:02:05",
		"<b>Elevation Gain:</b> 142 m",
		"Nice &amp; easy",
		`href="https://www.strava.com/activities/12345"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered message missing %q:\n%s", want, got)
		}
	}
}

func TestFormatActivityMinimalFields(t *testing.T) {
	t.Parallel()
	got := formatActivity("42", strava.Activity{ID: 7, Name: "Workout"})

	if !strings.Contains(got, "Athlete 42") {
		t.Errorf("expected fallback athlete label, got:\n%s", got)
	}
	for _, absent := range []string{"Distance", "Elevation", "<b>Time:", "<b>Date:"} {
		if strings.Contains(got, absent) {
			t.Errorf("zero-value field %q should be omitted:\n%s", absent, got)
		}
	}
}

func TestFormatActivityTruncatesDescription(t *testing.T) {
	t.Parallel()
	a := strava.Activity{ID: 1, Name: "Long", Description: strings.Repeat("x", 5000)}
	got := formatActivity("42", a)
	if strings.Count(got, "x") != descriptionLimit {
		t.Fatalf("description not truncated to %d chars", descriptionLimit)
	}
}

func TestFormatActivityTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	// A multi-byte rune straddling the limit must not be cut mid-sequence:
	// the platform rejects messages with invalid UTF-8, which would make
	// this activity undeliverable forever.
	a := strava.Activity{
		ID:          1,
		Name:        "Alpine",
		Description: strings.Repeat("x", descriptionLimit-1) + "é回🚴 tail",
	}
	got := formatActivity("42", a)
	if !utf8.ValidString(got) {
		t.Fatal("rendered message contains invalid UTF-8 after truncation")
	}
	if !strings.Contains(got, "é") {
		t.Fatal("rune at the truncation point was dropped instead of kept whole")
	}
	if strings.Contains(got, "tail") {
		t.Fatal("description not truncated")
	}
}

func TestFormatHMS(t *testing.T) {
	t.Parallel()
	cases := []struct {
		seconds int
		want    string
	}{
		{0, "00:00:00"},
		{59, "00:00:59"},
		{3600, "01:00:00"},
		{3725, "01:02:05"},
		{90061, "25:01:01"},
	}
	for _, tc := range cases {
		if got := formatHMS(tc.seconds); got != tc.want {
			t.Errorf("formatHMS(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
