package poller

import (
	"fmt"
	"html"
	"strings"

	"stridebot/internal/strava"
)

const descriptionLimit = 1024

// formatActivity renders one activity as a Telegram HTML message.
func formatActivity(athleteID string, a strava.Activity) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\U0001F3C3 <b>New Activity: %s</b>\n", html.EscapeString(a.Name))

	who := strings.TrimSpace(a.Athlete.FirstName + " " + a.Athlete.LastName)
	if who == "" {
		who = "Athlete " + athleteID
	}
	fmt.Fprintf(&b, "<b>Athlete:</b> %s\n", html.EscapeString(who))

	if a.Type != "" {
		fmt.Fprintf(&b, "<b>Type:</b> %s\n", html.EscapeString(a.Type))
	}
	if st := a.StartTime(); !st.IsZero() {
		fmt.Fprintf(&b, "<b>Date:</b> %s\n", st.Format("2006-01-02 15:04"))
	}
	if a.Distance > 0 {
		fmt.Fprintf(&b, "<b>Distance:</b> %.2f km\n", a.Distance/1000)
	}
	if a.MovingTime > 0 {
		fmt.Fprintf(&b, "<b>Time:</b> %s\n", formatHMS(a.MovingTime))
	}
	if a.ElevationGain > 0 {
		fmt.Fprintf(&b, "<b>Elevation Gain:</b> %.0f m\n", a.ElevationGain)
	}
	if d := strings.TrimSpace(a.Description); d != "" {
		// Truncate in runes, not bytes: cutting a multi-byte sequence would
		// produce invalid UTF-8 that the chat platform rejects.
		if r := []rune(d); len(r) > descriptionLimit {
			d = string(r[:descriptionLimit])
		}
		fmt.Fprintf(&b, "%s\n", html.EscapeString(d))
	}
	fmt.Fprintf(&b, `<a href="https://www.strava.com/activities/%d">View on Strava</a>`, a.ID)

	return b.String()
}

func formatHMS(seconds int) string {
	h := seconds / 3600
	m := seconds % 3600 / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
