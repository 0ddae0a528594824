package strava

import "time"

// Activity is a single activity as returned by the athlete activities
// endpoint. Fields beyond ID and StartTime are rendering-only.
type Activity struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Distance      float64 `json:"distance"`            // meters
	MovingTime    int     `json:"moving_time"`         // seconds
	ElevationGain float64 `json:"total_elevation_gain"` // meters
	Description   string  `json:"description,omitempty"`
	StartDate     string  `json:"start_date"` // RFC3339, UTC
	Athlete       Athlete `json:"athlete"`
}

type Athlete struct {
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
}

// StartTime parses the activity start instant. A malformed date yields the
// zero time: such activities sort first and the poller falls back to the
// cycle start when advancing the watermark past them.
func (a Activity) StartTime() time.Time {
	t, err := time.Parse(time.RFC3339, a.StartDate)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
