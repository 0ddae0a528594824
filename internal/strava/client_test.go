package strava

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	logx "stridebot/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, RatePerSec: 1000}, logx.Nop())
}

func TestActivitiesRequestShape(t *testing.T) {
	t.Parallel()
	since := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/athlete/activities" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("authorization header = %q", got)
		}
		if got := r.URL.Query().Get("after"); got != strconv.FormatInt(since.Unix(), 10) {
			t.Errorf("after = %q, want %d", got, since.Unix())
		}
		if got := r.URL.Query().Get("per_page"); got != "5" {
			t.Errorf("per_page = %q, want 5", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 101, "name": "Morning Run", "type": "Run",
			 "distance": 5000.5, "moving_time": 1800,
			 "total_elevation_gain": 50,
			 "start_date": "2026-08-30T06:30:00Z",
			 "athlete": {"firstname": "Ada", "lastname": "L"}}
		]`))
	}))

	acts, err := c.Activities(context.Background(), "tok-123", since, 5)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	a := acts[0]
	if a.ID != 101 || a.Name != "Morning Run" || a.Distance != 5000.5 {
		t.Fatalf("decoded activity = %+v", a)
	}
	want := time.Date(2026, 8, 30, 6, 30, 0, 0, time.UTC)
	if !a.StartTime().Equal(want) {
		t.Fatalf("start time = %v, want %v", a.StartTime(), want)
	}
}

func TestActivitiesErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"server error", http.StatusInternalServerError, ErrTransient},
		{"bad gateway", http.StatusBadGateway, ErrTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.Activities(context.Background(), "tok", time.Now(), 5)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("status %d -> %v, want %v", tc.status, err, tc.wantErr)
			}
		})
	}
}

func TestActivitiesMalformedBodyIsTransient(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"`))
	}))
	_, err := c.Activities(context.Background(), "tok", time.Now(), 5)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("malformed body -> %v, want ErrTransient", err)
	}
}

func TestActivitiesConnectionFailureIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse connections
	c := NewClient(Config{BaseURL: srv.URL, RatePerSec: 1000}, logx.Nop())

	_, err := c.Activities(context.Background(), "tok", time.Now(), 5)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("connection failure -> %v, want ErrTransient", err)
	}
}

func TestStartTimeMalformedIsZero(t *testing.T) {
	t.Parallel()
	a := Activity{StartDate: "yesterday-ish"}
	if !a.StartTime().IsZero() {
		t.Fatalf("malformed start date parsed to %v, want zero", a.StartTime())
	}
}
