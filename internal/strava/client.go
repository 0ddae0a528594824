package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	logx "stridebot/pkg/logx"
)

// Error taxonomy for fetch failures. ErrAuth is not retryable and suspends
// the athlete; the other two are retried on the next poll cycle.
var (
	ErrAuth        = errors.New("strava: credential rejected")
	ErrRateLimited = errors.New("strava: rate limited")
	ErrTransient   = errors.New("strava: transient failure")
)

const (
	defaultBaseURL = "https://www.strava.com/api/v3"
	defaultPerPage = 10
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int
}

// Client fetches athlete activities. One client is shared across all
// monitored athletes; the limiter bounds total outgoing call rate.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

// Activities returns activities started strictly after since, capped at
// limit, in whatever order the API chose. The caller must not rely on the
// ordering.
func (c *Client) Activities(ctx context.Context, token string, since time.Time, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = defaultPerPage
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("after", strconv.FormatInt(since.Unix(), 10))
	q.Set("per_page", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	var activities []Activity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrTransient, err)
	}
	return activities, nil
}
