package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Strava   StravaConfig   `json:"strava"`
	Poller   PollerConfig   `json:"poller"`
	Notify   *NotifyConfig  `json:"notify,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

// DebugConfig controls the optional pprof listener. Loopback only.
type DebugConfig struct {
	Pprof     bool   `json:"pprof,omitempty"`
	PprofAddr string `json:"pprof_addr,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChannelID is the chat that receives activity notifications.
	ChannelID    int64   `json:"channel_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StravaConfig controls the activity API client.
type StravaConfig struct {
	// BaseURL defaults to the public Strava API; override for tests/mocks.
	BaseURL string `json:"base_url,omitempty"`
	// PerPage caps activities fetched per athlete per cycle.
	PerPage int `json:"per_page,omitempty"`
	// Timeout is a Go duration string for a single API call.
	Timeout string `json:"timeout,omitempty"`
	// RatePerSec bounds outgoing API calls across all athletes.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// PollerConfig controls the polling scheduler.
//
// All durations are Go duration strings (e.g. "15m", "24h").
type PollerConfig struct {
	// Interval between poll cycles. Default "15m".
	Interval string `json:"interval,omitempty"`
	// BootstrapWindow is the lookback applied to a freshly registered
	// athlete so history is not flooded into the channel. Default "24h".
	BootstrapWindow string `json:"bootstrap_window,omitempty"`
	// Workers bounds concurrent per-athlete pipelines. Default 4, max 8.
	Workers int `json:"workers,omitempty"`
}

// NotifyConfig controls outbound delivery pacing and retries.
// If the section is omitted, defaults apply.
type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
	// RetryBase is a Go duration string; delays grow exponentially from it.
	RetryBase string `json:"retry_base,omitempty"`
}

// StorageConfig selects the persistence backend for athlete state.
//
// Example:
//
//	storage: { driver: "file", path: "./stridebot_state.json" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
