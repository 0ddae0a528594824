package app

import (
	"errors"
	"time"

	"stridebot/internal/config"
	"stridebot/internal/notify"
	"stridebot/internal/observability/pprof"
	"stridebot/internal/poller"
	"stridebot/internal/state"
	"stridebot/internal/strava"
	kit "stridebot/internal/transport"
	"stridebot/internal/transport/telegram"
	logx "stridebot/pkg/logx"
)

// The build helpers translate the on-disk configuration into per-service
// configs, parsing duration strings as they go. Validate runs them all so a
// bad edit is rejected before any service sees it.

func Validate(cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Telegram.ChannelID == 0 {
		return errors.New("telegram.channel_id is required")
	}
	if cfg.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if _, err := buildTelegram(cfg); err != nil {
		return err
	}
	if _, err := buildStrava(cfg); err != nil {
		return err
	}
	if _, err := buildPoller(cfg); err != nil {
		return err
	}
	if _, err := buildNotify(cfg); err != nil {
		return err
	}
	if _, err := buildStorage(cfg); err != nil {
		return err
	}
	return nil
}

func buildLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func buildTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: timeout,
	}, nil
}

func buildStrava(cfg *config.Config) (strava.Config, error) {
	timeout, err := config.ParseDurationOrDefault("strava.timeout", cfg.Strava.Timeout, 15*time.Second)
	if err != nil {
		return strava.Config{}, err
	}
	return strava.Config{
		BaseURL:    cfg.Strava.BaseURL,
		Timeout:    timeout,
		RatePerSec: cfg.Strava.RatePerSec,
	}, nil
}

func buildPoller(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 15*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("poller.bootstrap_window", cfg.Poller.BootstrapWindow, 24*time.Hour)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Interval:        interval,
		BootstrapWindow: window,
		Workers:         cfg.Poller.Workers,
		FetchLimit:      cfg.Strava.PerPage,
		Channel:         kit.ChatTarget{ChatID: cfg.Telegram.ChannelID},
	}, nil
}

func buildNotify(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notify
	if n == nil {
		return notify.Config{}, nil
	}
	base, err := config.ParseDurationOrDefault("notify.retry_base", n.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
		RetryBase:  base,
	}, nil
}

func buildPprof(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Debug.Pprof,
		Addr:    cfg.Debug.PprofAddr,
	}
}

func buildStorage(cfg *config.Config) (state.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return state.Config{}, err
	}
	return state.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}
