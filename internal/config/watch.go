package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Live holds the scheduler settings that may change while the process runs.
type Live struct {
	scheduler atomic.Pointer[SchedulerConfig]
}

// NewLive seeds a Live snapshot.
func NewLive(cfg SchedulerConfig) *Live {
	l := &Live{}
	l.Store(cfg)
	return l
}

// Scheduler returns the current scheduler settings.
func (l *Live) Scheduler() SchedulerConfig {
	return *l.scheduler.Load()
}

// Store replaces the scheduler settings.
func (l *Live) Store(cfg SchedulerConfig) {
	l.scheduler.Store(&cfg)
}

// LoadWatched loads configuration like Load and keeps the returned Live in
// sync with later edits of the config file. Invalid edits are logged and ignored.
func LoadWatched(path string, logger zerolog.Logger) (*Config, *Live, error) {
	v, cfg, err := load(path)
	if err != nil {
		return nil, nil, err
	}

	live := NewLive(cfg.Scheduler)
	if v.ConfigFileUsed() == "" {
		return cfg, live, nil
	}

	logger = logger.With().Str("component", "config").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		live.Store(next.Scheduler)
		logger.Info().
			Str("file", e.Name).
			Bool("scheduler_enabled", next.Scheduler.Enabled).
			Dur("scheduler_interval", next.Scheduler.Interval).
			Msg("scheduler settings reloaded")
	})
	v.WatchConfig()

	return cfg, live, nil
}
