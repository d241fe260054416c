package config

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// SettingsProvider serves the latest pipeline settings. Each run reads one
// snapshot, so a reload never changes settings mid-run.
type SettingsProvider struct {
	current atomic.Pointer[indexing.Settings]
	logger  *zap.Logger
}

// NewSettingsProvider seeds the provider from cfg.
func NewSettingsProvider(cfg Config, logger *zap.Logger) (*SettingsProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &SettingsProvider{logger: logger}
	if err := p.Update(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Snapshot implements indexing.SettingsProvider.
func (p *SettingsProvider) Snapshot(context.Context) (indexing.Settings, error) {
	s := p.current.Load()
	if s == nil {
		return indexing.Settings{}, fmt.Errorf("settings not loaded")
	}
	return *s, nil
}

// Update swaps in the settings derived from cfg.
func (p *SettingsProvider) Update(cfg Config) error {
	s, err := cfg.Settings()
	if err != nil {
		return err
	}
	p.current.Store(&s)
	return nil
}

// Watch reloads path on change and pushes the new settings into p. Invalid
// files are logged and the previous snapshot stays in place.
func Watch(path string, p *SettingsProvider) error {
	if path == "" {
		return fmt.Errorf("watch requires a config file")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			p.logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := p.Update(cfg); err != nil {
			p.logger.Warn("settings reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		p.logger.Info("settings reloaded",
			zap.String("file", e.Name),
			zap.Bool("enabled", cfg.Pipeline.Enabled),
			zap.Uint32("requests_per_day_cap", cfg.Pipeline.RequestsPerDayCap),
			zap.String("timezone", cfg.Pipeline.Timezone),
		)
	})
	v.WatchConfig()
	return nil
}
