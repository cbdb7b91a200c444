package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
)

// WatchConfig tunes the hot-reload behavior.
type WatchConfig struct {
	Cooldown time.Duration `yaml:"cooldown" default:"5s"`
}

// Watcher reloads the config file on change. A config that fails validation
// is rejected and the previous one stays active.
type Watcher struct {
	path     string
	cooldown time.Duration
	log      *logger.Logger
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, cfg WatchConfig, log *logger.Logger) *Watcher {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	return &Watcher{path: path, cooldown: cfg.Cooldown, log: log}
}

// Run watches until ctx is done, invoking onUpdate with each valid reload.
func (w *Watcher) Run(ctx context.Context, onUpdate func(Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var lastReload time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < w.cooldown {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload rejected", zap.Error(err))
				continue
			}
			lastReload = time.Now()
			w.log.Info("config reloaded", zap.String("path", w.path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}
