package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDebounce lets editors finish multi-step saves before the file is read.
const reloadDebounce = 250 * time.Millisecond

// Watch re-loads path when it changes and calls apply with every new valid
// config. Invalid or unchanged files are skipped. Watch blocks until ctx ends.
func Watch(ctx context.Context, path string, current Config, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	// watch the directory so rename-based saves are seen
	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	logger := log.With().Str("component", "config").Str("path", path).Logger()

	var (
		mu    sync.Mutex
		last  = current
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn().Err(err).Msg("config rejected")
			return
		}
		mu.Lock()
		unchanged := reflect.DeepEqual(cfg, last)
		if !unchanged {
			last = cfg
		}
		mu.Unlock()
		if unchanged {
			return
		}
		logger.Info().Msg("config reloaded")
		apply(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
