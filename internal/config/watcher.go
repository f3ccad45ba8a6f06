package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and reports scope-identity changes so the
// engine can remount its session with the new (server, token, period) tuple.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu            sync.RWMutex
	current       *Config
	onScopeChange func(*Config)
}

// NewWatcher creates a watcher for the config's .env file.
func NewWatcher(cfg *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  cfg.EnvPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		current:  cfg,
	}

	if stat, err := os.Stat(cfg.EnvPath); err == nil {
		w.lastModTime = stat.ModTime()
	}

	return w, nil
}

// SetScopeChangeCallback sets the callback invoked with the fresh config
// whenever a reload changes the scope identity.
func (w *Watcher) SetScopeChangeCallback(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onScopeChange = callback
}

// Start begins watching. Falls back to polling when the directory cannot be
// watched.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload manually triggers a config reload (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reloadConfig()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce - wait a bit for the write to complete
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reloadConfig()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				log.Info().Msg("Detected .env file change via polling")
				w.lastModTime = stat.ModTime()
				w.reloadConfig()
			}

		case <-w.stopChan:
			return
		}
	}
}

// reloadConfig re-reads the .env file and fires the scope callback when the
// identity tuple changed. Only scope fields are reloaded at runtime; the
// rest requires a restart.
func (w *Watcher) reloadConfig() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
		}
		return
	}

	w.mu.Lock()
	updated := *w.current
	if v, ok := envMap["SM_SERVER_ID"]; ok {
		updated.ServerID = strings.Trim(v, "'\"")
	}
	if v, ok := envMap["SM_API_TOKEN"]; ok {
		updated.APIToken = strings.Trim(v, "'\"")
	}
	if v, ok := envMap["SM_PERIOD"]; ok {
		updated.Period = strings.Trim(v, "'\"")
	}

	changed := updated.ScopeChanged(w.current)
	callback := w.onScopeChange
	if changed {
		w.current = &updated
	}
	w.mu.Unlock()

	if !changed {
		log.Debug().Msg("No scope changes detected in .env file")
		return
	}

	log.Info().
		Str("serverID", updated.ServerID).
		Str("period", updated.Period).
		Msg("Scope identity changed in .env file")

	// Deliver synchronously: reloads come from a single goroutine, so scope
	// remounts are applied one at a time, in the order they were detected.
	if callback != nil {
		callback(&updated)
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
