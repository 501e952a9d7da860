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

	"github.com/entitlekit/entitlekit-go/internal/logging"
)

// Watcher monitors the .env file and applies the log level live. Log level
// is the only safely hot-swappable setting; everything else requires a
// restart.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
}

// NewWatcher creates a watcher over envPath. The file does not need to exist
// yet; its directory is watched so creation is picked up.
func NewWatcher(envPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  envPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}

	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}

	dir := filepath.Dir(envPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.run()
	log.Debug().Str("path", envPath).Msg("Config watcher started")
	return w, nil
}

func (w *Watcher) run() {
	// Editors often emit several events per save; debounce them.
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(250*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	stat, err := os.Stat(w.envPath)
	if err != nil {
		return
	}
	if !stat.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = stat.ModTime()

	values, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to re-read .env file")
		return
	}

	if level, ok := values["ENTITLE_LOG_LEVEL"]; ok && strings.TrimSpace(level) != "" {
		logging.SetLevel(level)
		log.Info().Str("level", level).Msg("Log level reloaded from .env")
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	return w.watcher.Close()
}
