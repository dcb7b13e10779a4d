package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher hot-reloads the configuration file and pushes the parsed result to
// a callback. Reload failures keep the previous configuration in effect.
type Watcher struct {
	configFile string
	onChange   func(*Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given config file. onChange receives
// every successfully reloaded configuration.
func NewWatcher(configFile string, onChange func(*Config)) *Watcher {
	return &Watcher{
		configFile: configFile,
		onChange:   onChange,
		stop:       make(chan struct{}),
	}
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.configFile)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.configFile) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Infof("config file changed (%s), reloading...", event.Name)
					// Debounce editor save sequences.
					time.Sleep(100 * time.Millisecond)
					cfg, err := LoadConfig(w.configFile)
					if err != nil {
						log.Errorf("failed to reload config, keeping previous: %v", err)
						continue
					}
					w.onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("config watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
		w.watcher.Close()
		w.watcher = nil
	}
}
