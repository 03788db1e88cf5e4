package featureflags

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/packgate/packgate/pkg/observability"
)

// FileOracle reads flags from a YAML file of `key: bool` entries and
// hot-reloads on change, so operators can toggle an ecosystem without a
// restart.
type FileOracle struct {
	path    string
	logger  *observability.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	flags map[string]bool
}

// NewFileOracle loads the flag file and starts watching it. Close must be
// called to release the watcher.
func NewFileOracle(path string, logger *observability.Logger) (*FileOracle, error) {
	o := &FileOracle{
		path:   path,
		logger: logger,
		flags:  make(map[string]bool),
	}

	if err := o.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create flag file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch flag file %s: %w", path, err)
	}
	o.watcher = watcher

	go o.watch()
	return o, nil
}

func (o *FileOracle) reload() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return fmt.Errorf("failed to read flag file %s: %w", o.path, err)
	}

	flags := make(map[string]bool)
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return fmt.Errorf("failed to parse flag file %s: %w", o.path, err)
	}

	o.mu.Lock()
	o.flags = flags
	o.mu.Unlock()
	return nil
}

func (o *FileOracle) watch() {
	for {
		select {
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := o.reload(); err != nil {
				// keep the previous flag set on a bad write
				o.logger.WithError(err).Warn("feature flag reload failed")
				continue
			}
			o.logger.WithField("path", o.path).Info("feature flags reloaded")
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.logger.WithError(err).Warn("feature flag watcher error")
		}
	}
}

// Enabled implements Oracle
func (o *FileOracle) Enabled(_ context.Context, key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.flags[key]
}

// Close stops the file watcher
func (o *FileOracle) Close() error {
	if o.watcher == nil {
		return nil
	}
	return o.watcher.Close()
}
