/*
Copyright 2024 The Agent Operator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// kubeletDataDir is the symlink a mounted ConfigMap swaps atomically on update
const kubeletDataDir = "..data"

// Watcher reloads the configuration file into a Provider when it changes
type Watcher struct {
	loader   *Loader
	provider *Provider
	logger   logr.Logger
	settle   time.Duration
}

// NewWatcher creates a watcher for loader's config file
func NewWatcher(loader *Loader, provider *Provider, logger logr.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		provider: provider,
		logger:   logger.WithName("config-watcher"),
		settle:   100 * time.Millisecond,
	}
}

// Start watches until ctx is done. The file's directory is watched so that
// ConfigMap symlink swaps are seen as well as in-place writes.
func (w *Watcher) Start(ctx context.Context) error {
	if w.loader.ConfigFile == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.loader.ConfigFile)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	w.logger.Info("Started configuration watcher", "file", w.loader.ConfigFile)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				w.logger.Info("Configuration file changed, reloading", "file", event.Name, "op", event.Op.String())
				w.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "Configuration watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	return filepath.Clean(event.Name) == filepath.Clean(w.loader.ConfigFile) || base == kubeletDataDir
}

func (w *Watcher) reload() {
	// Editors and the kubelet write in several steps.
	time.Sleep(w.settle)

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error(err, "Keeping previous configuration")
		return
	}
	if err := w.provider.Update(cfg); err != nil {
		w.logger.Error(err, "Keeping previous configuration")
		return
	}
	w.logger.Info("Configuration reloaded")
}
