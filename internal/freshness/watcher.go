package freshness

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a rules file into an Engine whenever it changes on disk
type Watcher struct {
	path         string
	defaultHours int
	engine       *Engine
	logger       *zap.Logger
	watcher      *fsnotify.Watcher
}

// NewWatcher watches the directory holding path so that editors replacing
// the file by rename are picked up too. defaultHours fills in a reloaded file
// that sets no default_hours.
func NewWatcher(path string, defaultHours int, engine *Engine, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:         filepath.Clean(path),
		defaultHours: defaultHours,
		engine:       engine,
		logger:       logger,
		watcher:      fw,
	}, nil
}

// Run applies reloads until ctx is done. An unparsable file keeps the
// previous policy in place.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("freshness rules watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	p, err := LoadPolicyWithDefault(w.path, w.defaultHours)
	if err != nil {
		w.logger.Warn("freshness rules not reloaded", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.engine.SetPolicy(p)
	w.logger.Info("freshness rules reloaded",
		zap.String("path", w.path),
		zap.Int("categories", len(p.Categories)))
}
