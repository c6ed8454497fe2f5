// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp is the kind of filesystem change.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpWrite  ChangeOp = "write"
	OpRemove ChangeOp = "remove"
	OpRename ChangeOp = "rename"
)

// Change is one live filesystem change under a watched root.
type Change struct {
	// Path is slash-separated and relative to the root.
	Path string
	Op   ChangeOp
	Time time.Time
}

// Watcher reports file changes under a directory while an attempt runs, so
// hooks can see real progress before the final proof exists.
//
// Changes are live hints only. The Proof is always computed from snapshots.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	ignore  map[string]bool
	logger  *slog.Logger

	changes  chan Change
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for root. Call Start to begin and Stop to
// release it.
func NewWatcher(root string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ignore := make(map[string]bool, len(DefaultIgnoreDirs))
	for _, name := range DefaultIgnoreDirs {
		ignore[name] = true
	}
	return &Watcher{
		root:    root,
		watcher: fw,
		ignore:  ignore,
		logger:  logger,
		changes: make(chan Change, 256),
		done:    make(chan struct{}),
	}, nil
}

// Changes returns the change stream. It is closed after Stop or ctx expiry.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start watches root recursively until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for dir := filepath.Dir(rel); dir != "." && dir != "/"; dir = filepath.Dir(dir) {
		if w.ignore[filepath.Base(dir)] {
			return true
		}
	}
	return w.ignore[filepath.Base(rel)]
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.changes)
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Debug("watch new directory failed",
							slog.String("path", event.Name), slog.String("error", err.Error()))
					}
					continue
				}
			}

			op, ok := convertOp(event.Op)
			if !ok {
				continue
			}
			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil {
				continue
			}
			change := Change{Path: filepath.ToSlash(rel), Op: op, Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.logger.Debug("watcher buffer full, change dropped", slog.String("path", change.Path))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) (ChangeOp, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpWrite, true
	case op.Has(fsnotify.Remove):
		return OpRemove, true
	case op.Has(fsnotify.Rename):
		return OpRename, true
	default:
		return "", false
	}
}
