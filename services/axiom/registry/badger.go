// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	task/<id>             JSON Task
//	child/<parent>/<id>   empty; reverse index for GetChildren
const (
	taskPrefix  = "task/"
	childPrefix = "child/"
)

// conflictRetries bounds retries of an update that lost a write conflict.
const conflictRetries = 3

// BadgerConfig configures a BadgerRegistry.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps the database in memory only.
	InMemory bool `yaml:"in_memory"`

	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultBadgerConfig returns durable defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerRegistry persists tasks in BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerRegistry struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadgerRegistry opens (or creates) a registry database.
//
// Inputs:
//   - cfg: Database configuration. Path is required unless InMemory.
//   - logger: Receives badger's own logs. Nil uses slog.Default().
//
// Outputs:
//   - *BadgerRegistry: Caller must Close it.
//   - error: Non-nil if the directory or database cannot be opened.
func OpenBadgerRegistry(cfg BadgerConfig, logger *slog.Logger) (*BadgerRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("registry path is required for a persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create registry directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	r := &BadgerRegistry{db: db, logger: logger, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		r.stopGC = make(chan struct{})
		r.gcDone = make(chan struct{})
		go r.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return r, nil
}

func (r *BadgerRegistry) runGC(interval time.Duration, ratio float64) {
	defer close(r.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("registry value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (r *BadgerRegistry) Close() error {
	if r.stopGC != nil {
		close(r.stopGC)
		<-r.gcDone
		r.stopGC = nil
	}
	return r.db.Close()
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func childKey(parent, id string) []byte {
	return []byte(childPrefix + parent + "/" + id)
}

func getTask(txn *badger.Txn, id string) (Task, error) {
	item, err := txn.Get(taskKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", id, err)
	}
	var task Task
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &task)
	})
	if err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

func putTask(txn *badger.Txn, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return txn.Set(taskKey(task.ID), data)
}

// RecordTaskStart implements Registry.
func (r *BadgerRegistry) RecordTaskStart(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareStart(&task, r.now()); err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(taskKey(task.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if task.ParentID != "" {
			if _, err := getTask(txn, task.ParentID); err != nil {
				if errors.Is(err, ErrTaskNotFound) {
					return fmt.Errorf("%w: parent %s", ErrTaskNotFound, task.ParentID)
				}
				return err
			}
			if err := txn.Set(childKey(task.ParentID, task.ID), nil); err != nil {
				return err
			}
		}
		return putTask(txn, task)
	})
}

// RecordTaskUpdate implements Registry.
func (r *BadgerRegistry) RecordTaskUpdate(ctx context.Context, id string, update Update) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	var out Task
	err := r.update(func(txn *badger.Txn) error {
		task, err := getTask(txn, id)
		if err != nil {
			return err
		}
		if err := applyUpdate(&task, update, r.now()); err != nil {
			return err
		}
		out = task
		return putTask(txn, task)
	})
	return out, err
}

// update runs fn in a read-write transaction, retrying write conflicts.
func (r *BadgerRegistry) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// GetTask implements Registry.
func (r *BadgerRegistry) GetTask(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	var task Task
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		task, err = getTask(txn, id)
		return err
	})
	return task, err
}

// GetChildren implements Registry.
func (r *BadgerRegistry) GetChildren(ctx context.Context, id string) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []Task{}
	err := r.db.View(func(txn *badger.Txn) error {
		if _, err := getTask(txn, id); err != nil {
			return err
		}
		prefix := []byte(childPrefix + id + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			childID := string(it.Item().Key()[len(prefix):])
			task, err := getTask(txn, childID)
			if err != nil {
				return err
			}
			out = append(out, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}
