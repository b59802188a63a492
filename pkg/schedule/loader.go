// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package schedule

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// loader syncs the spec directory into the scheduler. Files are
// identified by content hash so rescans only touch what changed.
type loader struct {
	dir    string
	sched  *Scheduler
	logger *zap.Logger

	mu         sync.Mutex
	fileHashes map[string]string // path -> sha256, paths seen last scan
	fileSpecs  map[string]string // path -> schedule id
}

func newLoader(dir string, sched *Scheduler, logger *zap.Logger) *loader {
	return &loader{
		dir:        dir,
		sched:      sched,
		logger:     logger.Named("loader"),
		fileHashes: make(map[string]string),
		fileSpecs:  make(map[string]string),
	}
}

// scan reconciles the directory against the registered schedules:
// new files are added, changed files re-armed, deleted files removed.
func (l *loader) scan(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(l.dir, pattern))
		if err != nil {
			return fmt.Errorf("glob %s: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		seen[path] = true
		if err := l.syncFile(ctx, path); err != nil {
			l.logger.Warn("spec file skipped",
				zap.String("path", path),
				zap.Error(err))
		}
	}

	// Drop schedules whose backing file disappeared.
	for path, id := range l.fileSpecs {
		if seen[path] {
			continue
		}
		if err := l.sched.Remove(ctx, id); err != nil {
			l.logger.Warn("stale schedule removal failed",
				zap.String("schedule_id", id),
				zap.Error(err))
		}
		delete(l.fileSpecs, path)
		delete(l.fileHashes, path)
		l.logger.Info("spec file removed",
			zap.String("path", path),
			zap.String("schedule_id", id))
	}
	return nil
}

// syncFile loads one spec file if its content changed since last scan.
func (l *loader) syncFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	if l.fileHashes[path] == hash {
		return nil
	}

	spec, err := parseSpecFile(path, data)
	if err != nil {
		return err
	}

	if prevID, loaded := l.fileSpecs[path]; loaded {
		if prevID != spec.ID {
			// The file's id changed; retire the old schedule.
			if err := l.sched.Remove(ctx, prevID); err != nil {
				l.logger.Warn("superseded schedule removal failed",
					zap.String("schedule_id", prevID),
					zap.Error(err))
			}
			err = l.sched.Add(ctx, spec)
		} else {
			err = l.sched.Update(ctx, spec)
		}
		if err != nil {
			return err
		}
	} else if err := l.sched.Add(ctx, spec); err != nil {
		return err
	}

	l.fileHashes[path] = hash
	l.fileSpecs[path] = spec.ID
	l.logger.Info("spec file loaded",
		zap.String("path", path),
		zap.String("schedule_id", spec.ID))
	return nil
}

// parseSpecFile decodes a YAML spec, filling in a stable id derived
// from the path when the document does not declare one.
func parseSpecFile(path string, data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, path, err)
	}
	if spec.ID == "" {
		spec.ID = idFromPath(path)
	}
	spec.Source = path
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// idFromPath builds a stable schedule id from the file name plus a
// short hash of the full path, so same-named files in different
// directories stay distinct.
func idFromPath(path string) string {
	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%s-%x", base, sum[:4])
}

// watchSpecs reacts to directory changes and rescans, with a periodic
// safety rescan in case watch events are dropped.
func (s *Scheduler) watchSpecs(ctx context.Context) {
	defer s.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("spec watcher unavailable, falling back to rescans", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.cfg.SpecDir); err != nil {
			s.logger.Error("spec dir watch failed, falling back to rescans",
				zap.String("dir", s.cfg.SpecDir),
				zap.Error(err))
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	// Editors fire bursts of writes; debounce before rescanning.
	var debounce <-chan time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case err := <-errs:
			if err != nil {
				s.logger.Warn("spec watcher error", zap.Error(err))
			}
		case <-debounce:
			debounce = nil
			if err := s.loader.scan(ctx); err != nil {
				s.logger.Warn("spec rescan failed", zap.Error(err))
			}
		case <-ticker.C:
			if err := s.loader.scan(ctx); err != nil {
				s.logger.Warn("spec rescan failed", zap.Error(err))
			}
		}
	}
}
