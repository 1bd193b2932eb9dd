// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package civicdata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// MirrorWatcher invalidates cached documents when their mirror copies
// change on disk.
//
// Description:
//
//	Operators refresh the mirror out of band (rsync, scheduled export).
//	Without invalidation a refreshed mirror file would stay shadowed by
//	the in-memory cache until the TTL expired; the watcher makes mirror
//	updates visible immediately. Dataset subdirectories created after
//	startup are picked up automatically.
type MirrorWatcher struct {
	loader    *Loader
	mirrorDir string
	fsw       *fsnotify.Watcher
}

// NewMirrorWatcher creates a watcher over the mirror directory tree.
//
// Inputs:
//   - mirrorDir: The mirror root. Must exist.
//   - loader: The loader whose cache is invalidated.
//
// Outputs:
//   - *MirrorWatcher: The configured watcher; run with Start.
//   - error: Non-nil if the directory cannot be watched.
func NewMirrorWatcher(mirrorDir string, loader *Loader) (*MirrorWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("civicdata: creating mirror watcher: %w", err)
	}

	if err := fsw.Add(mirrorDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("civicdata: watching %s: %w", mirrorDir, err)
	}

	// Watch existing dataset subdirectories; fsnotify is not recursive.
	entries, err := os.ReadDir(mirrorDir)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("civicdata: listing %s: %w", mirrorDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(mirrorDir, entry.Name())
		if err := fsw.Add(sub); err != nil {
			slog.Warn("cannot watch mirror subdirectory",
				slog.String("dir", sub),
				slog.String("error", err.Error()),
			)
		}
	}

	return &MirrorWatcher{
		loader:    loader,
		mirrorDir: mirrorDir,
		fsw:       fsw,
	}, nil
}

// Start processes filesystem events until ctx is canceled.
func (w *MirrorWatcher) Start(ctx context.Context) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("mirror watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent invalidates the document a changed mirror file backs.
func (w *MirrorWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// A new dataset directory needs its own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				slog.Warn("cannot watch new mirror subdirectory",
					slog.String("dir", event.Name),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	dataset, version, ok := w.documentFor(event.Name)
	if !ok {
		return
	}

	w.loader.Invalidate(dataset, version)
	slog.Info("mirror change invalidated cached document",
		slog.String("dataset", dataset),
		slog.String("version", version),
		slog.String("op", event.Op.String()),
	)
}

// documentFor maps a mirror path to its {dataset, version} address.
func (w *MirrorWatcher) documentFor(path string) (dataset, version string, ok bool) {
	rel, err := filepath.Rel(w.mirrorDir, path)
	if err != nil {
		return "", "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], ".json") {
		return "", "", false
	}
	return parts[0], strings.TrimSuffix(parts[1], ".json"), true
}
