package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/licitabot/licitabot/rag"
)

// supportedExt lists the file types the extractor can handle. Anything else
// in the upload directory is ignored with a warning.
var supportedExt = map[string]struct{}{
	".pdf":  {},
	".docx": {},
	".doc":  {},
	".odt":  {},
	".rtf":  {},
	".txt":  {},
	".html": {},
}

// DocRegistry keeps the index in step with an upload directory: Sync
// reconciles once at startup, Watch follows filesystem events afterwards.
// Unchanged files are cheap because the engine skips re-ingestion by
// content hash.
type DocRegistry struct {
	log              *slog.Logger
	root             string
	mergeEventsDelay time.Duration
	engine           ragEngine

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Sync ingests every supported file under the root and removes indexed
// documents whose file is gone.
func (dr *DocRegistry) Sync(ctx context.Context) error {
	onDisk := make(map[string]struct{})
	err := filepath.Walk(dr.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !supported(path) {
			dr.log.Warn("unsupported file in upload directory", slog.String("file", path))
			return nil
		}

		onDisk[filepath.Base(path)] = struct{}{}
		dr.ingestFile(ctx, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning upload directory: %w", err)
	}

	indexed, err := dr.engine.Documents(ctx)
	if err != nil {
		return err
	}
	for _, doc := range indexed {
		if _, ok := onDisk[doc.Name]; ok {
			continue
		}
		if _, err := dr.engine.Remove(ctx, doc.Name); err != nil {
			return fmt.Errorf("removing stale document %s: %w", doc.Name, err)
		}
	}

	return nil
}

// Watch follows the upload directory until ctx is cancelled. Writes are
// debounced per file so editors emitting bursts of events trigger one
// ingestion.
func (dr *DocRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dr.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dr.root, err)
	}

	dr.timers = make(map[string]*time.Timer)
	go dr.processEvents(ctx, watcher)
	return nil
}

func (dr *DocRegistry) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			dr.log.Warn("watcher error", slog.String("error", err.Error()))
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !supported(event.Name) {
				continue
			}

			switch {
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
				dr.scheduleIngest(ctx, event.Name)
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				dr.cancelPending(event.Name)
				if _, err := dr.engine.Remove(ctx, filepath.Base(event.Name)); err != nil {
					dr.log.Warn("failed to remove document",
						slog.String("document", filepath.Base(event.Name)),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// scheduleIngest resets the file's debounce timer; the ingestion runs once
// the file has been quiet for mergeEventsDelay.
func (dr *DocRegistry) scheduleIngest(ctx context.Context, path string) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if timer, ok := dr.timers[path]; ok {
		timer.Stop()
	}
	dr.timers[path] = time.AfterFunc(dr.mergeEventsDelay, func() {
		dr.mu.Lock()
		delete(dr.timers, path)
		dr.mu.Unlock()
		dr.ingestFile(ctx, path)
	})
}

func (dr *DocRegistry) cancelPending(path string) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	if timer, ok := dr.timers[path]; ok {
		timer.Stop()
		delete(dr.timers, path)
	}
}

func (dr *DocRegistry) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		dr.log.Warn("failed to read file", slog.String("file", path), slog.String("error", err.Error()))
		return
	}

	receipt, err := dr.engine.Ingest(ctx, filepath.Base(path), data)
	if errors.Is(err, rag.ErrConflict) {
		dr.log.Warn("ingestion already in progress", slog.String("document", filepath.Base(path)))
		return
	}
	if err != nil {
		dr.log.Error("failed to ingest file", slog.String("file", path), slog.String("error", err.Error()))
		return
	}
	if receipt.Skipped {
		dr.log.Debug("file unchanged", slog.String("file", path))
	}
}

func supported(path string) bool {
	_, ok := supportedExt[strings.ToLower(filepath.Ext(path))]
	return ok
}
