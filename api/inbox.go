/*
inbox.go - Drop-folder ingestion

PURPOSE:
  Operators export the CT-e spreadsheet and save it into a shared folder.
  InboxWatcher notices new supported files, waits until writes settle,
  runs the ingestion pipeline on them and moves each file out of the way:

    <inbox>/cte.csv  ->  <inbox>/processed/cte.csv   (run ok or partial)
                     ->  <inbox>/failed/cte.csv      (run failed)

DEBOUNCE:
  Large exports arrive as a burst of Write events. A file is ingested once
  no event has touched it for Debounce (default 2s).

STARTUP:
  Files already sitting in the inbox when Start runs are queued as if they
  had just been written.

SEE ALSO:
  - ingest/pipeline.go: Pipeline.Run
  - source/source.go: Supported extensions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/source"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// InboxWatcher ingests files dropped into Dir.
type InboxWatcher struct {
	Dir      string
	Pipeline *ingest.Pipeline
	Logger   logrus.FieldLogger
	Debounce time.Duration

	// OnDone, when set, is called after each file has been moved.
	OnDone func(path string, rep ingest.RunReport, err error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]time.Time
	cancel  context.CancelFunc
	doneCh  chan struct{}
	running bool
}

// NewInboxWatcher creates a watcher for dir.
func NewInboxWatcher(dir string, pipeline *ingest.Pipeline, logger logrus.FieldLogger) *InboxWatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InboxWatcher{
		Dir:      dir,
		Pipeline: pipeline,
		Logger:   logger.WithFields(logrus.Fields{"component": "inbox", "dir": dir}),
		Debounce: 2 * time.Second,
		pending:  make(map[string]time.Time),
	}
}

// Start creates the inbox folders, begins watching and queues existing
// files. It returns once the watch is established.
func (iw *InboxWatcher) Start(ctx context.Context) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if iw.running {
		return nil
	}

	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(iw.Dir, sub), 0o755); err != nil {
			return fmt.Errorf("create inbox folder: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(iw.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", iw.Dir, err)
	}

	entries, err := os.ReadDir(iw.Dir)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("scan inbox: %w", err)
	}
	now := time.Now()
	for _, e := range entries {
		if e.Type().IsRegular() && source.Supported(e.Name()) {
			iw.pending[filepath.Join(iw.Dir, e.Name())] = now
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	iw.watcher = watcher
	iw.cancel = cancel
	iw.doneCh = make(chan struct{})
	iw.running = true

	go iw.run(ctx, watcher, iw.doneCh)

	iw.Logger.Info("watching inbox")
	return nil
}

// Stop ends the watch and waits for an in-flight ingestion to finish.
func (iw *InboxWatcher) Stop() {
	iw.mu.Lock()
	if !iw.running {
		iw.mu.Unlock()
		return
	}
	iw.running = false
	cancel, done, watcher := iw.cancel, iw.doneCh, iw.watcher
	iw.mu.Unlock()

	cancel()
	<-done
	if err := watcher.Close(); err != nil {
		iw.Logger.WithError(err).Warn("error closing watcher")
	}
	iw.Logger.Info("stopped")
}

func (iw *InboxWatcher) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	tick := iw.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			iw.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			iw.Logger.WithError(err).Error("watcher error")

		case <-debounceTicker.C:
			iw.processSettled(ctx)
		}
	}
}

func (iw *InboxWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !source.Supported(event.Name) {
		return
	}
	iw.mu.Lock()
	iw.pending[event.Name] = time.Now()
	iw.mu.Unlock()
}

func (iw *InboxWatcher) processSettled(ctx context.Context) {
	iw.mu.Lock()
	now := time.Now()
	var ready []string
	for path, last := range iw.pending {
		if now.Sub(last) >= iw.Debounce {
			ready = append(ready, path)
			delete(iw.pending, path)
		}
	}
	iw.mu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		iw.ingestFile(ctx, path)
	}
}

func (iw *InboxWatcher) ingestFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		// Moved or deleted while debouncing.
		return
	}
	log := iw.Logger.WithField("file", filepath.Base(path))

	rep, err := iw.runFile(ctx, path)
	dest := processedDir
	if err != nil {
		dest = failedDir
		log.WithError(err).Error("inbox file failed")
	} else {
		log.WithFields(logrus.Fields{"run_id": rep.RunID, "status": rep.Status}).Info("inbox file ingested")
	}

	moved, moveErr := moveInto(path, filepath.Join(iw.Dir, dest))
	if moveErr != nil {
		log.WithError(moveErr).Error("could not move inbox file")
		moved = path
	}
	if iw.OnDone != nil {
		iw.OnDone(moved, rep, err)
	}
}

func (iw *InboxWatcher) runFile(ctx context.Context, path string) (ingest.RunReport, error) {
	table, err := source.Open(path)
	if err != nil {
		return ingest.RunReport{Source: filepath.Base(path)}, err
	}
	return iw.Pipeline.Run(ctx, table, filepath.Base(path))
}

// moveInto renames path into dir, suffixing a timestamp when a file of the
// same name is already there.
func moveInto(path, dir string) (string, error) {
	base := filepath.Base(path)
	dest := filepath.Join(dir, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		dest = filepath.Join(dir, fmt.Sprintf("%s.%s%s", base[:len(base)-len(ext)], time.Now().UTC().Format("20060102T150405.000"), ext))
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return dest, os.Rename(path, dest)
}
