// Package watcher observes the ingest directory and enqueues discovery tasks
// when new book files settle. Events are debounced so a burst of writes from
// one download produces a single task.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/taskrun"
)

// DefaultDebounce is the quiet period before a burst of events fires.
const DefaultDebounce = 2 * time.Second

// bookExtensions are accepted without content sniffing.
var bookExtensions = map[string]bool{
	".epub": true, ".mobi": true, ".azw": true, ".azw3": true,
	".pdf": true, ".cbz": true, ".cbr": true, ".fb2": true,
	".djvu": true, ".txt": true, ".rtf": true, ".odt": true, ".docx": true,
}

// Options configures the watcher.
type Options struct {
	Dir      string
	Debounce time.Duration
	// ForcePolling selects the interval scanner over inotify, for network
	// mounts where inotify events never arrive.
	ForcePolling bool
	PollInterval time.Duration
	// UserID attributes enqueued discovery tasks.
	UserID int64
}

// Watcher debounces file events into ingest_discovery tasks.
type Watcher struct {
	opts    Options
	runtime taskrun.Runtime

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	// restartMu serializes restarts after watch errors.
	restartMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New builds a watcher; zero durations select the defaults.
func New(runtime taskrun.Runtime, opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("op=watcher.new: empty dir: %w", domain.ErrInvalidArgument)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Watcher{
		opts:    opts,
		runtime: runtime,
		pending: map[string]bool{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.opts.Dir); err != nil {
		return fmt.Errorf("op=watcher.start dir=%s: %w", w.opts.Dir, err)
	}
	go w.run(ctx)
	return nil
}

// Stop terminates the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.opts.ForcePolling {
		slog.Info("watcher using polling", slog.String("dir", w.opts.Dir), slog.Duration("interval", w.opts.PollInterval))
		w.poll(ctx)
		return
	}
	for {
		err := w.notifyLoop(ctx)
		if err == nil {
			return
		}
		// inotify died; back off briefly and re-establish the watch.
		if !w.restartMu.TryLock() {
			return
		}
		slog.Warn("watcher restarting", slog.String("dir", w.opts.Dir), slog.Any("error", err))
		select {
		case <-time.After(time.Second):
		case <-w.stop:
			w.restartMu.Unlock()
			return
		case <-ctx.Done():
			w.restartMu.Unlock()
			return
		}
		w.restartMu.Unlock()
	}
}

func (w *Watcher) notifyLoop(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("op=watcher.notify: %w", err)
	}
	defer fw.Close()
	if err := addRecursive(fw, w.opts.Dir); err != nil {
		return err
	}
	slog.Info("watcher started", slog.String("dir", w.opts.Dir))
	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("op=watcher.notify: event channel closed")
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(fw, ev.Name)
					continue
				}
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				w.observe(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("op=watcher.notify: error channel closed")
			}
			return fmt.Errorf("op=watcher.notify: %w", err)
		}
	}
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				slog.Warn("watch add failed", slog.String("path", path), slog.Any("error", err))
			}
		}
		return nil
	})
}

// poll rescans the tree on an interval, observing files whose size or mtime
// changed since the previous pass.
func (w *Watcher) poll(ctx context.Context) {
	type stamp struct {
		size  int64
		mtime time.Time
	}
	seen := map[string]stamp{}
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_ = filepath.WalkDir(w.opts.Dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			cur := stamp{size: info.Size(), mtime: info.ModTime()}
			if prev, ok := seen[path]; !ok || prev != cur {
				seen[path] = cur
				w.observe(path)
			}
			return nil
		})
	}
}

// observe records an event for a candidate book file and (re)arms the
// debounce timer.
func (w *Watcher) observe(path string) {
	if !IsBookFile(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = map[string]bool{}
	w.mu.Unlock()
	if len(paths) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	task, err := w.runtime.Enqueue(ctx, domain.TaskIngestDiscovery, w.opts.UserID,
		map[string]any{"paths": paths, "dir": w.opts.Dir},
		map[string]any{"source": "watcher"})
	if err != nil {
		slog.Error("ingest discovery enqueue failed", slog.Int("files", len(paths)), slog.Any("error", err))
		return
	}
	slog.Info("ingest discovery enqueued",
		slog.Int64("task_id", task.ID),
		slog.Int("files", len(paths)))
}

// IsBookFile reports whether the path names an ebook, by extension first and
// content sniffing for unknown extensions.
func IsBookFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	if bookExtensions[ext] {
		return true
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return mt.Is("application/epub+zip") || mt.Is("application/pdf") || mt.Is("application/x-mobipocket-ebook")
}
