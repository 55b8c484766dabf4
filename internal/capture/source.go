package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Capture is one image produced by a Source. Sequence ids are assigned by
// the spool, not the source.
type Capture struct {
	Payload    []byte
	CapturedAt time.Time

	// done reports whether the capture was spooled. Sources that can
	// keep a capture around until then set it.
	done func(err error)
}

func (c Capture) finish(err error) {
	if c.done != nil {
		c.done(err)
	}
}

// Source produces captures until ctx is cancelled or the source is exhausted.
type Source interface {
	Frames(ctx context.Context) (<-chan Capture, error)
}

const (
	defaultSettle     = 250 * time.Millisecond
	defaultRetryDelay = 5 * time.Second
)

// FolderSource turns image files dropped into a directory into captures.
// A file is emitted once it has not changed for the settle interval, and is
// removed only after it has been spooled. A file that could not be spooled
// is emitted again after the retry delay.
type FolderSource struct {
	dir        string
	settle     time.Duration
	retryDelay time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	failed []string
}

// NewFolderSource watches dir. A settle of zero uses the default.
func NewFolderSource(dir string, settle time.Duration) *FolderSource {
	if settle <= 0 {
		settle = defaultSettle
	}
	return &FolderSource{
		dir:        dir,
		settle:     settle,
		retryDelay: defaultRetryDelay,
		log:        slog.With("component", "capture-source", "dir", dir),
	}
}

func (s *FolderSource) Frames(ctx context.Context) (<-chan Capture, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture folder: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create capture watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch capture folder: %w", err)
	}

	out := make(chan Capture)
	go func() {
		defer close(out)
		defer watcher.Close()
		s.run(ctx, watcher, out)
	}()
	return out, nil
}

func (s *FolderSource) run(ctx context.Context, watcher *fsnotify.Watcher, out chan<- Capture) {
	// Files seen but not yet settled, with the time of their last change.
	seen := s.existing()

	ticker := time.NewTicker(s.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ignored(ev.Name) && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				seen[ev.Name] = time.Now()
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(seen, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("capture watcher error", "err", err)
		case now := <-ticker.C:
			for _, path := range s.takeFailed() {
				// Settles again once the retry delay has passed.
				seen[path] = now.Add(s.retryDelay - s.settle)
			}
			for _, path := range settled(seen, now, s.settle) {
				delete(seen, path)
				c, err := s.read(path)
				if err != nil {
					if !errors.Is(err, os.ErrNotExist) {
						s.log.Warn("read capture failed", "path", path, "err", err)
					}
					continue
				}
				c.done = func(err error) { s.finish(path, err) }
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// finish removes a spooled file, or queues it to be emitted again.
func (s *FolderSource) finish(path string, err error) {
	if err != nil {
		s.log.Warn("capture not spooled, will retry", "path", path, "err", err)
		s.mu.Lock()
		s.failed = append(s.failed, path)
		s.mu.Unlock()
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove capture failed", "path", path, "err", err)
	}
}

func (s *FolderSource) takeFailed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := s.failed
	s.failed = nil
	return failed
}

// existing returns files already in the folder keyed by modification time,
// so they are emitted oldest first.
func (s *FolderSource) existing() map[string]time.Time {
	seen := make(map[string]time.Time)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("scan capture folder failed", "err", err)
		return seen
	}
	for _, de := range entries {
		if de.IsDir() || ignored(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		seen[filepath.Join(s.dir, de.Name())] = info.ModTime()
	}
	return seen
}

func (s *FolderSource) read(path string) (Capture, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Capture{}, err
	}
	if info.IsDir() {
		return Capture{}, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Capture{}, err
	}
	return Capture{Payload: data, CapturedAt: info.ModTime()}, nil
}

// settled returns paths unchanged for at least settle, oldest change first.
func settled(seen map[string]time.Time, now time.Time, settle time.Duration) []string {
	var ready []string
	for path, changed := range seen {
		if now.Sub(changed) >= settle {
			ready = append(ready, path)
		}
	}
	slices.SortFunc(ready, func(a, b string) int {
		if c := seen[a].Compare(seen[b]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return ready
}

func ignored(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part")
}

// ChanSource adapts a channel to Source. The channel is returned as is.
type ChanSource <-chan Capture

func (c ChanSource) Frames(context.Context) (<-chan Capture, error) {
	return c, nil
}
