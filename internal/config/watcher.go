package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives a successfully reloaded config together with its diff
// against the previous one.
type ReloadFunc func(old, new *Config, d ConfigDiff)

// Watcher re-reads a config file when it changes, either on a polling
// interval ([Watcher.Run]) or on demand ([Watcher.Reload], e.g. on SIGHUP).
// Invalid files are logged and ignored; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval used by [Watcher.Run]. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment used when re-parsing. Default: the process
// environment.
func WithLookup(fn LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// NewWatcher creates a watcher for path. When initial is nil the file is
// loaded now; otherwise initial is taken as the config the file currently
// describes, so the running service and the watcher start from the same
// value.
func NewWatcher(path string, initial *Config, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	if initial != nil {
		cfg = initial
	}
	w.current, w.hash, w.mtime = cfg, hash, mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := os.Stat(w.path); err != nil {
				slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
				continue
			} else if w.unchangedSince(info.ModTime()) {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file now. It reports whether the content changed; an
// invalid file returns an error and leaves the current config in place. The
// reload callback runs only for changes that touch at least one setting.
func (w *Watcher) Reload() (changed bool, err error) {
	cfg, hash, mtime, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.mtime = mtime
	if hash == w.hash {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.hash = cfg, hash
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() && len(d.RestartRequired) == 0 {
		slog.Debug("config watcher: file changed without effective change", "path", w.path)
		return true, nil
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path, "restart_required", d.RestartRequired)
	if w.onReload != nil {
		w.onReload(old, cfg, d)
	}
	return true, nil
}

func (w *Watcher) unchangedSince(mtime time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mtime.Equal(w.mtime)
}

// read parses and validates the file, re-applying environment overrides so
// a reload sees the same effective values as startup.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := parse(bytes.NewReader(data), w.lookup)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
