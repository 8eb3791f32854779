package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Watcher polls the configuration file and the metric definitions file it
// names. A changed, valid configuration is handed to the change callback; a
// changed definitions file is handed to the definitions callback as raw
// bytes. Invalid configurations are logged and the previous one stays
// current.
//
// The definitions path is taken from the configuration loaded at start.
type Watcher struct {
	interval time.Duration
	onChange func(old, new *Config)
	onDefs   func(data []byte)
	loadOpts []LoadOption

	// Only the poll goroutine touches the stamps after NewWatcher returns.
	conf fileStamp
	defs fileStamp

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLoadOptions passes opts to every reload of the configuration.
func WithWatchLoadOptions(opts ...LoadOption) WatcherOption {
	return func(w *Watcher) { w.loadOpts = append(w.loadOpts, opts...) }
}

// WithDefinitionsReload registers fn to receive the content of the metric
// definitions file whenever it changes. Without it the file is not polled.
func WithDefinitionsReload(fn func(data []byte)) WatcherOption {
	return func(w *Watcher) { w.onDefs = fn }
}

// NewWatcher loads the configuration at path and starts polling it in a
// background goroutine. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		interval: defaultPollInterval,
		onChange: onChange,
		conf:     fileStamp{path: path},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, _, err := w.conf.refresh()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg

	if w.onDefs != nil && cfg.Storage.MetricsFile != "" {
		w.defs.path = cfg.Storage.MetricsFile
		// A missing file leaves the stamp zero, so its creation counts as a change.
		_, _, _ = w.defs.refresh()
	}

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkConfig()
			w.checkDefinitions()
		}
	}
}

func (w *Watcher) checkConfig() {
	data, changed, err := w.conf.refresh()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.conf.path, "err", err)
		return
	}
	if !changed {
		return
	}

	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		slog.Warn("config watcher: keeping previous configuration", "path", w.conf.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.conf.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) checkDefinitions() {
	if w.onDefs == nil || w.defs.path == "" {
		return
	}
	data, changed, err := w.defs.refresh()
	if err != nil {
		slog.Debug("config watcher: metric definitions unavailable", "path", w.defs.path, "err", err)
		return
	}
	if changed {
		slog.Info("config watcher: metric definitions changed", "path", w.defs.path)
		w.onDefs(data)
	}
}

// fileStamp remembers the modification time and content hash of a file.
type fileStamp struct {
	path  string
	mtime time.Time
	sum   [sha256.Size]byte
}

// refresh re-reads the file when its modification time moved and reports
// whether the content differs from the last read. A touched file with the
// same content is not a change. The stamp advances even when the caller
// later rejects the content, so a broken file is reported once per edit.
func (s *fileStamp) refresh() (data []byte, changed bool, err error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, false, err
	}
	if !s.mtime.IsZero() && info.ModTime().Equal(s.mtime) {
		return nil, false, nil
	}
	data, err = os.ReadFile(s.path)
	if err != nil {
		return nil, false, err
	}
	s.mtime = info.ModTime()
	sum := sha256.Sum256(data)
	if sum == s.sum {
		return nil, false, nil
	}
	s.sum = sum
	return data, true, nil
}
