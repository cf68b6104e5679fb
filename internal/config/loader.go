package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REWIND_"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Archive: ArchiveConf{Kind: "sqlite", Path: "archive.db", Readers: 4},
		Store:   StoreConf{Path: "rewind.db"},
		Live:    LiveConf{Kind: "sqlite", Path: "live.db", Prefix: "rewind"},
		Replay: ReplayConf{
			Parallelism:     4,
			MaxRetries:      3,
			CheckpointEvery: 1000,
			KeyBuckets:      1,
		},
		Detect: DetectConf{
			Threshold:   3.5,
			MinBuckets:  1,
			BucketWidth: time.Minute,
			Metric:      "count",
		},
		Apply: ApplyConf{MaxRetries: 3},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and enumerations.
func Validate(cfg *Config) error {
	var errs []string
	switch cfg.Archive.Kind {
	case "sqlite":
		if cfg.Archive.Path == "" {
			errs = append(errs, "archive.path is required for sqlite")
		}
	case "s3", "gcs":
		if cfg.Archive.Bucket == "" {
			errs = append(errs, fmt.Sprintf("archive.bucket is required for %s", cfg.Archive.Kind))
		}
	default:
		errs = append(errs, fmt.Sprintf("archive.kind %q must be sqlite, s3 or gcs", cfg.Archive.Kind))
	}
	switch cfg.Live.Kind {
	case "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("live.kind %q must be sqlite, postgres or redis", cfg.Live.Kind))
	}
	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if cfg.Replay.Parallelism < 1 {
		errs = append(errs, "replay.parallelism must be at least 1")
	}
	if cfg.Replay.MaxRetries < 0 || cfg.Apply.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if cfg.Replay.CheckpointEvery < 1 {
		errs = append(errs, "replay.checkpoint_every must be at least 1")
	}
	if cfg.Detect.Threshold <= 0 {
		errs = append(errs, "detect.threshold must be positive")
	}
	if cfg.Detect.BucketWidth <= 0 {
		errs = append(errs, "detect.bucket_width must be positive")
	}
	switch cfg.Detect.Metric {
	case "count":
	case "sum", "max", "min":
		if cfg.Detect.Field == "" {
			errs = append(errs, fmt.Sprintf("detect.field is required for metric %s", cfg.Detect.Metric))
		}
	default:
		errs = append(errs, fmt.Sprintf("detect.metric %q must be sum, count, max or min", cfg.Detect.Metric))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Loader holds the current configuration and reloads it on file changes.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file. On error the current configuration is kept.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Watch hot-reloads the file on change until stop is called. The parent
// directory is watched so editors that replace the file are followed.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, errors.New("config watcher: no file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(l.path) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if _, err := l.Reload(); err != nil {
					l.logger.Warn("config reload failed; keeping previous config", "path", l.path, "error", err)
					continue
				}
				l.logger.Info("config reloaded", "path", l.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}
