package config

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"sigs.k8s.io/yaml"
)

// Watcher hot-reloads a YAML-encoded config file from disk, matching the
// teacher's ConfigMap hot-reload behavior: a failed parse leaves the
// previously-valid value in place rather than tearing anything down.
//
// It is driven externally: the caller decides when to call Reload
// (cmd/labcontroller does so on SIGHUP), so the package has no
// filesystem-watch dependency.
type Watcher struct {
	path    string
	log     logr.Logger
	current atomic.Pointer[Config]
	mu      sync.Mutex // serializes Reload calls; atomic.Pointer handles reads
}

// NewWatcher seeds the watcher with an already-loaded config.
func NewWatcher(path string, initial *Config, log logr.Logger) *Watcher {
	w := &Watcher{path: path, log: log}
	w.current.Store(initial)
	return w
}

// Current returns the most recently successfully loaded config. Safe to
// call concurrently with Reload.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reload re-reads and re-parses the watched file. On success it atomically
// swaps the current value. On failure it logs and keeps serving the old
// value — a bad write must never take the controller down.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := Load(w.path)
	if err != nil {
		w.log.Error(err, "config reload failed, retaining previous value", "path", w.path)
		return err
	}
	if err := validateReloaded(next); err != nil {
		w.log.Error(err, "reloaded config failed validation, retaining previous value", "path", w.path)
		return err
	}
	w.current.Store(next)
	w.log.Info("config reloaded", "path", w.path)
	return nil
}

// validateReloaded rejects an obviously-broken reload (e.g. an empty size
// table, which would reject every future lab spawn) before it is swapped
// in, per the "graceful: invalid policy -> old retained" behavior.
func validateReloaded(c *Config) error {
	if len(c.Lab.Sizes) == 0 {
		return errEmptySizeTable
	}
	return nil
}

var errEmptySizeTable = &emptySizeTableError{}

type emptySizeTableError struct{}

func (*emptySizeTableError) Error() string {
	return "reloaded config has an empty lab size table"
}

// Unmarshal parses YAML bytes laid over Default() without a disk
// round-trip. Unlike Reload, it does not apply the size-table check.
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
