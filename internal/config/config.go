// Package config loads the page-cache engine's tunables from a YAML
// file, in the teacher's style of plain structs decoded with
// gopkg.in/yaml.v3 and a defaulting pass run after decode.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CacheConfig holds every tunable the page-cache engine, async-file
// layer, and flusher need at startup.
type CacheConfig struct {
	// CapacityPages is the maximum number of pages PageCache will hold
	// resident at once.
	CapacityPages int `yaml:"capacity_pages"`

	// MaxPrefetchPages caps the sequential-read-ahead window's growth.
	// Defaults to 32 (see SPEC_FULL.md's prefetch Open Question).
	MaxPrefetchPages int `yaml:"max_prefetch_pages"`

	// FlushBatchSize is loaded, defaulted and recorded by runtime.Engine,
	// but no drain reads it: periodic and auto-flush sweeps pop up to
	// flusher.MaxBatchSize pages per file per pass, and AsyncFile.Flush
	// pops 64 per pass.
	FlushBatchSize int `yaml:"flush_batch_size"`

	// PeriodicFlushInterval is the cron schedule expression the
	// background flusher sweeps on, e.g. "@every 5s".
	PeriodicFlushInterval string `yaml:"periodic_flush_interval"`

	// AsyncIOWorkers sizes the worker pool backing the async I/O port.
	AsyncIOWorkers int `yaml:"async_io_workers"`

	// AsyncIOQueueDepth bounds how many in-flight requests the async I/O
	// port will buffer before Submit blocks its caller.
	AsyncIOQueueDepth int `yaml:"async_io_queue_depth"`

	// DevicePath is the backing block device or file the engine opens.
	DevicePath string `yaml:"device_path"`
}

// Default returns the configuration a fresh engine should use when no
// file overrides it.
func Default() CacheConfig {
	return CacheConfig{
		CapacityPages:         4096,
		MaxPrefetchPages:      32,
		FlushBatchSize:        1024,
		PeriodicFlushInterval: "@every 5s",
		AsyncIOWorkers:        4,
		AsyncIOQueueDepth:     128,
	}
}

// Load reads and decodes a CacheConfig from path, filling in any field
// left at its zero value from Default().
func Load(path string) (CacheConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CacheConfig{}, errors.Wrapf(err, "config: read %s", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return CacheConfig{}, errors.Wrapf(err, "config: parse %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in zero-valued fields a partial YAML document left
// unset, so a config file only needs to name the fields it overrides.
func (c *CacheConfig) applyDefaults() {
	d := Default()
	if c.CapacityPages <= 0 {
		c.CapacityPages = d.CapacityPages
	}
	if c.MaxPrefetchPages <= 0 {
		c.MaxPrefetchPages = d.MaxPrefetchPages
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = d.FlushBatchSize
	}
	if c.PeriodicFlushInterval == "" {
		c.PeriodicFlushInterval = d.PeriodicFlushInterval
	}
	if c.AsyncIOWorkers <= 0 {
		c.AsyncIOWorkers = d.AsyncIOWorkers
	}
	if c.AsyncIOQueueDepth <= 0 {
		c.AsyncIOQueueDepth = d.AsyncIOQueueDepth
	}
}

// Validate checks the configuration is internally consistent, returning
// the first problem found.
func (c CacheConfig) Validate() error {
	if c.CapacityPages <= 0 {
		return errors.New("config: capacity_pages must be > 0")
	}
	if c.MaxPrefetchPages <= 0 {
		return errors.New("config: max_prefetch_pages must be > 0")
	}
	if c.DevicePath == "" {
		return errors.New("config: device_path must be set")
	}
	return nil
}
