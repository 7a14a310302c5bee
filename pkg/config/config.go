package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// SyncMode controls when WAL appends are flushed to durable storage.
type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncBatch
	SyncImmediate
)

// Compression codec names accepted by CompressionCodec.
const (
	CodecNone   = "none"
	CodecSnappy = "snappy"
	CodecZstd   = "zstd"
	CodecLZ4    = "lz4"
)

type Config struct {
	Version int `json:"version" yaml:"version"`

	// WAL configuration
	WALDir       string   `json:"wal_dir" yaml:"wal_dir"`
	WALSyncMode  SyncMode `json:"wal_sync_mode" yaml:"wal_sync_mode"`
	WALSyncBytes int64    `json:"wal_sync_bytes" yaml:"wal_sync_bytes"`

	// Heap configuration
	HeapFile string `json:"heap_file" yaml:"heap_file"`

	// MemTable configuration
	MemTableFlushBytes int64 `json:"memtable_flush_bytes" yaml:"memtable_flush_bytes"`

	// FlushBacklogThreshold is the number of unflushed memtables above which
	// flushes append a fresh segment instead of merging into a vacuum target.
	FlushBacklogThreshold int `json:"flush_backlog_threshold" yaml:"flush_backlog_threshold"`

	// Vacuum configuration
	VacuumIntervalSecs    int64   `json:"vacuum_interval_secs" yaml:"vacuum_interval_secs"`
	VacuumMinFreeFraction float64 `json:"vacuum_min_free_fraction" yaml:"vacuum_min_free_fraction"`

	// Compression configuration
	CompressionCodec    string `json:"compression_codec" yaml:"compression_codec"`
	CompressionHeadroom int    `json:"compression_headroom" yaml:"compression_headroom"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		WALDir:       filepath.Join(dbPath, "wal"),
		WALSyncMode:  SyncImmediate,
		WALSyncBytes: 512 * 1024, // 512KB between batch syncs

		HeapFile: filepath.Join(dbPath, "heap.db"),

		MemTableFlushBytes: 1024 * 1024, // 1MB

		FlushBacklogThreshold: 4,

		VacuumIntervalSecs:    5,
		VacuumMinFreeFraction: 0.05,

		CompressionCodec:    CodecSnappy,
		CompressionHeadroom: 8 * 1024, // 8KB slack inside a compressed block
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.WALDir == "" {
		return fmt.Errorf("%w: WAL directory not specified", ErrInvalidConfig)
	}

	if c.HeapFile == "" {
		return fmt.Errorf("%w: heap file not specified", ErrInvalidConfig)
	}

	if c.MemTableFlushBytes <= 0 {
		return fmt.Errorf("%w: memtable flush threshold must be positive", ErrInvalidConfig)
	}

	if c.FlushBacklogThreshold <= 0 {
		return fmt.Errorf("%w: flush backlog threshold must be positive", ErrInvalidConfig)
	}

	if c.VacuumIntervalSecs <= 0 {
		return fmt.Errorf("%w: vacuum interval must be positive", ErrInvalidConfig)
	}

	if c.VacuumMinFreeFraction < 0 || c.VacuumMinFreeFraction >= 1 {
		return fmt.Errorf("%w: vacuum min free fraction must be in [0,1)", ErrInvalidConfig)
	}

	switch c.CompressionCodec {
	case CodecNone, CodecSnappy, CodecZstd, CodecLZ4:
	default:
		return fmt.Errorf("%w: unknown compression codec %q", ErrInvalidConfig, c.CompressionCodec)
	}

	if c.CompressionHeadroom < 0 {
		return fmt.Errorf("%w: compression headroom must not be negative", ErrInvalidConfig)
	}

	return nil
}

// LoadConfigFromManifest loads the configuration from the manifest file
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigFromFile loads a YAML configuration file, filling unset fields
// with defaults relative to dbPath.
func LoadConfigFromFile(path, dbPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefaultConfig(dbPath)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveManifest saves the configuration to the manifest file
func (c *Config) SaveManifest(dbPath string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
