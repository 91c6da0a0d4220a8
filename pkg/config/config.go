// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tabflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Ingest     IngestConfig            `yaml:"ingest"`
	Datasets   map[string]DatasetSpec  `yaml:"datasets"`
	Server     ServerConfig            `yaml:"server"`
	Storage    StorageConfig           `yaml:"storage"`
	Reports    ReportsConfig           `yaml:"reports"`
	Scheduler  SchedulerConfig         `yaml:"scheduler"`
	Checkpoint CheckpointConfig        `yaml:"checkpoint"`
	Telemetry  TelemetryConfig         `yaml:"telemetry"`
}

// IngestConfig controls file discovery and staging.
type IngestConfig struct {
	InputRoot   string `yaml:"input_root"`
	StagingDir  string `yaml:"staging_dir"`
	ArchiveDir  string `yaml:"archive_dir"`
	RejectedDir string `yaml:"rejected_dir"`
	Watch       bool   `yaml:"watch"` // fsnotify-triggered cycles in addition to the tick
}

// DatasetSpec declares the fixed column schema of a dataset.
// Schemas are validated, never inferred.
type DatasetSpec struct {
	Columns         []ColumnSpec `yaml:"columns"`
	TimestampColumn string       `yaml:"timestamp_column"`
}

// ColumnSpec declares one column.
type ColumnSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // string | number | timestamp
}

// ServerConfig for the persistence API server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig for the tabular store.
type StorageConfig struct {
	Database string `yaml:"database"` // DuckDB file path, empty = in-memory
}

// ReportsConfig for report generation.
type ReportsConfig struct {
	OutputDir    string        `yaml:"output_dir"`
	Format       string        `yaml:"format"` // csv | xlsx
	Workers      int           `yaml:"workers"`
	WindowLength time.Duration `yaml:"window_length"`
	Columns      map[string][]string `yaml:"columns"` // dataset -> projection, empty = all
}

// SchedulerConfig controls the polling and retry state machine.
type SchedulerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CheckpointConfig selects where scheduler cycle state is persisted.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // file | redis | s3

	Dir string `yaml:"dir"` // file backend

	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	tabflowDir := filepath.Join(homeDir, ".tabflow")

	return &Config{
		Version: 1,
		Ingest: IngestConfig{
			InputRoot:   filepath.Join(tabflowDir, "incoming"),
			StagingDir:  filepath.Join(tabflowDir, "staging"),
			ArchiveDir:  filepath.Join(tabflowDir, "archive"),
			RejectedDir: filepath.Join(tabflowDir, "rejected"),
		},
		Datasets: map[string]DatasetSpec{},
		Server: ServerConfig{
			Port:           8080,
			Host:           "localhost",
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Database: filepath.Join(tabflowDir, "tabflow.db"),
		},
		Reports: ReportsConfig{
			OutputDir:    filepath.Join(tabflowDir, "reports"),
			Format:       "csv",
			Workers:      2,
			WindowLength: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Interval:       5 * time.Minute,
			PollInterval:   2 * time.Second,
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     filepath.Join(tabflowDir, "checkpoints"),
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	// Ensure directories exist
	m.ensureDirs()

	return m.config.validate()
}

// LoadFile loads exactly one config file over the defaults, skipping the
// hierarchy. Used by commands that take an explicit --config flag.
func (m *Manager) LoadFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	if err := m.loadFile(path); err != nil {
		return err
	}
	m.paths = []string{path}
	m.loadEnv()
	m.ensureDirs()
	return m.config.validate()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/tabflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tabflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".tabflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Ingest
	if src.Ingest.InputRoot != "" {
		m.config.Ingest.InputRoot = src.Ingest.InputRoot
	}
	if src.Ingest.StagingDir != "" {
		m.config.Ingest.StagingDir = src.Ingest.StagingDir
	}
	if src.Ingest.ArchiveDir != "" {
		m.config.Ingest.ArchiveDir = src.Ingest.ArchiveDir
	}
	if src.Ingest.RejectedDir != "" {
		m.config.Ingest.RejectedDir = src.Ingest.RejectedDir
	}
	if src.Ingest.Watch {
		m.config.Ingest.Watch = true
	}

	// Datasets replace wholesale: a partial schema is worse than none
	if len(src.Datasets) > 0 {
		m.config.Datasets = src.Datasets
	}

	// Server
	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}
	if src.Server.RequestTimeout != 0 {
		m.config.Server.RequestTimeout = src.Server.RequestTimeout
	}

	// Storage
	if src.Storage.Database != "" {
		m.config.Storage.Database = src.Storage.Database
	}

	// Reports
	if src.Reports.OutputDir != "" {
		m.config.Reports.OutputDir = src.Reports.OutputDir
	}
	if src.Reports.Format != "" {
		m.config.Reports.Format = src.Reports.Format
	}
	if src.Reports.Workers != 0 {
		m.config.Reports.Workers = src.Reports.Workers
	}
	if src.Reports.WindowLength != 0 {
		m.config.Reports.WindowLength = src.Reports.WindowLength
	}
	if len(src.Reports.Columns) > 0 {
		m.config.Reports.Columns = src.Reports.Columns
	}

	// Scheduler
	if src.Scheduler.Interval != 0 {
		m.config.Scheduler.Interval = src.Scheduler.Interval
	}
	if src.Scheduler.PollInterval != 0 {
		m.config.Scheduler.PollInterval = src.Scheduler.PollInterval
	}
	if src.Scheduler.MaxAttempts != 0 {
		m.config.Scheduler.MaxAttempts = src.Scheduler.MaxAttempts
	}
	if src.Scheduler.InitialBackoff != 0 {
		m.config.Scheduler.InitialBackoff = src.Scheduler.InitialBackoff
	}
	if src.Scheduler.MaxBackoff != 0 {
		m.config.Scheduler.MaxBackoff = src.Scheduler.MaxBackoff
	}

	// Checkpoint
	if src.Checkpoint.Backend != "" {
		m.config.Checkpoint.Backend = src.Checkpoint.Backend
	}
	if src.Checkpoint.Dir != "" {
		m.config.Checkpoint.Dir = src.Checkpoint.Dir
	}
	if src.Checkpoint.RedisAddress != "" {
		m.config.Checkpoint.RedisAddress = src.Checkpoint.RedisAddress
	}
	if src.Checkpoint.RedisPassword != "" {
		m.config.Checkpoint.RedisPassword = src.Checkpoint.RedisPassword
	}
	if src.Checkpoint.RedisDB != 0 {
		m.config.Checkpoint.RedisDB = src.Checkpoint.RedisDB
	}
	if src.Checkpoint.S3Bucket != "" {
		m.config.Checkpoint.S3Bucket = src.Checkpoint.S3Bucket
	}
	if src.Checkpoint.S3Prefix != "" {
		m.config.Checkpoint.S3Prefix = src.Checkpoint.S3Prefix
	}
	if src.Checkpoint.S3Region != "" {
		m.config.Checkpoint.S3Region = src.Checkpoint.S3Region
	}

	// Telemetry
	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("TABFLOW_INPUT_ROOT"); v != "" {
		m.config.Ingest.InputRoot = v
	}

	if v := os.Getenv("TABFLOW_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			m.config.Server.Port = port
		}
	}

	if v := os.Getenv("TABFLOW_DATABASE"); v != "" {
		m.config.Storage.Database = v
	}

	if v := os.Getenv("TABFLOW_OUTPUT_DIR"); v != "" {
		m.config.Reports.OutputDir = v
	}
}

// ensureDirs creates necessary directories.
func (m *Manager) ensureDirs() {
	dirs := []string{
		m.config.Ingest.InputRoot,
		m.config.Ingest.StagingDir,
		m.config.Ingest.ArchiveDir,
		m.config.Ingest.RejectedDir,
		m.config.Reports.OutputDir,
		filepath.Dir(m.config.Storage.Database),
	}
	if m.config.Checkpoint.Backend == "file" {
		dirs = append(dirs, m.config.Checkpoint.Dir)
	}

	for _, dir := range dirs {
		os.MkdirAll(dir, 0755)
	}
}

// validate rejects configs the pipeline cannot run with.
func (c *Config) validate() error {
	for name, spec := range c.Datasets {
		if len(spec.Columns) == 0 {
			return fmt.Errorf("dataset %q: no columns declared", name)
		}
		if spec.TimestampColumn == "" {
			return fmt.Errorf("dataset %q: timestamp_column is required", name)
		}
		found := false
		for _, col := range spec.Columns {
			switch col.Type {
			case "string", "number", "timestamp":
			default:
				return fmt.Errorf("dataset %q: column %q has unknown type %q", name, col.Name, col.Type)
			}
			if col.Name == spec.TimestampColumn {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("dataset %q: timestamp_column %q not among columns", name, spec.TimestampColumn)
		}
	}

	switch c.Reports.Format {
	case "csv", "xlsx":
	default:
		return fmt.Errorf("reports: unknown format %q", c.Reports.Format)
	}

	switch c.Checkpoint.Backend {
	case "file", "redis", "s3":
	default:
		return fmt.Errorf("checkpoint: unknown backend %q", c.Checkpoint.Backend)
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".tabflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
