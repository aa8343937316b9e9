package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Version      int                `yaml:"version" json:"version"`
	DataDir      string             `yaml:"data_dir" json:"data_dir"`
	LogLevel     string             `yaml:"log_level" json:"log_level"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Timeseries   TimeseriesConfig   `yaml:"timeseries" json:"timeseries"`
	Content      ContentConfig      `yaml:"content" json:"content"`
	Vector       VectorConfig       `yaml:"vector" json:"vector"`
	Transactions TransactionsConfig `yaml:"transactions" json:"transactions"`
	ChangeFeed   ChangeFeedConfig   `yaml:"change_feed" json:"change_feed"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
}

// StorageConfig controls the KV store's per-level compression and blob
// threshold.
type StorageConfig struct {
	// CompressionDefault is the codec applied to non-bottommost levels.
	// One of "none", "lz4", "zstd".
	CompressionDefault string `yaml:"compression_default" json:"compression_default"`
	// CompressionBottommost is the codec for the deepest level.
	CompressionBottommost string `yaml:"compression_bottommost" json:"compression_bottommost"`
	// BlobSizeThreshold is the value size in bytes above which a value is
	// routed to the blob store instead of being inlined.
	BlobSizeThreshold int `yaml:"blob_size_threshold" json:"blob_size_threshold"`
}

// TimeseriesConfig controls time-series chunk compression and rotation.
type TimeseriesConfig struct {
	// Compression is one of "none", "gorilla".
	Compression string `yaml:"compression" json:"compression"`
	// ChunkSizeHours bounds how long a chunk accumulates samples before
	// rotating to a new one.
	ChunkSizeHours int `yaml:"chunk_size_hours" json:"chunk_size_hours"`
}

// ContentConfig controls blob compression for large field values.
type ContentConfig struct {
	CompressBlobs      bool     `yaml:"compress_blobs" json:"compress_blobs"`
	CompressionLevel   int      `yaml:"compression_level" json:"compression_level"`
	SkipCompressedMimes []string `yaml:"skip_compressed_mimes" json:"skip_compressed_mimes"`
}

// VectorConfig controls HNSW index quantization.
type VectorConfig struct {
	// Quantization is one of "none", "sq8", "auto".
	Quantization string `yaml:"quantization" json:"quantization"`
	// AutoThreshold is the element count at which "auto" engages sq8.
	AutoThreshold int `yaml:"auto_threshold" json:"auto_threshold"`
	Dimension     int `yaml:"dimension" json:"dimension"`
	// AutosaveIntervalSeconds, when non-zero, enables periodic persistence
	// of every registered vector index to disk. 0 disables autosave.
	AutosaveIntervalSeconds int `yaml:"autosave_interval_seconds" json:"autosave_interval_seconds"`
}

// TransactionsConfig controls MVCC lock behavior.
type TransactionsConfig struct {
	LockTimeoutMS  int  `yaml:"lock_timeout_ms" json:"lock_timeout_ms"`
	DeadlockDetect bool `yaml:"deadlock_detect" json:"deadlock_detect"`
}

// ChangeFeedConfig controls change-feed retention and long-poll behavior.
type ChangeFeedConfig struct {
	// RetentionHours is advisory; acted on by the purge operation.
	RetentionHours       int `yaml:"retention_hours" json:"retention_hours"`
	LongPollGranularityMS int `yaml:"long_poll_granularity_ms" json:"long_poll_granularity_ms"`
}

// CacheConfig controls the semantic query-result cache.
type CacheConfig struct {
	MaxEntries            int     `yaml:"max_entries" json:"max_entries"`
	TTLSeconds            int     `yaml:"ttl_seconds" json:"ttl_seconds"`
	SimilarityThreshold   float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	EnableExactMatch      bool    `yaml:"enable_exact_match" json:"enable_exact_match"`
	EnableSimilarityMatch bool    `yaml:"enable_similarity_match" json:"enable_similarity_match"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version:  1,
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		Storage: StorageConfig{
			CompressionDefault:    "lz4",
			CompressionBottommost: "zstd",
			BlobSizeThreshold:     4096,
		},
		Timeseries: TimeseriesConfig{
			Compression:    "gorilla",
			ChunkSizeHours: 2,
		},
		Content: ContentConfig{
			CompressBlobs:       true,
			CompressionLevel:    3,
			SkipCompressedMimes: []string{"image/", "video/", "audio/"},
		},
		Vector: VectorConfig{
			Quantization:            "auto",
			AutoThreshold:           100000,
			Dimension:               0, // 0 means inferred from the first inserted vector
			AutosaveIntervalSeconds: 300,
		},
		Transactions: TransactionsConfig{
			LockTimeoutMS:  5000,
			DeadlockDetect: true,
		},
		ChangeFeed: ChangeFeedConfig{
			RetentionHours:        168,
			LongPollGranularityMS: 50,
		},
		Cache: CacheConfig{
			MaxEntries:            1000,
			TTLSeconds:            300,
			SimilarityThreshold:   0.95,
			EnableExactMatch:      true,
			EnableSimilarityMatch: true,
		},
	}
}

// defaultDataDir returns the default KV store directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".kvdb", "data")
	}
	return filepath.Join(home, ".kvdb", "data")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// Follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/kvdb/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/kvdb/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kvdb", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "kvdb", "config.yaml")
	}
	return filepath.Join(home, ".config", "kvdb", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()

	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}

	return cfg, nil
}

// Load loads configuration from the specified directory, applying layers of
// increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/kvdb/config.yaml)
//  3. Instance config (.kvdb.yaml in dir)
//  4. Environment variables (KVDB_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .kvdb.yaml or .kvdb.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".kvdb.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".kvdb.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}

	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}

	if other.Storage.CompressionDefault != "" {
		c.Storage.CompressionDefault = other.Storage.CompressionDefault
	}
	if other.Storage.CompressionBottommost != "" {
		c.Storage.CompressionBottommost = other.Storage.CompressionBottommost
	}
	if other.Storage.BlobSizeThreshold != 0 {
		c.Storage.BlobSizeThreshold = other.Storage.BlobSizeThreshold
	}

	if other.Timeseries.Compression != "" {
		c.Timeseries.Compression = other.Timeseries.Compression
	}
	if other.Timeseries.ChunkSizeHours != 0 {
		c.Timeseries.ChunkSizeHours = other.Timeseries.ChunkSizeHours
	}

	if len(other.Content.SkipCompressedMimes) > 0 {
		c.Content.SkipCompressedMimes = other.Content.SkipCompressedMimes
	}
	if other.Content.CompressionLevel != 0 {
		c.Content.CompressionLevel = other.Content.CompressionLevel
	}

	if other.Vector.Quantization != "" {
		c.Vector.Quantization = other.Vector.Quantization
	}
	if other.Vector.AutoThreshold != 0 {
		c.Vector.AutoThreshold = other.Vector.AutoThreshold
	}
	if other.Vector.Dimension != 0 {
		c.Vector.Dimension = other.Vector.Dimension
	}
	if other.Vector.AutosaveIntervalSeconds != 0 {
		c.Vector.AutosaveIntervalSeconds = other.Vector.AutosaveIntervalSeconds
	}

	if other.Transactions.LockTimeoutMS != 0 {
		c.Transactions.LockTimeoutMS = other.Transactions.LockTimeoutMS
	}

	if other.ChangeFeed.RetentionHours != 0 {
		c.ChangeFeed.RetentionHours = other.ChangeFeed.RetentionHours
	}
	if other.ChangeFeed.LongPollGranularityMS != 0 {
		c.ChangeFeed.LongPollGranularityMS = other.ChangeFeed.LongPollGranularityMS
	}

	if other.Cache.MaxEntries != 0 {
		c.Cache.MaxEntries = other.Cache.MaxEntries
	}
	if other.Cache.TTLSeconds != 0 {
		c.Cache.TTLSeconds = other.Cache.TTLSeconds
	}
	if other.Cache.SimilarityThreshold != 0 {
		c.Cache.SimilarityThreshold = other.Cache.SimilarityThreshold
	}
}

// applyEnvOverrides applies KVDB_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KVDB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KVDB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KVDB_STORAGE_COMPRESSION_DEFAULT"); v != "" {
		c.Storage.CompressionDefault = v
	}
	if v := os.Getenv("KVDB_VECTOR_QUANTIZATION"); v != "" {
		c.Vector.Quantization = v
	}
	if v := os.Getenv("KVDB_TRANSACTIONS_LOCK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Transactions.LockTimeoutMS = n
		}
	}
	if v := os.Getenv("KVDB_CHANGE_FEED_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.ChangeFeed.RetentionHours = n
		}
	}
	if v := os.Getenv("KVDB_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Cache.MaxEntries = n
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	validCodecs := map[string]bool{"none": true, "lz4": true, "zstd": true}
	if !validCodecs[strings.ToLower(c.Storage.CompressionDefault)] {
		return fmt.Errorf("storage.compression_default must be 'none', 'lz4', or 'zstd', got %q", c.Storage.CompressionDefault)
	}
	if !validCodecs[strings.ToLower(c.Storage.CompressionBottommost)] {
		return fmt.Errorf("storage.compression_bottommost must be 'none', 'lz4', or 'zstd', got %q", c.Storage.CompressionBottommost)
	}
	if c.Storage.BlobSizeThreshold < 0 {
		return fmt.Errorf("storage.blob_size_threshold must be non-negative, got %d", c.Storage.BlobSizeThreshold)
	}

	validTSCompression := map[string]bool{"none": true, "gorilla": true}
	if !validTSCompression[strings.ToLower(c.Timeseries.Compression)] {
		return fmt.Errorf("timeseries.compression must be 'none' or 'gorilla', got %q", c.Timeseries.Compression)
	}
	if c.Timeseries.ChunkSizeHours <= 0 {
		return fmt.Errorf("timeseries.chunk_size_hours must be positive, got %d", c.Timeseries.ChunkSizeHours)
	}

	validQuant := map[string]bool{"none": true, "sq8": true, "auto": true}
	if !validQuant[strings.ToLower(c.Vector.Quantization)] {
		return fmt.Errorf("vector.quantization must be 'none', 'sq8', or 'auto', got %q", c.Vector.Quantization)
	}

	if c.Transactions.LockTimeoutMS < 0 {
		return fmt.Errorf("transactions.lock_timeout_ms must be non-negative, got %d", c.Transactions.LockTimeoutMS)
	}

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be between 0 and 1, got %f", c.Cache.SimilarityThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be 'debug', 'info', 'warn', or 'error', got %q", c.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
