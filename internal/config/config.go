// Package config loads clinicbase configuration from a YAML (or JSON) file
// and CLINICBASE_* environment variables, fills defaults and validates the
// result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLINICBASE_"

const defaultDBFile = "clinicbase.db"

// Config is the complete configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Search  SearchConfig  `yaml:"search"`
	Backup  BackupConfig  `yaml:"backup"`
	API     APIConfig     `yaml:"api"`
	Stats   StatsConfig   `yaml:"stats"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig locates the database.
type StorageConfig struct {
	// DataDir holds the database file when Path is relative or empty.
	// Default: ~/.clinicbase
	DataDir string `yaml:"data_dir"`

	// Path is the SQLite file. ":memory:" keeps everything in memory.
	// Default: <data_dir>/clinicbase.db
	Path string `yaml:"path"`
}

// CacheConfig sizes the query and record caches.
type CacheConfig struct {
	// TTL is how long a search result stays valid. Default: 5m
	TTL time.Duration `yaml:"ttl"`

	// Capacity is the maximum number of cached searches. Default: 100
	Capacity int `yaml:"capacity"`

	// RecordCacheSize is the number of decoded records kept in memory. Default: 1000
	RecordCacheSize int64 `yaml:"record_cache_size"`
}

// SearchConfig tunes ranking.
type SearchConfig struct {
	// ScoringPolicy is "cumulative" or "highest_tier". Default: cumulative
	ScoringPolicy string `yaml:"scoring_policy"`
}

// BackupConfig controls snapshot rotation and the optional remote mirror.
type BackupConfig struct {
	// Keep is how many snapshots survive rotation. Default: 5
	Keep int `yaml:"keep"`

	Mirror MirrorConfig `yaml:"mirror"`
}

// MirrorConfig points at an S3-compatible bucket. Empty Endpoint disables it.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether a mirror is configured.
func (m MirrorConfig) Enabled() bool { return m.Endpoint != "" }

// APIConfig configures the HTTP server.
type APIConfig struct {
	// Addr is the listen address. Default: 127.0.0.1:8000
	Addr string `yaml:"addr"`

	// AutoPort picks the first free port in [PortRangeStart, PortRangeEnd)
	// on the Addr host instead of failing when Addr is taken.
	AutoPort       bool `yaml:"auto_port"`
	PortRangeStart int  `yaml:"port_range_start"` // Default: 8000
	PortRangeEnd   int  `yaml:"port_range_end"`   // Default: 8100

	// RateLimit is requests per second across all clients; 0 disables. Default: 50
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"` // Default: 100
}

// StatsConfig tunes statistics.
type StatsConfig struct {
	// RecentDays bounds "recent activity". Default: 30
	RecentDays int `yaml:"recent_days"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error").
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads a YAML or JSON file, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes YAML (JSON is accepted as a YAML subset), applies defaults
// and validates.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv overrides fields from CLINICBASE_* variables, then re-applies
// defaults and validates.
func (c *Config) ApplyEnv() error {
	if v, ok := getEnvString("DATA_DIR"); ok {
		// A path under the old data dir moves with it.
		if rel, err := filepath.Rel(c.Storage.DataDir, c.Storage.Path); err == nil &&
			c.Storage.Path != ":memory:" && !strings.HasPrefix(rel, "..") {
			c.Storage.Path = rel
		}
		c.Storage.DataDir = v
	}
	if v, ok := getEnvString("DB_PATH"); ok {
		c.Storage.Path = v
	}
	if v, ok := getEnvDuration("CACHE_TTL"); ok {
		c.Cache.TTL = v
	}
	if v, ok := getEnvInt("CACHE_CAPACITY"); ok {
		c.Cache.Capacity = v
	}
	if v, ok := getEnvInt("RECORD_CACHE_SIZE"); ok {
		c.Cache.RecordCacheSize = int64(v)
	}
	if v, ok := getEnvString("SCORING_POLICY"); ok {
		c.Search.ScoringPolicy = v
	}
	if v, ok := getEnvInt("BACKUP_KEEP"); ok {
		c.Backup.Keep = v
	}
	if v, ok := getEnvString("MIRROR_ENDPOINT"); ok {
		c.Backup.Mirror.Endpoint = v
	}
	if v, ok := getEnvString("MIRROR_BUCKET"); ok {
		c.Backup.Mirror.Bucket = v
	}
	if v, ok := getEnvString("MIRROR_PREFIX"); ok {
		c.Backup.Mirror.Prefix = v
	}
	if v, ok := getEnvString("MIRROR_ACCESS_KEY"); ok {
		c.Backup.Mirror.AccessKey = v
	}
	if v, ok := getEnvString("MIRROR_SECRET_KEY"); ok {
		c.Backup.Mirror.SecretKey = v
	}
	if v, ok := getEnvBool("MIRROR_USE_SSL"); ok {
		c.Backup.Mirror.UseSSL = v
	}
	if v, ok := getEnvString("API_ADDR"); ok {
		c.API.Addr = v
	}
	if v, ok := getEnvBool("API_AUTO_PORT"); ok {
		c.API.AutoPort = v
	}
	if v, ok := getEnvFloat64("API_RATE_LIMIT"); ok {
		c.API.RateLimit = v
	}
	if v, ok := getEnvInt("API_BURST"); ok {
		c.API.Burst = v
	}
	if v, ok := getEnvInt("STATS_RECENT_DAYS"); ok {
		c.Stats.RecentDays = v
	}
	if v, ok := getEnvString("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	c.SetDefaults()
	return c.Validate()
}

// SetDefaults fills every zero field with its default.
func (c *Config) SetDefaults() {
	if c.Storage.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Storage.DataDir = filepath.Join(home, ".clinicbase")
		} else {
			c.Storage.DataDir = ".clinicbase"
		}
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Storage.DataDir, defaultDBFile)
	} else if c.Storage.Path != ":memory:" && !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(c.Storage.DataDir, c.Storage.Path)
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 100
	}
	if c.Cache.RecordCacheSize == 0 {
		c.Cache.RecordCacheSize = 1000
	}
	if c.Search.ScoringPolicy == "" {
		c.Search.ScoringPolicy = "cumulative"
	}
	if c.Backup.Keep == 0 {
		c.Backup.Keep = 5
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8000"
	}
	if c.API.PortRangeStart == 0 {
		c.API.PortRangeStart = 8000
	}
	if c.API.PortRangeEnd == 0 {
		c.API.PortRangeEnd = 8100
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 50
	}
	if c.API.Burst == 0 {
		c.API.Burst = 100
	}
	if c.Stats.RecentDays == 0 {
		c.Stats.RecentDays = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative")
	}
	if c.Cache.RecordCacheSize < 0 {
		return fmt.Errorf("cache.record_cache_size must not be negative")
	}
	switch strings.ToLower(c.Search.ScoringPolicy) {
	case "cumulative", "highest_tier", "highest-tier", "highest":
	default:
		return fmt.Errorf("search.scoring_policy %q is not one of cumulative, highest_tier", c.Search.ScoringPolicy)
	}
	if c.Backup.Keep < 1 {
		return fmt.Errorf("backup.keep must be at least 1")
	}
	if m := c.Backup.Mirror; m.Enabled() && m.Bucket == "" {
		return fmt.Errorf("backup.mirror.bucket is required when an endpoint is set")
	}
	if c.API.PortRangeStart < 1 || c.API.PortRangeEnd > 65536 || c.API.PortRangeStart >= c.API.PortRangeEnd {
		return fmt.Errorf("api port range [%d, %d) is invalid", c.API.PortRangeStart, c.API.PortRangeEnd)
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		return fmt.Errorf("api.rate_limit and api.burst must not be negative")
	}
	if c.Stats.RecentDays < 1 {
		return fmt.Errorf("stats.recent_days must be at least 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

func getEnvString(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func getEnvInt(name string) (int, bool) {
	v, ok := getEnvString(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getEnvFloat64(name string) (float64, bool) {
	v, ok := getEnvString(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func getEnvBool(name string) (bool, bool) {
	v, ok := getEnvString(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getEnvDuration(name string) (time.Duration, bool) {
	v, ok := getEnvString(name)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
