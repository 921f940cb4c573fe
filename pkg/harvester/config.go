package harvester

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
	"github.com/PentesterFlow/ParamHarvest/internal/extract"
	"github.com/PentesterFlow/ParamHarvest/internal/scope"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARAMHARVEST_"

// Config holds all engine configuration.
type Config struct {
	// Number of extraction workers
	Workers int `json:"workers" yaml:"workers"`

	// Capacity of the drop-on-full job queue
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// How long an idle worker waits for a job before re-checking shutdown
	DequeueTimeout time.Duration `json:"dequeue_timeout" yaml:"dequeue_timeout"`

	// Cap for each inline <script> body harvested from HTML
	MaxInlineJSKB int `json:"max_inline_js_kb" yaml:"max_inline_js_kb"`

	// Bodies above this size are refused at submission
	MaxBodyMB int `json:"max_body_mb" yaml:"max_body_mb"`

	// Record query keys found inside endpoint values as parameters
	DeriveQueryParams bool `json:"derive_query_params" yaml:"derive_query_params"`

	Scope  scope.Rules    `json:"scope" yaml:"scope"`
	Ignore extract.Ignore `json:"ignore" yaml:"ignore"`
	State  StateConfig    `json:"state" yaml:"state"`
	AST    ASTConfig      `json:"ast" yaml:"ast"`
	Server ServerConfig   `json:"server" yaml:"server"`
	Log    LogConfig      `json:"log" yaml:"log"`
}

// StateConfig controls persistence.
type StateConfig struct {
	// Directory for snapshots and append-only logs; empty keeps everything
	// in memory
	Dir string `json:"dir" yaml:"dir"`

	// Snapshot backend: file, bolt or memory
	Backend string `json:"backend" yaml:"backend"`

	// Gzip file snapshots
	Compressed bool `json:"compressed" yaml:"compressed"`

	// Auto-save interval; zero disables periodic saves
	AutoSave time.Duration `json:"auto_save" yaml:"auto_save"`

	// Log file names, relative to Dir unless absolute
	DedupLog   string `json:"dedup_log" yaml:"dedup_log"`
	RefererLog string `json:"referer_log" yaml:"referer_log"`

	// Referer tracker capacity
	RefererCacheSize int `json:"referer_cache_size" yaml:"referer_cache_size"`
}

// ASTConfig controls the jsluice producer.
type ASTConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Workers    int    `json:"workers" yaml:"workers"`
	QueueSize  int    `json:"queue_size" yaml:"queue_size"`
	MaxBodyMB  int    `json:"max_body_mb" yaml:"max_body_mb"`
	ScannedLog string `json:"scanned_log" yaml:"scanned_log"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	ListenAddr string  `json:"listen_addr" yaml:"listen_addr"`
	IngestRPS  float64 `json:"ingest_rps" yaml:"ingest_rps"`
	Burst      int     `json:"burst" yaml:"burst"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	workers := runtime.NumCPU() / 2
	if workers < 2 {
		workers = 2
	}
	return &Config{
		Workers:           workers,
		QueueSize:         200,
		DequeueTimeout:    2 * time.Second,
		MaxInlineJSKB:     200,
		MaxBodyMB:         8,
		DeriveQueryParams: true,
		Ignore:            extract.DefaultIgnore(),
		State: StateConfig{
			Backend:          state.BackendFile,
			AutoSave:         300 * time.Second,
			DedupLog:         "js_hashes.tsv",
			RefererLog:       "js_referers.tsv",
			RefererCacheSize: 10000,
		},
		AST: ASTConfig{
			Enabled:    false,
			Workers:    2,
			QueueSize:  100,
			MaxBodyMB:  8,
			ScannedLog: "jsluice_scanned.txt",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8088",
			IngestRPS:  50,
			Burst:      100,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML) on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// Load reads path when non-empty, loads a .env file from the working
// directory when present and applies environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		var err error
		if config, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile saves configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Write writes the configuration to w as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// ApplyEnv overrides fields from PARAMHARVEST_* variables. List values are
// comma-separated.
func (c *Config) ApplyEnv() error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"WORKERS", &c.Workers},
		{"QUEUE_SIZE", &c.QueueSize},
		{"MAX_INLINE_JS_KB", &c.MaxInlineJSKB},
		{"MAX_BODY_MB", &c.MaxBodyMB},
		{"AST_WORKERS", &c.AST.Workers},
		{"AST_QUEUE_SIZE", &c.AST.QueueSize},
		{"AST_MAX_BODY_MB", &c.AST.MaxBodyMB},
		{"SERVER_BURST", &c.Server.Burst},
	}
	for _, f := range ints {
		if v, ok := lookupEnv(f.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return harvesterrors.NewConfigError(EnvPrefix+f.name, "must be an integer")
			}
			*f.dst = n
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"DERIVE_QUERY_PARAMS", &c.DeriveQueryParams},
		{"STATE_COMPRESSED", &c.State.Compressed},
		{"AST_ENABLED", &c.AST.Enabled},
		{"LOG_PRETTY", &c.Log.Pretty},
	}
	for _, f := range bools {
		if v, ok := lookupEnv(f.name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return harvesterrors.NewConfigError(EnvPrefix+f.name, "must be a boolean")
			}
			*f.dst = b
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"DEQUEUE_TIMEOUT", &c.DequeueTimeout},
		{"STATE_AUTO_SAVE", &c.State.AutoSave},
	}
	for _, f := range durations {
		if v, ok := lookupEnv(f.name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return harvesterrors.NewConfigError(EnvPrefix+f.name, "must be a duration")
			}
			*f.dst = d
		}
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"STATE_DIR", &c.State.Dir},
		{"STATE_BACKEND", &c.State.Backend},
		{"SERVER_LISTEN_ADDR", &c.Server.ListenAddr},
		{"LOG_LEVEL", &c.Log.Level},
	}
	for _, f := range strs {
		if v, ok := lookupEnv(f.name); ok {
			*f.dst = v
		}
	}

	if v, ok := lookupEnv("SERVER_INGEST_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return harvesterrors.NewConfigError(EnvPrefix+"SERVER_INGEST_RPS", "must be a number")
		}
		c.Server.IngestRPS = rps
	}
	if v, ok := lookupEnv("TARGET_HOSTS"); ok {
		c.Scope.TargetHosts = splitList(v)
	}
	if v, ok := lookupEnv("IGNORE_ORIGINS"); ok {
		c.Ignore.Origins = splitList(v)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return harvesterrors.NewConfigError("workers", "must be at least 1")
	}
	if c.QueueSize < 1 {
		return harvesterrors.NewConfigError("queue_size", "must be at least 1")
	}
	if c.DequeueTimeout <= 0 {
		return harvesterrors.NewConfigError("dequeue_timeout", "must be positive")
	}
	if c.MaxBodyMB < 1 {
		return harvesterrors.NewConfigError("max_body_mb", "must be at least 1")
	}
	if c.MaxInlineJSKB < 1 {
		return harvesterrors.NewConfigError("max_inline_js_kb", "must be at least 1")
	}
	if c.State.AutoSave < 0 {
		return harvesterrors.NewConfigError("state.auto_save", "must not be negative")
	}
	switch strings.ToLower(c.State.Backend) {
	case "", state.BackendFile, state.BackendBolt, state.BackendMemory:
	default:
		return harvesterrors.NewConfigError("state.backend", fmt.Sprintf("unknown backend %q", c.State.Backend))
	}
	if c.AST.Enabled && (c.AST.Workers < 1 || c.AST.QueueSize < 1 || c.AST.MaxBodyMB < 1) {
		return harvesterrors.NewConfigError("ast", "workers, queue_size and max_body_mb must be at least 1")
	}
	if c.Server.IngestRPS <= 0 {
		return harvesterrors.NewConfigError("server.ingest_rps", "must be positive")
	}
	if _, err := scope.NewChecker(c.Scope); err != nil {
		return harvesterrors.NewConfigError("scope", err.Error())
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	return clone
}

// statePath resolves a log name against the state directory. It returns ""
// when there is nowhere to write.
func (c *Config) statePath(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	if c.State.Dir == "" {
		return ""
	}
	return filepath.Join(c.State.Dir, name)
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
