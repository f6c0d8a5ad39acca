// Package config loads the daemon configuration from a YAML file with
// sensible defaults for anything not set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultReapInterval = 30 * time.Second
)

// Duration wraps time.Duration so YAML values like "90s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full daemon configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the sqlite database and uploaded files.
	DataDir string `yaml:"data_dir"`

	// StaticDir is served at the HTTP root. Empty disables static serving.
	StaticDir string `yaml:"static_dir"`

	// Command is the conversation subprocess binary.
	Command string `yaml:"command"`

	// Password gates the HTTP API. Empty disables auth entirely.
	Password string `yaml:"password"`

	// IdleTimeout is how long a conversation process may run with no
	// attached viewers before it is reaped.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ReapInterval is how often the idle reaper scans.
	ReapInterval Duration `yaml:"reap_interval"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	dataDir := ".convod"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".convod")
	}
	return Config{
		ListenAddr:   "127.0.0.1:7860",
		DataDir:      dataDir,
		Command:      "claude",
		IdleTimeout:  Duration(defaultIdleTimeout),
		ReapInterval: Duration(defaultReapInterval),
	}
}

// Load reads the config file at path, applying defaults for unset fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = Duration(defaultIdleTimeout)
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = Duration(defaultReapInterval)
	}
	return cfg, nil
}

// DatabasePath returns the sqlite database location under DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "convod.db")
}

// UploadsDir returns the upload storage location under DataDir.
func (c Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}
