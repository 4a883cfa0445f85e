// Package config loads the agent configuration.
//
// The file is chosen by:
//   - the --config flag, or
//   - the LOGP_CONFIG environment variable, or
//   - ~/.logp.yaml, which may be absent.
//
// Files ending in .toml are parsed as TOML, everything else as YAML.
// LOGP_ENDPOINT and LOGP_APIKEY override the corresponding keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultHeartbeat is the heartbeat interval in microseconds
const DefaultHeartbeat = 5000000

// Config is the agent configuration
type Config struct {
	// Endpoint is the ws:// or wss:// address of the collection service.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`

	// APIKey authenticates the connection. When empty the key stored by
	// "logp config set-key" is used.
	APIKey string `yaml:"apikey" toml:"apikey"`

	// TLSNoVerify disables server certificate verification.
	TLSNoVerify bool `yaml:"tls_no_verify" toml:"tls_no_verify"`

	// ReconnectDelay is the pause between connection attempts.
	// Default: 5s
	ReconnectDelay string `yaml:"reconnect_delay" toml:"reconnect_delay"`

	// ReconnectMaxDelay enables exponential backoff capped at this value.
	// Default: empty (fixed delay)
	ReconnectMaxDelay string `yaml:"reconnect_max_delay" toml:"reconnect_max_delay"`

	// Run configures "logp run".
	Run RunConfig `yaml:"run" toml:"run"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-" toml:"-"`

	// Warnings lists problems that did not prevent loading.
	Warnings []string `yaml:"-" toml:"-"`
}

// RunConfig configures process wrapping
type RunConfig struct {
	// Heartbeat is the interval in microseconds between heartbeats for a
	// running process. Zero disables heartbeats.
	Heartbeat uint64 `yaml:"heartbeat" toml:"heartbeat"`

	// Env lists glob patterns of environment variables recorded with the
	// start record.
	Env []string `yaml:"env" toml:"env"`

	// Preload is the path of the trace library injected into the child.
	Preload string `yaml:"preload" toml:"preload"`

	// ShutdownTimeout bounds how long to wait for the upload to flush
	// after the child exits.
	// Default: 4s
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// knownKeys lists every accepted key, with nested keys joined by dots
var knownKeys = []string{
	"endpoint",
	"apikey",
	"tls_no_verify",
	"reconnect_delay",
	"reconnect_max_delay",
	"run",
	"run.heartbeat",
	"run.env",
	"run.preload",
	"run.shutdown_timeout",
}

// Default returns the configuration used before any file is applied
func Default() *Config {
	return &Config{
		ReconnectDelay: "5s",
		Run: RunConfig{
			Heartbeat:       DefaultHeartbeat,
			ShutdownTimeout: "4s",
		},
	}
}

// Load resolves the configuration file, parses it and applies environment
// overrides. flagPath is the value of --config and may be empty. An
// explicitly named file must exist; the default file may not.
func Load(flagPath string) (*Config, error) {
	path, explicit := resolvePath(flagPath)

	cfg := Default()
	if path != "" {
		err := cfg.loadFile(path)
		switch {
		case err == nil:
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, err
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// LoadFile parses a single file over the defaults, without environment
// overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

func resolvePath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if env := os.Getenv("LOGP_CONFIG"); env != "" {
		return env, true
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(homeDir, ".logp.yaml"), false
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var raw map[string]any
	if isTOML(path) {
		if err := toml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	for _, key := range unknownKeys(raw, "") {
		c.Warnings = append(c.Warnings, fmt.Sprintf("Unrecognized config option (%s) in file %s", key, path))
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// unknownKeys returns the dotted keys of raw that are not accepted, in
// sorted order.
func unknownKeys(raw map[string]any, prefix string) []string {
	var unknown []string
	for key, value := range raw {
		full := prefix + key
		if !slices.Contains(knownKeys, full) {
			unknown = append(unknown, full)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			unknown = append(unknown, unknownKeys(nested, full+".")...)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("LOGP_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := getenv("LOGP_APIKEY"); v != "" {
		c.APIKey = v
	}
}

// ReconnectDelays returns the parsed reconnect delay and backoff cap. A
// zero cap means a fixed delay.
func (c *Config) ReconnectDelays() (time.Duration, time.Duration, error) {
	delay, err := parseDuration("reconnect_delay", c.ReconnectDelay)
	if err != nil {
		return 0, 0, err
	}
	maxDelay, err := parseDuration("reconnect_max_delay", c.ReconnectMaxDelay)
	if err != nil {
		return 0, 0, err
	}
	return delay, maxDelay, nil
}

// ShutdownTimeout returns the parsed run.shutdown_timeout
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return parseDuration("run.shutdown_timeout", c.Run.ShutdownTimeout)
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return d, nil
}

// Validate checks the settings needed to connect
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, fmt.Errorf("endpoint is required (set it in the config file or LOGP_ENDPOINT)"))
	} else if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		errs = append(errs, fmt.Errorf("endpoint %q must start with ws:// or wss://", c.Endpoint))
	}

	delay, maxDelay, err := c.ReconnectDelays()
	switch {
	case err != nil:
		errs = append(errs, err)
	case delay == 0:
		errs = append(errs, fmt.Errorf("reconnect_delay must be positive"))
	case maxDelay != 0 && maxDelay < delay:
		errs = append(errs, fmt.Errorf("reconnect_max_delay %v is below reconnect_delay %v", maxDelay, delay))
	}

	if _, err := c.ShutdownTimeout(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
