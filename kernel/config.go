package kernel

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DebugConfig tunes the debug subsystem.
type DebugConfig struct {
	Enabled       bool   `toml:"enabled"`
	CheckInterval uint32 `toml:"check_interval"`
}

// Config is the kernel configuration. Unknown keys in a config file
// are a startup error, not a warning.
type Config struct {
	ListenAddress          string      `toml:"listen_address"`
	DefaultEngine          string      `toml:"default_engine"`
	MaxClients             uint32      `toml:"max_clients"`
	AuthEnabled            bool        `toml:"auth_enabled"`
	HeartbeatIntervalMs    uint32      `toml:"heartbeat_interval_ms"`
	ShutdownTimeoutSeconds uint32      `toml:"shutdown_timeout_seconds"`
	PIDFile                string      `toml:"pid_file"`
	WorkingDir             string      `toml:"working_dir"`
	StdoutPath             string      `toml:"stdout_path"`
	StderrPath             string      `toml:"stderr_path"`
	CloseStdin             bool        `toml:"close_stdin"`
	Umask                  uint32      `toml:"umask"`
	StateDir               string      `toml:"state_dir"`
	StateBackend           string      `toml:"state_backend"`
	ConnectionDir          string      `toml:"connection_dir"`
	Debug                  DebugConfig `toml:"debug"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:          "127.0.0.1:0",
		DefaultEngine:          "lua",
		MaxClients:             32,
		HeartbeatIntervalMs:    3000,
		ShutdownTimeoutSeconds: 5,
		CloseStdin:             true,
		StateBackend:           "memory",
		Debug: DebugConfig{
			Enabled:       true,
			CheckInterval: 1000,
		},
	}
}

// LoadConfig reads a TOML config file over the defaults. Unrecognized
// keys are a Configuration error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, Wrap(KindConfiguration, err, fmt.Sprintf("config file %s", path))
		}
		return cfg, Wrap(KindConfiguration, err, "parsing config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return cfg, Errorf(KindConfiguration, "unrecognized config options: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseConfig decodes TOML from a string, for tests and embedded
// configs.
func ParseConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return cfg, Wrap(KindConfiguration, err, "parsing config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return cfg, Errorf(KindConfiguration, "unrecognized config options: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DefaultEngine == "" {
		return Errorf(KindConfiguration, "default_engine must not be empty")
	}
	if c.MaxClients == 0 {
		return Errorf(KindConfiguration, "max_clients must be positive")
	}
	if c.HeartbeatIntervalMs == 0 {
		return Errorf(KindConfiguration, "heartbeat_interval_ms must be positive")
	}
	switch c.StateBackend {
	case "memory", "file", "sqlite":
	default:
		return Errorf(KindConfiguration, "unknown state_backend %q", c.StateBackend)
	}
	if c.StateBackend != "memory" && c.StateDir == "" {
		return Errorf(KindConfiguration, "state_dir required for state_backend %q", c.StateBackend)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ShutdownGrace returns the shutdown drain window.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
