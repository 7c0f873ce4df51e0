package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// ServerConfig holds completion signal server settings.
type ServerConfig struct {
	// Port is the first loopback port tried. Zero asks the kernel for any
	// free port.
	Port int `toml:"port"`
	// PortAttempts bounds how many consecutive ports are probed.
	PortAttempts int `toml:"port_attempts"`
}

// AgentConfig holds the external agent invocation.
type AgentConfig struct {
	// Command is the agent executable run inside the pane.
	Command string `toml:"command"`
	// Args are passed before the prompt.
	Args []string `toml:"args"`
	// Env is exported into the pane before the agent starts.
	Env map[string]string `toml:"env"`
	// SetupHooks writes agent hook settings into the project before spawning.
	SetupHooks bool `toml:"setup_hooks"`
	// NotifyBinary is the cwf executable the hooks call back into.
	NotifyBinary string `toml:"notify_binary"`
}

// PaneConfig holds pane sizing and teardown timings. The teardown pauses are
// tuned against tmux latency, not derived.
type PaneConfig struct {
	SplitDirection   string        `toml:"split_direction"` // "h" or "v"
	MaxPromptBytes   int           `toml:"max_prompt_bytes"`
	MaxCommandBytes  int           `toml:"max_command_bytes"`
	StartupDelay     time.Duration `toml:"startup_delay"`
	InterruptPause   time.Duration `toml:"interrupt_pause"`
	EOFPause         time.Duration `toml:"eof_pause"`
	ExitWait         time.Duration `toml:"exit_wait"`
	ExistencePolls   int           `toml:"existence_polls"`
	ExistenceBackoff time.Duration `toml:"existence_backoff"`
	TurnTimeout      time.Duration `toml:"turn_timeout"`
}

// StateConfig holds State Store settings.
type StateConfig struct {
	// LargeValueBytes is the size above which values are moved to scratch files.
	LargeValueBytes int `toml:"large_value_bytes"`
}

// PathsConfig holds path configuration.
type PathsConfig struct {
	ScratchDir string `toml:"scratch_dir"`
	LogsDir    string `toml:"logs_dir"`
	RunsDir    string `toml:"runs_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for cwf.
type Config struct {
	Version string        `toml:"version"`
	Paths   PathsConfig   `toml:"paths"`
	Server  ServerConfig  `toml:"server"`
	Agent   AgentConfig   `toml:"agent"`
	Pane    PaneConfig    `toml:"pane"`
	State   StateConfig   `toml:"state"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			ScratchDir: ".cwf/tmp",
			LogsDir:    ".cwf/logs",
			RunsDir:    ".cwf/runs",
		},
		Server: ServerConfig{
			Port:         7432,
			PortAttempts: 20,
		},
		Agent: AgentConfig{
			Command:      "claude",
			Args:         []string{"--dangerously-skip-permissions"},
			SetupHooks:   true,
			NotifyBinary: "cwf",
		},
		Pane: PaneConfig{
			SplitDirection:   "h",
			MaxPromptBytes:   1 << 20,
			MaxCommandBytes:  100_000,
			StartupDelay:     500 * time.Millisecond,
			InterruptPause:   500 * time.Millisecond,
			EOFPause:         300 * time.Millisecond,
			ExitWait:         5 * time.Second,
			ExistencePolls:   10,
			ExistenceBackoff: 200 * time.Millisecond,
			TurnTimeout:      30 * time.Minute,
		},
		State: StateConfig{
			LargeValueBytes: 16 * 1024,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
			File:   "",
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.cwf/config.toml -> .cwf/config.toml ->
// .cwf/.env -> CWF_* environment variables.
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".cwf", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".cwf", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	// godotenv.Load never overrides variables already set in the process.
	envFile := filepath.Join(dir, ".cwf", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := strings.TrimSpace(os.Getenv("CWF_SIGNAL_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
			c.Server.Port = parsed
		}
	}
	if level := strings.TrimSpace(os.Getenv("CWF_LOG_LEVEL")); level != "" {
		c.Logging.Level = LogLevel(strings.ToLower(level))
	}
	if command := strings.TrimSpace(os.Getenv("CWF_AGENT_COMMAND")); command != "" {
		c.Agent.Command = command
	}
	if value := strings.TrimSpace(os.Getenv("CWF_SETUP_HOOKS")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			c.Agent.SetupHooks = enabled
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if !isValidPort(c.Server.Port) {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.PortAttempts <= 0 {
		return fmt.Errorf("server.port_attempts must be positive")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Pane.MaxCommandBytes <= 0 || c.Pane.MaxPromptBytes <= 0 {
		return fmt.Errorf("pane size ceilings must be positive")
	}
	if c.Pane.MaxCommandBytes >= c.Pane.MaxPromptBytes {
		return fmt.Errorf("pane.max_command_bytes must be below pane.max_prompt_bytes")
	}
	if c.Pane.SplitDirection != "h" && c.Pane.SplitDirection != "v" {
		return fmt.Errorf("pane.split_direction must be \"h\" or \"v\"")
	}
	if c.Pane.ExistencePolls <= 0 {
		return fmt.Errorf("pane.existence_polls must be positive")
	}
	if c.State.LargeValueBytes <= 0 {
		return fmt.Errorf("state.large_value_bytes must be positive")
	}
	return nil
}

// ScratchDir returns the absolute scratch directory path.
func (c *Config) ScratchDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.ScratchDir) {
		return c.Paths.ScratchDir
	}
	return filepath.Join(baseDir, c.Paths.ScratchDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.LogsDir) {
		return c.Paths.LogsDir
	}
	return filepath.Join(baseDir, c.Paths.LogsDir)
}

// RunsDir returns the absolute directory holding run records.
func (c *Config) RunsDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.RunsDir) {
		return c.Paths.RunsDir
	}
	return filepath.Join(baseDir, c.Paths.RunsDir)
}

// LogFile returns the absolute log file path.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(baseDir, c.Logging.File)
}

func isValidPort(port int) bool {
	return port >= 0 && port <= 65535
}
