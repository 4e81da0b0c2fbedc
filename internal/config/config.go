package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds all configuration for the tabmux control plane.
type Config struct {
	// Browser debugger endpoint
	CDPAddress string
	CDPPort    int
	Profile    string

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Session behavior
	CommandTimeout     time.Duration
	BootstrapAttempts  int
	BootstrapInterval  time.Duration
	NewTabSettle       time.Duration
	ConsoleLogCapacity int
	NetworkLogCapacity int

	// Optional YAML files
	RulesPath       string
	RelayConfigPath string

	// JournalDir enables the on-disk JSONL journal when set.
	JournalDir   string
	JournalMaxMB int

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and an optional .env
// file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		Profile:            getEnvOrDefault("TABMUX_PROFILE", "default"),
		BindAddr:           getEnvOrDefault("TABMUX_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:     getEnvListOrDefault("TABMUX_PORT_CANDIDATES", nil),
		PortAutoFallback:   getEnvBoolOrDefault("TABMUX_PORT_AUTO_FALLBACK", false),
		CommandTimeout:     getEnvDurationMSOrDefault("TABMUX_COMMAND_TIMEOUT_MS", 30*time.Second),
		BootstrapAttempts:  getEnvIntOrDefault("TABMUX_BOOTSTRAP_ATTEMPTS", 10),
		BootstrapInterval:  getEnvDurationMSOrDefault("TABMUX_BOOTSTRAP_INTERVAL_MS", 500*time.Millisecond),
		NewTabSettle:       getEnvDurationMSOrDefault("TABMUX_NEW_TAB_SETTLE_MS", 300*time.Millisecond),
		ConsoleLogCapacity: getEnvIntOrDefault("TABMUX_CONSOLE_LOG_CAPACITY", 1000),
		NetworkLogCapacity: getEnvIntOrDefault("TABMUX_NETWORK_LOG_CAPACITY", 500),
		RulesPath:          getEnvOrDefault("TABMUX_INTERCEPT_RULES", ""),
		RelayConfigPath:    getEnvOrDefault("TABMUX_RELAY_CONFIG", ""),
		JournalDir:         getEnvOrDefault("TABMUX_JOURNAL_DIR", ""),
		JournalMaxMB:       getEnvIntOrDefault("TABMUX_JOURNAL_MAX_MB", 50),
		LogLevel:           strings.ToLower(getEnvOrDefault("TABMUX_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("TABMUX_LOG_FILE", "logs/tabmux.log"),
	}
	if cfg.CommandTimeout < time.Second {
		cfg.CommandTimeout = time.Second
	}
	return cfg, cfg.Validate()
}

// ApplyFlags overrides the loaded values with command-line flags.
func (c *Config) ApplyFlags(fs *pflag.FlagSet, args []string) error {
	fs.StringVar(&c.CDPAddress, "address", c.CDPAddress, "browser debugger host")
	fs.IntVar(&c.CDPPort, "port", c.CDPPort, "browser debugger port")
	fs.StringVar(&c.Profile, "profile", c.Profile, "profile name used in logs")
	fs.StringVar(&c.BindAddr, "bind", c.BindAddr, "HTTP API listen address")
	fs.StringVar(&c.RulesPath, "rules", c.RulesPath, "intercept rules YAML file")
	fs.StringVar(&c.RelayConfigPath, "relay", c.RelayConfigPath, "WebSocket relay YAML file")
	fs.StringVar(&c.JournalDir, "journal", c.JournalDir, "directory for the console/network JSONL journal")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	return c.Validate()
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.CDPAddress) == "" {
		return fmt.Errorf("config: browser address is required")
	}
	if c.CDPPort < 1 || c.CDPPort > 65535 {
		return fmt.Errorf("config: browser port %d out of range", c.CDPPort)
	}
	if c.BootstrapAttempts < 1 {
		return fmt.Errorf("config: bootstrap attempts must be at least 1, got %d", c.BootstrapAttempts)
	}
	if c.ConsoleLogCapacity < 1 || c.NetworkLogCapacity < 1 {
		return fmt.Errorf("config: log capacities must be positive")
	}
	return nil
}

// CDPURL returns the browser's debugger HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// SessionOptions translates the config into session options. Rules and the
// observer are wired by the caller.
func (c *Config) SessionOptions() cdpsession.Options {
	return cdpsession.Options{
		HTTPBase:        c.CDPURL(),
		Profile:         c.Profile,
		CommandTimeout:  c.CommandTimeout,
		Attempts:        c.BootstrapAttempts,
		RetryInterval:   c.BootstrapInterval,
		NewTabSettle:    c.NewTabSettle,
		ConsoleCapacity: c.ConsoleLogCapacity,
		NetworkCapacity: c.NetworkLogCapacity,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDurationMSOrDefault reads a millisecond count.
func getEnvDurationMSOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
