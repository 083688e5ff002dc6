package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the effective runtime configuration.
type Config struct {
	AssistantName   string `mapstructure:"assistant_name" yaml:"assistant_name"`
	Timezone        string `mapstructure:"timezone" yaml:"timezone"`
	MainGroupFolder string `mapstructure:"main_group_folder" yaml:"main_group_folder"`

	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	GroupsDir string `mapstructure:"groups_dir" yaml:"groups_dir"`
	StoreDir  string `mapstructure:"store_dir" yaml:"store_dir"`

	PollInterval          time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SchedulerPollInterval time.Duration `mapstructure:"scheduler_poll_interval" yaml:"scheduler_poll_interval"`
	IPCPollInterval       time.Duration `mapstructure:"ipc_poll_interval" yaml:"ipc_poll_interval"`
	GroupSyncInterval     time.Duration `mapstructure:"group_sync_interval" yaml:"group_sync_interval"`
	MaxConcurrentAgents   int           `mapstructure:"max_concurrent_agents" yaml:"max_concurrent_agents"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telegram  TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Container ContainerConfig `mapstructure:"container" yaml:"container"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console | json
}

type TelegramConfig struct {
	Token      string `mapstructure:"token" yaml:"token"`
	SendPerSec int    `mapstructure:"send_per_sec" yaml:"send_per_sec"`
}

// AgentConfig selects the worker backend.
type AgentConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // adk | container
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

type ContainerConfig struct {
	Image    string        `mapstructure:"image" yaml:"image"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MemoryMB int64         `mapstructure:"memory_mb" yaml:"memory_mb"`
	Network  string        `mapstructure:"network" yaml:"network"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and the environment, in increasing priority.
// An empty path falls back to $TGCLAW_HOME/config.yaml when it exists.
func Load(path string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TGCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names used by the bot tooling and the Gemini SDK.
	_ = v.BindEnv("telegram.token", "TGCLAW_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("agent.api_key", "TGCLAW_AGENT_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("assistant_name", "TGCLAW_ASSISTANT_NAME", "ASSISTANT_NAME")
	_ = v.BindEnv("timezone", "TGCLAW_TIMEZONE", "TZ")
	_ = v.BindEnv("log.level", "TGCLAW_LOG_LEVEL", "LOG_LEVEL")

	if path == "" {
		candidate := filepath.Join(HomeDir(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	root := projectRoot()
	v.SetDefault("assistant_name", "Andy")
	v.SetDefault("timezone", "")
	v.SetDefault("main_group_folder", "main")
	v.SetDefault("data_dir", filepath.Join(root, "data"))
	v.SetDefault("groups_dir", filepath.Join(root, "groups"))
	v.SetDefault("store_dir", filepath.Join(root, "store"))
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("scheduler_poll_interval", 60*time.Second)
	v.SetDefault("ipc_poll_interval", time.Second)
	v.SetDefault("group_sync_interval", 24*time.Hour)
	v.SetDefault("max_concurrent_agents", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.send_per_sec", 20)
	v.SetDefault("agent.backend", "adk")
	v.SetDefault("agent.model", "gemini-2.0-flash")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("container.image", "tgclaw-agent:latest")
	v.SetDefault("container.timeout", 5*time.Minute)
	v.SetDefault("container.memory_mb", 1024)
	v.SetDefault("container.network", "bridge")
	v.SetDefault("metrics.addr", "")
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AssistantName) == "" {
		return errors.New("config: assistant_name must not be empty")
	}
	if c.MainGroupFolder == "" {
		return errors.New("config: main_group_folder must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	switch c.Agent.Backend {
	case "adk", "container":
	default:
		return fmt.Errorf("config: unknown agent.backend %q", c.Agent.Backend)
	}
	if c.PollInterval <= 0 || c.SchedulerPollInterval <= 0 || c.IPCPollInterval <= 0 {
		return errors.New("config: poll intervals must be positive")
	}
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 1
	}
	return nil
}

// Location returns the timezone cron schedules are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// TriggerPattern matches messages addressed to the assistant, e.g. "@Andy hi".
func (c *Config) TriggerPattern() *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(c.AssistantName) + `\b`)
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.StoreDir, "messages.db")
}

// IPCDir returns the root of the per-group mailbox tree.
func (c *Config) IPCDir() string {
	return filepath.Join(c.DataDir, "ipc")
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Telegram.Token != "" {
		c.Telegram.Token = "<redacted>"
	}
	if c.Agent.APIKey != "" {
		c.Agent.APIKey = "<redacted>"
	}
	return c
}

// HomeDir is where an optional config.yaml is looked up.
func HomeDir() string {
	if override := os.Getenv("TGCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tgclaw")
}

func projectRoot() string {
	// Walk up from the working directory to find the module root (go.mod).
	dir, err := os.Getwd()
	if err != nil {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			return "."
		}
		dir = filepath.Dir(filename)
	}
	start := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return start
}
