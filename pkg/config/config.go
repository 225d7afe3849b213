package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const AppName = "asynclang"

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StorePebble = "pebble"

	AgentOpenAI = "openai"
	AgentEcho   = "echo"
)

// Settings is the typed view of the flags, environment and config file.
type Settings struct {
	Listen string `mapstructure:"listen"`

	Store     string `mapstructure:"store"`
	StorePath string `mapstructure:"store-path"`

	Agent         string        `mapstructure:"agent"`
	OpenAIAPIKey  string        `mapstructure:"openai-api-key"`
	OpenAIBaseURL string        `mapstructure:"openai-base-url"`
	OpenAIModel   string        `mapstructure:"openai-model"`
	SystemPrompt  string        `mapstructure:"system-prompt"`
	AgentTimeout  time.Duration `mapstructure:"agent-timeout"`

	QueueDepth     int     `mapstructure:"queue-depth"`
	RateLimitRPS   float64 `mapstructure:"rate-limit-rps"`
	RateLimitBurst int     `mapstructure:"rate-limit-burst"`

	Log LogSettings `mapstructure:",squash"`
}

type LogSettings struct {
	Level      string `mapstructure:"log-level"`
	Format     string `mapstructure:"log-format"`
	File       string `mapstructure:"log-file"`
	WithCaller bool   `mapstructure:"with-caller"`
	Verbose    bool   `mapstructure:"verbose"`
}

// AddFlags registers the persistent flags every command shares.
func AddFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	f.String("config", "", "Path to config file (default ~/.asynclang/config.yaml)")
	f.Bool("with-caller", false, "Log caller")
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	f.String("log-format", "text", "Log format (json, text)")
	f.String("log-file", "", "Log file (default: stderr)")
	f.Bool("verbose", false, "Verbose output")

	f.String("store", StoreSQLite, "Store backend (memory, sqlite, pebble)")
	f.String("store-path", "asynclang.db", "Database file (sqlite) or directory (pebble)")

	f.String("agent", AgentOpenAI, "Agent backend (openai, echo)")
	f.String("openai-api-key", "", "OpenAI API key")
	f.String("openai-base-url", "", "OpenAI compatible base URL")
	f.String("openai-model", "gpt-4o-mini", "Model name")
	f.String("system-prompt", "You are a helpful assistant.", "System prompt sent with every conversation")
	f.Duration("agent-timeout", 2*time.Minute, "Timeout of a single agent call")

	f.Int("queue-depth", 16, "Maximum number of unfinished prompts per thread")
}

// AddServeFlags registers the flags of the serve command.
func AddServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("listen", ":8000", "HTTP listen address")
	f.Float64("rate-limit-rps", 5, "Prompt submissions per second per client")
	f.Int("rate-limit-burst", 10, "Prompt submission burst per client")
}

// InitViper wires v to the config file, the ASYNCLANG_ environment and the
// flags of cmd. A missing config file is not an error.
func InitViper(v *viper.Viper, cmd *cobra.Command, configPath string) error {
	v.SetEnvPrefix(AppName)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/." + AppName)
		v.AddConfigPath("/etc/" + AppName)

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			v.AddConfigPath(xdgConfigPath + "/" + AppName)
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return err
	}
	return v.BindPFlags(cmd.Flags())
}

// Load decodes the settings from v and validates them.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.Store {
	case StoreMemory:
	case StoreSQLite, StorePebble:
		if s.StorePath == "" {
			return errors.Errorf("store %s needs a store-path", s.Store)
		}
	default:
		return errors.Errorf("unknown store %q", s.Store)
	}

	switch s.Agent {
	case AgentEcho:
	case AgentOpenAI:
		if s.OpenAIModel == "" {
			return errors.New("openai agent needs an openai-model")
		}
	default:
		return errors.Errorf("unknown agent %q", s.Agent)
	}

	if s.AgentTimeout <= 0 {
		return errors.New("agent-timeout must be positive")
	}
	if s.QueueDepth <= 0 {
		return errors.New("queue-depth must be positive")
	}
	return nil
}
