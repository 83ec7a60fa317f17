package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "CHAT_RELAY"
	RuntimeHTTP   = "http"
	RuntimeLambda = "lambda"
)

// Config is the process configuration. Provider credentials are never part
// of it; they arrive with each request.
type Config struct {
	Runtime     string         `mapstructure:"runtime"`
	ParamPrefix string         `mapstructure:"param_prefix"`
	Server      ServerConfig   `mapstructure:"server"`
	Frontend    FrontendConfig `mapstructure:"frontend"`
	CORS        CORSConfig     `mapstructure:"cors"`
	OpenAI      OpenAIConfig   `mapstructure:"openai"`
	Log         LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type FrontendConfig struct {
	Dir string `mapstructure:"dir"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type OpenAIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	DefaultModel string `mapstructure:"default_model"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"runtime":              RuntimeHTTP,
	"param_prefix":         "",
	"server.host":          "0.0.0.0",
	"server.port":          8000,
	"frontend.dir":         "frontend",
	"cors.allowed_origins": []string{"*"},
	"openai.base_url":      "https://api.openai.com/v1",
	"openai.default_model": "gpt-4.1-mini",
	"log.level":            "info",
	"log.format":           "json",
}

// Load reads configuration from defaults, the optional file at path and
// CHAT_RELAY_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Runtime = strings.ToLower(strings.TrimSpace(c.Runtime))
	c.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	c.OpenAI.DefaultModel = strings.TrimSpace(c.OpenAI.DefaultModel)
	c.CORS.AllowedOrigins = splitOrigins(c.CORS.AllowedOrigins)
}

func (c *Config) Validate() error {
	switch c.Runtime {
	case RuntimeHTTP, RuntimeLambda:
	default:
		return fmt.Errorf("config: unknown runtime %q", c.Runtime)
	}
	if c.Runtime == RuntimeHTTP && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.OpenAI.BaseURL) == "" {
		return errors.New("config: openai base url must not be empty")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ApplyOverrides copies the non-empty values in o over c.
func (c *Config) ApplyOverrides(o Overrides) {
	if m := strings.TrimSpace(o.DefaultModel); m != "" {
		c.OpenAI.DefaultModel = m
	}
	if origins := splitOrigins(o.CORSOrigins); len(origins) > 0 {
		c.CORS.AllowedOrigins = origins
	}
}

// Overrides are settings fetched from a remote parameter store.
type Overrides struct {
	DefaultModel string
	CORSOrigins  []string
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// splitOrigins flattens comma separated entries and drops blanks.
func splitOrigins(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
