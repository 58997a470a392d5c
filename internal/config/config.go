package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quantumai/pkg/llm"
)

// Config is the file/env configuration shared by the CLI and the mock server.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Mock   MockConfig   `yaml:"mock"`
}

// ClientConfig mirrors llm.Config in a serialisable form.
type ClientConfig struct {
	APIKey            string            `yaml:"api_key"`
	BaseURL           string            `yaml:"base_url"`
	DefaultModel      string            `yaml:"default_model"`
	AdditionalHeaders map[string]string `yaml:"additional_headers,omitempty"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	Debug             bool              `yaml:"debug"`
	Retry             RetryConfig       `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	MultiplierSeconds float64 `yaml:"multiplier_seconds"`
	MinWaitSeconds    float64 `yaml:"min_wait_seconds"`
	MaxWaitSeconds    float64 `yaml:"max_wait_seconds"`
}

type MockConfig struct {
	Port   string `yaml:"port"`
	APIKey string `yaml:"api_key"` // empty disables the auth check
	Model  string `yaml:"model"`
}

// Load reads the optional YAML file at path, then a .env file in the
// working directory if present, then environment variables. Later
// sources win.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Client.APIKey, "LLM_API_KEY")
	setString(&c.Client.BaseURL, "LLM_BASE_URL")
	setString(&c.Client.DefaultModel, "LLM_MODEL")
	setString(&c.Mock.Port, "MOCK_PORT")
	setString(&c.Mock.APIKey, "MOCK_API_KEY")
	setString(&c.Mock.Model, "MOCK_MODEL")

	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("LLM_TIMEOUT_SECONDS must be a positive integer, got %q", v)
		}
		c.Client.TimeoutSeconds = n
	}
	if v := os.Getenv("LLM_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LLM_DEBUG must be a boolean, got %q", v)
		}
		c.Client.Debug = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Client.TimeoutSeconds <= 0 {
		c.Client.TimeoutSeconds = int(llm.DefaultTimeout / time.Second)
	}
	if c.Mock.Port == "" {
		c.Mock.Port = "8089"
	}
	if c.Mock.Model == "" {
		c.Mock.Model = "mock-model"
	}
}

// LLM converts the client section into an llm.Config.
func (c ClientConfig) LLM() llm.Config {
	return llm.Config{
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		DefaultModel:      c.DefaultModel,
		AdditionalHeaders: c.AdditionalHeaders,
		Timeout:           time.Duration(c.TimeoutSeconds) * time.Second,
		Debug:             c.Debug,
		Retry: llm.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			Multiplier:  seconds(c.Retry.MultiplierSeconds),
			MinWait:     seconds(c.Retry.MinWaitSeconds),
			MaxWait:     seconds(c.Retry.MaxWaitSeconds),
		},
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
