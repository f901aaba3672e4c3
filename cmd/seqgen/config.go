package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the seqgen configuration file (~/.config/seqgen/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model   string `yaml:"model"`
	Backend string `yaml:"backend"`
	Device  string `yaml:"device"`

	// Search defaults
	NumBeams      *int64   `yaml:"num_beams"`
	MaxNewTokens  *int64   `yaml:"max_new_tokens"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	Seed          *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	Store         string   `yaml:"store"`
	MaxConcurrent *int64   `yaml:"max_concurrent"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "seqgen", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyModelConfig applies config file defaults to the model flags when
// the corresponding flag was not set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Device != "" && !c.IsSet("device") {
		deviceName = cfg.Device
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyGenerateConfig applies config file defaults to generate flags.
func applyGenerateConfig(c *cli.Command, cfg Config, o *generateOptions) {
	setInt := func(flag string, dst *int64, v *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setFloat := func(flag string, dst *float64, v *float64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setInt("beams", &o.beams, cfg.NumBeams)
	setInt("max-new-tokens", &o.maxNewTokens, cfg.MaxNewTokens)
	setInt("top-k", &o.topK, cfg.TopK)
	setInt("seed", &o.seed, cfg.Seed)
	setFloat("temperature", &o.temperature, cfg.Temperature)
	setFloat("top-p", &o.topP, cfg.TopP)
	setFloat("min-p", &o.minP, cfg.MinP)
	setFloat("repeat-penalty", &o.repeatPenalty, cfg.RepeatPenalty)
}

// applyServeConfig applies config file defaults to serve flags.
func applyServeConfig(c *cli.Command, cfg Config, o *serveOptions) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		o.addr = cfg.ServerAddress
	}
	if cfg.Store != "" && !c.IsSet("store") {
		o.store = cfg.Store
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		o.maxConcurrent = *cfg.MaxConcurrent
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		o.rateLimit = *cfg.RateLimit
	}
}
