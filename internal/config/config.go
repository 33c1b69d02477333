package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"make24/internal/countdown"
)

// Config models m24.yml.
type Config struct {
	Challenge struct {
		Duration   time.Duration  `yaml:"duration"`
		Tick       time.Duration  `yaml:"tick"`
		Grace      time.Duration  `yaml:"grace"`
		Milestones []ThresholdSet `yaml:"milestones"`
	} `yaml:"challenge"`
	Storage struct {
		Local struct {
			Path     string `yaml:"path"`
			MaxBytes int64  `yaml:"max_bytes"`
		} `yaml:"local"`
		Remote struct {
			DatabaseURL string `yaml:"database_url"`
			MaxConns    int32  `yaml:"max_conns"`
		} `yaml:"remote"`
	} `yaml:"storage"`
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		JWTSecret   string   `yaml:"jwt_secret"`
		CORSOrigins []string `yaml:"cors_origins"`
		// TrustProxy honours X-Forwarded-For / X-Real-IP for client addresses.
		TrustProxy  bool     `yaml:"trust_proxy"`
		RateLimit   struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// ThresholdSet is one selectable group of milestones. RemainingPercent lists
// the share of the window still left when each milestone fires.
type ThresholdSet struct {
	MaxDuration      time.Duration `yaml:"max_duration,omitempty"`
	RemainingPercent []int         `yaml:"remaining_percent"`
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Challenge.Duration < time.Second {
		return fmt.Errorf("config.challenge.duration must be at least 1s")
	}
	if c.Challenge.Tick <= 0 {
		return fmt.Errorf("config.challenge.tick must be positive")
	}
	if c.Challenge.Grace < 0 {
		return fmt.Errorf("config.challenge.grace must not be negative")
	}
	if len(c.Challenge.Milestones) == 0 {
		return fmt.Errorf("config.challenge.milestones is required")
	}
	for i, set := range c.Challenge.Milestones {
		if len(set.RemainingPercent) == 0 {
			return fmt.Errorf("milestone set %d has no thresholds", i)
		}
		seen := map[int]bool{}
		for _, pct := range set.RemainingPercent {
			if pct <= 0 || pct >= 100 {
				return fmt.Errorf("milestone set %d: threshold %d must be between 1 and 99", i, pct)
			}
			if seen[pct] {
				return fmt.Errorf("milestone set %d: duplicate threshold %d", i, pct)
			}
			seen[pct] = true
		}
		if set.MaxDuration < 0 {
			return fmt.Errorf("milestone set %d: max_duration must not be negative", i)
		}
	}
	if _, err := c.Plan(); err != nil {
		return fmt.Errorf("config.challenge.milestones: %w", err)
	}
	if c.Storage.Local.MaxBytes < 0 {
		return fmt.Errorf("config.storage.local.max_bytes must not be negative")
	}
	if c.Storage.Remote.MaxConns < 0 {
		return fmt.Errorf("config.storage.remote.max_conns must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// DurationMillis is the challenge window in milliseconds.
func (c *Config) DurationMillis() int64 {
	return c.Challenge.Duration.Milliseconds()
}

// ThresholdSets converts the configured milestone groups for countdown.Plan.
func (c *Config) ThresholdSets() []countdown.Set {
	sets := make([]countdown.Set, 0, len(c.Challenge.Milestones))
	for _, s := range c.Challenge.Milestones {
		sets = append(sets, countdown.Set{
			MaxDuration: s.MaxDuration.Milliseconds(),
			Percents:    append([]int(nil), s.RemainingPercent...),
		})
	}
	return sets
}

// Plan returns the milestone thresholds that apply to the configured duration.
func (c *Config) Plan() ([]countdown.Threshold, error) {
	return countdown.Plan(c.DurationMillis(), c.ThresholdSets())
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "m24.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `challenge:
  duration: 24h
  tick: 1s
  # milestones crossed longer ago than this (e.g. while nothing was running)
  # are recorded without a nudge
  grace: 1m
  milestones:
    - max_duration: 1h
      remaining_percent: [80, 50, 20]
    - remaining_percent: [75, 50, 25]

storage:
  local:
    path: .m24/m24.db
    max_bytes: 5242880
  remote:
    database_url: ""
    max_conns: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  cors_origins: ["*"]
  # only enable behind a proxy that sets X-Forwarded-For / X-Real-IP
  trust_proxy: false
  rate_limit:
    rps: 5
    burst: 30

log:
  level: info
  development: false
`
