package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/llm"
)

const (
	fileName = "config"
	fileType = "yaml"
)

// Settings is the decoded configuration.
type Settings struct {
	Log       LogSettings       `mapstructure:"log"`
	Ledger    LedgerSettings    `mapstructure:"ledger"`
	LLM       LLMSettings       `mapstructure:"llm"`
	RateLimit RateLimitSettings `mapstructure:"ratelimit"`
	Budget    BudgetSettings    `mapstructure:"budget"`
	GitHub    GitHubSettings    `mapstructure:"github"`
	Dispatch  DispatchSettings  `mapstructure:"dispatch"`
	Webhook   WebhookSettings   `mapstructure:"webhook"`
	Report    ReportSettings    `mapstructure:"report"`
	Metrics   MetricsSettings   `mapstructure:"metrics"`
}

type LogSettings struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type LedgerSettings struct {
	Backend string        `mapstructure:"backend"`
	Path    string        `mapstructure:"path"`
	Redis   RedisSettings `mapstructure:"redis"`
}

type RedisSettings struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LLMSettings struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Referer          string        `mapstructure:"referer"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`
}

type RateLimitSettings struct {
	GlobalPerMinute float64     `mapstructure:"global_per_minute"`
	GlobalBurst     int         `mapstructure:"global_burst"`
	ModelPerMinute  float64     `mapstructure:"model_per_minute"`
	ModelBurst      int         `mapstructure:"model_burst"`
	Models          []ModelRate `mapstructure:"models"`
}

// ModelRate overrides the per-model request rate. Model names are list
// entries rather than map keys because they may contain dots.
type ModelRate struct {
	Model     string  `mapstructure:"model"`
	PerMinute float64 `mapstructure:"per_minute"`
}

// Overrides returns the per-model rates keyed by model.
func (r RateLimitSettings) Overrides() map[string]float64 {
	out := make(map[string]float64, len(r.Models))
	for _, m := range r.Models {
		out[m.Model] = m.PerMinute
	}
	return out
}

type BudgetSettings struct {
	DailyUSD float64      `mapstructure:"daily_usd"`
	Prices   []ModelPrice `mapstructure:"prices"`
}

// ModelPrice overrides the USD price per million tokens of one model.
type ModelPrice struct {
	Model  string  `mapstructure:"model"`
	Input  float64 `mapstructure:"input"`
	Output float64 `mapstructure:"output"`
}

// Table returns the price overrides keyed by model.
func (b BudgetSettings) Table() map[string]budget.Price {
	out := make(map[string]budget.Price, len(b.Prices))
	for _, p := range b.Prices {
		out[p.Model] = budget.Price{InputPerMTok: p.Input, OutputPerMTok: p.Output}
	}
	return out
}

type GitHubSettings struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

type DispatchSettings struct {
	Concurrency  int           `mapstructure:"concurrency"`
	Lease        time.Duration `mapstructure:"lease"`
	ManifestsDir string        `mapstructure:"manifests_dir"`
}

type WebhookSettings struct {
	Addr         string        `mapstructure:"addr"`
	Secret       string        `mapstructure:"secret"`
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	RequestLimit int           `mapstructure:"request_limit"`
	Grace        time.Duration `mapstructure:"grace"`
}

type ReportSettings struct {
	Path string `mapstructure:"path"`
}

type MetricsSettings struct {
	Textfile string `mapstructure:"textfile"`
}

// Dir returns the path to the config directory (~/.agentdispatch/).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", branding.HomeDir())
	}
	return filepath.Join(home, branding.HomeDir())
}

// FilePath returns the full path to the config file (~/.agentdispatch/config.yaml).
func FilePath() string {
	return filepath.Join(Dir(), fileName+"."+fileType)
}

// defaults lists every known key. Keys absent here are rejected by Set.
func defaults() map[string]any {
	return map[string]any{
		"log.level":   "info",
		"log.console": false,

		"ledger.backend":          "sqlite",
		"ledger.path":             filepath.Join(Dir(), "ledger.db"),
		"ledger.redis.addr":       "",
		"ledger.redis.password":   "",
		"ledger.redis.db":         0,
		"ledger.redis.key_prefix": branding.CLIName() + ":",

		"llm.base_url":          llm.DefaultBaseURL,
		"llm.api_key":           "",
		"llm.referer":           "",
		"llm.timeout":           "2m",
		"llm.max_attempts":      4,
		"llm.breaker_threshold": 5,
		"llm.breaker_reset":     "1m",

		"ratelimit.global_per_minute": 60,
		"ratelimit.global_burst":      10,
		"ratelimit.model_per_minute":  20,
		"ratelimit.model_burst":       5,
		"ratelimit.models":            []any{},

		"budget.daily_usd": 5.0,
		"budget.prices":    []any{},

		"github.token":    "",
		"github.base_url": github.DefaultBaseURL,

		"dispatch.concurrency":   4,
		"dispatch.lease":         "30m",
		"dispatch.manifests_dir": ".github/agents",

		"webhook.addr":          ":8080",
		"webhook.secret":        "",
		"webhook.queue_size":    64,
		"webhook.workers":       1,
		"webhook.request_limit": 300,
		"webhook.grace":         "30s",

		"report.path":      "",
		"metrics.textfile": "",
	}
}

// secretEnv binds well-known variables that CI already provides.
var secretEnv = map[string]string{
	"llm.api_key":    "OPENROUTER_API_KEY",
	"github.token":   "GITHUB_TOKEN",
	"webhook.secret": "GITHUB_WEBHOOK_SECRET",
}

// Keys returns every known key, sorted.
func Keys() []string {
	d := defaults()
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Config wraps a viper instance bound to one file.
type Config struct {
	v    *viper.Viper
	path string
}

// Load reads path (FilePath when empty) and the environment. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FilePath()
	}
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	v.SetConfigType(fileType)
	v.SetEnvPrefix(branding.EnvPrefix())
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range secretEnv {
		own := branding.EnvPrefix() + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, own, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return &Config{v: v, path: path}, nil
}

func isNotExist(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}

// Path returns the config file this Config reads and writes.
func (c *Config) Path() string { return c.path }

// Settings decodes the merged configuration.
func (c *Config) Settings() (*Settings, error) {
	var s Settings
	if err := c.v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Viper exposes the underlying instance so commands can bind flags to keys.
func (c *Config) Viper() *viper.Viper { return c.v }

// Get returns a config value by key. Returns empty string if not set.
func (c *Config) Get(key string) string {
	return c.v.GetString(key)
}

// Set writes a key to the config file. Only the file's own values are
// written back, so defaults and environment secrets never reach disk.
func (c *Config) Set(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	def, ok := defaults()[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	switch def.(type) {
	case []any:
		return fmt.Errorf("config key %q is a list: edit %s instead", key, c.path)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	file := viper.New()
	file.SetConfigFile(c.path)
	file.SetConfigType(fileType)
	if err := file.ReadInConfig(); err != nil && !isNotExist(err) {
		return fmt.Errorf("reading config file %s: %w", c.path, err)
	}
	file.Set(key, value)
	if err := file.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	c.v.Set(key, value)
	return nil
}

// Validate rejects settings the dispatcher cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Ledger.Backend {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be sqlite, redis or memory, got %q", s.Ledger.Backend))
	}
	if s.Ledger.Backend == "redis" && s.Ledger.Redis.Addr == "" {
		errs = append(errs, errors.New("ledger.redis.addr is required for the redis backend"))
	}
	if s.Dispatch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be at least 1, got %d", s.Dispatch.Concurrency))
	}
	if s.Dispatch.Lease <= 0 {
		errs = append(errs, errors.New("dispatch.lease must be positive"))
	}
	for _, p := range s.Budget.Prices {
		if p.Model == "" {
			errs = append(errs, errors.New("budget.prices entries need a model"))
		}
	}
	if s.Budget.DailyUSD < 0 {
		errs = append(errs, errors.New("budget.daily_usd must not be negative"))
	}
	return errors.Join(errs...)
}
