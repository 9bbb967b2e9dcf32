// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Search    SearchConfig    `mapstructure:"search"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Output    OutputConfig    `mapstructure:"output"`
	DB        DBConfig        `mapstructure:"db"`
	VPN       VPNConfig       `mapstructure:"vpn"`
	Status    StatusConfig    `mapstructure:"status"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Preflight PreflightConfig `mapstructure:"preflight"`
}

// SearchConfig drives the notice query.
type SearchConfig struct {
	URL      string   `mapstructure:"url"`
	Keywords []string `mapstructure:"keywords"`
	// DayWindow is how many days back from yesterday the range spans.
	// Zero means yesterday only.
	DayWindow int `mapstructure:"day_window"`
	PageSize  int `mapstructure:"page_size"`
	MaxPages  int `mapstructure:"max_pages"`
	// AbortOnDetection stops the whole run the first time the challenge
	// provider flags automation, instead of skipping the notice.
	AbortOnDetection bool `mapstructure:"abort_on_detection"`
}

// BrowserConfig configures the automated browser session.
type BrowserConfig struct {
	Headless          bool `mapstructure:"headless"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	OpTimeoutSeconds  int  `mapstructure:"op_timeout_seconds"`
}

// PacingConfig shapes request timing so sessions read as human.
type PacingConfig struct {
	MinDelaySeconds     float64 `mapstructure:"min_delay_seconds"`
	MaxDelaySeconds     float64 `mapstructure:"max_delay_seconds"`
	LongPauseEvery      int     `mapstructure:"long_pause_every"`
	LongPauseMinSeconds float64 `mapstructure:"long_pause_min_seconds"`
	LongPauseMaxSeconds float64 `mapstructure:"long_pause_max_seconds"`
	MaxActionsPerSecond float64 `mapstructure:"max_actions_per_second"`
}

// CaptchaConfig configures the external solving service.
type CaptchaConfig struct {
	APIKey              string `mapstructure:"api_key"`
	BaseURL             string `mapstructure:"base_url"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

// ExtractConfig configures field extraction.
type ExtractConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// OutputConfig controls the CSV destination.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// DBConfig enables the optional Postgres mirror of every written record.
type DBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// VPNConfig controls Mullvad tunnel handling around the run.
type VPNConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Relay    string `mapstructure:"relay"`
	Required bool   `mapstructure:"required"`
}

// StatusConfig controls the in-run HTTP status endpoint.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RecoveryConfig tunes back-navigation verification.
type RecoveryConfig struct {
	MinRows int `mapstructure:"min_rows"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PreflightConfig controls the pre-run reachability probe.
type PreflightConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// flagBindings maps config keys to the CLI flag names that override them.
var flagBindings = map[string]string{
	"browser.headless":  "headless",
	"search.keywords":   "keywords",
	"search.day_window": "day-window",
	"search.max_pages":  "max-pages",
}

// Load builds a Config from disk/environment, with CLI flags layered on
// top. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTICECRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("search.url", "https://www.mnpublicnotice.com/Search.aspx")
	v.SetDefault("search.keywords", []string{"foreclosure"})
	v.SetDefault("search.day_window", 0)
	v.SetDefault("search.page_size", 50)
	v.SetDefault("search.max_pages", 0)
	v.SetDefault("search.abort_on_detection", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.op_timeout_seconds", 30)
	v.SetDefault("pacing.min_delay_seconds", 3)
	v.SetDefault("pacing.max_delay_seconds", 8)
	v.SetDefault("pacing.long_pause_every", 10)
	v.SetDefault("pacing.long_pause_min_seconds", 5)
	v.SetDefault("pacing.long_pause_max_seconds", 10)
	v.SetDefault("pacing.max_actions_per_second", 1)
	v.SetDefault("captcha.base_url", "https://2captcha.com")
	v.SetDefault("captcha.poll_interval_seconds", 10)
	v.SetDefault("captcha.timeout_seconds", 600)
	v.SetDefault("extract.max_tokens", 1024)
	v.SetDefault("output.dir", "output")
	v.SetDefault("db.enabled", false)
	v.SetDefault("vpn.enabled", false)
	v.SetDefault("vpn.required", false)
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8080)
	v.SetDefault("recovery.min_rows", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("preflight.enabled", true)
	v.SetDefault("preflight.timeout_seconds", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Search.URL == "" {
		return fmt.Errorf("search.url must be set")
	}
	if len(c.Search.Keywords) == 0 {
		return fmt.Errorf("search.keywords must not be empty")
	}
	if c.Search.PageSize <= 0 || c.Search.PageSize > 50 {
		return fmt.Errorf("search.page_size must be in 1..50")
	}
	if c.Pacing.MinDelaySeconds < 0 || c.Pacing.MaxDelaySeconds < c.Pacing.MinDelaySeconds {
		return fmt.Errorf("pacing delays must satisfy 0 <= min <= max")
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.Status.Enabled && c.Status.Port <= 0 {
		return fmt.Errorf("status.port must be > 0 when status is enabled")
	}
	if c.Recovery.MinRows <= 0 {
		return fmt.Errorf("recovery.min_rows must be > 0")
	}
	return nil
}

// NavTimeout converts the browser navigation budget into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// OpTimeout converts the per-operation budget into a duration.
func (c Config) OpTimeout() time.Duration {
	return time.Duration(c.Browser.OpTimeoutSeconds) * time.Second
}
