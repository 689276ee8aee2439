package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BreakerConfig tunes one strategy breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Config holds all application configuration.
type Config struct {
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Upstream struct {
		URLTemplate  string        `yaml:"url_template"`
		Timeout      time.Duration `yaml:"timeout"`
		Retries      int           `yaml:"retries"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		RateLimitRPS float64       `yaml:"rate_limit_rps"`
		Burst        int           `yaml:"burst"`
	} `yaml:"upstream"`
	Queue struct {
		MaxConcurrent      int           `yaml:"max_concurrent"`
		MinInterval        time.Duration `yaml:"min_interval"`
		MaxInterval        time.Duration `yaml:"max_interval"`
		FailurePenaltyUnit time.Duration `yaml:"failure_penalty_unit"`
		FailurePenaltyCap  time.Duration `yaml:"failure_penalty_cap"`
		MaxDelayCap        time.Duration `yaml:"max_delay_cap"`
		WindowSize         int           `yaml:"window_size"`
		DefaultPriority    int           `yaml:"default_priority"`
		BackgroundPriority int           `yaml:"background_priority"`
	} `yaml:"queue"`
	Breakers struct {
		Fetch  BreakerConfig `yaml:"fetch"`
		Render BreakerConfig `yaml:"render"`
	} `yaml:"breakers"`
	Browser struct {
		Enabled                bool          `yaml:"enabled"`
		PoolSize               int           `yaml:"pool_size"`
		MaxRequestsPerResource int           `yaml:"max_requests_per_resource"`
		MaxResourceAge         time.Duration `yaml:"max_resource_age"`
		RenderTimeout          time.Duration `yaml:"render_timeout"`
		ExecPath               string        `yaml:"exec_path"`
	} `yaml:"browser"`
	Cache struct {
		MemoryTTL           time.Duration `yaml:"memory_ttl"`
		PersistentTTL       time.Duration `yaml:"persistent_ttl"`
		MaxEphemeralEntries int           `yaml:"max_ephemeral_entries"`
		// Backend is sqlite, redis or memory.
		Backend string `yaml:"backend"`
	} `yaml:"cache"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Log struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"log"`
	Schedule struct {
		SweepCron  string   `yaml:"sweep_cron"`
		PurgeCron  string   `yaml:"purge_cron"`
		DigestCron string   `yaml:"digest_cron"`
		WarmCron   string   `yaml:"warm_cron"`
		Watchlist  []string `yaml:"watchlist"`
	} `yaml:"schedule"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Path returns CONFIG_PATH, or fallback when it is unset.
func Path(fallback string) string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.Proxy = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("QUEUE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUEUE_MAX_CONCURRENT: %w", err)
		}
		c.Queue.MaxConcurrent = n
	}
	if v := os.Getenv("BROWSER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROWSER_ENABLED: %w", err)
		}
		c.Browser.Enabled = b
	}
	if v := os.Getenv("LOG_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOG_RETENTION_DAYS: %w", err)
		}
		c.Log.RetentionDays = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.URLTemplate == "" {
		c.Upstream.URLTemplate = "https://s.kabutan.jp/stocks/%s/historical_prices/daily/"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 15 * time.Second
	}
	if c.Upstream.Retries == 0 {
		c.Upstream.Retries = 3
	}
	if c.Upstream.RetryBackoff == 0 {
		c.Upstream.RetryBackoff = 2 * time.Second
	}
	if c.Upstream.RateLimitRPS == 0 {
		c.Upstream.RateLimitRPS = 0.5
	}
	if c.Upstream.Burst == 0 {
		c.Upstream.Burst = 1
	}

	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 2
	}
	if c.Queue.MinInterval == 0 {
		c.Queue.MinInterval = 3 * time.Second
	}
	if c.Queue.MaxInterval == 0 {
		c.Queue.MaxInterval = 8 * time.Second
	}
	if c.Queue.FailurePenaltyUnit == 0 {
		c.Queue.FailurePenaltyUnit = 2 * time.Second
	}
	if c.Queue.FailurePenaltyCap == 0 {
		c.Queue.FailurePenaltyCap = 20 * time.Second
	}
	if c.Queue.MaxDelayCap == 0 {
		c.Queue.MaxDelayCap = 30 * time.Second
	}
	if c.Queue.WindowSize == 0 {
		c.Queue.WindowSize = 20
	}
	if c.Queue.DefaultPriority == 0 {
		c.Queue.DefaultPriority = 1
	}
	if c.Queue.BackgroundPriority == 0 {
		c.Queue.BackgroundPriority = 10
	}

	if c.Breakers.Fetch.FailureThreshold == 0 {
		c.Breakers.Fetch.FailureThreshold = 5
	}
	if c.Breakers.Fetch.ResetTimeout == 0 {
		c.Breakers.Fetch.ResetTimeout = time.Minute
	}
	if c.Breakers.Render.FailureThreshold == 0 {
		c.Breakers.Render.FailureThreshold = 5
	}
	if c.Breakers.Render.ResetTimeout == 0 {
		c.Breakers.Render.ResetTimeout = 2 * time.Minute
	}

	if c.Browser.PoolSize == 0 {
		c.Browser.PoolSize = 2
	}
	if c.Browser.MaxRequestsPerResource == 0 {
		c.Browser.MaxRequestsPerResource = 50
	}
	if c.Browser.MaxResourceAge == 0 {
		c.Browser.MaxResourceAge = 30 * time.Minute
	}
	if c.Browser.RenderTimeout == 0 {
		c.Browser.RenderTimeout = 30 * time.Second
	}

	if c.Cache.MemoryTTL == 0 {
		c.Cache.MemoryTTL = 5 * time.Minute
	}
	if c.Cache.PersistentTTL == 0 {
		c.Cache.PersistentTTL = 6 * time.Hour
	}
	if c.Cache.MaxEphemeralEntries == 0 {
		c.Cache.MaxEphemeralEntries = 100
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "sqlite"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "stockscout"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/stockscout.db"
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = 30
	}

	if c.Schedule.SweepCron == "" {
		c.Schedule.SweepCron = "0 0 * * * *"
	}
	if c.Schedule.PurgeCron == "" {
		c.Schedule.PurgeCron = "0 30 3 * * *"
	}
	if c.Schedule.DigestCron == "" {
		c.Schedule.DigestCron = "0 0 9 * * *"
	}
	if c.Schedule.WarmCron == "" {
		c.Schedule.WarmCron = "0 0 8 * * 1-5"
	}
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("cache.backend must be sqlite, redis or memory, got %q", c.Cache.Backend)
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be positive")
	}
	if c.Queue.MaxInterval < c.Queue.MinInterval {
		return fmt.Errorf("queue.max_interval must not be below queue.min_interval")
	}
	if c.Upstream.Retries < 1 {
		return fmt.Errorf("upstream.retries must be positive")
	}
	if c.Browser.Enabled && c.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.pool_size must be positive")
	}
	if c.Log.RetentionDays < 1 {
		return fmt.Errorf("log.retention_days must be positive")
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	return nil
}

// TelegramEnabled reports whether notifications are configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
