package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Catalog    CatalogConfig
	Selectors  Selectors
	Probe      ProbeConfig
	Run        RunConfig
	Browser    BrowserConfig
	Output     OutputConfig
	History    HistoryConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Checkpoint CheckpointConfig
	Telegram   TelegramConfig
	Server     ServerConfig
	Logging    LoggingConfig
}

type CatalogConfig struct {
	URLs []string
}

// Selectors names every page element the crawler reads or drives.
type Selectors struct {
	ProductLink          string
	StockAmount          string
	StockAmountAttribute string
	PurchaseAmount       string
	PurchaseSubmit       string
	ProductName          string
	ProductBrand         string
	ProductPrice         string
	ProductCurrency      string
	ProductAvailability  string
	ProbeError           string
}

type ProbeConfig struct {
	Amount  int
	Timeout time.Duration
}

type RunConfig struct {
	Timeout         time.Duration
	Sessions        int
	Resume          bool
	NavigateRetries int
	RateLimitMin    time.Duration
	RateLimitMax    time.Duration
}

type BrowserConfig struct {
	Driver         string
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	UserAgent      string
	ProxyServer    string
}

type OutputConfig struct {
	RecordPath   string
	FeedPath     string
	FeedFormat   string
	FeedLink     string
	FeedSubtitle string
}

type HistoryConfig struct {
	Source   string
	Path     string
	URL      string
	Required bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// Enabled reports whether Postgres persistence was configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type CheckpointConfig struct {
	Path string
}

type TelegramConfig struct {
	Token   string
	ChatID  int64
	Timeout time.Duration
}

func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

type ServerConfig struct {
	Port int
}

type LoggingConfig struct {
	Level  string
	Format string
}

const (
	DriverPlaywright = "playwright"
	DriverStatic     = "static"

	FeedFormatRSS  = "rss"
	FeedFormatAtom = "atom"

	HistoryFile     = "file"
	HistoryHTTP     = "http"
	HistoryPostgres = "postgres"
)

// ConfigurationError names a required setting that is missing or invalid.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("configuration error: missing required setting %s", e.Key)
}

// requiredSelectors maps environment names to the selector they fill.
func requiredSelectors(s *Selectors) []struct {
	key string
	dst *string
} {
	return []struct {
		key string
		dst *string
	}{
		{"PRODUCT_LINK_CSS_SELECTOR", &s.ProductLink},
		{"SUGGESTED_STOCK_AMOUNT_CSS_SELECTOR", &s.StockAmount},
		{"SUGGESTED_STOCK_AMOUNT_ATTRIBUTE_NAME", &s.StockAmountAttribute},
		{"INPUT_PURCHASE_AMOUNT_CSS_SELECTOR", &s.PurchaseAmount},
		{"PURCHASE_SUBMIT_CSS_SELECTOR", &s.PurchaseSubmit},
		{"PRODUCT_NAME_CSS_SELECTOR", &s.ProductName},
		{"PRODUCT_BRAND_CSS_SELECTOR", &s.ProductBrand},
		{"PRODUCT_PRICE_CSS_SELECTOR", &s.ProductPrice},
		{"PRODUCT_PRICE_CURRENCY_CSS_SELECTOR", &s.ProductCurrency},
		{"PRODUCT_AVAILABILITY_CSS_SELECTOR", &s.ProductAvailability},
	}
}

// Load reads settings from the environment and, when envFile exists, from a
// dotenv file. Environment variables take precedence over the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Catalog: CatalogConfig{
			URLs: splitList(v.GetString("URLS")),
		},
		Selectors: Selectors{
			ProbeError: v.GetString("PROBE_ERROR_CSS_SELECTOR"),
		},
		Probe: ProbeConfig{
			Amount:  v.GetInt("PROBE_AMOUNT"),
			Timeout: v.GetDuration("PROBE_TIMEOUT"),
		},
		Run: RunConfig{
			Timeout:         v.GetDuration("RUN_TIMEOUT"),
			Sessions:        v.GetInt("RUN_SESSIONS"),
			Resume:          v.GetBool("RUN_RESUME"),
			NavigateRetries: v.GetInt("RUN_NAVIGATE_RETRIES"),
			RateLimitMin:    v.GetDuration("RATE_LIMIT_MIN"),
			RateLimitMax:    v.GetDuration("RATE_LIMIT_MAX"),
		},
		Browser: BrowserConfig{
			Driver:         strings.ToLower(v.GetString("BROWSER_DRIVER")),
			Headless:       v.GetBool("BROWSER_HEADLESS"),
			Timeout:        v.GetDuration("BROWSER_TIMEOUT"),
			ViewportWidth:  v.GetInt("BROWSER_VIEWPORT_WIDTH"),
			ViewportHeight: v.GetInt("BROWSER_VIEWPORT_HEIGHT"),
			AcceptLanguage: v.GetString("BROWSER_ACCEPT_LANGUAGE"),
			TimezoneID:     v.GetString("BROWSER_TIMEZONE"),
			Locale:         v.GetString("BROWSER_LOCALE"),
			UserAgent:      v.GetString("BROWSER_USER_AGENT"),
			ProxyServer:    v.GetString("BROWSER_PROXY"),
		},
		Output: OutputConfig{
			RecordPath:   v.GetString("OUTPUT_RECORD_PATH"),
			FeedPath:     v.GetString("OUTPUT_FEED_PATH"),
			FeedFormat:   strings.ToLower(v.GetString("OUTPUT_FEED_FORMAT")),
			FeedLink:     v.GetString("FEED_LINK"),
			FeedSubtitle: v.GetString("FEED_SUBTITLE"),
		},
		History: HistoryConfig{
			Source:   strings.ToLower(v.GetString("HISTORY_SOURCE")),
			Path:     v.GetString("HISTORY_PATH"),
			URL:      v.GetString("HISTORY_URL"),
			Required: v.GetBool("HISTORY_REQUIRED"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSL_MODE"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Stream:   v.GetString("REDIS_STREAM"),
		},
		Checkpoint: CheckpointConfig{
			Path: v.GetString("CHECKPOINT_PATH"),
		},
		Telegram: TelegramConfig{
			Token:   v.GetString("TELEGRAM_TOKEN"),
			ChatID:  v.GetInt64("TELEGRAM_CHAT_ID"),
			Timeout: v.GetDuration("TELEGRAM_TIMEOUT"),
		},
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	for _, sel := range requiredSelectors(&cfg.Selectors) {
		*sel.dst = strings.TrimSpace(v.GetString(sel.key))
	}

	if cfg.History.Path == "" {
		cfg.History.Path = cfg.Output.RecordPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PROBE_ERROR_CSS_SELECTOR", ".Error")
	v.SetDefault("PROBE_AMOUNT", 999)
	v.SetDefault("PROBE_TIMEOUT", "10s")

	v.SetDefault("RUN_TIMEOUT", "0s")
	v.SetDefault("RUN_SESSIONS", 1)
	v.SetDefault("RUN_RESUME", false)
	v.SetDefault("RUN_NAVIGATE_RETRIES", 3)
	v.SetDefault("RATE_LIMIT_MIN", "0s")
	v.SetDefault("RATE_LIMIT_MAX", "0s")

	v.SetDefault("BROWSER_DRIVER", DriverPlaywright)
	v.SetDefault("BROWSER_HEADLESS", true)
	v.SetDefault("BROWSER_TIMEOUT", "30s")
	v.SetDefault("BROWSER_VIEWPORT_WIDTH", 1920)
	v.SetDefault("BROWSER_VIEWPORT_HEIGHT", 1080)
	v.SetDefault("BROWSER_ACCEPT_LANGUAGE", "sv-SE,sv;q=0.9,en;q=0.8")
	v.SetDefault("BROWSER_TIMEZONE", "Europe/Stockholm")
	v.SetDefault("BROWSER_LOCALE", "sv-SE")
	v.SetDefault("BROWSER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	v.SetDefault("OUTPUT_RECORD_PATH", "stocks.json")
	v.SetDefault("OUTPUT_FEED_PATH", "stocks.xml")
	v.SetDefault("OUTPUT_FEED_FORMAT", FeedFormatRSS)
	v.SetDefault("FEED_SUBTITLE", "Stock levels confirmed by purchase probes")

	v.SetDefault("HISTORY_SOURCE", HistoryFile)
	v.SetDefault("HISTORY_REQUIRED", false)

	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "stock_prober")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 5)

	v.SetDefault("REDIS_STREAM", "stream:stock_events")

	v.SetDefault("TELEGRAM_TIMEOUT", "15s")

	v.SetDefault("SERVER_PORT", 8085)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func (c *Config) Validate() error {
	for _, sel := range requiredSelectors(&c.Selectors) {
		if *sel.dst == "" {
			return &ConfigurationError{Key: sel.key}
		}
	}

	if len(c.Catalog.URLs) == 0 {
		return &ConfigurationError{Key: "URLS"}
	}

	if c.Selectors.ProbeError == "" {
		return &ConfigurationError{Key: "PROBE_ERROR_CSS_SELECTOR"}
	}

	if c.Probe.Timeout <= 0 {
		return &ConfigurationError{Key: "PROBE_TIMEOUT", Reason: "must be positive"}
	}

	if c.Run.Sessions < 1 {
		return &ConfigurationError{Key: "RUN_SESSIONS", Reason: "must be at least 1"}
	}

	if c.Run.RateLimitMin > c.Run.RateLimitMax {
		return &ConfigurationError{Key: "RATE_LIMIT_MIN", Reason: "cannot be greater than RATE_LIMIT_MAX"}
	}

	switch c.Browser.Driver {
	case DriverPlaywright, DriverStatic:
	default:
		return &ConfigurationError{Key: "BROWSER_DRIVER", Reason: fmt.Sprintf("unknown driver %q", c.Browser.Driver)}
	}

	switch c.Output.FeedFormat {
	case FeedFormatRSS, FeedFormatAtom:
	default:
		return &ConfigurationError{Key: "OUTPUT_FEED_FORMAT", Reason: fmt.Sprintf("unknown format %q", c.Output.FeedFormat)}
	}

	switch c.History.Source {
	case HistoryFile:
	case HistoryHTTP:
		if c.History.URL == "" {
			return &ConfigurationError{Key: "HISTORY_URL", Reason: "required when HISTORY_SOURCE=http"}
		}
	case HistoryPostgres:
		if !c.Database.Enabled() {
			return &ConfigurationError{Key: "DB_HOST", Reason: "required when HISTORY_SOURCE=postgres"}
		}
	default:
		return &ConfigurationError{Key: "HISTORY_SOURCE", Reason: fmt.Sprintf("unknown source %q", c.History.Source)}
	}

	return nil
}

// IsConfigurationError reports whether err came from configuration loading.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
