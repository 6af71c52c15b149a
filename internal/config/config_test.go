package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maltedev/stock-prober/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requiredEnv = map[string]string{
	"URLS":                                  "https://shop.example/c/shoes, https://shop.example/c/hats",
	"PRODUCT_LINK_CSS_SELECTOR":             "a.product",
	"SUGGESTED_STOCK_AMOUNT_CSS_SELECTOR":   "#stock",
	"SUGGESTED_STOCK_AMOUNT_ATTRIBUTE_NAME": "data-stock",
	"INPUT_PURCHASE_AMOUNT_CSS_SELECTOR":    "input[name=antal]",
	"PURCHASE_SUBMIT_CSS_SELECTOR":          "button.buy",
	"PRODUCT_NAME_CSS_SELECTOR":             "h1",
	"PRODUCT_BRAND_CSS_SELECTOR":            ".brand",
	"PRODUCT_PRICE_CSS_SELECTOR":            "meta[itemprop=price]",
	"PRODUCT_PRICE_CURRENCY_CSS_SELECTOR":   "meta[itemprop=priceCurrency]",
	"PRODUCT_AVAILABILITY_CSS_SELECTOR":     "meta[itemprop=availability]",
}

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range requiredEnv {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := config.Load("")
		require.NoError(t, err)

		assert.Equal(t, []string{"https://shop.example/c/shoes", "https://shop.example/c/hats"}, cfg.Catalog.URLs)
		assert.Equal(t, "a.product", cfg.Selectors.ProductLink)
		assert.Equal(t, "data-stock", cfg.Selectors.StockAmountAttribute)
		assert.Equal(t, ".Error", cfg.Selectors.ProbeError)
		assert.Equal(t, 999, cfg.Probe.Amount)
		assert.Equal(t, 10*time.Second, cfg.Probe.Timeout)
		assert.Equal(t, 1, cfg.Run.Sessions)
		assert.Equal(t, config.DriverPlaywright, cfg.Browser.Driver)
		assert.Equal(t, "stocks.json", cfg.Output.RecordPath)
		assert.Equal(t, "stocks.json", cfg.History.Path, "history defaults to the record it extends")
		assert.Equal(t, config.FeedFormatRSS, cfg.Output.FeedFormat)
		assert.False(t, cfg.Database.Enabled())
		assert.False(t, cfg.Redis.Enabled())
		assert.False(t, cfg.Telegram.Enabled())
	})

	t.Run("overrides", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PROBE_TIMEOUT", "3s")
		t.Setenv("RUN_SESSIONS", "4")
		t.Setenv("BROWSER_DRIVER", "STATIC")
		t.Setenv("DB_HOST", "db")

		cfg, err := config.Load("")
		require.NoError(t, err)

		assert.Equal(t, 3*time.Second, cfg.Probe.Timeout)
		assert.Equal(t, 4, cfg.Run.Sessions)
		assert.Equal(t, config.DriverStatic, cfg.Browser.Driver)
		assert.True(t, cfg.Database.Enabled())
	})

	t.Run("missing selector names the key", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PURCHASE_SUBMIT_CSS_SELECTOR", "")

		_, err := config.Load("")
		require.Error(t, err)

		var cfgErr *config.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "PURCHASE_SUBMIT_CSS_SELECTOR", cfgErr.Key)
		assert.True(t, config.IsConfigurationError(err))
	})

	t.Run("missing urls", func(t *testing.T) {
		setRequired(t)
		t.Setenv("URLS", " , ")

		_, err := config.Load("")

		var cfgErr *config.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "URLS", cfgErr.Key)
	})

	t.Run("invalid driver", func(t *testing.T) {
		setRequired(t)
		t.Setenv("BROWSER_DRIVER", "selenium")

		_, err := config.Load("")

		var cfgErr *config.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "BROWSER_DRIVER", cfgErr.Key)
	})

	t.Run("postgres history needs a database", func(t *testing.T) {
		setRequired(t)
		t.Setenv("HISTORY_SOURCE", "postgres")

		_, err := config.Load("")

		var cfgErr *config.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "DB_HOST", cfgErr.Key)
	})

	t.Run("dotenv file", func(t *testing.T) {
		for k := range requiredEnv {
			t.Setenv(k, "")
		}
		t.Setenv("PRODUCT_NAME_CSS_SELECTOR", "h1.from-env")

		var content string
		for k, v := range requiredEnv {
			content += k + "=\"" + v + "\"\n"
		}
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := config.Load(path)
		require.NoError(t, err)

		assert.Equal(t, "a.product", cfg.Selectors.ProductLink)
		assert.Equal(t, "h1.from-env", cfg.Selectors.ProductName, "environment wins over the file")
	})

	t.Run("missing dotenv file is ignored", func(t *testing.T) {
		setRequired(t)

		_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
		require.NoError(t, err)
	})
}
