package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config maps 1:1 to environment variables, optionally read from a
// .env file in the working directory.
type Config struct {
	Port     int    `mapstructure:"PORT"`
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr           string `mapstructure:"REDIS_ADDR"`
	RedisPassword       string `mapstructure:"REDIS_PASSWORD"`
	RedisDB             int    `mapstructure:"REDIS_DB"`
	SaleCacheTTLSeconds int    `mapstructure:"SALE_CACHE_TTL_SECONDS"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	AllowedOrigin         string `mapstructure:"ALLOWED_ORIGIN"`

	PixPollIntervalSeconds        int  `mapstructure:"PIX_POLL_INTERVAL_SECONDS"`
	PixTimeoutSeconds             int  `mapstructure:"PIX_TIMEOUT_SECONDS"`
	PixGatewayTimeoutSeconds      int  `mapstructure:"PIX_GATEWAY_TIMEOUT_SECONDS"`
	PixSandboxConfirmAfterSeconds int  `mapstructure:"PIX_SANDBOX_CONFIRM_AFTER_SECONDS"`
	PixRestockOnExpiry            bool `mapstructure:"PIX_RESTOCK_ON_EXPIRY"`

	QuoteValidityDays int `mapstructure:"QUOTE_VALIDITY_DAYS"`

	PrinterAddr           string `mapstructure:"PRINTER_ADDR"`
	PrinterTimeoutSeconds int    `mapstructure:"PRINTER_TIMEOUT_SECONDS"`
	ShopName              string `mapstructure:"SHOP_NAME"`
}

var defaults = map[string]any{
	"PORT":                              8080,
	"APP_ENV":                           "development",
	"LOG_LEVEL":                         "info",
	"DATABASE_URL":                      "",
	"REDIS_ADDR":                        "",
	"REDIS_PASSWORD":                    "",
	"REDIS_DB":                          0,
	"SALE_CACHE_TTL_SECONDS":            600,
	"AUTH_SECRET":                       "",
	"ACCESS_TOKEN_TTL_MINUTES":          480,
	"ALLOWED_ORIGIN":                    "http://127.0.0.1:3000",
	"PIX_POLL_INTERVAL_SECONDS":         3,
	"PIX_TIMEOUT_SECONDS":               300,
	"PIX_GATEWAY_TIMEOUT_SECONDS":       10,
	"PIX_SANDBOX_CONFIRM_AFTER_SECONDS": 10,
	"PIX_RESTOCK_ON_EXPIRY":             false,
	"QUOTE_VALIDITY_DAYS":               7,
	"PRINTER_ADDR":                      "",
	"PRINTER_TIMEOUT_SECONDS":           5,
	"SHOP_NAME":                         "Pet Show e Cia",
}

// Load never injects a default auth secret; callers validate it.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// A missing .env is fine.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	positive := func(v *int, fallback int) {
		if *v < 1 {
			*v = fallback
		}
	}
	positive(&c.Port, 8080)
	positive(&c.SaleCacheTTLSeconds, 600)
	positive(&c.AccessTokenTTLMinutes, 480)
	positive(&c.PixPollIntervalSeconds, 3)
	positive(&c.PixTimeoutSeconds, 300)
	positive(&c.PixGatewayTimeoutSeconds, 10)
	positive(&c.QuoteValidityDays, 7)
	positive(&c.PrinterTimeoutSeconds, 5)
	if c.PixSandboxConfirmAfterSeconds < 0 {
		c.PixSandboxConfirmAfterSeconds = 10
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) PixPollInterval() time.Duration {
	return time.Duration(c.PixPollIntervalSeconds) * time.Second
}

func (c Config) PixTimeout() time.Duration {
	return time.Duration(c.PixTimeoutSeconds) * time.Second
}

func (c Config) PixGatewayTimeout() time.Duration {
	return time.Duration(c.PixGatewayTimeoutSeconds) * time.Second
}

func (c Config) SaleCacheTTL() time.Duration {
	return time.Duration(c.SaleCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
