// Package config loads settings from the environment and an optional
// giftbot.yaml, with code defaults underneath.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Payment struct {
	Identity        string `mapstructure:"identity"`  // order_id | desc | tx_id
	Signature       string `mapstructure:"signature"` // hmac | secret_key
	URL             string `mapstructure:"url"`
	CancelOnFailure bool   `mapstructure:"cancel_on_failure"`
}

type Session struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Sweep time.Duration `mapstructure:"sweep"`
}

type Config struct {
	Token         string        `mapstructure:"token"`
	Secret        string        `mapstructure:"secret"` // merchant shared secret
	WebhookURL    string        `mapstructure:"webhook_url"`
	CallbackURL   string        `mapstructure:"callback_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	AdminChatID   int64         `mapstructure:"admin_chat_id"`
	Port          int           `mapstructure:"port"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	AuditLog      string        `mapstructure:"audit_log"`
	RateLimit     time.Duration `mapstructure:"rate_limit"`
	Payment       Payment       `mapstructure:"payment"`
	Session       Session       `mapstructure:"session"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 5000)
	v.SetDefault("audit_log", "audit.log")
	v.SetDefault("rate_limit", "1s")
	v.SetDefault("payment.identity", "order_id")
	v.SetDefault("payment.signature", "hmac")
	v.SetDefault("payment.url", "https://pay.global24.com.ua/payment")
	v.SetDefault("payment.cancel_on_failure", false)
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.sweep", "1h")

	v.SetConfigName("giftbot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GIFTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// env names carried over from the original deployment
	v.BindEnv("token", "API_TOKEN")
	v.BindEnv("secret", "SECRET_KEY")
	v.BindEnv("webhook_url", "WEBHOOK_URL")
	v.BindEnv("callback_url", "CALLBACK_URL")
	v.BindEnv("webhook_secret", "WEBHOOK_SECRET")
	v.BindEnv("admin_chat_id", "ADMIN_CHAT_ID")
	v.BindEnv("port", "PORT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", cfg.Port)
	}
	if cfg.CallbackURL == "" && cfg.WebhookURL != "" {
		cfg.CallbackURL = cfg.WebhookURL + "/payment_callback"
	}
	return &cfg, nil
}

// Validate checks the settings serve cannot run without.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("API_TOKEN is not set")
	}
	if c.Secret == "" {
		return errors.New("SECRET_KEY is not set")
	}
	return nil
}
