package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	GatewayPort int    `mapstructure:"gateway_port"`
	Secret      string `mapstructure:"secret"`

	// Backend the portal talks to: REST base for the token endpoint and the
	// signaling websocket path on the same host.
	ServerURL  string `mapstructure:"server_url"`
	SignalPath string `mapstructure:"signal_path"`
	AuthToken  string `mapstructure:"auth_token"`

	// Media transport application credential. Empty means video calls are
	// disabled; joining a room fails fast with a configuration error.
	AppID string `mapstructure:"app_id"`

	TokenTimeout    time.Duration `mapstructure:"token_timeout"`
	TokenRetries    int           `mapstructure:"token_retries"`
	TokenRetryDelay time.Duration `mapstructure:"token_retry_delay"`

	// RingTimeout bounds the caller's waiting-for-answer state; 0 disables.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`

	// User identity this agent runs as.
	UserID   string `mapstructure:"user_id"`
	UserName string `mapstructure:"user_name"`
	UserRole string `mapstructure:"user_role"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("gateway_port", 8090)
	v.SetDefault("server_url", "http://localhost:3000")
	v.SetDefault("signal_path", "/socket")
	v.SetDefault("token_timeout", "10s")
	v.SetDefault("token_retries", 3)
	v.SetDefault("token_retry_delay", "1s")
	v.SetDefault("ring_timeout", "45s")
	v.SetDefault("user_role", "patient")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
