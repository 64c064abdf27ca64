package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "TORII"

	// Keys shared with command line flags.
	KeyServerHost = "server.host"
	KeyServerPort = "server.port"
	KeyLogLevel   = "log.level"

	defaultConfigName       = "torii"
	defaultConfigType       = "yaml"
	errMessageReadConfig    = "read config file"
	errMessageDecodeConfig  = "decode config"
	errMessageInvalidConfig = "invalid config"
)

var errInvalidPort = errors.New("server.port must be between 1 and 65535")

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Scan    ScanConfig    `mapstructure:"scan"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TaskRetention is how long finished background scans stay queryable.
	TaskRetention    time.Duration `mapstructure:"task_retention"`
	MaxFinishedTasks int           `mapstructure:"max_finished_tasks"`
}

// Address returns the host:port listen address.
func (serverConfig ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port)
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// GatewayConfig configures the analysis API client.
type GatewayConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// ScanConfig configures scan orchestration.
type ScanConfig struct {
	FeatureTimeout  time.Duration `mapstructure:"feature_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

// NATSConfig configures scan event publishing.
type NATSConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	SubjectPrefix     string        `mapstructure:"subject_prefix"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// Load merges defaults, an optional YAML file and TORII_* environment variables into a
// Config. An explicit configFile must exist; otherwise torii.yaml is looked up in the
// working directory and ./config and silently skipped when absent.
func Load(viperInstance *viper.Viper, configFile string) (Config, error) {
	if viperInstance == nil {
		viperInstance = viper.New()
	}
	setDefaults(viperInstance)

	viperInstance.SetEnvPrefix(EnvPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viperInstance.AutomaticEnv()

	if strings.TrimSpace(configFile) != "" {
		viperInstance.SetConfigFile(configFile)
		if err := viperInstance.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%s: %w", errMessageReadConfig, err)
		}
	} else {
		viperInstance.SetConfigName(defaultConfigName)
		viperInstance.SetConfigType(defaultConfigType)
		viperInstance.AddConfigPath(".")
		viperInstance.AddConfigPath("./config")
		if err := viperInstance.ReadInConfig(); err != nil {
			var notFoundErr viper.ConfigFileNotFoundError
			if !errors.As(err, &notFoundErr) {
				return Config{}, fmt.Errorf("%s: %w", errMessageReadConfig, err)
			}
		}
	}

	var configuration Config
	if err := viperInstance.Unmarshal(&configuration); err != nil {
		return Config{}, fmt.Errorf("%s: %w", errMessageDecodeConfig, err)
	}
	if configuration.Server.Port <= 0 || configuration.Server.Port > 65535 {
		return Config{}, fmt.Errorf("%s: %w", errMessageInvalidConfig, errInvalidPort)
	}
	return configuration, nil
}

func setDefaults(viperInstance *viper.Viper) {
	viperInstance.SetDefault(KeyServerHost, "127.0.0.1")
	viperInstance.SetDefault(KeyServerPort, 8080)
	viperInstance.SetDefault("server.shutdown_timeout", "10s")
	viperInstance.SetDefault("server.task_retention", "15m")
	viperInstance.SetDefault("server.max_finished_tasks", 100)

	viperInstance.SetDefault(KeyLogLevel, "info")

	viperInstance.SetDefault("gateway.base_url", "https://www.toriigateway.com")
	viperInstance.SetDefault("gateway.timeout", "15s")
	viperInstance.SetDefault("gateway.user_agent", "")

	viperInstance.SetDefault("scan.feature_timeout", "20s")
	viperInstance.SetDefault("scan.max_concurrent", 5)
	viperInstance.SetDefault("scan.cache_ttl", "30m")
	viperInstance.SetDefault("scan.rate_limit_window", "5m")
	viperInstance.SetDefault("scan.purge_interval", "10m")

	viperInstance.SetDefault("nats.enabled", false)
	viperInstance.SetDefault("nats.url", "nats://127.0.0.1:4222")
	viperInstance.SetDefault("nats.subject_prefix", "torii.scans")
	viperInstance.SetDefault("nats.connect_timeout", "10s")
	viperInstance.SetDefault("nats.reconnect_attempts", 5)
	viperInstance.SetDefault("nats.reconnect_delay", "2s")
}
