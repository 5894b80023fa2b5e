// Package config loads the process-wide configuration for the
// skyrelay control plane: the Alpaca transport inputs and PHD2
// default endpoint, plus the optional bus/telemetry/diagnostic
// surface toggles. The core packages (internal/alpaca, internal/phd2,
// internal/task) take plain structs and never parse files themselves;
// this package owns that concern on behalf of cmd/skyrelay.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Alpaca carries the transport inputs: user agent, timeout,
// keep-alive, connection cap, retries, compression, and SSL
// verification.
type Alpaca struct {
	UserAgent             string        `mapstructure:"user_agent"`
	Timeout               time.Duration `mapstructure:"timeout"`
	KeepAlive             time.Duration `mapstructure:"keep_alive"`
	MaxConnections        int           `mapstructure:"max_connections"`
	MaxRetries            int           `mapstructure:"max_retries"`
	EnableCompression     bool          `mapstructure:"enable_compression"`
	EnableSSLVerification bool          `mapstructure:"enable_ssl_verification"`
}

// PHD2 carries the default endpoint the guiding client dials.
type PHD2 struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	ConnectMs int    `mapstructure:"connect_timeout_ms"`
}

// Bus is the optional MQTT event fan-out sink, never on a workflow's
// critical path.
type Bus struct {
	Enabled   bool   `mapstructure:"enabled"`
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
}

// Diagnostics is the optional gin HTTP surface over the task runtime
// and pkg/healthcheck engine.
type Diagnostics struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

// Telemetry toggles the OpenTelemetry metrics mirror for the Alpaca
// transport's counters.
type Telemetry struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Config is the full process configuration tree.
type Config struct {
	Alpaca      Alpaca      `mapstructure:"alpaca"`
	PHD2        PHD2        `mapstructure:"phd2"`
	Bus         Bus         `mapstructure:"bus"`
	Diagnostics Diagnostics `mapstructure:"diagnostics"`
	Telemetry   Telemetry   `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("alpaca.user_agent", "skyrelay-alpaca-client/1")
	v.SetDefault("alpaca.timeout", 30*time.Second)
	v.SetDefault("alpaca.keep_alive", 5*time.Minute)
	v.SetDefault("alpaca.max_connections", 10)
	v.SetDefault("alpaca.max_retries", 3)
	v.SetDefault("alpaca.enable_compression", false)
	v.SetDefault("alpaca.enable_ssl_verification", true)

	v.SetDefault("phd2.host", "127.0.0.1")
	v.SetDefault("phd2.port", 4400)
	v.SetDefault("phd2.connect_timeout_ms", 5000)

	v.SetDefault("bus.enabled", false)
	v.SetDefault("bus.broker_url", "tcp://localhost:1883")
	v.SetDefault("bus.client_id", "skyrelay")

	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.listen_address", ":8090")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "skyrelay")
}

// Load reads configuration from (in ascending precedence) defaults, an
// optional config file named skyrelay.yaml/json/toml on the given search
// paths, and SKYRELAY_-prefixed environment variables.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("skyrelay")
	v.SetEnvPrefix("SKYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
