// Package config loads the central-mcp-server configuration from a config
// file and environment variables, following the layered viper pattern used
// across the rest of the workspace.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Probe       ProbeConfig       `mapstructure:"probe"`
	LoadBalance LoadBalanceConfig `mapstructure:"load_balance"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
}

// HTTPConfig controls the transport adapter's listener.
type HTTPConfig struct {
	ListenPort   int           `mapstructure:"listen_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProbeConfig controls the Health Prober's scheduling and resilience.
type ProbeConfig struct {
	IntervalMs              int     `mapstructure:"interval_ms"`
	TimeoutMs               int     `mapstructure:"timeout_ms"`
	MaxConcurrentProbes     int     `mapstructure:"max_concurrent_probes"`
	OnDemandRateLimit       int     `mapstructure:"on_demand_rate_limit"`
	OnDemandRatePeriodMs    int     `mapstructure:"on_demand_rate_period_ms"`
	CircuitFailureThreshold int     `mapstructure:"circuit_failure_threshold"`
	CircuitFailureRatio     float64 `mapstructure:"circuit_failure_ratio"`
	CircuitResetTimeoutMs   int     `mapstructure:"circuit_reset_timeout_ms"`
}

// LoadBalanceConfig holds the default load-balancing policy. The value is
// loaded but not passed to the Load Balancer or the HTTP adapter; both use
// round-robin when a request names no policy.
type LoadBalanceConfig struct {
	DefaultPolicy string `mapstructure:"default_policy"`
}

// DiscoveryConfig controls Service Discovery's BestServer result cache.
type DiscoveryConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// AuthConfig controls the transport adapter's auth-stamping middleware.
type AuthConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
}

// AlertsConfig controls thresholds consumed by the observability
// collaborator (the core only carries these values; it does not act on
// them).
type AlertsConfig struct {
	ErrorRateThreshold    float64 `mapstructure:"error_rate_threshold"`
	ResponseTimeThreshold int     `mapstructure:"response_time_threshold_ms"`
}

// Load loads configuration from file and environment variables. The file is
// optional: environment variables and defaults are sufficient to run.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("CENTRAL_MCP_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("CENTRAL_MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.listen_port", 5050)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)

	v.SetDefault("probe.interval_ms", 30000)
	v.SetDefault("probe.timeout_ms", 5000)
	v.SetDefault("probe.max_concurrent_probes", 64)
	v.SetDefault("probe.on_demand_rate_limit", 5)
	v.SetDefault("probe.on_demand_rate_period_ms", 60000)
	v.SetDefault("probe.circuit_failure_threshold", 3)
	v.SetDefault("probe.circuit_failure_ratio", 0.6)
	v.SetDefault("probe.circuit_reset_timeout_ms", 30000)

	v.SetDefault("load_balance.default_policy", "round-robin")

	v.SetDefault("discovery.cache_size", 256)

	v.SetDefault("auth.jwt_signing_key", "")

	v.SetDefault("alerts.error_rate_threshold", 0.5)
	v.SetDefault("alerts.response_time_threshold_ms", 2000)
}
