// Package config loads the fastpass-endpoint YAML configuration file,
// following the teacher's session-service config pattern.
package config

import (
	"time"

	"github.com/fastpass-project/endpoint/internal/fastpass/admin"
	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

// Config is the root fastpass-endpoint configuration.
type Config struct {
	Endpoint  endpoint.Config `yaml:"Endpoint"`
	Log       LogConfig       `yaml:"Log"`
	Metrics   MetricsConfig   `yaml:"Metrics"`
	Tracing   TracingConfig   `yaml:"Tracing"`
	Discovery DiscoveryConfig `yaml:"Discovery"`
	Breaker   BreakerConfig   `yaml:"Breaker"`
	Admin     AdminConfig     `yaml:"Admin"`
}

// LogConfig controls the zap logger fastpass-endpoint builds at startup.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// MetricsConfig controls the Prometheus /metrics HTTP server.
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
	Path   string `yaml:"Path"`
}

// TracingConfig mirrors internal/fastpass/tracing.Config, kept as a
// separate struct so the YAML section name can differ from the Go type.
type TracingConfig struct {
	Enable       bool    `yaml:"Enable"`
	ServiceName  string  `yaml:"ServiceName"`
	Endpoint     string  `yaml:"Endpoint"`
	Exporter     string  `yaml:"Exporter"`
	SampleRate   float64 `yaml:"SampleRate"`
	Environment  string  `yaml:"Environment"`
	BatchTimeout int     `yaml:"BatchTimeout"`
	MaxQueueSize int     `yaml:"MaxQueueSize"`
}

// DiscoveryConfig controls whether ctrl_addr is resolved dynamically
// from etcd instead of used as a static address.
type DiscoveryConfig struct {
	Enable      bool          `yaml:"Enable"`
	Endpoints   []string      `yaml:"Endpoints"`
	DialTimeout time.Duration `yaml:"DialTimeout"`
	Username    string        `yaml:"Username"`
	Password    string        `yaml:"Password"`
	Key         string        `yaml:"Key"`
}

// BreakerConfig controls the circuit breaker wrapping arbiter discovery
// lookups.
type BreakerConfig struct {
	Enable              bool    `yaml:"Enable"`
	MaxRequests         uint32  `yaml:"MaxRequests"`
	IntervalSeconds     int     `yaml:"IntervalSeconds"`
	TimeoutSeconds      int     `yaml:"TimeoutSeconds"`
	MinRequests         uint32  `yaml:"MinRequests"`
	ErrorRateThreshold  float64 `yaml:"ErrorRateThreshold"`
	ConsecutiveFailures uint32  `yaml:"ConsecutiveFailures"`
}

// AdminConfig controls the admin plane's REST, JWT, rate-limit,
// dashboard and gRPC health surface.
type AdminConfig struct {
	Host              string  `yaml:"Host"`
	Port              int     `yaml:"Port"`
	JWTSecret         string  `yaml:"JWTSecret"`
	JWTExpireSecs     int64   `yaml:"JWTExpireSecs"`
	JWTIssuer         string  `yaml:"JWTIssuer"`
	RateLimitEnable   bool    `yaml:"RateLimitEnable"`
	RateLimitRate     float64 `yaml:"RateLimitRate"`
	RateLimitBurst    int     `yaml:"RateLimitBurst"`
	DashboardPeriodMs int     `yaml:"DashboardPeriodMs"`
	GRPCHealthAddr    string  `yaml:"GRPCHealthAddr"`
}

// ToAdminServerConfig adapts the YAML-facing AdminConfig into
// admin.Config, which embeds go-zero's rest.RestConf.
func (c AdminConfig) ToAdminServerConfig() admin.Config {
	var sc admin.Config
	sc.Host = c.Host
	sc.Port = c.Port
	sc.JWTSecret = c.JWTSecret
	sc.JWTExpireSecs = int(c.JWTExpireSecs)
	sc.JWTIssuer = c.JWTIssuer
	sc.RateLimit.Enable = c.RateLimitEnable
	sc.RateLimit.Rate = c.RateLimitRate
	sc.RateLimit.Burst = c.RateLimitBurst
	sc.DashboardPeriodMs = c.DashboardPeriodMs
	sc.GRPCHealthAddr = c.GRPCHealthAddr
	return sc
}

// DefaultConfig returns spec.md §6's defaults plus disabled-by-default
// domain-stack sections.
func DefaultConfig() *Config {
	cfg := &Config{
		Endpoint: endpoint.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enable: true,
			Host:   "0.0.0.0",
			Port:   9102,
			Path:   "/metrics",
		},
		Tracing: TracingConfig{
			Enable:       false,
			ServiceName:  "fastpass-endpoint",
			Endpoint:     "http://localhost:14268/api/traces",
			Exporter:     "jaeger",
			SampleRate:   1.0,
			Environment:  "development",
			BatchTimeout: 5,
			MaxQueueSize: 2048,
		},
		Discovery: DiscoveryConfig{
			Enable:      false,
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
			Key:         "/fastpass/arbiter/current",
		},
		Breaker: BreakerConfig{
			Enable:              true,
			MaxRequests:         5,
			IntervalSeconds:     10,
			TimeoutSeconds:      60,
			MinRequests:         5,
			ErrorRateThreshold:  0.5,
			ConsecutiveFailures: 5,
		},
		Admin: AdminConfig{
			Host:              "0.0.0.0",
			Port:              8900,
			JWTSecret:         "fastpass-secret-key",
			JWTExpireSecs:     3600,
			JWTIssuer:         "fastpass-endpoint",
			RateLimitEnable:   true,
			RateLimitRate:     5,
			RateLimitBurst:    10,
			DashboardPeriodMs: 1000,
			GRPCHealthAddr:    "0.0.0.0:8901",
		},
	}
	return cfg
}
