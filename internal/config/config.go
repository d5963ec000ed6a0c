// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaestroServiceID is the service id under which the vendor API is indexed
// and invoked.
const MaestroServiceID = "maestro"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Vendor        VendorConfig             `yaml:"vendor"`
	Specs         SpecsConfig              `yaml:"specs"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Session       SessionConfig            `yaml:"session"`
	Idempotency   IdempotencyConfig        `yaml:"idempotency"`
	Dashboard     DashboardConfig          `yaml:"dashboard"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// VendorConfig describes the orchestration cloud the monitor talks to and
// the OAuth application it signs in with.
type VendorConfig struct {
	BaseURL         string   `yaml:"base_url"`
	OrgName         string   `yaml:"org_name"`
	TenantName      string   `yaml:"tenant_name"`
	ClientID        string   `yaml:"client_id"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	RedirectURI     string   `yaml:"redirect_uri"`
	Scopes          []string `yaml:"scopes"`
	AuthURL         string   `yaml:"auth_url"`
	TokenURL        string   `yaml:"token_url"`
	EntityID        string   `yaml:"entity_id"`
}

// APIBaseURL is the tenant-scoped root that vendor API paths hang off.
func (v VendorConfig) APIBaseURL() string {
	return strings.TrimRight(v.BaseURL, "/") + "/" + v.OrgName + "/" + v.TenantName
}

// AuthorizeURL returns the OAuth authorization endpoint.
func (v VendorConfig) AuthorizeURL() string {
	if v.AuthURL != "" {
		return v.AuthURL
	}
	return strings.TrimRight(v.BaseURL, "/") + "/identity_/connect/authorize"
}

// TokenEndpoint returns the OAuth token endpoint.
func (v VendorConfig) TokenEndpoint() string {
	if v.TokenURL != "" {
		return v.TokenURL
	}
	return strings.TrimRight(v.BaseURL, "/") + "/identity_/connect/token"
}

// EntityLink is the data fabric page of the attachment entity, or "" when no
// entity is configured.
func (v VendorConfig) EntityLink() string {
	if v.EntityID == "" {
		return ""
	}
	return v.APIBaseURL() + "/dataservice_/entities/" + v.EntityID
}

// ClientSecret reads the client secret from the configured environment variable.
func (v VendorConfig) ClientSecret() string {
	if v.ClientSecretEnv == "" {
		return ""
	}
	return os.Getenv(v.ClientSecretEnv)
}

// SpecsConfig lists OpenAPI documents that replace the embedded vendor document.
type SpecsConfig struct {
	Sources []SpecSource `yaml:"sources"`
}

// SpecSource maps a service ID to an OpenAPI spec file.
type SpecSource struct {
	ServiceID string `yaml:"service_id"`
	SpecFile  string `yaml:"spec_file"`
}

// ServiceConfig describes a backend service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service. Zero attempts means a
// single try.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	IdempotentOnly bool          `yaml:"idempotent_only"`
}

// SessionConfig describes browser session handling.
type SessionConfig struct {
	Driver        string        `yaml:"driver"`
	AddrEnv       string        `yaml:"addr_env"`
	DB            int           `yaml:"db"`
	TTL           time.Duration `yaml:"ttl"`
	CookieName    string        `yaml:"cookie_name"`
	CookieSecure  bool          `yaml:"cookie_secure"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
}

// SigningKey reads the cookie signing key from the configured environment variable.
func (s SessionConfig) SigningKey() ([]byte, error) {
	key := os.Getenv(s.SigningKeyEnv)
	if len(key) < 32 {
		return nil, fmt.Errorf("config: %s must hold a signing key of at least 32 bytes", s.SigningKeyEnv)
	}
	return []byte(key), nil
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DashboardConfig describes list and detail behaviour.
type DashboardConfig struct {
	PageSize      int           `yaml:"page_size"`
	CancelComment string        `yaml:"cancel_comment"`
	BPMNCache     CacheConfig   `yaml:"bpmn_cache"`
	DetailTimeout time.Duration `yaml:"detail_timeout"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  45 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Vendor: VendorConfig{
			BaseURL: "https://cloud.uipath.com",
			Scopes:  []string{"offline_access"},
		},
		Services: map[string]ServiceConfig{
			MaestroServiceID: {
				Timeout: 30 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
		},
		Session: SessionConfig{
			Driver:        "memory",
			TTL:           12 * time.Hour,
			CookieName:    "maestro_session",
			CookieSecure:  true,
			SigningKeyEnv: "MAESTRO_SESSION_KEY",
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Dashboard: DashboardConfig{
			PageSize:      25,
			CancelComment: "Cancelled from UI",
			DetailTimeout: 30 * time.Second,
			BPMNCache: CacheConfig{
				TTL:        10 * time.Minute,
				MaxEntries: 256,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Service returns the settings for a backend service, falling back to the
// vendor API root when no base URL is configured.
func (c *Config) Service(id string) ServiceConfig {
	svc := c.Services[id]
	if svc.BaseURL == "" && id == MaestroServiceID {
		svc.BaseURL = c.Vendor.APIBaseURL()
	}
	return svc
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Vendor.BaseURL == "" {
		errs = append(errs, "vendor.base_url is required")
	}
	if c.Vendor.OrgName == "" {
		errs = append(errs, "vendor.org_name is required")
	}
	if c.Vendor.TenantName == "" {
		errs = append(errs, "vendor.tenant_name is required")
	}
	if c.Vendor.ClientID == "" {
		errs = append(errs, "vendor.client_id is required")
	}
	if c.Vendor.RedirectURI == "" {
		errs = append(errs, "vendor.redirect_uri is required")
	}
	switch c.Session.Driver {
	case "memory":
	case "redis":
		if c.Session.AddrEnv == "" {
			errs = append(errs, "session.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("session.driver %q is not supported", c.Session.Driver))
	}
	if c.Session.SigningKeyEnv == "" {
		errs = append(errs, "session.signing_key_env is required")
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
		}
	}
	if c.Dashboard.PageSize < 1 || c.Dashboard.PageSize > 1000 {
		errs = append(errs, "dashboard.page_size must be between 1 and 1000")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ApplyEnvOverrides reads MAESTRO_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAESTRO_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAESTRO_BASE_URL"); v != "" {
		cfg.Vendor.BaseURL = v
	}
	if v := os.Getenv("MAESTRO_ORG_NAME"); v != "" {
		cfg.Vendor.OrgName = v
	}
	if v := os.Getenv("MAESTRO_TENANT_NAME"); v != "" {
		cfg.Vendor.TenantName = v
	}
	if v := os.Getenv("MAESTRO_CLIENT_ID"); v != "" {
		cfg.Vendor.ClientID = v
	}
	if v := os.Getenv("MAESTRO_REDIRECT_URI"); v != "" {
		cfg.Vendor.RedirectURI = v
	}
	if v := os.Getenv("MAESTRO_SCOPE"); v != "" {
		cfg.Vendor.Scopes = strings.Fields(v)
	}
	if v := os.Getenv("MAESTRO_ENTITY_ID"); v != "" {
		cfg.Vendor.EntityID = v
	}
	if v := os.Getenv("MAESTRO_SESSION_DRIVER"); v != "" {
		cfg.Session.Driver = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
