package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	GatewayEnvironmentSandbox    = "sandbox"
	GatewayEnvironmentProduction = "production"

	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"http_server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Security       SecurityConfig       `mapstructure:"security" validate:"required"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Supervisor     SupervisorConfig     `mapstructure:"supervisor"`
	Redis          RedisConfig          `mapstructure:"redis"`
	TransactionLog TransactionLogConfig `mapstructure:"transaction_log"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool          `mapstructure:"trust_proxy_headers"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	OpenAPIPath       string        `mapstructure:"openapi_path"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	AccessTokenSecret    string        `mapstructure:"access_token_secret" validate:"required,min=32"`
	RefreshTokenSecret   string        `mapstructure:"refresh_token_secret" validate:"required,min=32"`
	AccessTokenDuration  time.Duration `mapstructure:"access_token_duration" validate:"required,min=1m,max=1h"`
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration" validate:"required,min=1h"`
	BCryptCost           int           `mapstructure:"bcrypt_cost" validate:"required,min=10,max=15"`
}

// GatewayConfig holds the provider credentials and endpoints. BaseURL may be
// left empty, in which case it follows Environment.
type GatewayConfig struct {
	Environment        string        `mapstructure:"environment" validate:"oneof=sandbox production"`
	BaseURL            string        `mapstructure:"base_url"`
	ConsumerKey        string        `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret     string        `mapstructure:"consumer_secret" validate:"required"`
	ShortCode          string        `mapstructure:"short_code" validate:"required"`
	PassKey            string        `mapstructure:"pass_key" validate:"required"`
	InitiatorName      string        `mapstructure:"initiator_name"`
	SecurityCredential string        `mapstructure:"security_credential"`
	CallbackURL        string        `mapstructure:"callback_url" validate:"required,url"`
	ResultURL          string        `mapstructure:"result_url"`
	TimeoutURL         string        `mapstructure:"timeout_url"`
	Currency           string        `mapstructure:"currency"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

type SupervisorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BatchSize          int           `mapstructure:"batch_size"`
	Workers            int           `mapstructure:"workers"`
}

type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type TransactionLogConfig struct {
	// Retention of zero keeps entries forever.
	Retention time.Duration `mapstructure:"retention"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// LoadConfigFromEnv builds the configuration from environment variables only.
// Used for container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", "*"),
			TrustProxyHeaders: getEnvAsBool("HTTP_TRUST_PROXY_HEADERS", false),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 75*time.Second),
			OpenAPIPath:       getEnv("HTTP_OPENAPI_PATH", "./api/openapi.yml"),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			AccessTokenSecret:    getEnv("ACCESS_TOKEN_SECRET", ""),
			RefreshTokenSecret:   getEnv("REFRESH_TOKEN_SECRET", ""),
			AccessTokenDuration:  getEnvAsDuration("ACCESS_TOKEN_DURATION", 15*time.Minute),
			RefreshTokenDuration: getEnvAsDuration("REFRESH_TOKEN_DURATION", 7*24*time.Hour),
			BCryptCost:           getEnvAsInt("BCRYPT_COST", 12),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnvAsBool("METRICS_ENABLED", true),
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Gateway: GatewayConfig{
			Environment:        getEnv("GATEWAY_ENVIRONMENT", GatewayEnvironmentSandbox),
			BaseURL:            getEnv("GATEWAY_BASE_URL", ""),
			ConsumerKey:        getEnv("GATEWAY_CONSUMER_KEY", ""),
			ConsumerSecret:     getEnv("GATEWAY_CONSUMER_SECRET", ""),
			ShortCode:          getEnv("GATEWAY_SHORTCODE", ""),
			PassKey:            getEnv("GATEWAY_PASSKEY", ""),
			InitiatorName:      getEnv("GATEWAY_INITIATOR_NAME", ""),
			SecurityCredential: getEnv("GATEWAY_SECURITY_CREDENTIAL", ""),
			CallbackURL:        getEnv("GATEWAY_CALLBACK_URL", ""),
			ResultURL:          getEnv("GATEWAY_RESULT_URL", ""),
			TimeoutURL:         getEnv("GATEWAY_TIMEOUT_URL", ""),
			Currency:           getEnv("GATEWAY_CURRENCY", "KES"),
			RequestTimeout:     getEnvAsDuration("GATEWAY_REQUEST_TIMEOUT", 60*time.Second),
		},
		Supervisor: SupervisorConfig{
			Enabled:            getEnvAsBool("SUPERVISOR_ENABLED", true),
			Interval:           getEnvAsDuration("SUPERVISOR_INTERVAL", 15*time.Second),
			StalenessThreshold: getEnvAsDuration("SUPERVISOR_STALENESS_THRESHOLD", 30*time.Second),
			BaseDelay:          getEnvAsDuration("SUPERVISOR_BASE_DELAY", 5*time.Second),
			MaxDelay:           getEnvAsDuration("SUPERVISOR_MAX_DELAY", 5*time.Minute),
			MaxRetries:         getEnvAsInt("SUPERVISOR_MAX_RETRIES", 5),
			BatchSize:          getEnvAsInt("SUPERVISOR_BATCH_SIZE", 50),
			Workers:            getEnvAsInt("SUPERVISOR_WORKERS", 4),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_LOCK_TTL", 2*time.Minute),
		},
		TransactionLog: TransactionLogConfig{
			Retention: getEnvAsDuration("TRANSACTION_LOG_RETENTION", 0),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values left by a partial config file.
func (c *Config) ApplyDefaults() {
	if c.Gateway.Environment == "" {
		c.Gateway.Environment = GatewayEnvironmentSandbox
	}
	if c.Gateway.Currency == "" {
		c.Gateway.Currency = "KES"
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = 60 * time.Second
	}
	if c.Supervisor.StalenessThreshold <= 0 {
		c.Supervisor.StalenessThreshold = 30 * time.Second
	}
	if c.Supervisor.MaxRetries <= 0 {
		c.Supervisor.MaxRetries = 5
	}
	if c.Redis.IdempotencyTTL <= 0 {
		c.Redis.IdempotencyTTL = 2 * time.Minute
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Server.OpenAPIPath == "" {
		c.Server.OpenAPIPath = "./api/openapi.yml"
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Supervisor.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("supervisor config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if len(c.AccessTokenSecret) < 32 {
		return errors.New("access token secret must be at least 32 characters")
	}
	if len(c.RefreshTokenSecret) < 32 {
		return errors.New("refresh token secret must be at least 32 characters")
	}
	if c.BCryptCost != 0 && (c.BCryptCost < 10 || c.BCryptCost > 15) {
		return errors.New("bcrypt_cost must be between 10 and 15")
	}
	return nil
}

func (c *GatewayConfig) Validate() error {
	if c.Environment != GatewayEnvironmentSandbox && c.Environment != GatewayEnvironmentProduction {
		return fmt.Errorf("environment must be %q or %q", GatewayEnvironmentSandbox, GatewayEnvironmentProduction)
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return errors.New("consumer_key and consumer_secret are required")
	}
	if c.ShortCode == "" || c.PassKey == "" {
		return errors.New("short_code and pass_key are required")
	}
	if _, err := url.ParseRequestURI(c.CallbackURL); err != nil {
		return fmt.Errorf("invalid callback_url: %w", err)
	}
	if c.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}
	return nil
}

// ResolvedBaseURL returns BaseURL or the default host for the environment.
func (c *GatewayConfig) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == GatewayEnvironmentProduction {
		return productionBaseURL
	}
	return sandboxBaseURL
}

func (c *SupervisorConfig) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base_delay cannot be greater than max_delay")
	}
	return nil
}
