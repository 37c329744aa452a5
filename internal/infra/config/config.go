package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arklim/extension-license-service/internal/infra/security"
)

const envPrefix = "LICENSE"

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	GRPC      GRPCSettings      `mapstructure:"grpc"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	Security  SecuritySettings  `mapstructure:"security"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Sweeper   SweeperSettings   `mapstructure:"sweeper"`
	Admin     AdminSettings     `mapstructure:"admin"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// HTTPSettings tunes the public HTTP listener.
type HTTPSettings struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

type GRPCSettings struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ReflectionEnabled bool   `mapstructure:"reflection_enabled"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	Schema            string        `mapstructure:"schema"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// KafkaSettings configures the security event producer and the license status consumer
type KafkaSettings struct {
	Brokers       []string      `mapstructure:"brokers"`
	TopicPrefix   string        `mapstructure:"topic_prefix"`
	SecurityTopic string        `mapstructure:"security_topic"`
	StatusTopic   string        `mapstructure:"status_topic"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	MaxEventAge   time.Duration `mapstructure:"max_event_age"`
	Async         bool          `mapstructure:"async"`
}

type TelemetrySettings struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// SecuritySettings holds the handshake secrets and lifetimes.
type SecuritySettings struct {
	SigningSecret         string        `mapstructure:"signing_secret"`
	E2ESalt               string        `mapstructure:"e2e_salt"`
	PBKDF2Iterations      int           `mapstructure:"pbkdf2_iterations"`
	ChallengeTTL          time.Duration `mapstructure:"challenge_ttl"`
	SessionTTL            time.Duration `mapstructure:"session_ttl"`
	LegacyEnabled         bool          `mapstructure:"legacy_enabled"`
	ProxyDetectionEnabled bool          `mapstructure:"proxy_detection_enabled"`
}

// RateLimitSettings configures the per-license window and the per-IP endpoint limits
type RateLimitSettings struct {
	LicenseLimit         int           `mapstructure:"license_limit"`
	LicenseWindow        time.Duration `mapstructure:"license_window"`
	IPWindow             time.Duration `mapstructure:"ip_window"`
	ChallengeMaxAttempts int           `mapstructure:"challenge_max_attempts"`
	ValidateMaxAttempts  int           `mapstructure:"validate_max_attempts"`
	HeartbeatMaxAttempts int           `mapstructure:"heartbeat_max_attempts"`
}

type SweeperSettings struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	ChallengeRetention time.Duration `mapstructure:"challenge_retention"`
	NudgeCooldown      time.Duration `mapstructure:"nudge_cooldown"`
}

// AdminSettings configures the bearer tokens accepted by the admin API.
type AdminSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// SecurityConfig validates the handshake secrets.
func (c *AppConfig) SecurityConfig() (security.SecurityConfig, error) {
	return security.NewSecurityConfig(c.Security.SigningSecret, c.Security.E2ESalt, c.Security.PBKDF2Iterations)
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"http.read_timeout",
		"http.write_timeout",
		"http.shutdown_timeout",
		"http.allowed_origins",
		"http.trusted_proxies",
		"grpc.host",
		"grpc.port",
		"grpc.reflection_enabled",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.schema",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.key_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.security_topic",
		"kafka.status_topic",
		"kafka.consumer_group",
		"kafka.max_event_age",
		"kafka.async",
		"telemetry.tracing_enabled",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"security.pbkdf2_iterations",
		"security.challenge_ttl",
		"security.session_ttl",
		"security.legacy_enabled",
		"security.proxy_detection_enabled",
		"rate_limit.license_limit",
		"rate_limit.license_window",
		"rate_limit.ip_window",
		"rate_limit.challenge_max_attempts",
		"rate_limit.validate_max_attempts",
		"rate_limit.heartbeat_max_attempts",
		"sweeper.enabled",
		"sweeper.interval",
		"sweeper.challenge_retention",
		"sweeper.nudge_cooldown",
		"admin.enabled",
		"admin.jwt_secret",
		"admin.issuer",
	}); err != nil {
		return nil, err
	}

	// Secrets also accept the names used by existing deployments.
	if err := v.BindEnv("security.signing_secret", "LICENSE_SECURITY_SIGNING_SECRET", "LICENSE_SIGNING_SECRET"); err != nil {
		return nil, fmt.Errorf("bind env for security.signing_secret: %w", err)
	}
	if err := v.BindEnv("security.e2e_salt", "LICENSE_SECURITY_E2E_SALT", "E2E_ENCRYPTION_SALT"); err != nil {
		return nil, fmt.Errorf("bind env for security.e2e_salt: %w", err)
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if _, err := cfg.SecurityConfig(); err != nil {
		return nil, fmt.Errorf("security config: %w", err)
	}
	if cfg.Admin.Enabled && len(strings.TrimSpace(cfg.Admin.JWTSecret)) < 16 {
		return nil, fmt.Errorf("admin config: jwt secret must be at least 16 characters")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "extension-license-service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.trusted_proxies", []string{})

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.reflection_enabled", true)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "licensing")
	v.SetDefault("postgres.password", "licensing_password")
	v.SetDefault("postgres.database", "licensing")
	v.SetDefault("postgres.schema", "licensing")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "license")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "")
	v.SetDefault("kafka.security_topic", "license.security")
	v.SetDefault("kafka.status_topic", "")
	v.SetDefault("kafka.consumer_group", "extension-license-service")
	v.SetDefault("kafka.max_event_age", "24h")
	v.SetDefault("kafka.async", true)

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "extension-license-service")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("security.pbkdf2_iterations", security.DefaultPBKDF2Iterations)
	v.SetDefault("security.challenge_ttl", "5m")
	v.SetDefault("security.session_ttl", "24h")
	v.SetDefault("security.legacy_enabled", true)
	v.SetDefault("security.proxy_detection_enabled", true)

	// 60 validations per license per minute; IP limits sit above it.
	v.SetDefault("rate_limit.license_limit", 60)
	v.SetDefault("rate_limit.license_window", "60s")
	v.SetDefault("rate_limit.ip_window", "1m")
	v.SetDefault("rate_limit.challenge_max_attempts", 120)
	v.SetDefault("rate_limit.validate_max_attempts", 120)
	v.SetDefault("rate_limit.heartbeat_max_attempts", 240)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "10m")
	v.SetDefault("sweeper.challenge_retention", "1h")
	v.SetDefault("sweeper.nudge_cooldown", "1m")

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.issuer", "")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
