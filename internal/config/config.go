// Package config loads and validates app config from env and an optional
// .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the store server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty runs the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// ServerURL is the store server websocket URL used by clients (e.g. ws://localhost:8080/ws).
	ServerURL string `mapstructure:"SERVER_URL"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; signs identity tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; verifies identity tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "talkline-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "talkline-store").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTIdentityTTL is the identity token lifetime (e.g. "720h").
	JWTIdentityTTL string `mapstructure:"JWT_IDENTITY_TTL"`

	// SMSLocalAPIKey is the API key for SMS Local. Required to dispatch real codes.
	SMSLocalAPIKey string `mapstructure:"SMS_LOCAL_API_KEY"`
	// SMSLocalSender is the optional sender ID for SMS Local.
	SMSLocalSender string `mapstructure:"SMS_LOCAL_SENDER"`
	// SMSLocalBaseURL is the SMS Local API base URL.
	SMSLocalBaseURL string `mapstructure:"SMS_LOCAL_BASE_URL"`

	// OTPAutoDetect when true skips SMS and hands codes back in-band as
	// auto-detected credentials. Development only; refused when APP_ENV=production.
	OTPAutoDetect bool `mapstructure:"OTP_AUTO_DETECT"`
	// OTPCodeTTL is how long a dispatched code stays valid (e.g. "5m").
	OTPCodeTTL string `mapstructure:"OTP_CODE_TTL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// RulesPolicyFile is an optional path to a Rego file overriding the
	// embedded store write rules.
	RulesPolicyFile string `mapstructure:"STORE_RULES_FILE"`

	// Telemetry (optional). When Kafka brokers are set, audit events are emitted to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for audit events (default talkline-events).
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL the worker pushes events to (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored (e.g. in CI). Env vars
// override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SERVER_URL", "ws://localhost:8080/ws")
	v.SetDefault("JWT_ISSUER", "talkline-auth")
	v.SetDefault("JWT_AUDIENCE", "talkline-store")
	v.SetDefault("JWT_IDENTITY_TTL", "720h") // 30d
	v.SetDefault("SMS_LOCAL_BASE_URL", "https://app.smslocal.in/api/smsapi")
	v.SetDefault("OTP_AUTO_DETECT", false)
	v.SetDefault("OTP_CODE_TTL", "5m")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("STORE_RULES_FILE", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "talkline-events")
	v.SetDefault("KAFKA_GROUP_ID", "talkline-events-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.OTPAutoDetect && cfg.Env == "production" {
		return nil, errors.New("config: OTP_AUTO_DETECT must not be true when APP_ENV=production")
	}

	return &cfg, nil
}

// IdentityTTL parses JWTIdentityTTL as a time.Duration. Returns 720h if unset
// or invalid.
func (c *Config) IdentityTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTIdentityTTL)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// CodeTTL parses OTPCodeTTL as a time.Duration. Returns 5m if unset or
// invalid.
func (c *Config) CodeTTL() time.Duration {
	d, err := time.ParseDuration(c.OTPCodeTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the
// comma-separated config. A non-empty list enables Kafka emission.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
