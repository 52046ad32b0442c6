package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.ServerURL != "ws://localhost:8080/ws" {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
	if cfg.JWTIssuer != "talkline-auth" {
		t.Errorf("JWTIssuer = %q", cfg.JWTIssuer)
	}
	if cfg.JWTAudience != "talkline-store" {
		t.Errorf("JWTAudience = %q", cfg.JWTAudience)
	}
	if cfg.TelemetryKafkaTopic != "talkline-events" {
		t.Errorf("TelemetryKafkaTopic = %q", cfg.TelemetryKafkaTopic)
	}
	if cfg.OTPAutoDetect {
		t.Error("OTPAutoDetect should default to false")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":9090")
	os.Setenv("JWT_ISSUER", "custom-issuer")
	os.Setenv("OTP_AUTO_DETECT", "true")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.JWTIssuer != "custom-issuer" {
		t.Errorf("JWTIssuer = %q", cfg.JWTIssuer)
	}
	if !cfg.OTPAutoDetect {
		t.Error("OTPAutoDetect should be true")
	}
	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", brokers)
	}
}

func TestLoad_AutoDetectRefusedInProduction(t *testing.T) {
	os.Clearenv()
	os.Setenv("OTP_AUTO_DETECT", "true")
	os.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("auto-detect in production should be refused")
	}
}

func TestDurations(t *testing.T) {
	cfg := &Config{JWTIdentityTTL: "1h", OTPCodeTTL: "90s"}
	if got := cfg.IdentityTTL(); got != time.Hour {
		t.Errorf("IdentityTTL = %v", got)
	}
	if got := cfg.CodeTTL(); got != 90*time.Second {
		t.Errorf("CodeTTL = %v", got)
	}

	bad := &Config{JWTIdentityTTL: "nope", OTPCodeTTL: ""}
	if got := bad.IdentityTTL(); got != 720*time.Hour {
		t.Errorf("fallback IdentityTTL = %v", got)
	}
	if got := bad.CodeTTL(); got != 5*time.Minute {
		t.Errorf("fallback CodeTTL = %v", got)
	}
}

func TestTelemetryKafkaBrokersList_Empty(t *testing.T) {
	var nilCfg *Config
	if got := nilCfg.TelemetryKafkaBrokersList(); got != nil {
		t.Errorf("nil config brokers = %v", got)
	}
	cfg := &Config{TelemetryKafkaBrokers: " , "}
	if got := cfg.TelemetryKafkaBrokersList(); len(got) != 0 {
		t.Errorf("blank brokers = %v", got)
	}
}
