package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("crypto.master_key", "a2V5")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.OTPStore != OTPStoreDatabase || cfg.StorageDriver != StorageLocal {
		t.Fatalf("unexpected drivers: %+v", cfg)
	}
	if cfg.Signing.RequiredCoOwners != 4 || cfg.Signing.SessionTTL != 30*time.Minute || cfg.Signing.OTPTTL != 10*time.Minute {
		t.Fatalf("unexpected signing defaults: %+v", cfg.Signing)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DEEDSIGN_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("DEEDSIGN_CRYPTO_MASTER_KEY", "a2V5")
	t.Setenv("DEEDSIGN_OTP_STORE", "redis")
	t.Setenv("DEEDSIGN_SIGNING_SESSION_TTL", "45m")
	t.Setenv("DEEDSIGN_HTTP_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthSigningSecret != "env-secret" || cfg.OTPStore != OTPStoreRedis {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.Signing.SessionTTL != 45*time.Minute {
		t.Fatalf("unexpected session ttl %s", cfg.Signing.SessionTTL)
	}
	if strings.Join(cfg.CORSAllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name    string
		set     map[string]any
		message string
	}{
		{name: "missing secret", set: map[string]any{"crypto.master_key": "k"}, message: "auth.signing_secret"},
		{name: "missing master key", set: map[string]any{"auth.signing_secret": "s"}, message: "crypto.master_key"},
		{name: "unknown driver", set: map[string]any{"auth.signing_secret": "s", "crypto.master_key": "k", "database.driver": "mysql"}, message: "database.driver"},
		{name: "minio without endpoint", set: map[string]any{"auth.signing_secret": "s", "crypto.master_key": "k", "storage.driver": "minio"}, message: "minio.endpoint"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.set {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
