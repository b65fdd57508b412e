package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DEEDSIGN"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabaseDSN        = "deedsign.db"
	defaultLogLevel           = "info"
	defaultAuthIssuer         = "fractional-platform"
	defaultOTPStore           = OTPStoreDatabase
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultStorageDriver      = StorageLocal
	defaultStorageRoot        = "artifacts"
	defaultMinioBucket        = "deedsign"
	defaultRequiredCoOwners   = 4
	defaultSessionTTL         = 30 * time.Minute
	defaultOTPTTL             = 10 * time.Minute
	defaultOTPVerifyPerMinute = 5
	defaultCORSOrigin         = "*"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	OTPStoreDatabase = "database"
	OTPStoreRedis    = "redis"

	StorageLocal = "local"
	StorageMinio = "minio"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	CORSAllowedOrigins []string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	CryptoMasterKey    string
	OTPStore           string
	Redis              RedisConfig
	StorageDriver      string
	StorageLocalRoot   string
	Minio              MinioConfig
	PDFFonts           FontConfig
	Signing            SigningConfig
	WebhookSecret      string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// FontConfig holds optional TTF paths; empty paths use the embedded Go fonts.
type FontConfig struct {
	Regular string
	Bold    string
	Arabic  string
}

type SigningConfig struct {
	RequiredCoOwners   int
	SessionTTL         time.Duration
	OTPTTL             time.Duration
	OTPVerifyPerMinute int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_allowed_origins", defaultCORSOrigin)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("otp.store", defaultOTPStore)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.local_root", defaultStorageRoot)
	configViper.SetDefault("minio.bucket", defaultMinioBucket)
	configViper.SetDefault("minio.use_ssl", false)
	configViper.SetDefault("signing.required_co_owners", defaultRequiredCoOwners)
	configViper.SetDefault("signing.session_ttl", defaultSessionTTL)
	configViper.SetDefault("signing.otp_ttl", defaultOTPTTL)
	configViper.SetDefault("signing.otp_verify_rate", defaultOTPVerifyPerMinute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		CORSAllowedOrigins: splitList(configViper.GetString("http.cors_allowed_origins")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		CryptoMasterKey:    configViper.GetString("crypto.master_key"),
		OTPStore:           strings.ToLower(strings.TrimSpace(configViper.GetString("otp.store"))),
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		StorageDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		StorageLocalRoot: configViper.GetString("storage.local_root"),
		Minio: MinioConfig{
			Endpoint:  configViper.GetString("minio.endpoint"),
			AccessKey: configViper.GetString("minio.access_key"),
			SecretKey: configViper.GetString("minio.secret_key"),
			Bucket:    configViper.GetString("minio.bucket"),
			Region:    configViper.GetString("minio.region"),
			UseSSL:    configViper.GetBool("minio.use_ssl"),
		},
		PDFFonts: FontConfig{
			Regular: configViper.GetString("pdf.font_regular"),
			Bold:    configViper.GetString("pdf.font_bold"),
			Arabic:  configViper.GetString("pdf.font_arabic"),
		},
		Signing: SigningConfig{
			RequiredCoOwners:   configViper.GetInt("signing.required_co_owners"),
			SessionTTL:         configViper.GetDuration("signing.session_ttl"),
			OTPTTL:             configViper.GetDuration("signing.otp_ttl"),
			OTPVerifyPerMinute: configViper.GetInt("signing.otp_verify_rate"),
		},
		WebhookSecret: configViper.GetString("payments.webhook_secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CryptoMasterKey) == "" {
		return fmt.Errorf("crypto.master_key is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	switch c.OTPStore {
	case OTPStoreDatabase:
	case OTPStoreRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			return fmt.Errorf("redis.address is required when otp.store is redis")
		}
	default:
		return fmt.Errorf("otp.store must be %q or %q, got %q", OTPStoreDatabase, OTPStoreRedis, c.OTPStore)
	}
	switch c.StorageDriver {
	case StorageLocal:
		if strings.TrimSpace(c.StorageLocalRoot) == "" {
			return fmt.Errorf("storage.local_root is required")
		}
	case StorageMinio:
		if strings.TrimSpace(c.Minio.Endpoint) == "" || strings.TrimSpace(c.Minio.Bucket) == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required when storage.driver is minio")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageLocal, StorageMinio, c.StorageDriver)
	}
	if c.Signing.RequiredCoOwners <= 0 {
		return fmt.Errorf("signing.required_co_owners must be positive")
	}
	if c.Signing.SessionTTL <= 0 || c.Signing.OTPTTL <= 0 {
		return fmt.Errorf("signing.session_ttl and signing.otp_ttl must be positive")
	}
	if c.Signing.OTPVerifyPerMinute <= 0 {
		return fmt.Errorf("signing.otp_verify_rate must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
