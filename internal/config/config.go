package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
	Hosting   HostingConfig
	Source    SourceConfig
	Messaging MessagingConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// OIDCConfig points at the identity provider used for operator logins
type OIDCConfig struct {
	Issuer   string
	ClientID string
	// AdminRole is the token role that lets an operator see every batch
	AdminRole string
}

type RateLimitConfig struct {
	BatchPerHour int
}

type GatewayConfig struct {
	Enabled bool
}

// HostingConfig configures the S3-compatible bucket videos are re-hosted in
type HostingConfig struct {
	AccountID       string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	KeyPrefix       string
	LinkExpiryHours int
}

type SourceConfig struct {
	Timeout    int // seconds
	MaxVideoMB int
	UserAgent  string
}

type MessagingConfig struct {
	APIKey       string
	BaseURL      string
	LanguageCode string
	Timeout      int // seconds
}

type PipelineConfig struct {
	Concurrency    int
	MaxAttempts    int
	BackoffBaseMs  int
	BackoffMaxMs   int
	CallTimeoutSec int
}

// BackoffBase returns the first retry delay
func (p PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap
func (p PipelineConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxMs) * time.Millisecond
}

// CallTimeout returns the deadline applied to each provider call
func (p PipelineConfig) CallTimeout() time.Duration {
	return time.Duration(p.CallTimeoutSec) * time.Second
}

// IsConfigured reports whether hosting credentials are present
func (h HostingConfig) IsConfigured() bool {
	return h.AccessKeyID != "" && h.SecretAccessKey != "" && h.BucketName != "" &&
		(h.AccountID != "" || h.Endpoint != "")
}

// IsConfigured reports whether a messaging API key is present
func (m MessagingConfig) IsConfigured() bool {
	return m.APIKey != ""
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("HOSTING_ACCESS_KEY_ID")
	readSecret("HOSTING_SECRET_ACCESS_KEY")
	readSecret("MESSAGING_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.admin_role", "OIDC_ADMIN_ROLE")
	_ = viper.BindEnv("ratelimit.batch_per_hour", "RATELIMIT_BATCH_PER_HOUR")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("hosting.account_id", "HOSTING_ACCOUNT_ID")
	_ = viper.BindEnv("hosting.endpoint", "HOSTING_ENDPOINT")
	_ = viper.BindEnv("hosting.region", "HOSTING_REGION")
	_ = viper.BindEnv("hosting.access_key_id", "HOSTING_ACCESS_KEY_ID")
	_ = viper.BindEnv("hosting.secret_access_key", "HOSTING_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("hosting.bucket_name", "HOSTING_BUCKET_NAME")
	_ = viper.BindEnv("hosting.public_url", "HOSTING_PUBLIC_URL")
	_ = viper.BindEnv("hosting.key_prefix", "HOSTING_KEY_PREFIX")
	_ = viper.BindEnv("hosting.link_expiry_hours", "HOSTING_LINK_EXPIRY_HOURS")
	_ = viper.BindEnv("source.timeout", "SOURCE_TIMEOUT")
	_ = viper.BindEnv("source.max_video_mb", "SOURCE_MAX_VIDEO_MB")
	_ = viper.BindEnv("source.user_agent", "SOURCE_USER_AGENT")
	_ = viper.BindEnv("messaging.api_key", "MESSAGING_API_KEY")
	_ = viper.BindEnv("messaging.base_url", "MESSAGING_BASE_URL")
	_ = viper.BindEnv("messaging.language_code", "MESSAGING_LANGUAGE_CODE")
	_ = viper.BindEnv("messaging.timeout", "MESSAGING_TIMEOUT")
	_ = viper.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = viper.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.backoff_base_ms", "PIPELINE_BACKOFF_BASE_MS")
	_ = viper.BindEnv("pipeline.backoff_max_ms", "PIPELINE_BACKOFF_MAX_MS")
	_ = viper.BindEnv("pipeline.call_timeout_sec", "PIPELINE_CALL_TIMEOUT_SEC")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.batch_per_hour", 10)
	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("oidc.admin_role", "seva-admin")

	// Hosting defaults
	viper.SetDefault("hosting.region", "auto")
	viper.SetDefault("hosting.key_prefix", "seva-videos")
	viper.SetDefault("hosting.link_expiry_hours", 24*7)

	// Source defaults
	viper.SetDefault("source.timeout", 120)
	viper.SetDefault("source.max_video_mb", 256)
	viper.SetDefault("source.user_agent", "sevaflow/1.0")

	// Messaging defaults
	viper.SetDefault("messaging.base_url", "https://api.interakt.ai")
	viper.SetDefault("messaging.language_code", "en")
	viper.SetDefault("messaging.timeout", 30)

	// Pipeline defaults
	viper.SetDefault("pipeline.concurrency", 5)
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.backoff_base_ms", 500)
	viper.SetDefault("pipeline.backoff_max_ms", 10000)
	viper.SetDefault("pipeline.call_timeout_sec", 120)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:    viper.GetString("oidc.issuer"),
			ClientID:  viper.GetString("oidc.client_id"),
			AdminRole: viper.GetString("oidc.admin_role"),
		},
		RateLimit: RateLimitConfig{
			BatchPerHour: viper.GetInt("ratelimit.batch_per_hour"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Hosting: HostingConfig{
			AccountID:       viper.GetString("hosting.account_id"),
			Endpoint:        viper.GetString("hosting.endpoint"),
			Region:          viper.GetString("hosting.region"),
			AccessKeyID:     viper.GetString("hosting.access_key_id"),
			SecretAccessKey: viper.GetString("hosting.secret_access_key"),
			BucketName:      viper.GetString("hosting.bucket_name"),
			PublicURL:       viper.GetString("hosting.public_url"),
			KeyPrefix:       viper.GetString("hosting.key_prefix"),
			LinkExpiryHours: viper.GetInt("hosting.link_expiry_hours"),
		},
		Source: SourceConfig{
			Timeout:    viper.GetInt("source.timeout"),
			MaxVideoMB: viper.GetInt("source.max_video_mb"),
			UserAgent:  viper.GetString("source.user_agent"),
		},
		Messaging: MessagingConfig{
			APIKey:       viper.GetString("messaging.api_key"),
			BaseURL:      viper.GetString("messaging.base_url"),
			LanguageCode: viper.GetString("messaging.language_code"),
			Timeout:      viper.GetInt("messaging.timeout"),
		},
		Pipeline: PipelineConfig{
			Concurrency:    viper.GetInt("pipeline.concurrency"),
			MaxAttempts:    viper.GetInt("pipeline.max_attempts"),
			BackoffBaseMs:  viper.GetInt("pipeline.backoff_base_ms"),
			BackoffMaxMs:   viper.GetInt("pipeline.backoff_max_ms"),
			CallTimeoutSec: viper.GetInt("pipeline.call_timeout_sec"),
		},
	}

	return cfg, nil
}
