package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	AnalyzerLimit  string        `mapstructure:"ANALYZER_BODY_LIMIT"`

	CatalogFile            string        `mapstructure:"CATALOG_FILE"`
	CatalogRefreshInterval time.Duration `mapstructure:"CATALOG_REFRESH_INTERVAL"`
	BarcodePrefix          string        `mapstructure:"BARCODE_PREFIX"`
	MLLPAddr               string        `mapstructure:"MLLP_ADDR"`
	DirectoryURL           string        `mapstructure:"DIRECTORY_URL"`

	AlertChannels       []string      `mapstructure:"ALERT_CHANNELS"`
	AlertWebhookURL     string        `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret  string        `mapstructure:"ALERT_WEBHOOK_SECRET"`
	MQTTBroker          string        `mapstructure:"MQTT_BROKER"`
	MQTTClientID        string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopic           string        `mapstructure:"MQTT_TOPIC"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisAlertChannel   string        `mapstructure:"REDIS_ALERT_CHANNEL"`
	AlertWorkers        int           `mapstructure:"ALERT_WORKERS"`
	AlertMaxAttempts    int           `mapstructure:"ALERT_MAX_ATTEMPTS"`
	AlertBaseBackoff    time.Duration `mapstructure:"ALERT_BASE_BACKOFF"`
	AlertMaxBackoff     time.Duration `mapstructure:"ALERT_MAX_BACKOFF"`
	AlertAttemptTimeout time.Duration `mapstructure:"ALERT_ATTEMPT_TIMEOUT"`
	AlertSweepInterval  time.Duration `mapstructure:"ALERT_SWEEP_INTERVAL"`

	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`
}

// Auth modes.
const (
	AuthDevelopment = "development"
	AuthSharedKey   = "shared-key"
	AuthExternal    = "external"
)

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT", "ANALYZER_BODY_LIMIT",
	"CATALOG_FILE", "CATALOG_REFRESH_INTERVAL", "BARCODE_PREFIX", "MLLP_ADDR", "DIRECTORY_URL",
	"ALERT_CHANNELS", "ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET", "MQTT_BROKER", "MQTT_CLIENT_ID",
	"MQTT_TOPIC", "REDIS_URL", "REDIS_ALERT_CHANNEL", "ALERT_WORKERS", "ALERT_MAX_ATTEMPTS",
	"ALERT_BASE_BACKOFF", "ALERT_MAX_BACKOFF", "ALERT_ATTEMPT_TIMEOUT", "ALERT_SWEEP_INTERVAL",
	"ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred, see ResolvedAuthMode
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("ANALYZER_BODY_LIMIT", "8M")
	v.SetDefault("CATALOG_REFRESH_INTERVAL", "1m")
	v.SetDefault("BARCODE_PREFIX", "LIS")
	v.SetDefault("ALERT_CHANNELS", "log")
	v.SetDefault("MQTT_CLIENT_ID", "lis-server")
	v.SetDefault("MQTT_TOPIC", "lab/alerts/critical")
	v.SetDefault("REDIS_ALERT_CHANNEL", "lab.alerts.critical")
	v.SetDefault("ALERT_WORKERS", 4)
	v.SetDefault("ALERT_MAX_ATTEMPTS", 5)
	v.SetDefault("ALERT_BASE_BACKOFF", "1s")
	v.SetDefault("ALERT_MAX_BACKOFF", "30s")
	v.SetDefault("ALERT_ATTEMPT_TIMEOUT", "10s")
	v.SetDefault("ALERT_SWEEP_INTERVAL", "1m")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.AlertChannels = splitList(v.GetString("ALERT_CHANNELS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == AuthDevelopment {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Development auth is active. Callers pick their identity")
		log.Println("WARNING: with X-Dev-User and get admin unless X-Dev-Roles is set.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList splits a comma list from the environment, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - AUTH_ISSUER or AUTH_JWKS_URL set -> "external"
//   - AUTH_SIGNING_KEY set             -> "shared-key"
//   - ENV=development                  -> "development"
func (c *Config) ResolvedAuthMode() string {
	switch {
	case c.AuthMode != "":
		return c.AuthMode
	case c.AuthIssuer != "" || c.AuthJWKSURL != "":
		return AuthExternal
	case c.AuthSigningKey != "":
		return AuthSharedKey
	case c.IsDev():
		return AuthDevelopment
	}
	return ""
}

// HasAlertChannel reports whether name is listed in ALERT_CHANNELS.
func (c *Config) HasAlertChannel(name string) bool {
	for _, ch := range c.AlertChannels {
		if strings.EqualFold(ch, name) {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", mode)
		}
	case AuthSharedKey:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
		}
	case AuthExternal:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is %q", mode)
		}
	case "":
		return fmt.Errorf("no authentication configured (current ENV=%q); set AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY", c.Env)
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q", AuthDevelopment, AuthSharedKey, AuthExternal, mode)
	}

	for _, ch := range c.AlertChannels {
		switch strings.ToLower(ch) {
		case "log":
		case "webhook":
			if c.AlertWebhookURL == "" {
				return fmt.Errorf("ALERT_WEBHOOK_URL is required for the webhook alert channel")
			}
		case "mqtt":
			if c.MQTTBroker == "" {
				return fmt.Errorf("MQTT_BROKER is required for the mqtt alert channel")
			}
		case "redis":
			if c.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required for the redis alert channel")
			}
		default:
			return fmt.Errorf("unknown alert channel %q", ch)
		}
	}
	if len(c.AlertChannels) == 0 {
		return fmt.Errorf("ALERT_CHANNELS must name at least one channel")
	}

	if c.AlertWorkers < 1 || c.AlertMaxAttempts < 1 {
		return fmt.Errorf("ALERT_WORKERS and ALERT_MAX_ATTEMPTS must be positive")
	}
	if c.AlertBaseBackoff <= 0 || c.AlertMaxBackoff < c.AlertBaseBackoff {
		return fmt.Errorf("ALERT_MAX_BACKOFF must not be shorter than ALERT_BASE_BACKOFF")
	}

	if c.IsProduction() && c.ArchiveS3Bucket == "" {
		return fmt.Errorf("ARCHIVE_S3_BUCKET is required in production")
	}
	return nil
}
