// Package config loads server configuration from an optional YAML file and
// the environment, then validates it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the optional YAML config path.
const FileEnv = "PARLEY_CONFIG"

type Config struct {
	DatabaseURL string `yaml:"database_url" validate:"required"`
	RedisURL    string `yaml:"redis_url"`
	JWTSecret   string `yaml:"jwt_secret"   validate:"required"`
	ServerAddr  string `yaml:"server_addr"  validate:"required"`
	LogLevel    string `yaml:"log_level"    validate:"oneof=debug info warn warning error"`
	LogFormat   string `yaml:"log_format"   validate:"oneof=json text"`

	// AllowedOrigins limits browser websocket upgrades. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,url"`

	MinIO MinIOConfig `yaml:"minio"`

	TypingWindow        time.Duration `yaml:"typing_window"         validate:"min=100ms,max=1m"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"    validate:"min=1s,max=5m"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"     validate:"min=1s,max=5m"`
	StoreTimeout        time.Duration `yaml:"store_timeout"         validate:"min=100ms,max=1m"`
	ObjectStoreTimeout  time.Duration `yaml:"object_store_timeout"  validate:"min=1s,max=10m"`
	OrphanAttachmentTTL time.Duration `yaml:"orphan_attachment_ttl" validate:"min=1m"`

	AutoMigrate bool   `yaml:"auto_migrate"`
	InstanceID  string `yaml:"instance_id" validate:"required"`
}

// MinIOConfig configures the attachment object store. An empty Endpoint
// disables uploads.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key" validate:"required_with=Endpoint"`
	SecretKey string `yaml:"secret_key" validate:"required_with=Endpoint"`
	Bucket    string `yaml:"bucket"     validate:"required"`
	UseSSL    bool   `yaml:"use_ssl"`
	PublicURL string `yaml:"public_url" validate:"omitempty,url"`
}

func defaults() *Config {
	return &Config{
		ServerAddr:          ":8080",
		LogLevel:            "info",
		LogFormat:           "text",
		MinIO:               MinIOConfig{Bucket: "parley-attachments"},
		TypingWindow:        2 * time.Second,
		HeartbeatInterval:   41250 * time.Millisecond,
		HeartbeatTimeout:    10 * time.Second,
		StoreTimeout:        5 * time.Second,
		ObjectStoreTimeout:  30 * time.Second,
		OrphanAttachmentTTL: 24 * time.Hour,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// PARLEY_CONFIG if set, then environment variables, and validates the result.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the value of VAR_NAME, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) loadEnv() error {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.ServerAddr, "SERVER_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.MinIO.Endpoint, "MINIO_ENDPOINT")
	setString(&c.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.MinIO.Bucket, "MINIO_BUCKET")
	setString(&c.MinIO.PublicURL, "MINIO_PUBLIC_URL")
	setString(&c.InstanceID, "INSTANCE_ID")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}

	durations := map[string]*time.Duration{
		"TYPING_WINDOW":         &c.TypingWindow,
		"HEARTBEAT_INTERVAL":    &c.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":     &c.HeartbeatTimeout,
		"STORE_TIMEOUT":         &c.StoreTimeout,
		"OBJECT_STORE_TIMEOUT":  &c.ObjectStoreTimeout,
		"ORPHAN_ATTACHMENT_TTL": &c.OrphanAttachmentTTL,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	for key, dst := range map[string]*bool{"AUTO_MIGRATE": &c.AutoMigrate, "MINIO_USE_SSL": &c.MinIO.UseSSL} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks field constraints and reports every failing field at once.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validating config: %w", err)
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

// SlogLevel returns LogLevel as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
