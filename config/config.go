package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int    `yaml:"port"`
	DBDriver     string `yaml:"db_driver"`     // "sqlite3" or "postgres"
	DBPath       string `yaml:"db_path"`       // file path for sqlite3, DSN for postgres
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	StoreTimeout int    `yaml:"store_timeout"` // seconds
	PushTimeout  int    `yaml:"push_timeout"`  // seconds

	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // hours

	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	VAPIDSubscriber string `yaml:"vapid_subscriber"`
	PushIcon        string `yaml:"push_icon"`
	PushConcurrency int    `yaml:"push_concurrency"`

	PreviewLength    int `yaml:"preview_length"`
	MaxContentLength int `yaml:"max_content_length"`

	StaticDir         string   `yaml:"static_dir"`
	CORSOrigins       []string `yaml:"cors_origins"` // "*" allows any origin
	ControlSocketPath string   `yaml:"control_socket"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"
}

func Default() *Config {
	return &Config{
		Port:              5000,
		DBDriver:          "sqlite3",
		DBPath:            "pushchat.db",
		ReadTimeout:       60,
		WriteTimeout:      10,
		StoreTimeout:      5,
		PushTimeout:       10,
		TokenTTL:          24 * 7,
		VAPIDSubscriber:   "mailto:admin@example.com",
		PushIcon:          "/icon-192x192.png",
		PushConcurrency:   4,
		PreviewLength:     30,
		MaxContentLength:  4000,
		CORSOrigins:       []string{"*"},
		ControlSocketPath: "/tmp/pushchat.sock",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and PUSHCHAT_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("PUSHCHAT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	envInt("PUSHCHAT_PORT", &cfg.Port)
	envString("PUSHCHAT_DB_DRIVER", &cfg.DBDriver)
	envString("PUSHCHAT_DB_PATH", &cfg.DBPath)
	envInt("PUSHCHAT_READ_TIMEOUT", &cfg.ReadTimeout)
	envInt("PUSHCHAT_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("PUSHCHAT_STORE_TIMEOUT", &cfg.StoreTimeout)
	envInt("PUSHCHAT_PUSH_TIMEOUT", &cfg.PushTimeout)

	envString("PUSHCHAT_JWT_SECRET", &cfg.JWTSecret)
	envInt("PUSHCHAT_TOKEN_TTL", &cfg.TokenTTL)

	envString("PUSHCHAT_VAPID_PUBLIC_KEY", &cfg.VAPIDPublicKey)
	envString("PUSHCHAT_VAPID_PRIVATE_KEY", &cfg.VAPIDPrivateKey)
	envString("PUSHCHAT_VAPID_SUBSCRIBER", &cfg.VAPIDSubscriber)
	envString("PUSHCHAT_PUSH_ICON", &cfg.PushIcon)
	envInt("PUSHCHAT_PUSH_CONCURRENCY", &cfg.PushConcurrency)

	envInt("PUSHCHAT_PREVIEW_LENGTH", &cfg.PreviewLength)
	envInt("PUSHCHAT_MAX_CONTENT_LENGTH", &cfg.MaxContentLength)

	envString("PUSHCHAT_STATIC_DIR", &cfg.StaticDir)
	envList("PUSHCHAT_CORS_ORIGINS", &cfg.CORSOrigins)
	envString("PUSHCHAT_CONTROL_SOCKET", &cfg.ControlSocketPath)

	envString("PUSHCHAT_LOG_LEVEL", &cfg.LogLevel)
	envString("PUSHCHAT_LOG_FORMAT", &cfg.LogFormat)
}

func (cfg *Config) Validate() error {
	if cfg.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	switch cfg.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver %q", cfg.DBDriver)
	}
	if cfg.DBPath == "" {
		return errors.New("db_path is required")
	}
	if cfg.PreviewLength <= 0 {
		return errors.New("preview_length must be positive")
	}
	return nil
}

// PushEnabled reports whether both VAPID keys are configured.
func (cfg *Config) PushEnabled() bool {
	return cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != ""
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envList reads a comma-separated list, dropping empty items.
func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) > 0 {
		*dst = items
	}
}
