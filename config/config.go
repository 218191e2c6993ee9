package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                 string
	ProxyAuthToken       string
	AllowUnauthenticated bool
	LogLevel             string
	AppVersion           string
	UpstreamBaseURL      string
	ConfigPath           string
	DataDir              string
	DatabaseURL          string
	MaxRequestBodyBytes  int64
	HealthCheckInterval  time.Duration
	UpstreamTimeout      time.Duration
	ShutdownGracePeriod  time.Duration

	// Keys holds the upstream API keys, loaded exclusively from the YAML
	// config file. Index order is identity for the whole process lifetime.
	Keys []string
}

var AppConfig *Config

// keyFile is the expected shape of config/config.yaml.
type keyFile struct {
	Keys []string `yaml:"keys"`
}

func LoadConfig() error {
	_ = godotenv.Load() // Load from .env if it exists, ignore error if not

	AppConfig = &Config{
		Port:                 getEnv("PORT", "11434"),
		ProxyAuthToken:       getEnv("PROXY_AUTH_TOKEN", ""),
		AllowUnauthenticated: getEnvBool("ALLOW_UNAUTHENTICATED_ACCESS", false),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		AppVersion:           getEnv("APP_VERSION", "dev"),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "https://ollama.com"),
		ConfigPath:           getEnv("CONFIG_PATH", "config/config.yaml"),
		DataDir:              getEnv("DATA_DIR", "data"),
		MaxRequestBodyBytes:  getEnvInt64("MAX_REQUEST_BODY_BYTES", 8*1024*1024),
		HealthCheckInterval:  getEnvDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  getEnvDuration("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
	AppConfig.DatabaseURL = getEnv("DATABASE_URL",
		"file:"+filepath.Join(AppConfig.DataDir, "usage.db")+"?cache=shared&mode=rwc")

	keys, err := loadKeys(AppConfig.ConfigPath)
	if err != nil {
		return err
	}
	AppConfig.Keys = keys

	return nil
}

// loadKeys reads the API key list from the YAML config file. The file is the
// only source of upstream keys; an empty list is a fatal startup error.
func loadKeys(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read key file %s: %w", path, err)
	}

	var kf keyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("config: cannot parse key file %s: %w", path, err)
	}

	keys := make([]string, 0, len(kf.Keys))
	for _, k := range kf.Keys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("config: no API keys found in %s", path)
	}
	return keys, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := strconv.ParseInt(strValue, 10, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
