package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets should come from here rather than the file.
const (
	EnvHTTPAddr      = "CHATCORE_HTTP_ADDR"
	EnvLogLevel      = "CHATCORE_LOG_LEVEL"
	EnvRedisAddr     = "CHATCORE_REDIS_ADDR"
	EnvRedisPassword = "CHATCORE_REDIS_PASSWORD"
	EnvRedisDB       = "CHATCORE_REDIS_DB"
	EnvStoragePath   = "CHATCORE_STORAGE_PATH"
	EnvTelegramToken = "CHATCORE_TELEGRAM_TOKEN"
	EnvTelegramChat  = "CHATCORE_TELEGRAM_CHAT_ID"
)

// LoadEnv seeds the process environment from a dotenv file. A missing file
// is not an error; variables already set are left untouched.
func LoadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	setString(&cfg.HTTP.Addr, EnvHTTPAddr)
	setString(&cfg.Logging.Level, EnvLogLevel)
	setString(&cfg.Transport.Redis.Addr, EnvRedisAddr)
	setString(&cfg.Transport.Redis.Password, EnvRedisPassword)
	setString(&cfg.Storage.Path, EnvStoragePath)
	setString(&cfg.Audit.Telegram.Token, EnvTelegramToken)

	if v, ok := lookup(EnvRedisDB); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Redis.DB = n
		}
	}
	if v, ok := lookup(EnvTelegramChat); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Audit.Telegram.ChatID = n
		}
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}
