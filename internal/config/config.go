package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APIKeyEnv is the environment variable holding the Gemini credential.
// It is deliberately not a viper key: the credential never lives in a
// config file.
const APIKeyEnv = "GEMINI_API_KEY"

// Config holds everything the application needs at startup.
type Config struct {
	APIKey string

	CaptureDisplay  int
	CaptureInterval time.Duration

	Model    string
	Endpoint string

	ListenAddr string
	MapZoom    int

	// DatabaseURL enables the optional session-history store when set.
	DatabaseURL string

	LogLevel slog.Level
}

// Load reads configuration from an optional .env file, an optional
// geocheatr.yaml, and GEOCHEATR_* environment variables, in increasing
// precedence. A missing GEMINI_API_KEY is a fatal configuration error:
// the caller must not bring up any UI without it.
func Load() (*Config, error) {
	// Best effort; absent .env just means plain process environment.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("geocheatr")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.config/geocheatr")
	}

	v.SetEnvPrefix("GEOCHEATR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("capture.display", 0)
	v.SetDefault("capture.interval", "5s")
	v.SetDefault("model.name", "")
	v.SetDefault("model.endpoint", "")
	v.SetDefault("server.addr", "127.0.0.1:8745")
	v.SetDefault("map.zoom", 10)
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	apiKey := os.Getenv(APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", APIKeyEnv)
	}

	interval := v.GetDuration("capture.interval")
	if interval <= 0 {
		return nil, fmt.Errorf("capture.interval must be positive, got %q", v.GetString("capture.interval"))
	}

	cfg := &Config{
		APIKey:          apiKey,
		CaptureDisplay:  v.GetInt("capture.display"),
		CaptureInterval: interval,
		Model:           v.GetString("model.name"),
		Endpoint:        v.GetString("model.endpoint"),
		ListenAddr:      v.GetString("server.addr"),
		MapZoom:         v.GetInt("map.zoom"),
		DatabaseURL:     v.GetString("database.url"),
		LogLevel:        parseLevel(v.GetString("log.level")),
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
