package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/reversi-bot/internal/ai"
	"github.com/park285/reversi-bot/internal/obslog"
)

type AppConfig struct {
	StreamURL string
	APIHost   string
	APIToken  string

	RedisURL      string
	MatchClaimTTL time.Duration

	ReversiEnabled  bool
	DefaultStrength int
	AllowPost       bool
	SettleDelay     time.Duration
	ReadyDelay      time.Duration

	MessagesDir string

	Log obslog.Config
}

// Load reads the process environment, preloading an optional .env file
// (or the file named by ENV_FILE). Variables already set win over the file.
func Load() (*AppConfig, error) {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &AppConfig{
		MatchClaimTTL:   3600 * time.Second,
		ReversiEnabled:  true,
		DefaultStrength: 4,
		AllowPost:       true,
		SettleDelay:     500 * time.Millisecond,
		ReadyDelay:      1000 * time.Millisecond,
	}

	cfg.StreamURL = strings.TrimRight(env("STREAM_URL"), "/")
	cfg.APIHost = strings.TrimRight(env("API_HOST"), "/")
	cfg.APIToken = env("API_TOKEN")
	cfg.RedisURL = env("REDIS_URL")
	cfg.MessagesDir = env("MESSAGES_DIR")

	var err error
	if cfg.ReversiEnabled, err = boolEnv("REVERSI_ENABLED", cfg.ReversiEnabled); err != nil {
		return nil, err
	}
	if cfg.AllowPost, err = boolEnv("REVERSI_ALLOW_POST", cfg.AllowPost); err != nil {
		return nil, err
	}
	if v := env("REVERSI_DEFAULT_STRENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !ai.ValidStrength(n) {
			return nil, fmt.Errorf("REVERSI_DEFAULT_STRENGTH must be one of 0,2,3,4,5: %q", v)
		}
		cfg.DefaultStrength = n
	}
	if cfg.SettleDelay, err = msEnv("REVERSI_SETTLE_DELAY_MS", cfg.SettleDelay); err != nil {
		return nil, err
	}
	if cfg.ReadyDelay, err = msEnv("REVERSI_READY_DELAY_MS", cfg.ReadyDelay); err != nil {
		return nil, err
	}
	if v := env("MATCH_CLAIM_TTL_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MATCH_CLAIM_TTL_SEC must be a positive integer: %q", v)
		}
		cfg.MatchClaimTTL = time.Duration(n) * time.Second
	}

	cfg.Log = obslog.Config{
		Level:  envDefault("LOG_LEVEL", "info"),
		Format: envDefault("LOG_FORMAT", "legacy"),
		File:   env("LOG_FILE"),
	}
	if cfg.Log.ToConsole, err = boolEnv("LOG_TO_CONSOLE", true); err != nil {
		return nil, err
	}
	if cfg.Log.ToFile, err = boolEnv("LOG_TO_FILE", false); err != nil {
		return nil, err
	}
	if cfg.Log.Caller, err = boolEnv("LOG_CALLER", false); err != nil {
		return nil, err
	}

	if cfg.StreamURL == "" {
		return nil, errors.New("STREAM_URL is required")
	}
	if cfg.APIHost == "" {
		return nil, errors.New("API_HOST is required")
	}
	if cfg.APIToken == "" {
		return nil, errors.New("API_TOKEN is required")
	}
	return cfg, nil
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

func envDefault(k, def string) string {
	if v := env(k); v != "" {
		return v
	}
	return def
}

func boolEnv(k string, def bool) (bool, error) {
	v := env(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %q", k, v)
	}
	return b, nil
}

func msEnv(k string, def time.Duration) (time.Duration, error) {
	v := env(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %q", k, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}
