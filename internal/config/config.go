package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "deal-scout"
	EnvFileName = "config.env"
)

const (
	TransportREST = "rest"
	TransportSDK  = "sdk"
)

// Config is the runtime configuration read from the environment.
type Config struct {
	Secret          string
	GeminiAPIKey    string
	DBPath          string
	Addr            string
	CORSOrigins     []string
	GeminiModel     string
	GeminiBaseURL   string
	GeminiTransport string

	ScanDuration    time.Duration
	CaptureInterval time.Duration
	ExtractInterval time.Duration

	TelegramToken  string
	TelegramChatID int64
}

// TelegramEnabled reports whether both notification variables are set.
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// requiredEnvVars lists the variables without which the service cannot start.
var requiredEnvVars = []string{"DEAL_SCOUT_SECRET"}

// CheckRequiredConfig returns the names of missing required variables.
func CheckRequiredConfig() []string {
	var missing []string
	for _, v := range requiredEnvVars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	return missing
}

// Dir returns the application's config directory, creating it if needed.
func Dir() (string, error) {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	configDir := filepath.Join(configBase, AppName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// EnvFilePath returns the full path to the env file.
func EnvFilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EnvFileName), nil
}

// LoadEnvFile loads variables from the env file. Variables already present
// in the environment win. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	path, err := EnvFilePath()
	if err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// WriteEnvFile writes values to the env file with owner-only permissions
// and returns its path.
func WriteEnvFile(values map[string]string) (string, error) {
	path, err := EnvFilePath()
	if err != nil {
		return "", err
	}

	content, err := godotenv.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// Load reads the configuration from the environment and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		Secret:          os.Getenv("DEAL_SCOUT_SECRET"),
		GeminiAPIKey:    strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		DBPath:          envOr("DEAL_SCOUT_DB_PATH", "deal-scout.db"),
		Addr:            envOr("DEAL_SCOUT_ADDR", "127.0.0.1:8787"),
		CORSOrigins:     splitList(envOr("DEAL_SCOUT_CORS_ORIGINS", "*")),
		GeminiModel:     envOr("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:   envOr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiTransport: strings.ToLower(envOr("GEMINI_TRANSPORT", TransportREST)),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if cfg.Secret == "" {
		return Config{}, fmt.Errorf("DEAL_SCOUT_SECRET is not set")
	}

	switch cfg.GeminiTransport {
	case TransportREST, TransportSDK:
	default:
		return Config{}, fmt.Errorf("GEMINI_TRANSPORT must be %q or %q, got %q", TransportREST, TransportSDK, cfg.GeminiTransport)
	}

	var err error
	if cfg.ScanDuration, err = envDuration("SCAN_DURATION", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CaptureInterval, err = envDuration("SCAN_CAPTURE_INTERVAL", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ExtractInterval, err = envDuration("SCAN_EXTRACT_INTERVAL", 1500*time.Millisecond); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("TELEGRAM_CHAT_ID must be a valid integer: %w", err)
		}
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration like 30s, got %q", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
