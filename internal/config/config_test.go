package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DEAL_SCOUT_SECRET", "GEMINI_API_KEY", "DEAL_SCOUT_DB_PATH", "DEAL_SCOUT_ADDR",
		"DEAL_SCOUT_CORS_ORIGINS", "GEMINI_MODEL", "GEMINI_BASE_URL", "GEMINI_TRANSPORT",
		"SCAN_DURATION", "SCAN_CAPTURE_INTERVAL", "SCAN_EXTRACT_INTERVAL",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEAL_SCOUT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "deal-scout.db", cfg.DBPath)
	assert.Equal(t, "127.0.0.1:8787", cfg.Addr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "gemini-2.5-flash", cfg.GeminiModel)
	assert.Equal(t, TransportREST, cfg.GeminiTransport)
	assert.Equal(t, 30*time.Second, cfg.ScanDuration)
	assert.Equal(t, 3*time.Second, cfg.CaptureInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.ExtractInterval)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEAL_SCOUT_SECRET", "s3cret")
	t.Setenv("DEAL_SCOUT_CORS_ORIGINS", "http://localhost:5173, capacitor://localhost,")
	t.Setenv("GEMINI_TRANSPORT", "SDK")
	t.Setenv("SCAN_DURATION", "45s")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:5173", "capacitor://localhost"}, cfg.CORSOrigins)
	assert.Equal(t, TransportSDK, cfg.GeminiTransport)
	assert.Equal(t, 45*time.Second, cfg.ScanDuration)
	assert.Equal(t, int64(42), cfg.TelegramChatID)
	assert.True(t, cfg.TelegramEnabled())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"bad transport", map[string]string{"DEAL_SCOUT_SECRET": "x", "GEMINI_TRANSPORT": "grpc"}},
		{"bad duration", map[string]string{"DEAL_SCOUT_SECRET": "x", "SCAN_DURATION": "soon"}},
		{"negative duration", map[string]string{"DEAL_SCOUT_SECRET": "x", "SCAN_CAPTURE_INTERVAL": "-1s"}},
		{"bad chat id", map[string]string{"DEAL_SCOUT_SECRET": "x", "TELEGRAM_CHAT_ID": "me"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestCheckRequiredConfig(t *testing.T) {
	clearEnv(t)
	assert.Equal(t, []string{"DEAL_SCOUT_SECRET"}, CheckRequiredConfig())

	t.Setenv("DEAL_SCOUT_SECRET", "x")
	assert.Empty(t, CheckRequiredConfig())
}

func TestWriteEnvFile_RoundTrip(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := WriteEnvFile(map[string]string{
		"DEAL_SCOUT_SECRET": "a=b#c",
		"GEMINI_API_KEY":    "key with spaces",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), AppName, EnvFileName), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	LoadEnvFile()
	assert.Equal(t, "a=b#c", os.Getenv("DEAL_SCOUT_SECRET"))
	assert.Equal(t, "key with spaces", os.Getenv("GEMINI_API_KEY"))
}

func TestValidateGeminiKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("key") {
		case "good":
			w.Write([]byte(`{"models":[]}`))
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
		}
	}))
	defer srv.Close()

	assert.NoError(t, validateGeminiKey(srv.URL, "good"))
	assert.EqualError(t, validateGeminiKey(srv.URL, "bad"), "API key not valid")
	assert.EqualError(t, validateGeminiKey(srv.URL, "broken"), "unexpected response (HTTP 500)")
}

func TestValidateTelegramToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/bot123:good/getMe" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	assert.NoError(t, validateTelegramToken(srv.URL, "123:good"))
	assert.EqualError(t, validateTelegramToken(srv.URL, "123:bad"), "Unauthorized")
}
