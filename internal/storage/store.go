package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Keys of the blobs kept in the kv table.
const (
	KeyDeals    = "deals"
	KeySettings = "settings"
	keySalt     = "settings.salt"
)

// Settings holds the user-facing application settings.
type Settings struct {
	APIKey               string
	NotificationsEnabled bool
	OnboardingComplete   bool
}

// HasAPIKey reports whether a non-blank credential is configured.
func (s Settings) HasAPIKey() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// storedSettings is the persisted form of Settings. The API key never
// touches disk in plaintext.
type storedSettings struct {
	EncryptedAPIKey      string `json:"encryptedApiKey,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	OnboardingComplete   bool   `json:"onboardingComplete"`
}

// BlobStore is whole-object key/value persistence.
type BlobStore interface {
	GetBlob(key string) ([]byte, bool, error)
	PutBlob(key string, value []byte) error
}

// SQLiteStore implements BlobStore, settings persistence and the analysis
// cache on top of a single SQLite database.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex

	// settingsMu serializes settings writes so read-modify-write cycles
	// never interleave.
	settingsMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at dbPath. The passphrase
// is stretched with Argon2id using a per-database random salt; the derived
// key encrypts the stored API key.
func NewSQLiteStore(dbPath string, passphrase string) (*SQLiteStore, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	// Only works once the file exists
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
	}

	salt, err := store.loadOrCreateSalt()
	if err != nil {
		db.Close()
		return nil, err
	}
	store.encryptionKey, err = DeriveKey(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	kvQuery := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(kvQuery); err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}

	cacheQuery := `
	CREATE TABLE IF NOT EXISTS analysis_cache (
		evidence_hash TEXT PRIMARY KEY,
		response TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(cacheQuery); err != nil {
		return fmt.Errorf("failed to create analysis_cache table: %w", err)
	}

	return nil
}

func (s *SQLiteStore) loadOrCreateSalt() ([]byte, error) {
	salt, ok, err := s.GetBlob(keySalt)
	if err != nil {
		return nil, err
	}
	if ok && len(salt) > 0 {
		return salt, nil
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := s.PutBlob(keySalt, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// GetBlob returns the value stored under key. The bool is false when the
// key has never been written.
func (s *SQLiteStore) GetBlob(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query %s: %w", key, err)
	}
	return value, true, nil
}

// PutBlob overwrites the value stored under key in a single statement.
func (s *SQLiteStore) PutBlob(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// LoadSettings returns the stored settings, or zero settings if none were
// saved yet.
func (s *SQLiteStore) LoadSettings() (Settings, error) {
	raw, ok, err := s.GetBlob(KeySettings)
	if err != nil || !ok {
		return Settings{}, err
	}

	var stored storedSettings
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	settings := Settings{
		NotificationsEnabled: stored.NotificationsEnabled,
		OnboardingComplete:   stored.OnboardingComplete,
	}
	if stored.EncryptedAPIKey != "" {
		key, err := Decrypt(stored.EncryptedAPIKey, s.encryptionKey)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to decrypt api key: %w", err)
		}
		settings.APIKey = string(key)
	}

	return settings, nil
}

// SaveSettings overwrites the stored settings.
func (s *SQLiteStore) SaveSettings(settings Settings) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.saveSettings(settings)
}

// UpdateSettings loads the settings, applies fn and saves the result as one
// serialized step. It returns the saved settings.
func (s *SQLiteStore) UpdateSettings(fn func(settings *Settings)) (Settings, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings, err := s.LoadSettings()
	if err != nil {
		return Settings{}, err
	}
	fn(&settings)
	if err := s.saveSettings(settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s *SQLiteStore) saveSettings(settings Settings) error {
	stored := storedSettings{
		NotificationsEnabled: settings.NotificationsEnabled,
		OnboardingComplete:   settings.OnboardingComplete,
	}
	if settings.APIKey != "" {
		encrypted, err := Encrypt([]byte(settings.APIKey), s.encryptionKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt api key: %w", err)
		}
		stored.EncryptedAPIKey = encrypted
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return s.PutBlob(KeySettings, raw)
}

// GetAnalysisCache returns a cached raw AI response by evidence hash.
func (s *SQLiteStore) GetAnalysisCache(hash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var response string
	err := s.db.QueryRow(
		"SELECT response FROM analysis_cache WHERE evidence_hash = ?",
		hash,
	).Scan(&response)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query analysis cache: %w", err)
	}
	return response, true, nil
}

// SetAnalysisCache stores a raw AI response.
func (s *SQLiteStore) SetAnalysisCache(hash, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analysis_cache (evidence_hash, response, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(evidence_hash) DO UPDATE SET
			response = excluded.response,
			created_at = excluded.created_at
	`, hash, response, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cache analysis: %w", err)
	}
	return nil
}

// PruneAnalysisCache removes cache entries older than maxAge.
func (s *SQLiteStore) PruneAnalysisCache(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.Exec("DELETE FROM analysis_cache WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune analysis cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
