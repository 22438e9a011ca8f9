// Package config handles engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/auditassist/auditassist/internal/crypto"
	"github.com/auditassist/auditassist/internal/version"
)

// DefaultModelHierarchy is the ordered model fallback list, most capable
// first, most restrictive last. Read-only at run time.
var DefaultModelHierarchy = []string{
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
}

// Config holds all engine configuration.
type Config struct {
	// Local persistence
	DataDir      string // Directory for database and exported artifacts
	DatabasePath string // SQLite file backing the key-value store

	// Secret-at-rest encryption
	EncryptionKey []byte // 32-byte key for AES-256-GCM, derived via HKDF

	// Provider
	ProviderBaseURL   string        // Override for tests; empty means the public endpoint
	ProviderTimeout   time.Duration // Per-call HTTP timeout
	ModelHierarchy    []string
	DefaultCredential string // Optional credential baked into the build

	// Chunked exports
	ChunkSize     int           // Max characters (runes) per chunk
	JobCloseGrace time.Duration // Delay before closing a finished job

	// Session persistence
	DebounceWindow time.Duration // Auto-save quiescent period
	VaultRetention int           // Backup history entries to keep

	// Analysis
	ClauseDelay time.Duration // Pause between sequential clause calls
}

// Load reads configuration from environment variables with defaults that
// make every variable optional.
func Load() (*Config, error) {
	dataDir := getEnv("AUDITASSIST_DATA_DIR", defaultDataDir())

	cfg := &Config{
		DataDir:           dataDir,
		DatabasePath:      getEnv("AUDITASSIST_DB_PATH", filepath.Join(dataDir, "auditassist.db")),
		ProviderBaseURL:   getEnv("AUDITASSIST_PROVIDER_URL", ""),
		ProviderTimeout:   getEnvDuration("AUDITASSIST_PROVIDER_TIMEOUT", 120*time.Second),
		ModelHierarchy:    getEnvList("AUDITASSIST_MODELS", DefaultModelHierarchy),
		DefaultCredential: version.DefaultCredential,
		ChunkSize:         getEnvInt("AUDITASSIST_CHUNK_SIZE", 8000),
		JobCloseGrace:     getEnvDuration("AUDITASSIST_JOB_CLOSE_GRACE", 2*time.Second),
		DebounceWindow:    getEnvDuration("AUDITASSIST_DEBOUNCE", time.Second),
		VaultRetention:    getEnvInt("AUDITASSIST_VAULT_RETENTION", 5),
		ClauseDelay:       getEnvDuration("AUDITASSIST_CLAUSE_DELAY", 500*time.Millisecond),
	}

	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.VaultRetention <= 0 {
		return nil, fmt.Errorf("vault retention must be positive, got %d", cfg.VaultRetention)
	}
	if len(cfg.ModelHierarchy) == 0 {
		return nil, fmt.Errorf("model hierarchy is empty")
	}

	// The install secret only guards against casual inspection of the local
	// database; this is a single-user tool, not a security boundary.
	installSecret := getEnv("AUDITASSIST_INSTALL_SECRET", "auditassist-local-install")
	key, err := crypto.DeriveKey(installSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	cfg.EncryptionKey = key

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".auditassist")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
