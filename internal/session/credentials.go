package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/auditassist/auditassist/internal/keypool"
	"github.com/auditassist/auditassist/internal/storage"
)

// SaveCredentials persists the credential pool with secrets encrypted at
// rest. Failures are non-fatal; the in-memory pool stays authoritative.
func (s *Store) SaveCredentials(profiles []keypool.Profile, activeID string) {
	for i := range profiles {
		if s.enc == nil {
			continue
		}
		sealed, err := s.enc.Encrypt(profiles[i].Secret)
		if err != nil {
			s.logger.Warn("failed to encrypt credential, skipping", "id", profiles[i].ID, "error", err)
			profiles[i].Secret = ""
			continue
		}
		profiles[i].Secret = sealed
	}

	raw, err := json.Marshal(profiles)
	if err != nil {
		s.logger.Warn("failed to serialize credentials", "error", err)
		return
	}
	if err := s.kv.Set(keyKeys, string(raw)); err != nil {
		s.logger.Warn("failed to persist credentials", "error", err)
		return
	}
	s.setStringField(keyActive, activeID)
}

// LoadCredentials restores the credential pool. A secret that cannot be
// decrypted degrades that one profile to unknown with an empty secret
// instead of failing the load. A legacy single-key install is migrated into
// one profile.
func (s *Store) LoadCredentials() (profiles []keypool.Profile, activeID string) {
	raw, err := s.kv.Get(keyKeys)
	switch {
	case err == nil:
		if jerr := json.Unmarshal([]byte(raw), &profiles); jerr != nil {
			s.logger.Warn("credential pool unreadable", "error", jerr)
			profiles = nil
		}
		for i := range profiles {
			if s.enc == nil {
				continue
			}
			plain, derr := s.enc.Decrypt(profiles[i].Secret)
			if derr != nil {
				s.logger.Warn("failed to decrypt credential", "id", profiles[i].ID, "error", derr)
				profiles[i].Secret = ""
				profiles[i].Status = keypool.StatusUnknown
				continue
			}
			profiles[i].Secret = plain
		}
	case errors.Is(err, storage.ErrNotFound):
		profiles = s.migrateLegacyKey()
	default:
		s.logger.Warn("failed to read credentials", "error", err)
	}

	activeID = s.loadStringField(keyActive)
	return profiles, activeID
}

// migrateLegacyKey converts the pre-pool single stored key, if present, into
// a credential profile. The legacy key was stored in the clear; it is
// re-encrypted on the next SaveCredentials.
func (s *Store) migrateLegacyKey() []keypool.Profile {
	raw, err := s.kv.Get(keyLegacy)
	if err != nil || strings.TrimSpace(raw) == "" {
		return nil
	}
	s.logger.Info("migrating legacy single-key storage")
	_ = s.kv.Remove(keyLegacy)

	return []keypool.Profile{{
		ID:     "legacy",
		Label:  "Imported key",
		Secret: raw,
		Status: keypool.StatusUnknown,
	}}
}
