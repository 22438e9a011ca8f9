// Package session keeps durable local state synchronized with in-memory
// editable state without ever regressing durable data to a blank snapshot.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/auditassist/auditassist/internal/crypto"
	"github.com/auditassist/auditassist/internal/models"
	"github.com/auditassist/auditassist/internal/storage"
)

// Durable keys. Loaders tolerate missing and legacy keys.
const (
	keySession  = "audit.session"
	keyVault    = "audit.vault"
	keyMeta     = "audit.meta"
	keyEvidence = "audit.evidence" // legacy single-field evidence
	keyStandard = "audit.standard"
	keyClauses  = "audit.clauses"
	keyTemplate = "audit.template"
	keyKeys     = "audit.keys"
	keyActive   = "audit.activeKey"
	keyLegacy   = "audit.apiKey" // legacy single-key storage
	keyPrefs    = "audit.prefs"
)

// Source returns the latest in-memory snapshot. It is read at timer-fire
// time, never captured at schedule time, so a debounced write can never
// flush stale closure state.
type Source func() models.SessionSnapshot

// Backup is one retained snapshot in the bounded vault.
type Backup struct {
	ID       string                 `json:"id"`
	SavedAt  string                 `json:"savedAt"`
	Snapshot models.SessionSnapshot `json:"snapshot"`
}

// Store persists session state with debounced auto-save, explicit hard
// writes and a bounded backup vault.
//
// The write path is gated on hydration: until a successful Load, an explicit
// user edit (Touch) or an explicit reset/restore has run, no auto-save is
// written, so a transient empty state at startup can never clobber durable
// data.
type Store struct {
	mu         sync.Mutex
	kv         storage.KV
	enc        *crypto.Encryptor
	debounce   time.Duration
	vaultLimit int
	logger     *slog.Logger

	source   Source
	timer    *time.Timer
	seq      uint64 // invalidates pending debounced writes
	hydrated bool
	now      func() time.Time
}

// New creates a session store over kv. enc may be nil when credential
// secrets should be stored in the clear.
func New(kv storage.KV, enc *crypto.Encryptor, debounce time.Duration, vaultLimit int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if vaultLimit <= 0 {
		vaultLimit = 5
	}
	return &Store{
		kv:         kv,
		enc:        enc,
		debounce:   debounce,
		vaultLimit: vaultLimit,
		logger:     logger.With("component", "session"),
		now:        time.Now,
	}
}

// SetSource registers the single source of truth for auto-saves.
func (s *Store) SetSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// Hydrated reports whether the write path is live.
func (s *Store) Hydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrated
}

// Load reads the durable snapshot and the individually tracked fields into
// one snapshot. Malformed or missing fields default individually; partial
// corruption never prevents recovering the rest. A completed Load opens the
// auto-save write path.
func (s *Store) Load() (models.SessionSnapshot, error) {
	snap := models.SessionSnapshot{}

	if raw, err := s.kv.Get(keySession); err == nil {
		if migrated, merr := Migrate([]byte(raw)); merr == nil {
			snap = migrated
		} else {
			s.logger.Warn("live snapshot unreadable, falling back to fields", "error", merr)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to read live snapshot", "error", err)
	}

	// Individually tracked fields fill whatever the live slot lacks. Older
	// installs stored only these.
	if snap.Meta == (models.AuditMeta{}) {
		s.loadJSONField(keyMeta, &snap.Meta)
	}
	if len(snap.Processes) == 0 {
		if ev := s.loadStringField(keyEvidence); strings.TrimSpace(ev) != "" {
			snap.Processes = []models.ProcessEntry{{Name: "General", Evidence: ev}}
		}
	}
	if snap.StandardKey == "" {
		snap.StandardKey = s.loadStringField(keyStandard)
	}
	if len(snap.SelectedClauses) == 0 {
		s.loadJSONField(keyClauses, &snap.SelectedClauses)
	}
	if snap.Template == "" {
		snap.Template = s.loadStringField(keyTemplate)
	}

	s.mu.Lock()
	s.hydrated = true
	s.mu.Unlock()

	s.logger.Info("session loaded",
		"processes", len(snap.Processes),
		"clauses", len(snap.SelectedClauses),
		"results", len(snap.Results),
	)
	return snap, nil
}

// Touch records an explicit user edit: it opens the write path and
// schedules a debounced auto-save.
func (s *Store) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrated = true
	s.scheduleLocked()
}

// ScheduleAutoSave schedules a debounced write of the source state. It is a
// no-op until the store is hydrated.
func (s *Store) ScheduleAutoSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		s.logger.Debug("auto-save skipped, store not hydrated")
		return
	}
	s.scheduleLocked()
}

// scheduleLocked implements trailing-edge debounce: any pending write is
// superseded and only the state read after the quiet period is written.
func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timer = time.AfterFunc(s.debounce, func() { s.fire(seq) })
}

func (s *Store) fire(seq uint64) {
	s.mu.Lock()
	if seq != s.seq || !s.hydrated || s.source == nil {
		s.mu.Unlock()
		return
	}
	src := s.source
	s.mu.Unlock()

	// Read the latest state at fire time from the source of truth.
	snap := src()

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		// A hard write or newer schedule invalidated this timer while the
		// source was being read.
		return
	}
	s.writeLocked(snap)
}

// HardWrite persists snap immediately and cancels any pending debounced
// write, so a write scheduled before an explicit action can never fire
// afterwards with stale data.
func (s *Store) HardWrite(snap models.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	s.hydrated = true
	s.writeLocked(snap)
}

// Flush writes the current source state immediately. Used at shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	if !s.hydrated || s.source == nil {
		s.mu.Unlock()
		return
	}
	src := s.source
	s.mu.Unlock()

	snap := src()
	s.HardWrite(snap)
}

// NewSession authorizes the overwrite that follows an explicit session
// reset. The outgoing state is pushed into the backup vault when it holds
// meaningful content; the caller then clears its in-memory state and lets
// the next auto-save persist the defaults.
func (s *Store) NewSession(outgoing models.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !outgoing.IsEmpty() {
		s.pushBackupLocked(outgoing)
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	s.hydrated = true
}

// writeLocked persists the full snapshot and its individually tracked
// fields. Persistence failures are non-fatal; memory stays the source of
// truth for the running session.
func (s *Store) writeLocked(snap models.SessionSnapshot) {
	snap.SavedAt = s.now().Format(time.RFC3339)

	raw, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("failed to serialize snapshot", "error", err)
		return
	}
	if err := s.kv.Set(keySession, string(raw)); err != nil {
		s.logger.Warn("failed to persist snapshot", "error", err)
		return
	}

	s.setJSONField(keyMeta, snap.Meta)
	s.setStringField(keyStandard, snap.StandardKey)
	s.setJSONField(keyClauses, snap.SelectedClauses)
	s.setStringField(keyTemplate, snap.Template)
	// The legacy evidence field is superseded by processes; drop it so old
	// data cannot resurface on a future load.
	_ = s.kv.Remove(keyEvidence)

	s.logger.Debug("session persisted", "bytes", len(raw))
}

// ListBackups returns the vault contents, newest first.
func (s *Store) ListBackups() []Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readVaultLocked()
}

// RecallLatest returns the most recent backup, if any.
func (s *Store) RecallLatest() (models.SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vault := s.readVaultLocked()
	if len(vault) == 0 {
		return models.SessionSnapshot{}, false
	}
	return vault[0].Snapshot, true
}

// Recall returns the backup with the given id, if it is still retained.
func (s *Store) Recall(id string) (models.SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.readVaultLocked() {
		if b.ID == id {
			return b.Snapshot, true
		}
	}
	return models.SessionSnapshot{}, false
}

func (s *Store) pushBackupLocked(snap models.SessionSnapshot) {
	vault := s.readVaultLocked()
	vault = append([]Backup{{
		ID:       ulid.Make().String(),
		SavedAt:  s.now().Format(time.RFC3339),
		Snapshot: snap,
	}}, vault...)
	if len(vault) > s.vaultLimit {
		vault = vault[:s.vaultLimit]
	}

	raw, err := json.Marshal(vault)
	if err != nil {
		s.logger.Warn("failed to serialize backup vault", "error", err)
		return
	}
	if err := s.kv.Set(keyVault, string(raw)); err != nil {
		s.logger.Warn("failed to persist backup vault", "error", err)
		return
	}
	s.logger.Info("backup retained", "vault_size", len(vault))
}

func (s *Store) readVaultLocked() []Backup {
	raw, err := s.kv.Get(keyVault)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to read backup vault", "error", err)
		}
		return nil
	}
	var vault []Backup
	if err := json.Unmarshal([]byte(raw), &vault); err != nil {
		s.logger.Warn("backup vault unreadable", "error", err)
		return nil
	}
	return vault
}

// SavePrefs persists opaque UI preferences.
func (s *Store) SavePrefs(raw string) {
	if err := s.kv.Set(keyPrefs, raw); err != nil {
		s.logger.Warn("failed to persist preferences", "error", err)
	}
}

// LoadPrefs returns stored UI preferences, empty when absent.
func (s *Store) LoadPrefs() string {
	raw, err := s.kv.Get(keyPrefs)
	if err != nil {
		return ""
	}
	return raw
}

func (s *Store) loadStringField(key string) string {
	raw, err := s.kv.Get(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to read field", "key", key, "error", err)
		}
		return ""
	}
	return raw
}

func (s *Store) loadJSONField(key string, out any) {
	raw, err := s.kv.Get(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to read field", "key", key, "error", err)
		}
		return
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logger.Warn("field unreadable, using default", "key", key, "error", err)
	}
}

func (s *Store) setStringField(key, value string) {
	if value == "" {
		_ = s.kv.Remove(key)
		return
	}
	if err := s.kv.Set(key, value); err != nil {
		s.logger.Warn("failed to persist field", "key", key, "error", err)
	}
}

func (s *Store) setJSONField(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("failed to serialize field", "key", key, "error", err)
		return
	}
	if err := s.kv.Set(key, string(raw)); err != nil {
		s.logger.Warn("failed to persist field", "key", key, "error", err)
	}
}
