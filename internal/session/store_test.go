package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/auditassist/auditassist/internal/models"
	"github.com/auditassist/auditassist/internal/storage"
)

const testDebounce = 20 * time.Millisecond

// editable wraps a snapshot so tests can mutate the source of truth while a
// debounced write is pending.
type editable struct {
	mu   sync.Mutex
	snap models.SessionSnapshot
}

func (e *editable) get() models.SessionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

func (e *editable) set(snap models.SessionSnapshot) {
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
}

func newTestStore(kv storage.KV) (*Store, *editable) {
	st := New(kv, nil, testDebounce, 3, nil)
	src := &editable{}
	st.SetSource(src.get)
	return st, src
}

func storedSnapshot(t *testing.T, kv storage.KV) (models.SessionSnapshot, bool) {
	t.Helper()
	raw, err := kv.Get(keySession)
	if err != nil {
		return models.SessionSnapshot{}, false
	}
	var snap models.SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("stored snapshot unreadable: %v", err)
	}
	return snap, true
}

func waitDebounce() { time.Sleep(4 * testDebounce) }

func TestAutoSaveGatedOnHydration(t *testing.T) {
	kv := storage.NewMemoryStore()

	// Seed durable state as if a previous run saved real work.
	prev, _ := newTestStore(kv)
	prev.HardWrite(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "Acme"}})

	// A fresh store with blank in-memory state schedules saves before any
	// load has run; none of them may touch durable state.
	st, _ := newTestStore(kv)
	st.ScheduleAutoSave()
	st.ScheduleAutoSave()
	waitDebounce()

	got, ok := storedSnapshot(t, kv)
	if !ok || got.Meta.Organization != "Acme" {
		t.Fatalf("durable state clobbered before hydration: %+v", got)
	}

	// After a load the write path opens.
	if _, err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st.ScheduleAutoSave()
	waitDebounce()

	got, _ = storedSnapshot(t, kv)
	if got.Meta.Organization != "" {
		t.Error("auto-save did not run after hydration")
	}
}

func TestTouchOpensWritePath(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, src := newTestStore(kv)
	src.set(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "Fresh"}})

	st.Touch()
	waitDebounce()

	got, ok := storedSnapshot(t, kv)
	if !ok || got.Meta.Organization != "Fresh" {
		t.Fatalf("explicit edit not persisted: %+v", got)
	}
}

func TestDebounceReadsSourceAtFireTime(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, src := newTestStore(kv)
	st.Touch()
	waitDebounce()

	src.set(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "v1"}})
	st.ScheduleAutoSave()
	// The state keeps changing inside the quiet period.
	src.set(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "v2"}})
	st.ScheduleAutoSave()
	src.set(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "v3"}})
	waitDebounce()

	got, _ := storedSnapshot(t, kv)
	if got.Meta.Organization != "v3" {
		t.Errorf("stored %q, want the latest state v3", got.Meta.Organization)
	}
}

func TestHardWriteCancelsPendingDebounce(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, src := newTestStore(kv)
	st.Touch()
	waitDebounce()

	src.set(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "stale"}})
	st.ScheduleAutoSave()
	st.HardWrite(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "explicit"}})
	waitDebounce()

	got, _ := storedSnapshot(t, kv)
	if got.Meta.Organization != "explicit" {
		t.Errorf("stored %q, a pending auto-save fired after a hard write", got.Meta.Organization)
	}
}

func TestNewSessionBacksUpOutgoingState(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, _ := newTestStore(kv)

	outgoing := models.SessionSnapshot{Meta: models.AuditMeta{Organization: "Old Corp"}}
	st.NewSession(outgoing)

	backups := st.ListBackups()
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}
	if backups[0].Snapshot.Meta.Organization != "Old Corp" {
		t.Errorf("backup = %+v", backups[0].Snapshot.Meta)
	}

	recalled, ok := st.RecallLatest()
	if !ok || recalled.Meta.Organization != "Old Corp" {
		t.Errorf("recall = %+v, %v", recalled.Meta, ok)
	}
}

func TestNewSessionSkipsEmptyState(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, _ := newTestStore(kv)

	st.NewSession(models.SessionSnapshot{})
	if got := len(st.ListBackups()); got != 0 {
		t.Errorf("backups = %d, empty state is not worth a slot", got)
	}
}

func TestVaultRotation(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, _ := newTestStore(kv) // limit 3

	for i := 1; i <= 5; i++ {
		st.NewSession(models.SessionSnapshot{Meta: models.AuditMeta{Organization: fmt.Sprintf("org-%d", i)}})
	}

	backups := st.ListBackups()
	if len(backups) != 3 {
		t.Fatalf("backups = %d, want limit 3", len(backups))
	}
	// Newest first, oldest rotated out.
	if backups[0].Snapshot.Meta.Organization != "org-5" {
		t.Errorf("newest = %s, want org-5", backups[0].Snapshot.Meta.Organization)
	}
	if backups[2].Snapshot.Meta.Organization != "org-3" {
		t.Errorf("oldest kept = %s, want org-3", backups[2].Snapshot.Meta.Organization)
	}

	seen := map[string]bool{}
	for _, b := range backups {
		if b.ID == "" || seen[b.ID] {
			t.Errorf("backup id %q missing or duplicated", b.ID)
		}
		seen[b.ID] = true
	}
}

func TestRecallByID(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, _ := newTestStore(kv)

	st.NewSession(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "first"}})
	st.NewSession(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "second"}})

	backups := st.ListBackups()
	snap, ok := st.Recall(backups[1].ID)
	if !ok || snap.Meta.Organization != "first" {
		t.Errorf("recall = %+v, %v", snap.Meta, ok)
	}

	if _, ok := st.Recall("no-such-id"); ok {
		t.Error("unknown id must not resolve")
	}
}

func TestLoadFillsFromIndividualFields(t *testing.T) {
	kv := storage.NewMemoryStore()
	// An install that predates the combined snapshot: only field keys exist.
	_ = kv.Set(keyMeta, `{"organization":"Field Corp","auditor":"A","scope":"","date":""}`)
	_ = kv.Set(keyStandard, "iso9001")
	_ = kv.Set(keyClauses, `["c1","c2"]`)
	_ = kv.Set(keyTemplate, "standard")

	st, _ := newTestStore(kv)
	snap, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Meta.Organization != "Field Corp" {
		t.Errorf("meta = %+v", snap.Meta)
	}
	if snap.StandardKey != "iso9001" || len(snap.SelectedClauses) != 2 || snap.Template != "standard" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoadSurvivesPartialCorruption(t *testing.T) {
	kv := storage.NewMemoryStore()
	_ = kv.Set(keySession, "{not json")
	_ = kv.Set(keyStandard, "iso27001")
	_ = kv.Set(keyClauses, "also not json")

	st, _ := newTestStore(kv)
	snap, err := st.Load()
	if err != nil {
		t.Fatalf("Load must not fail on corruption: %v", err)
	}
	if snap.StandardKey != "iso27001" {
		t.Errorf("readable field lost: %+v", snap)
	}
	if len(snap.SelectedClauses) != 0 {
		t.Errorf("corrupt field should default: %v", snap.SelectedClauses)
	}
	if !st.Hydrated() {
		t.Error("a completed load opens the write path even after corruption")
	}
}

func TestLoadMigratesLegacyEvidence(t *testing.T) {
	kv := storage.NewMemoryStore()
	_ = kv.Set(keyEvidence, "interview notes from the floor")

	st, _ := newTestStore(kv)
	snap, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Processes) != 1 || snap.Processes[0].Evidence != "interview notes from the floor" {
		t.Fatalf("processes = %+v", snap.Processes)
	}
	if snap.Processes[0].Name != "General" {
		t.Errorf("migrated process name = %q", snap.Processes[0].Name)
	}
}

func TestWriteDropsLegacyEvidenceKey(t *testing.T) {
	kv := storage.NewMemoryStore()
	_ = kv.Set(keyEvidence, "old evidence")

	st, _ := newTestStore(kv)
	st.HardWrite(models.SessionSnapshot{
		Processes: []models.ProcessEntry{{Name: "P1", Evidence: "new evidence"}},
	})

	if _, err := kv.Get(keyEvidence); err == nil {
		t.Error("legacy evidence key must not survive a write")
	}
}

func TestFlushWritesImmediately(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, src := newTestStore(kv)
	st.Touch()
	waitDebounce()

	src.set(models.SessionSnapshot{Meta: models.AuditMeta{Organization: "Shutdown Inc"}})
	st.Flush()

	got, ok := storedSnapshot(t, kv)
	if !ok || got.Meta.Organization != "Shutdown Inc" {
		t.Errorf("flush did not persist: %+v", got)
	}
}

func TestPrefsRoundTrip(t *testing.T) {
	kv := storage.NewMemoryStore()
	st, _ := newTestStore(kv)

	if got := st.LoadPrefs(); got != "" {
		t.Errorf("prefs = %q, want empty before save", got)
	}
	st.SavePrefs(`{"theme":"dark"}`)
	if got := st.LoadPrefs(); got != `{"theme":"dark"}` {
		t.Errorf("prefs = %q", got)
	}
}
