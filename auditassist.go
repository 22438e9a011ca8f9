// Package auditassist is the embeddable engine of a local audit assistant:
// a credential pool with health tracking, failover execution of AI calls,
// chunked resumable exports and crash-safe session persistence.
package auditassist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/auditassist/auditassist/internal/analysis"
	"github.com/auditassist/auditassist/internal/artifact"
	"github.com/auditassist/auditassist/internal/chunkjob"
	"github.com/auditassist/auditassist/internal/config"
	"github.com/auditassist/auditassist/internal/crypto"
	"github.com/auditassist/auditassist/internal/extract"
	"github.com/auditassist/auditassist/internal/failover"
	"github.com/auditassist/auditassist/internal/keypool"
	"github.com/auditassist/auditassist/internal/llm"
	"github.com/auditassist/auditassist/internal/models"
	"github.com/auditassist/auditassist/internal/prompt"
	"github.com/auditassist/auditassist/internal/session"
	"github.com/auditassist/auditassist/internal/storage"
)

// Re-exported types so embedders work against one import path.
type (
	Config         = config.Config
	Snapshot       = models.SessionSnapshot
	AuditMeta      = models.AuditMeta
	ProcessEntry   = models.ProcessEntry
	Clause         = models.Clause
	CustomStandard = models.CustomStandard
	AnalysisResult = models.AnalysisResult
	Profile        = keypool.Profile
	Job            = chunkjob.Job
	Backup         = session.Backup
	Image          = extract.Image
	ExtractResult  = extract.Result
)

// ErrAllKeysExhausted is returned when every credential is unusable.
var ErrAllKeysExhausted = keypool.ErrAllKeysExhausted

// LoadConfig reads engine configuration from the environment.
func LoadConfig() (*Config, error) { return config.Load() }

// App wires the engine together and owns the in-memory session state that
// the persistence layer treats as its source of truth.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	kv        storage.KV
	store     *session.Store
	pool      *keypool.Pool
	client    *llm.Client
	exec      *failover.Executor
	orch      *analysis.Orchestrator
	engine    *chunkjob.Engine
	extractor *extract.Extractor

	mu   sync.Mutex
	snap models.SessionSnapshot
}

// New assembles an App from cfg. Durable state is loaded lazily via
// LoadSession so callers control when the write path opens.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := storage.NewSQLiteStore(cfg.DatabasePath, logger)
	var store storage.KV = kv
	if err != nil {
		// Running without durable storage beats not running at all.
		logger.Error("durable store unavailable, state will not survive restart",
			"path", cfg.DatabasePath, "error", err)
		store = storage.NewMemoryStore()
	}

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential encryption: %w", err)
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		kv:     store,
		pool:   keypool.New(cfg.ModelHierarchy, logger),
		client: llm.NewClient(cfg.ProviderBaseURL, cfg.ProviderTimeout, logger),
	}

	app.store = session.New(store, enc, cfg.DebounceWindow, cfg.VaultRetention, logger)
	app.store.SetSource(app.Session)

	app.exec = failover.New(app.pool, 0, logger)
	app.orch = analysis.New(app.exec, app.client, cfg.ClauseDelay, logger)
	app.engine = chunkjob.New(app.exec, app.pool, app.client, app.client,
		artifact.NewDirWriter(cfg.DataDir, logger),
		chunkjob.Config{ChunkSize: cfg.ChunkSize, CloseGrace: cfg.JobCloseGrace},
		logger)
	app.extractor = extract.New(app.exec, app.client, 3, logger)

	app.restoreCredentials()
	// Every pool transition from here on is written through immediately, so
	// health marks made mid-run survive a crash.
	app.pool.SetOnChange(app.persistCredentials)
	return app, nil
}

// restoreCredentials rebuilds the pool from durable state, seeding the
// build-time credential when the pool would otherwise start empty.
func (a *App) restoreCredentials() {
	profiles, activeID := a.store.LoadCredentials()
	if len(profiles) > 0 {
		a.pool.Replace(profiles, activeID)
		return
	}
	if a.cfg.DefaultCredential != "" {
		a.pool.Add("Built-in key", a.cfg.DefaultCredential)
		a.persistCredentials()
	}
}

func (a *App) persistCredentials() {
	a.store.SaveCredentials(a.pool.Profiles(), a.pool.ActiveID())
}

// LoadSession hydrates the in-memory state from durable storage and opens
// the auto-save write path.
func (a *App) LoadSession() (Snapshot, error) {
	snap, err := a.store.Load()
	if err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
	a.orch.SetResults(snap.Results)
	return snap, nil
}

// Session returns a copy of the in-memory session state.
func (a *App) Session() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Update applies an edit to the in-memory state and schedules a debounced
// auto-save. Every user-visible edit goes through here.
func (a *App) Update(fn func(*Snapshot)) {
	a.mu.Lock()
	fn(&a.snap)
	a.mu.Unlock()
	a.store.Touch()
}

// SaveNow persists the current state immediately, cancelling any pending
// debounced write.
func (a *App) SaveNow() {
	a.store.HardWrite(a.Session())
}

// NewSession backs up the outgoing state, clears memory and analysis
// results, and persists the fresh defaults.
func (a *App) NewSession() {
	outgoing := a.Session()
	a.store.NewSession(outgoing)

	a.mu.Lock()
	a.snap = models.SessionSnapshot{}
	a.mu.Unlock()

	a.orch.Reset()
	a.store.HardWrite(models.SessionSnapshot{})
	a.logger.Info("session reset", "backed_up", !outgoing.IsEmpty())
}

// ListBackups returns retained backups, newest first.
func (a *App) ListBackups() []Backup {
	return a.store.ListBackups()
}

// RecallLatest restores the most recent backup into memory and persists it.
func (a *App) RecallLatest() (Snapshot, bool) {
	snap, ok := a.store.RecallLatest()
	if !ok {
		return Snapshot{}, false
	}
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
	a.orch.SetResults(snap.Results)
	a.store.HardWrite(snap)
	return snap, true
}

// RestoreBackup restores a specific retained backup into memory and persists
// it immediately, so a pending auto-save cannot overwrite it with pre-restore
// state.
func (a *App) RestoreBackup(id string) (Snapshot, bool) {
	snap, ok := a.store.Recall(id)
	if !ok {
		return Snapshot{}, false
	}
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
	a.orch.SetResults(snap.Results)
	a.store.HardWrite(snap)
	return snap, true
}

// Credentials returns the pool contents with secrets blanked for display.
func (a *App) Credentials() []Profile {
	profiles := a.pool.Profiles()
	for i := range profiles {
		profiles[i].Secret = ""
	}
	return profiles
}

// AddCredential registers a new key with unknown health.
func (a *App) AddCredential(label, secret string) Profile {
	return a.pool.Add(label, secret)
}

// AddCredentialChecked registers a new key and health-checks it right away,
// so the returned profile carries status and latency instead of unknown.
func (a *App) AddCredentialChecked(ctx context.Context, label, secret string) Profile {
	prof := a.pool.Add(label, secret)
	if checked, ok := a.pool.Check(ctx, a.client, prof.ID); ok {
		prof = checked
	}
	return prof
}

// RemoveCredential deletes a key.
func (a *App) RemoveCredential(id string) {
	a.pool.Remove(id)
}

// SetActiveCredential selects the preferred key.
func (a *App) SetActiveCredential(id string) {
	a.pool.SetActive(id)
}

// SweepCredentials health-checks every stored key against the model
// hierarchy.
func (a *App) SweepCredentials(ctx context.Context) {
	a.pool.Sweep(ctx, a.client)
}

// Analyze evaluates the selected clauses against the collected evidence,
// streaming findings into the session as they arrive. A nil clause tree
// falls back to the custom standard matching the session's standard key.
func (a *App) Analyze(ctx context.Context, clauses []Clause, onResult func(AnalysisResult)) error {
	snap := a.Session()
	if clauses == nil {
		clauses = a.clausesForStandard(snap)
	}
	if len(snap.SelectedClauses) == 0 {
		return fmt.Errorf("no clauses selected")
	}
	evidence := snap.CombinedEvidence()
	if strings.TrimSpace(evidence) == "" {
		return fmt.Errorf("no evidence collected")
	}

	err := a.orch.Run(ctx, clauses, snap.SelectedClauses, snap.Meta, evidence,
		func(r models.AnalysisResult) {
			a.Update(func(s *Snapshot) { s.Results = a.orch.Results() })
			if onResult != nil {
				onResult(r)
			}
		})
	return err
}

// ResetAnalysis discards accumulated findings.
func (a *App) ResetAnalysis() {
	a.orch.Reset()
	a.Update(func(s *Snapshot) { s.Results = nil })
}

func (a *App) clausesForStandard(snap Snapshot) []Clause {
	for _, std := range snap.CustomStandards {
		if std.Key == snap.StandardKey {
			return std.Clauses
		}
	}
	return nil
}

// SynthesizeConclusion writes the report's closing summary from the
// accumulated findings.
func (a *App) SynthesizeConclusion(ctx context.Context) (string, error) {
	snap := a.Session()
	if len(snap.Results) == 0 {
		return "", fmt.Errorf("no findings to summarize")
	}
	instruction := prompt.ReportConclusion(snap.Meta, snap.Results)
	return a.exec.Execute(ctx, func(ctx context.Context, secret, model string) (string, error) {
		return a.client.Generate(ctx, secret, model, llm.GenerateRequest{
			SystemInstruction: prompt.SynthesisSystem,
			Prompt:            instruction,
		})
	})
}

// StartExport assembles the report text and begins a chunked export job.
// For translations each chunk is rewritten into targetLanguage; the job id
// identifies the run for Status and Resume. An empty report yields no job.
func (a *App) StartExport(ctx context.Context, kind chunkjob.Kind, targetLanguage string) string {
	snap := a.Session()
	text := BuildReport(snap)
	fields := []string{snap.Meta.Organization, snap.StandardKey}
	return a.engine.Start(ctx, text, kind, targetLanguage, fields)
}

// ExportStatus reports the current export job, if any.
func (a *App) ExportStatus() (Job, bool) {
	return a.engine.Status()
}

// ResumeExport continues a paused export. With a rescue secret the key is
// validated and joins the pool; without one, over-quota keys are restored.
func (a *App) ResumeExport(ctx context.Context, rescueSecret string) error {
	return a.engine.Resume(ctx, rescueSecret)
}

// ExtractEvidenceImages runs text extraction over evidence images and
// returns per-image results in input order.
func (a *App) ExtractEvidenceImages(ctx context.Context, images []Image) []ExtractResult {
	return a.extractor.Extract(ctx, images)
}

// SavePrefs persists opaque UI preferences.
func (a *App) SavePrefs(raw string) { a.store.SavePrefs(raw) }

// LoadPrefs returns stored UI preferences.
func (a *App) LoadPrefs() string { return a.store.LoadPrefs() }

// Flush persists the current state immediately. Call before shutdown.
func (a *App) Flush() { a.store.Flush() }

// Close flushes state and releases the durable store.
func (a *App) Close() error {
	a.Flush()
	return a.kv.Close()
}

// BuildReport renders the session as a plain-text audit report.
func BuildReport(snap Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "AUDIT REPORT\n\nOrganization: %s\nAuditor: %s\nScope: %s\nDate: %s\nStandard: %s\n",
		snap.Meta.Organization, snap.Meta.Auditor, snap.Meta.Scope, snap.Meta.Date, snap.StandardKey)

	if len(snap.Processes) > 0 {
		b.WriteString("\nAUDITED PROCESSES\n")
		for _, p := range snap.Processes {
			fmt.Fprintf(&b, "\n%s\n%s\n", p.Name, p.Evidence)
		}
	}

	selected := 0
	for _, r := range snap.Results {
		if r.Selected {
			selected++
		}
	}
	if selected > 0 {
		b.WriteString("\nFINDINGS\n")
		for _, r := range snap.Results {
			if !r.Selected {
				continue
			}
			fmt.Fprintf(&b, "\nClause %s: %s\n%s\n", r.ClauseID, statusLabel(r.Status), r.Reason)
			if r.Evidence != "" {
				fmt.Fprintf(&b, "Evidence: %s\n", r.Evidence)
			}
			if r.Suggestion != "" {
				fmt.Fprintf(&b, "Recommendation: %s\n", r.Suggestion)
			}
			if r.Conclusion != "" {
				fmt.Fprintf(&b, "Conclusion: %s\n", r.Conclusion)
			}
		}
	}

	return b.String()
}

func statusLabel(status string) string {
	switch status {
	case models.FindingCompliant:
		return "Compliant"
	case models.FindingMajorNC:
		return "Major nonconformity"
	case models.FindingMinorNC:
		return "Minor nonconformity"
	case models.FindingObservation:
		return "Observation"
	default:
		return status
	}
}
