// Package keypool owns credential profiles, their health and model state,
// and active-credential selection.
package keypool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the health state of a credential profile.
type Status string

const (
	StatusUnknown       Status = "unknown"
	StatusChecking      Status = "checking"
	StatusValid         Status = "valid"
	StatusInvalid       Status = "invalid"
	StatusQuotaExceeded Status = "quota_exceeded"
)

// Profile is a stored API credential plus its observed health and model state.
type Profile struct {
	ID            string    `json:"id"`
	Label         string    `json:"label"`
	Secret        string    `json:"secret"`
	Status        Status    `json:"status"`
	ActiveModel   string    `json:"activeModel,omitempty"`
	LatencyMs     int64     `json:"latencyMs,omitempty"`
	LastCheckedAt time.Time `json:"lastCheckedAt,omitempty"`
	LastResetDate string    `json:"lastResetDate,omitempty"` // YYYY-MM-DD of the last model-state reset
}

// Usable reports whether the profile may be offered to callers.
// Unknown and checking profiles are offered optimistically.
func (p Profile) Usable() bool {
	return p.Status != StatusInvalid && p.Status != StatusQuotaExceeded
}

// ErrAllKeysExhausted is matched by errors.Is against the typed
// ExhaustedError. Callers that receive it must stop their current run.
var ErrAllKeysExhausted = errors.New("all credentials exhausted")

// ExhaustedError reports why no usable credential remains, distinguishing an
// empty pool from a fully rate-limited one.
type ExhaustedError struct {
	Total     int // Profiles in the pool
	Invalid   int // Profiles marked invalid
	OverQuota int // Profiles marked quota_exceeded
}

func (e *ExhaustedError) Error() string {
	switch {
	case e.Total == 0:
		return "no credentials configured"
	case e.OverQuota > 0 && e.Invalid == 0:
		return fmt.Sprintf("all %d credentials are over quota", e.Total)
	case e.Invalid > 0 && e.OverQuota == 0:
		return fmt.Sprintf("all %d credentials are invalid", e.Total)
	default:
		return fmt.Sprintf("no usable credentials (%d invalid, %d over quota of %d)", e.Invalid, e.OverQuota, e.Total)
	}
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllKeysExhausted
}

// Pool owns the credential profiles. All mutations go through Pool methods so
// a retry loop always re-reads state after a transition.
type Pool struct {
	mu        sync.Mutex
	profiles  []*Profile
	activeID  string
	hierarchy []string
	logger    *slog.Logger
	now       func() time.Time

	// onChange runs after every state transition, outside the lock, so
	// health marks made mid-run reach durable storage before a crash can
	// lose them.
	onChange func()
}

// New creates an empty pool over the given model hierarchy.
func New(hierarchy []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		hierarchy: hierarchy,
		logger:    logger.With("component", "keypool"),
		now:       time.Now,
	}
}

// SetOnChange registers a hook invoked after every pool state transition.
func (p *Pool) SetOnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Pool) notify() {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Hierarchy returns the model fallback order.
func (p *Pool) Hierarchy() []string {
	return p.hierarchy
}

// FirstModel returns the most capable model in the hierarchy.
func (p *Pool) FirstModel() string {
	return p.hierarchy[0]
}

// Add registers a new credential with unknown health and returns it.
func (p *Pool) Add(label, secret string) Profile {
	p.mu.Lock()
	prof := &Profile{
		ID:     ulid.Make().String(),
		Label:  label,
		Secret: secret,
		Status: StatusUnknown,
	}
	p.profiles = append(p.profiles, prof)
	out := *prof
	p.mu.Unlock()

	p.logger.Info("credential added", "id", out.ID, "label", label)
	p.notify()
	return out
}

// AddValidated registers a credential already confirmed against model,
// typically from the rescue path, and makes it active.
func (p *Pool) AddValidated(label, secret, model string, latencyMs int64) Profile {
	p.mu.Lock()
	prof := &Profile{
		ID:            ulid.Make().String(),
		Label:         label,
		Secret:        secret,
		Status:        StatusValid,
		ActiveModel:   model,
		LatencyMs:     latencyMs,
		LastCheckedAt: p.now(),
		LastResetDate: p.today(),
	}
	p.profiles = append(p.profiles, prof)
	p.activeID = prof.ID
	out := *prof
	p.mu.Unlock()

	p.logger.Info("validated credential added", "id", out.ID, "model", model, "latency_ms", latencyMs)
	p.notify()
	return out
}

// Remove deletes a profile. Explicit user action only.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	removed := false
	for i, prof := range p.profiles {
		if prof.ID == id {
			p.profiles = append(p.profiles[:i], p.profiles[i+1:]...)
			removed = true
			break
		}
	}
	if p.activeID == id {
		p.activeID = ""
	}
	p.mu.Unlock()

	if removed {
		p.notify()
	}
}

// Profiles returns copies of all profiles.
func (p *Pool) Profiles() []Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Profile, len(p.profiles))
	for i, prof := range p.profiles {
		out[i] = *prof
	}
	return out
}

// Get returns a copy of the profile with the given id.
func (p *Pool) Get(id string) (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.find(id)
	if prof == nil {
		return Profile{}, false
	}
	return *prof, true
}

// ActiveID returns the currently active credential id, which may be empty.
func (p *Pool) ActiveID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

// SetActive points the pool at the given credential.
func (p *Pool) SetActive(id string) {
	p.mu.Lock()
	changed := p.activeID != id
	p.activeID = id
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// Replace swaps in a restored profile set, used when loading persisted state.
func (p *Pool) Replace(profiles []Profile, activeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.profiles = make([]*Profile, len(profiles))
	for i := range profiles {
		prof := profiles[i]
		p.profiles[i] = &prof
	}
	p.activeID = activeID
}

// ListUsable returns usable profiles not in excluding, sorted ascending by
// latency. Zero latency means untested and sorts first as worth trying.
func (p *Pool) ListUsable(excluding map[string]struct{}) []Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listUsableLocked(excluding)
}

func (p *Pool) listUsableLocked(excluding map[string]struct{}) []Profile {
	var out []Profile
	for _, prof := range p.profiles {
		if _, skip := excluding[prof.ID]; skip {
			continue
		}
		if prof.Usable() {
			out = append(out, *prof)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LatencyMs < out[j].LatencyMs
	})
	return out
}

// SelectCandidate returns the usable profile matching the active id when
// possible, otherwise the best usable profile by latency order. When the
// usable set is empty it fails with an ExhaustedError.
func (p *Pool) SelectCandidate(excluding map[string]struct{}) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := p.listUsableLocked(excluding)
	if len(usable) == 0 {
		return Profile{}, p.exhaustedLocked()
	}
	for _, prof := range usable {
		if prof.ID == p.activeID {
			return prof, nil
		}
	}
	return usable[0], nil
}

func (p *Pool) exhaustedLocked() *ExhaustedError {
	e := &ExhaustedError{Total: len(p.profiles)}
	for _, prof := range p.profiles {
		switch prof.Status {
		case StatusInvalid:
			e.Invalid++
		case StatusQuotaExceeded:
			e.OverQuota++
		}
	}
	return e
}

// DowngradeModel moves the profile to the next model below fromModel in the
// hierarchy and returns it. ok is false when fromModel is already the last
// tier and no further downgrade exists.
func (p *Pool) DowngradeModel(id, fromModel string) (next string, ok bool) {
	p.mu.Lock()

	idx := p.modelIndex(fromModel)
	if idx < 0 || idx+1 >= len(p.hierarchy) {
		p.mu.Unlock()
		return "", false
	}
	next = p.hierarchy[idx+1]

	changed := false
	if prof := p.find(id); prof != nil {
		prof.ActiveModel = next
		changed = true
		p.logger.Info("model downgraded", "id", id, "from", fromModel, "to", next)
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
	return next, true
}

// MarkExhausted sets the profile's status to quota_exceeded. Marking an
// already exhausted profile is a no-op, which keeps concurrent failure
// reports idempotent.
func (p *Pool) MarkExhausted(id string) {
	p.mu.Lock()
	changed := false
	if prof := p.find(id); prof != nil && prof.Status != StatusQuotaExceeded {
		prof.Status = StatusQuotaExceeded
		changed = true
		p.logger.Warn("credential exhausted", "id", id, "label", prof.Label)
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// MarkInvalid sets the profile's status to invalid.
func (p *Pool) MarkInvalid(id string) {
	p.mu.Lock()
	changed := false
	if prof := p.find(id); prof != nil && prof.Status != StatusInvalid {
		prof.Status = StatusInvalid
		changed = true
		p.logger.Warn("credential invalid", "id", id, "label", prof.Label)
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// MarkValid records a successful validation of the profile on model.
func (p *Pool) MarkValid(id, model string, latencyMs int64) {
	p.mu.Lock()
	changed := false
	if prof := p.find(id); prof != nil {
		prof.Status = StatusValid
		prof.ActiveModel = model
		prof.LatencyMs = latencyMs
		prof.LastCheckedAt = p.now()
		prof.LastResetDate = p.today()
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// MarkUnknown records an unclassified validation outcome. The profile stays
// usable so a transient failure never blacklists it.
func (p *Pool) MarkUnknown(id string) {
	p.mu.Lock()
	changed := false
	if prof := p.find(id); prof != nil {
		prof.Status = StatusUnknown
		prof.LastCheckedAt = p.now()
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// ResetQuota reclassifies every quota_exceeded profile back to valid. Used
// when the operator confirms provider quota has reset. Returns the number of
// profiles restored.
func (p *Pool) ResetQuota() int {
	p.mu.Lock()
	n := 0
	for _, prof := range p.profiles {
		if prof.Status == StatusQuotaExceeded {
			prof.Status = StatusValid
			n++
		}
	}
	p.mu.Unlock()

	if n > 0 {
		p.logger.Info("quota reset applied", "restored", n)
		p.notify()
	}
	return n
}

func (p *Pool) find(id string) *Profile {
	for _, prof := range p.profiles {
		if prof.ID == id {
			return prof
		}
	}
	return nil
}

func (p *Pool) modelIndex(model string) int {
	for i, m := range p.hierarchy {
		if m == model {
			return i
		}
	}
	return -1
}

func (p *Pool) today() string {
	return p.now().Format("2006-01-02")
}
