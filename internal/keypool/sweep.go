package keypool

import (
	"context"

	"github.com/auditassist/auditassist/internal/llm"
)

// Validator checks a credential against a model and reports observed latency.
// Implemented by the provider client.
type Validator interface {
	Validate(ctx context.Context, secret, model string) (int64, error)
}

// Sweep health-checks every stored profile against the model hierarchy.
//
// A profile checked earlier today resumes from its previously active model,
// skipping tiers already known to be over quota. Any other profile is treated
// as a fresh day and rechecked from the top of the hierarchy. The walk stops
// at the first valid model or the first confirmed key rejection; a profile
// whose every tier is over quota is marked exhausted.
//
// Transient or unclassified validation failures leave the profile unknown so
// a network blip at startup never blacklists a credential.
func (p *Pool) Sweep(ctx context.Context, v Validator) {
	for _, prof := range p.Profiles() {
		if ctx.Err() != nil {
			return
		}
		p.sweepProfile(ctx, v, prof)
	}
	p.promoteActive()
}

// Check health-checks one profile with the same hierarchy walk as the
// startup sweep, used when a key is first added so it carries status and
// latency immediately. Returns the profile's post-check state.
func (p *Pool) Check(ctx context.Context, v Validator, id string) (Profile, bool) {
	prof, ok := p.Get(id)
	if !ok {
		return Profile{}, false
	}
	p.sweepProfile(ctx, v, prof)
	p.promoteActive()
	return p.Get(id)
}

func (p *Pool) sweepProfile(ctx context.Context, v Validator, prof Profile) {
	p.setChecking(prof.ID)

	start := 0
	if prof.LastResetDate == p.todayNow() {
		if idx := p.modelIndex(prof.ActiveModel); idx >= 0 {
			start = idx
		}
	}

	sawQuota := false
	for i := start; i < len(p.hierarchy); i++ {
		model := p.hierarchy[i]
		latency, err := v.Validate(ctx, prof.Secret, model)
		if err == nil {
			p.MarkValid(prof.ID, model, latency)
			p.logger.Info("credential healthy", "id", prof.ID, "model", model, "latency_ms", latency)
			return
		}

		switch llm.CategoryOf(err) {
		case llm.CategoryInvalidKey:
			p.MarkInvalid(prof.ID)
			return
		case llm.CategoryRateLimit, llm.CategoryQuotaExceeded:
			sawQuota = true
			continue
		default:
			// Transient or unclassified; leave the profile usable.
			p.MarkUnknown(prof.ID)
			p.logger.Warn("credential check inconclusive", "id", prof.ID, "model", model, "error", err)
			return
		}
	}

	if sawQuota {
		p.MarkExhausted(prof.ID)
	} else {
		p.MarkUnknown(prof.ID)
	}
}

// promoteActive switches the active credential to the lowest-latency valid
// profile when the current one did not come out of the sweep valid.
func (p *Pool) promoteActive() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := p.find(p.activeID); cur != nil && cur.Status == StatusValid {
		return
	}

	var best *Profile
	for _, prof := range p.profiles {
		if prof.Status != StatusValid {
			continue
		}
		if best == nil || prof.LatencyMs < best.LatencyMs {
			best = prof
		}
	}
	if best != nil {
		p.activeID = best.ID
		p.logger.Info("active credential switched", "id", best.ID, "latency_ms", best.LatencyMs)
	}
}

func (p *Pool) setChecking(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prof := p.find(id); prof != nil {
		prof.Status = StatusChecking
	}
}

func (p *Pool) todayNow() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.today()
}
