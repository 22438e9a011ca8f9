// Package analysis runs the per-clause evaluation loop over collected
// evidence and accumulates findings incrementally.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auditassist/auditassist/internal/failover"
	"github.com/auditassist/auditassist/internal/keypool"
	"github.com/auditassist/auditassist/internal/llm"
	"github.com/auditassist/auditassist/internal/models"
	"github.com/auditassist/auditassist/internal/prompt"
)

// Orchestrator evaluates selected clauses one at a time through the failover
// executor. Results accumulate across runs; Reset starts a new epoch so a
// run started before the reset can never append to the fresh result set.
type Orchestrator struct {
	exec   *failover.Executor
	gen    llm.Generator
	delay  time.Duration // pause between clauses, 0 in tests
	logger *slog.Logger

	epoch atomic.Uint64

	mu      sync.Mutex
	results []models.AnalysisResult
	seen    map[string]struct{}
}

// New creates an orchestrator.
func New(exec *failover.Executor, gen llm.Generator, delay time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		exec:   exec,
		gen:    gen,
		delay:  delay,
		logger: logger.With("component", "analysis"),
		seen:   make(map[string]struct{}),
	}
}

// Reset discards accumulated results and invalidates any in-flight run.
func (o *Orchestrator) Reset() {
	o.epoch.Add(1)
	o.mu.Lock()
	o.results = nil
	o.seen = make(map[string]struct{})
	o.mu.Unlock()
}

// Results returns a copy of the accumulated findings in evaluation order.
func (o *Orchestrator) Results() []models.AnalysisResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.AnalysisResult(nil), o.results...)
}

// SetResults replaces the accumulated findings, used when restoring a
// persisted session. Duplicate clause ids keep the first occurrence.
func (o *Orchestrator) SetResults(results []models.AnalysisResult) {
	o.epoch.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = nil
	o.seen = make(map[string]struct{})
	for _, r := range results {
		if _, dup := o.seen[r.ClauseID]; dup {
			continue
		}
		o.seen[r.ClauseID] = struct{}{}
		o.results = append(o.results, r)
	}
}

// FlattenSelected walks the clause tree in document order and returns the
// clauses whose ids are in selected, parents before children.
func FlattenSelected(clauses []models.Clause, selected []string) []models.Clause {
	want := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		want[id] = struct{}{}
	}

	var out []models.Clause
	var walk func([]models.Clause)
	walk = func(nodes []models.Clause) {
		for _, c := range nodes {
			if _, ok := want[c.ID]; ok {
				out = append(out, c)
			}
			walk(c.Children)
		}
	}
	walk(clauses)
	return out
}

// Run evaluates every selected clause sequentially. Each finding is appended
// as soon as it parses and reported through onResult. A clause that fails to
// evaluate or parse is logged and skipped; credential exhaustion aborts the
// whole run so the operator can intervene. Clauses already evaluated in this
// epoch are skipped.
func (o *Orchestrator) Run(ctx context.Context, clauses []models.Clause, selected []string, meta models.AuditMeta, evidence string, onResult func(models.AnalysisResult)) error {
	epoch := o.epoch.Load()
	flat := FlattenSelected(clauses, selected)
	o.logger.Info("analysis started", "clauses", len(flat))

	for i, clause := range flat {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.alreadySeen(clause.ID) {
			continue
		}

		instruction := prompt.ClauseEvaluation(clause, meta, evidence)
		out, err := o.exec.Execute(ctx, func(ctx context.Context, secret, model string) (string, error) {
			return o.gen.Generate(ctx, secret, model, llm.GenerateRequest{
				SystemInstruction: prompt.ClauseSystem,
				Prompt:            instruction,
			})
		})
		if err != nil {
			if errors.Is(err, keypool.ErrAllKeysExhausted) {
				o.logger.Error("analysis aborted, credentials exhausted",
					"clause", clause.ID, "completed", i)
				return fmt.Errorf("analysis stopped at clause %s: %w", clause.Code, err)
			}
			o.logger.Warn("clause evaluation failed, skipping",
				"clause", clause.ID, "error", err)
			continue
		}

		result, perr := ParseResult(clause.ID, out)
		if perr != nil {
			o.logger.Warn("clause response unreadable, skipping",
				"clause", clause.ID, "error", perr)
			continue
		}

		if !o.append(epoch, result) {
			// A reset happened mid-run; stop without touching the new state.
			o.logger.Info("analysis run superseded", "clause", clause.ID)
			return nil
		}
		if onResult != nil {
			onResult(result)
		}

		if o.delay > 0 && i < len(flat)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.delay):
			}
		}
	}

	o.logger.Info("analysis finished", "results", len(o.Results()))
	return nil
}

func (o *Orchestrator) alreadySeen(clauseID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.seen[clauseID]
	return ok
}

// append stores the result unless the epoch moved on or the clause already
// has a finding.
func (o *Orchestrator) append(epoch uint64, r models.AnalysisResult) bool {
	if o.epoch.Load() != epoch {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.seen[r.ClauseID]; dup {
		return true
	}
	o.seen[r.ClauseID] = struct{}{}
	o.results = append(o.results, r)
	return true
}
