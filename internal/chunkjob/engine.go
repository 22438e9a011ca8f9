// Package chunkjob processes large texts as ordered chunks through the
// failover executor, with pause and rescue-resume across credential
// exhaustion.
package chunkjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auditassist/auditassist/internal/artifact"
	"github.com/auditassist/auditassist/internal/failover"
	"github.com/auditassist/auditassist/internal/keypool"
	"github.com/auditassist/auditassist/internal/llm"
	"github.com/auditassist/auditassist/internal/prompt"
)

// Kind identifies the export type a job produces.
type Kind string

const (
	KindTranslation Kind = "translation"
	KindReport      Kind = "report"
)

// Job is one paused/resumable bulk operation. Results are written only at
// the index of the chunk just completed and Processed only advances forward
// one chunk at a time.
type Job struct {
	ID             string
	Kind           Kind
	TargetLanguage string
	Chunks         []string
	Results        []string
	Processed      int
	Paused         bool
	Finished       bool
	Open           bool
	LastError      string

	// resume wakes this job's driver; per job so a superseded driver can
	// never steal the signal meant for the current one.
	resume chan struct{}
}

// Engine drives at most one job at a time. A single driver goroutine
// performs one step per state transition, so exactly one chunk call is in
// flight per job.
type Engine struct {
	mu         sync.Mutex
	exec       *failover.Executor
	pool       *keypool.Pool
	gen        llm.Generator
	validator  keypool.Validator
	deliver    artifact.Deliverer
	chunkSize  int
	closeGrace time.Duration
	logger     *slog.Logger

	job *Job
	now func() time.Time
}

// Config holds engine construction parameters.
type Config struct {
	ChunkSize  int
	CloseGrace time.Duration
}

// New creates a chunked job engine.
func New(exec *failover.Executor, pool *keypool.Pool, gen llm.Generator, validator keypool.Validator, deliver artifact.Deliverer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		exec:       exec,
		pool:       pool,
		gen:        gen,
		validator:  validator,
		deliver:    deliver,
		chunkSize:  cfg.ChunkSize,
		closeGrace: cfg.CloseGrace,
		logger:     logger.With("component", "chunkjob"),
		now:        time.Now,
	}
}

// Start splits text and begins processing. Empty input is a no-op returning
// an empty id. A second Start overwrites any prior unfinished job; the old
// driver notices and exits before its next step.
func (e *Engine) Start(ctx context.Context, text string, kind Kind, targetLanguage string, nameFields []string) string {
	chunks := Split(strings.TrimSpace(text), e.chunkSize)
	if len(chunks) == 0 {
		return ""
	}

	job := &Job{
		ID:             uuid.NewString(),
		Kind:           kind,
		TargetLanguage: targetLanguage,
		Chunks:         chunks,
		Results:        make([]string, len(chunks)),
		Open:           true,
		resume:         make(chan struct{}, 1),
	}

	e.mu.Lock()
	prev := e.job
	e.job = job
	e.mu.Unlock()

	if prev != nil {
		if prev.Open && !prev.Finished {
			e.logger.Warn("unfinished job replaced", "old_id", prev.ID, "new_id", job.ID)
		}
		// Wake the old driver if it is parked on a pause so it can notice
		// the replacement and exit.
		select {
		case prev.resume <- struct{}{}:
		default:
		}
	}
	e.logger.Info("job started", "id", job.ID, "kind", kind, "chunks", len(chunks))

	go e.drive(ctx, job, nameFields)
	return job.ID
}

// Status returns a copy of the current job state.
func (e *Engine) Status() (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return Job{}, false
	}
	out := *e.job
	out.Chunks = append([]string(nil), e.job.Chunks...)
	out.Results = append([]string(nil), e.job.Results...)
	return out, true
}

// Resume clears the pause state. With a rescue secret it validates the key,
// adds it to the pool and makes it active; without one it reclassifies every
// over-quota credential back to valid (the operator has confirmed the
// provider quota reset). Either way the driver picks up from the unfinished
// chunk.
func (e *Engine) Resume(ctx context.Context, rescueSecret string) error {
	if rescueSecret != "" {
		model := e.pool.FirstModel()
		latency, err := e.validator.Validate(ctx, rescueSecret, model)
		if err != nil {
			return fmt.Errorf("rescue credential rejected: %w", err)
		}
		e.pool.AddValidated("Rescue key", rescueSecret, model, latency)
	} else {
		e.pool.ResetQuota()
	}

	e.mu.Lock()
	job := e.job
	if job != nil {
		job.Paused = false
		job.LastError = ""
	}
	e.mu.Unlock()

	if job != nil {
		select {
		case job.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// drive is the reactive loop: one step per transition, re-checking job
// identity and state before and after every chunk call.
func (e *Engine) drive(ctx context.Context, job *Job, nameFields []string) {
	for {
		e.mu.Lock()
		if e.job != job || !job.Open || job.Finished {
			e.mu.Unlock()
			return
		}
		if job.Paused {
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-job.resume:
			}
			continue
		}
		if job.Processed >= len(job.Chunks) {
			job.Finished = true
			e.mu.Unlock()
			e.finish(job, nameFields)
			return
		}

		idx := job.Processed
		chunk := job.Chunks[idx]
		total := len(job.Chunks)
		lang := job.TargetLanguage
		e.mu.Unlock()

		instruction := prompt.ChunkTranslation(lang, idx, total, chunk)
		out, err := e.exec.Execute(ctx, func(ctx context.Context, secret, model string) (string, error) {
			return e.gen.Generate(ctx, secret, model, llm.GenerateRequest{
				SystemInstruction: prompt.TranslationSystem,
				Prompt:            instruction,
			})
		})

		e.mu.Lock()
		if e.job != job || !job.Open || job.Paused || job.Processed != idx {
			// The job was replaced, paused or mutated while the call was in
			// flight; drop this result on the floor.
			e.mu.Unlock()
			continue
		}

		switch {
		case err == nil:
			text := strings.TrimSpace(out)
			if text == "" {
				// Never produce an empty slot; raw beats nothing.
				text = chunk
			}
			job.Results[idx] = text
			job.Processed++

		case errors.Is(err, keypool.ErrAllKeysExhausted):
			job.Paused = true
			job.LastError = err.Error()
			e.mu.Unlock()
			e.logger.Error("job paused, credentials exhausted", "id", job.ID, "chunk", idx)
			continue

		case ctx.Err() != nil:
			e.mu.Unlock()
			return

		default:
			// One bad chunk must not block the job: keep the original text
			// and move on.
			e.logger.Warn("chunk failed, keeping original text",
				"id", job.ID, "chunk", idx, "error", err)
			job.Results[idx] = chunk
			job.Processed++
		}
		e.mu.Unlock()
	}
}

// finish assembles and delivers the artifact, then closes the job after the
// grace period so completion state stays visible briefly.
func (e *Engine) finish(job *Job, nameFields []string) {
	content := strings.Join(job.Results, "\n\n")
	name := artifact.Filename(nameFields, string(job.Kind), e.now(), "txt")

	if err := e.deliver.Deliver(name, []byte(content)); err != nil {
		e.logger.Error("artifact delivery failed", "id", job.ID, "error", err)
	} else {
		e.logger.Info("job finished", "id", job.ID, "artifact", name)
	}

	closeJob := func() {
		e.mu.Lock()
		if e.job == job {
			job.Open = false
		}
		e.mu.Unlock()
	}
	if e.closeGrace > 0 {
		time.AfterFunc(e.closeGrace, closeJob)
	} else {
		closeJob()
	}
}
