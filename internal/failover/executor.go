// Package failover executes units of AI work with automatic lateral movement
// across models and credentials.
package failover

import (
	"context"
	"log/slog"
	"time"

	"github.com/auditassist/auditassist/internal/keypool"
	"github.com/auditassist/auditassist/internal/llm"
)

// WorkUnit is one opaque asynchronous operation over a (credential, model)
// pair. It exists only for the duration of one Execute call.
type WorkUnit func(ctx context.Context, secret, model string) (string, error)

// Executor retries a WorkUnit across the key pool per policy. It never
// caches pool state across attempts: every iteration re-reads the pool after
// the previous iteration's transition.
type Executor struct {
	pool   *keypool.Pool
	delay  time.Duration // pause between attempts, 0 in tests
	logger *slog.Logger
}

// New creates an executor over pool.
func New(pool *keypool.Pool, delay time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:   pool,
		delay:  delay,
		logger: logger.With("component", "failover"),
	}
}

// Execute runs work, escalating within the pool on classified failures:
//
//   - resource exhaustion downgrades the model first and only exhausts the
//     credential when no lower tier remains;
//   - key rejection invalidates the credential and moves to the next one;
//   - any other error propagates to the caller unchanged.
//
// Each iteration either narrows the model hierarchy or grows the attempted
// set, so Execute terminates after at most models x credentials attempts,
// failing with keypool.ErrAllKeysExhausted when no usable credential remains.
func (e *Executor) Execute(ctx context.Context, work WorkUnit) (string, error) {
	attempted := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		cand, err := e.pool.SelectCandidate(attempted)
		if err != nil {
			e.logger.Error("no usable credential remains", "error", err)
			return "", err
		}

		// Keep the pool pointed at a credential that is actually being
		// used so later calls default to it.
		if cand.ID != e.pool.ActiveID() {
			e.pool.SetActive(cand.ID)
		}

		model := cand.ActiveModel
		if model == "" {
			model = e.pool.FirstModel()
		}

		out, err := work(ctx, cand.Secret, model)
		if err == nil {
			return out, nil
		}

		classified := llm.Wrap(err, model)
		switch {
		case classified.Category == llm.CategoryInvalidKey:
			e.logger.Warn("credential rejected, moving to next key",
				"id", cand.ID, "model", model)
			e.pool.MarkInvalid(cand.ID)
			attempted[cand.ID] = struct{}{}

		case classified.Category.ResourceExhausted():
			if next, ok := e.pool.DowngradeModel(cand.ID, model); ok {
				// The credential is not exhausted, only the tier; retry the
				// same key on the lower model without marking it attempted.
				e.logger.Info("resource exhausted, retrying on lower tier",
					"id", cand.ID, "from", model, "to", next)
			} else {
				e.logger.Warn("no lower tier remains, exhausting credential",
					"id", cand.ID, "model", model)
				e.pool.MarkExhausted(cand.ID)
				attempted[cand.ID] = struct{}{}
			}

		default:
			// Not a pool concern; the caller decides how to degrade.
			return "", err
		}

		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.delay):
			}
		}
	}
}
