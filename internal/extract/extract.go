// Package extract pulls text out of evidence images through the AI provider.
package extract

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/auditassist/auditassist/internal/failover"
	"github.com/auditassist/auditassist/internal/llm"
	"github.com/auditassist/auditassist/internal/prompt"
)

// Image is one evidence photo or scan queued for extraction.
type Image struct {
	Name     string
	MimeType string
	Data     string // base64-encoded payload
}

// Result is the outcome for one image. Failures are isolated per image so a
// single unreadable scan never sinks the batch.
type Result struct {
	Name string
	Text string
	Err  error
}

// Extractor runs bounded concurrent extraction calls through the failover
// executor.
type Extractor struct {
	exec   *failover.Executor
	gen    llm.Generator
	limit  int
	logger *slog.Logger
}

// New creates an extractor. limit bounds in-flight provider calls.
func New(exec *failover.Executor, gen llm.Generator, limit int, logger *slog.Logger) *Extractor {
	if limit <= 0 {
		limit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		exec:   exec,
		gen:    gen,
		limit:  limit,
		logger: logger.With("component", "extract"),
	}
}

// Extract processes every image and returns results in input order. Per-image
// failures are recorded in the corresponding Result, not returned.
func (x *Extractor) Extract(ctx context.Context, images []Image) []Result {
	results := make([]Result, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.limit)

	for i, img := range images {
		i, img := i, img
		results[i].Name = img.Name
		g.Go(func() error {
			out, err := x.exec.Execute(gctx, func(ctx context.Context, secret, model string) (string, error) {
				return x.gen.Generate(ctx, secret, model, llm.GenerateRequest{
					Prompt: prompt.ImageExtraction,
					Inline: &llm.InlineData{MimeType: img.MimeType, Data: img.Data},
				})
			})
			if err != nil {
				x.logger.Warn("image extraction failed", "image", img.Name, "error", err)
				results[i].Err = err
				return nil
			}
			results[i].Text = strings.TrimSpace(out)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// Combine joins successful extractions into one evidence block, each section
// headed by its image name.
func Combine(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Err != nil || r.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(r.Name)
		b.WriteString("]\n")
		b.WriteString(r.Text)
	}
	return b.String()
}
