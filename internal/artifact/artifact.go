// Package artifact delivers finished export artifacts to the user.
package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Deliverer hands a finished artifact to the outside world.
type Deliverer interface {
	Deliver(filename string, content []byte) error
}

// DirWriter delivers artifacts as files in a directory.
type DirWriter struct {
	Dir    string
	logger *slog.Logger
}

// NewDirWriter creates a deliverer writing into dir.
func NewDirWriter(dir string, logger *slog.Logger) *DirWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirWriter{Dir: dir, logger: logger.With("component", "artifact")}
}

// Deliver writes the artifact into the configured directory.
func (w *DirWriter) Deliver(filename string, content []byte) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := filepath.Join(w.Dir, filename)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	w.logger.Info("artifact delivered", "path", path, "bytes", len(content))
	return nil
}

// Filename builds an artifact name from sanitized metadata fields joined by
// underscores, with an ISO date suffix: org_scope_kind_2026-01-02.ext
func Filename(fields []string, kind string, now time.Time, ext string) string {
	var parts []string
	for _, f := range fields {
		if s := Sanitize(f); s != "" {
			parts = append(parts, s)
		}
	}
	if kind != "" {
		parts = append(parts, Sanitize(kind))
	}
	parts = append(parts, now.Format("2006-01-02"))
	return strings.Join(parts, "_") + "." + strings.TrimPrefix(ext, ".")
}

// Sanitize reduces a metadata field to filesystem-safe characters.
func Sanitize(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
