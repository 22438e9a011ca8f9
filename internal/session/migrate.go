package session

import (
	"encoding/json"
	"strings"

	"github.com/auditassist/auditassist/internal/models"
)

// legacySnapshot covers the older snapshot shape where evidence was a single
// top-level string instead of per-process entries.
type legacySnapshot struct {
	models.SessionSnapshot
	Evidence string `json:"evidence,omitempty"`
}

// Migrate parses a stored snapshot of either shape and returns the current
// form. Migration runs once at load time; consumers never probe for legacy
// fields.
func Migrate(raw []byte) (models.SessionSnapshot, error) {
	var legacy legacySnapshot
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return models.SessionSnapshot{}, err
	}

	snap := legacy.SessionSnapshot
	if len(snap.Processes) == 0 && strings.TrimSpace(legacy.Evidence) != "" {
		snap.Processes = []models.ProcessEntry{{Name: "General", Evidence: legacy.Evidence}}
	}
	return snap, nil
}
