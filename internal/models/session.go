// Package models holds the shared domain types for audit sessions.
package models

// AuditMeta is the editable audit header.
type AuditMeta struct {
	Organization string `json:"organization"`
	Auditor      string `json:"auditor"`
	Scope        string `json:"scope"`
	Date         string `json:"date"` // ISO date chosen by the user
}

// ProcessEntry is one audited process with its collected evidence.
type ProcessEntry struct {
	Name     string `json:"name"`
	Evidence string `json:"evidence"`
}

// Clause is one requirement of a standard. Children hold nested sub-clauses.
type Clause struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Children    []Clause `json:"children,omitempty"`
}

// CustomStandard is a user-defined standard with its clause tree.
type CustomStandard struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Clauses []Clause `json:"clauses"`
}

// Finding statuses produced by clause analysis.
const (
	FindingCompliant   = "compliant"
	FindingMajorNC     = "nc_major"
	FindingMinorNC     = "nc_minor"
	FindingObservation = "observation"
)

// AnalysisResult is one clause's AI-produced finding.
type AnalysisResult struct {
	ClauseID   string `json:"clauseId"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Evidence   string `json:"evidence"`
	Suggestion string `json:"suggestion"`
	Conclusion string `json:"conclusion"`
	Selected   bool   `json:"selected"`
}

// SessionSnapshot is the serializable capture of editable application state.
type SessionSnapshot struct {
	Meta            AuditMeta        `json:"meta"`
	Processes       []ProcessEntry   `json:"processes"`
	StandardKey     string           `json:"standardKey"`
	SelectedClauses []string         `json:"selectedClauses"`
	Results         []AnalysisResult `json:"results"`
	CustomStandards []CustomStandard `json:"customStandards,omitempty"`
	Template        string           `json:"template,omitempty"`
	SavedAt         string           `json:"savedAt,omitempty"`
}

// IsEmpty reports whether the snapshot holds no meaningful user content.
// Empty snapshots are not worth a backup slot.
func (s SessionSnapshot) IsEmpty() bool {
	if s.Meta.Organization != "" || s.Meta.Auditor != "" || s.Meta.Scope != "" {
		return false
	}
	for _, p := range s.Processes {
		if p.Name != "" || p.Evidence != "" {
			return false
		}
	}
	return len(s.SelectedClauses) == 0 && len(s.Results) == 0 && len(s.CustomStandards) == 0
}

// CombinedEvidence joins all process evidence into one block for prompts.
func (s SessionSnapshot) CombinedEvidence() string {
	out := ""
	for _, p := range s.Processes {
		if p.Evidence == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		if p.Name != "" {
			out += p.Name + ":\n"
		}
		out += p.Evidence
	}
	return out
}
