package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/auditassist/auditassist/internal/models"
)

type wireResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Evidence   string `json:"evidence"`
	Suggestion string `json:"suggestion"`
	Conclusion string `json:"conclusion"`
}

// ParseResult extracts a finding from a model response. Models wrap JSON in
// markdown fences or prose despite instructions, so the parser locates the
// outermost object before decoding. New findings are selected for the report
// by default.
func ParseResult(clauseID, raw string) (models.AnalysisResult, error) {
	body := extractJSON(raw)
	if body == "" {
		return models.AnalysisResult{}, fmt.Errorf("no JSON object in response for clause %s", clauseID)
	}

	var wire wireResult
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("failed to decode finding for clause %s: %w", clauseID, err)
	}

	return models.AnalysisResult{
		ClauseID:   clauseID,
		Status:     normalizeStatus(wire.Status),
		Reason:     strings.TrimSpace(wire.Reason),
		Evidence:   strings.TrimSpace(wire.Evidence),
		Suggestion: strings.TrimSpace(wire.Suggestion),
		Conclusion: strings.TrimSpace(wire.Conclusion),
		Selected:   true,
	}, nil
}

// extractJSON returns the outermost brace-delimited object in raw, stripping
// any fences or surrounding prose.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// normalizeStatus maps the model's status wording onto the finding constants.
// Unrecognized wording degrades to an observation rather than a fabricated
// conformity verdict.
func normalizeStatus(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case models.FindingCompliant, models.FindingMajorNC, models.FindingMinorNC, models.FindingObservation:
		return v
	case "conform", "conformity", "conformant", "compliance":
		return models.FindingCompliant
	case "major", "major nonconformity", "major non-conformity":
		return models.FindingMajorNC
	case "minor", "minor nonconformity", "minor non-conformity":
		return models.FindingMinorNC
	default:
		return models.FindingObservation
	}
}
