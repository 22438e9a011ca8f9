// Package prompt builds the instructions sent to the AI provider.
package prompt

import (
	"fmt"
	"strings"

	"github.com/auditassist/auditassist/internal/models"
)

// ClauseSystem is the system instruction for single-clause evaluation.
const ClauseSystem = `You are an experienced lead auditor evaluating audit evidence against a single clause of a management-system standard. Respond with ONLY valid JSON, no markdown formatting or explanation, using this shape:
{"status":"compliant|nc_major|nc_minor|observation","reason":"...","evidence":"...","suggestion":"...","conclusion":"..."}`

// ClauseEvaluation builds the user prompt for evaluating one clause.
func ClauseEvaluation(clause models.Clause, meta models.AuditMeta, evidence string) string {
	var b strings.Builder
	b.Grow(len(evidence) + len(clause.Description) + 512)

	b.WriteString("AUDIT CONTEXT:\n")
	fmt.Fprintf(&b, "Organization: %s\nAuditor: %s\nScope: %s\nDate: %s\n",
		meta.Organization, meta.Auditor, meta.Scope, meta.Date)

	b.WriteString("\nCLAUSE UNDER EVALUATION:\n")
	fmt.Fprintf(&b, "%s %s\n%s\n", clause.Code, clause.Title, clause.Description)

	b.WriteString("\nCOLLECTED EVIDENCE:\n")
	b.WriteString(evidence)

	b.WriteString("\n\nEvaluate whether the evidence demonstrates conformity with this clause. Cite only evidence that appears above.")
	return b.String()
}

// TranslationSystem is the system instruction for chunked export refinement.
const TranslationSystem = `You are a professional translator of audit reports. Preserve clause numbering, headings and formatting. Output ONLY the translated text with no commentary.`

// ChunkTranslation builds the instruction for one chunk of a larger text.
// The chunk position is named so the model keeps continuity across chunks.
func ChunkTranslation(targetLanguage string, index, total int, chunk string) string {
	var b strings.Builder
	b.Grow(len(chunk) + 256)

	fmt.Fprintf(&b, "Translate part %d of %d of an audit report into %s.\n", index+1, total, targetLanguage)
	b.WriteString("Do not summarize or omit content. The text may start or end mid-sentence; translate it as-is.\n\nTEXT:\n")
	b.WriteString(chunk)
	return b.String()
}

// SynthesisSystem is the system instruction for report conclusion synthesis.
const SynthesisSystem = `You are an experienced lead auditor writing the closing summary of an audit report. Write formal, concise prose. Output ONLY the summary text.`

// ReportConclusion builds the prompt for synthesizing a final report summary
// from the accumulated per-clause findings.
func ReportConclusion(meta models.AuditMeta, results []models.AnalysisResult) string {
	var b strings.Builder
	b.Grow(len(results)*128 + 512)

	fmt.Fprintf(&b, "Write the conclusion of the audit of %s (scope: %s, date: %s) from these findings:\n\n",
		meta.Organization, meta.Scope, meta.Date)

	for _, r := range results {
		if !r.Selected {
			continue
		}
		fmt.Fprintf(&b, "- clause %s: %s: %s\n", r.ClauseID, r.Status, r.Reason)
	}

	b.WriteString("\nSummarize the overall degree of conformity, list the nonconformities by severity, and close with a recommendation.")
	return b.String()
}

// ImageExtraction is the instruction for extracting text from an evidence
// photo or scan.
const ImageExtraction = `Extract all readable text from this image of audit evidence. Preserve the reading order and table structure where possible. Output ONLY the extracted text.`
