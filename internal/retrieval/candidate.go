package retrieval

import (
	"fmt"
	"strings"
)

// Provenance identifies which retrieval tier produced a candidate.
type Provenance string

const (
	ProvenanceValidated Provenance = "validated_answer"
	ProvenanceCached    Provenance = "cached_result"
	ProvenanceChunk     Provenance = "document_chunk"
)

// Candidate is one piece of supporting context for answer drafting.
type Candidate struct {
	Content    string     `json:"content"`
	Provenance Provenance `json:"provenance"`
	Confidence float32    `json:"confidence"`
	SourceFile string     `json:"source_file,omitempty"`
	Section    string     `json:"section,omitempty"`
}

// Result is the outcome of one retrieval pass.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Confidence float32     `json:"confidence"`
}

// FormatContext renders candidates as a numbered context block for
// inclusion in a drafting prompt.
func FormatContext(candidates []Candidate) string {
	if len(candidates) == 0 {
		return "No relevant documentation found."
	}

	var sb strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] ", i+1)
		switch c.Provenance {
		case ProvenanceValidated:
			sb.WriteString("(previously validated answer)")
		case ProvenanceCached:
			sb.WriteString("(cached)")
		default:
			if c.SourceFile != "" {
				fmt.Fprintf(&sb, "(%s", c.SourceFile)
				if c.Section != "" {
					fmt.Fprintf(&sb, " / %s", c.Section)
				}
				sb.WriteString(")")
			}
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.Content))
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// SourceFiles lists the distinct source files among the candidates,
// in first-seen order.
func SourceFiles(candidates []Candidate) []string {
	seen := map[string]bool{}
	var files []string
	for _, c := range candidates {
		if c.SourceFile == "" || seen[c.SourceFile] {
			continue
		}
		seen[c.SourceFile] = true
		files = append(files, c.SourceFile)
	}
	return files
}
