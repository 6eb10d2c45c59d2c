package conversation

import (
	"fmt"
	"strings"

	"github.com/docloop/docloop/internal/llm"
	"github.com/docloop/docloop/internal/retrieval"
)

// draftMessages composes the prompt for an initial draft. The context
// instruction is tiered on retrieval confidence so the model knows how
// much to trust the documentation.
func draftMessages(question string, candidates []retrieval.Candidate, confidence float32) []llm.Message {
	var sb strings.Builder
	sb.WriteString("You are a documentation assistant. Your goal is to fully understand ")
	sb.WriteString("and fulfill the user's request by preparing a relevant, clear, and helpful draft reply.\n\n")

	if len(candidates) > 0 {
		sb.WriteString("RELEVANT DOCUMENTATION CONTEXT:\n")
		sb.WriteString(retrieval.FormatContext(candidates))
		sb.WriteString("\n\n")
		fmt.Fprintf(&sb, "Confidence Level: %.0f%%\n\n", confidence*100)
	}

	sb.WriteString("Focus on addressing the user's needs directly and comprehensively.\n")
	sb.WriteString(contextInstruction(candidates, confidence))
	sb.WriteString("Be accurate and cite specific details when relevant.\n")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: question},
	}
}

// revisionMessages composes the prompt for a redraft after reviewer
// feedback. The previous draft is included so the model revises rather
// than starting over.
func revisionMessages(question, priorDraft, comment string, candidates []retrieval.Candidate) []llm.Message {
	var sb strings.Builder
	sb.WriteString("You are a documentation assistant revising your previous draft.\n\n")

	if len(candidates) > 0 {
		sb.WriteString("RELEVANT DOCUMENTATION CONTEXT:\n")
		sb.WriteString(retrieval.FormatContext(candidates))
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "FEEDBACK FROM REVIEWER: %q\n\n", comment)
	sb.WriteString("Carefully incorporate this feedback into your response. Address all comments, ")
	sb.WriteString("corrections, or suggestions. Ensure your revised response fully integrates ")
	sb.WriteString("the feedback, improves clarity, and resolves any issues raised.\n")
	if len(candidates) > 0 {
		sb.WriteString("Use the documentation context above to ensure accuracy and completeness.\n")
	}
	sb.WriteString("Do not repeat the feedback verbatim in your response.\n")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: question},
		{Role: llm.RoleAssistant, Content: priorDraft},
		{Role: llm.RoleUser, Content: comment},
	}
}

func contextInstruction(candidates []retrieval.Candidate, confidence float32) string {
	if len(candidates) == 0 {
		return ""
	}
	switch {
	case confidence >= 0.8:
		return "Base your response primarily on the provided documentation context, which has high confidence.\n"
	case confidence >= 0.5:
		return "Use the provided documentation context as a reference, but supplement with your knowledge as needed.\n"
	default:
		return "The provided context has low confidence. Use it cautiously and rely more on your base knowledge.\n"
	}
}

// meanConfidence aggregates candidate confidences for the sources
// event: the mean, or 0 for an empty list.
func meanConfidence(candidates []retrieval.Candidate) float32 {
	if len(candidates) == 0 {
		return 0
	}
	var total float32
	for _, c := range candidates {
		total += c.Confidence
	}
	return total / float32(len(candidates))
}
