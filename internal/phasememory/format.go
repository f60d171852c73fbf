package phasememory

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/pai"
	"github.com/haasonsaas/nexus/internal/skilllibrary"
)

// FormatLearningsForContext renders up to maxItems learnings as a
// bullet list suitable for injection into an agent prompt.
func FormatLearningsForContext(learnings []*pai.Learning, maxItems int, includeConfidence bool) string {
	if len(learnings) == 0 {
		return ""
	}
	if maxItems <= 0 || maxItems > len(learnings) {
		maxItems = len(learnings)
	}

	lines := make([]string, 0, maxItems)
	for _, l := range learnings[:maxItems] {
		content := l.Content
		if len(content) > 200 {
			content = content[:197] + "..."
		}
		if includeConfidence {
			lines = append(lines, fmt.Sprintf("- %s (conf: %.0f%%, util: %.0f%%)", content, l.Confidence*100, l.UtilityScore*100))
		} else {
			lines = append(lines, "- "+content)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatPhaseContextForInjection renders a PhaseContext's learnings,
// patterns, and skills into a single string for prompt injection.
func FormatPhaseContextForInjection(ctx *PhaseContext, includePatterns, includeSkills bool) string {
	var sections []string

	if len(ctx.Learnings) > 0 {
		sections = append(sections, "[Relevant Learnings]\n"+FormatLearningsForContext(ctx.Learnings, 5, false))
	}
	if includePatterns && len(ctx.Patterns) > 0 {
		sections = append(sections, "[Tool Patterns]\n"+FormatLearningsForContext(ctx.Patterns, 3, false))
	}
	if includeSkills && len(ctx.Skills) > 0 {
		sections = append(sections, "[Applicable Skills]\n"+formatSkills(ctx.Skills, 3))
	}

	return strings.Join(sections, "\n\n")
}

func formatSkills(skills []*skilllibrary.Skill, max int) string {
	if max <= 0 || max > len(skills) {
		max = len(skills)
	}
	lines := make([]string, 0, max)
	for _, s := range skills[:max] {
		desc := s.Description
		if len(desc) > 100 {
			desc = desc[:100]
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", s.Name, desc))
	}
	return strings.Join(lines, "\n")
}
