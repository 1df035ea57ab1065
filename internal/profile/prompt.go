package profile

import (
	"fmt"
	"strings"

	"github.com/devloop/coach/internal/memory"
)

// basePrompt is the coaching persona. Profile facts and memories are
// appended as sanitized plain-text lines so model instructions cannot be
// injected through stored content.
const basePrompt = `You are an experienced programming coach. You explain concepts clearly,
adapt to the learner's level, and prefer concrete examples over abstract theory.
Encourage the learner, but be direct about mistakes and misconceptions.`

// SystemPrompt builds the per-turn system prompt from the learner profile
// and the ranked memory context. Every interpolated value is sanitized.
func SystemPrompt(p *LearnerProfile, memories []memory.Ranked) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if p != nil {
		b.WriteString("\n\nAbout the learner:\n")
		writeFact(&b, "Name", p.DisplayName)
		writeFact(&b, "Role", p.Role)
		if p.ExperienceYears > 0 {
			fmt.Fprintf(&b, "- Experience: %d years\n", p.ExperienceYears)
		}
		writeFact(&b, "Tech stack", strings.Join(p.TechStack, ", "))
		writeFact(&b, "Goals", strings.Join(p.Goals, ", "))
		writeFact(&b, "Learning style", p.LearningStyle)
		writeFact(&b, "Preferred pace", p.Pace)
		writeFact(&b, "Strengths", strings.Join(p.Strengths, ", "))
		writeFact(&b, "Struggles with", strings.Join(p.Struggles, ", "))
	}

	if len(memories) > 0 {
		b.WriteString("\nWhat you remember about the learner from earlier conversations:\n")
		for _, r := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Memory.Category, memory.SanitizeContent(r.Memory.Content))
		}
	}

	b.WriteString("\nUse this context naturally. Never recite it back or mention that you keep memories.")
	return b.String()
}

func writeFact(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(memory.SanitizeContent(value))
	if value == "" {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, value)
}
