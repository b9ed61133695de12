package repair

import (
	"fmt"
	"strings"

	"sceneforge/internal/classify"
	"sceneforge/internal/knowledge"
)

// buildRepairPrompt assembles the model repair request: the failing code, the
// classified error, and the top prevention rules as context. Amplified
// prompts (after a strategy switch) ask for a structural rewrite instead of
// a minimal patch.
func buildRepairPrompt(program string, rec classify.Record, rules []knowledge.PreventionRule, amplified bool) string {
	var b strings.Builder

	if amplified {
		b.WriteString("The code below has repeatedly failed with the same error despite targeted fixes. ")
		b.WriteString("Rewrite the scene from scratch, keeping the same entry point and visual intent, ")
		b.WriteString("but structure it differently so the error cannot recur.\n\n")
	} else {
		b.WriteString("Fix the error in the scene code below. Change as little as possible.\n\n")
	}

	fmt.Fprintf(&b, "Error kind: %s\nError message: %s\n", rec.Kind, rec.Message)
	if len(rec.Patterns) > 0 {
		fmt.Fprintf(&b, "Offending identifiers: %s\n", strings.Join(rec.Patterns, ", "))
	}

	if len(rules) > 0 {
		b.WriteString("\nKnown pitfalls from past sessions:\n")
		for _, r := range rules {
			if r.RuleText == "" {
				continue
			}
			fmt.Fprintf(&b, "- %s (seen %dx, fix success %.0f%%)\n",
				r.RuleText, r.OccurrenceCount, r.SuccessRate*100)
		}
	}

	b.WriteString("\nCode:\n")
	b.WriteString(program)
	b.WriteString("\n\nReturn the complete corrected code only.")

	return b.String()
}
