package prompts

import (
	"fmt"
	"time"
)

// StudyAssistant is the default system prompt.
const StudyAssistant = `You are FluxMind, a friendly AI study assistant.

IMPORTANT: Keep your responses concise and focused. Aim for 200-300 words maximum per response. If a topic is complex, offer to explain specific parts in follow-up messages.

When answering:
- Give clear, direct explanations
- Use bullet points for lists
- Provide 1-2 examples maximum
- End with a complete thought

You help with explaining concepts, study tips, and answering questions. Be helpful and encouraging!`

// ScheduledTaskTurn is the user turn appended to a conversation when one
// of its scheduled study sessions fires. The verb is the session's
// description.
const ScheduledTaskTurn = "Running scheduled task: %s"

// SystemPrompt appends the current time to base so the model can turn
// relative phrases like "tomorrow at 9" into the absolute dates the
// scheduling tool expects.
func SystemPrompt(base string, now time.Time) string {
	return fmt.Sprintf("%s\n\nCurrent time: %s (%s).", base, now.Format(time.RFC3339), now.Weekday())
}
