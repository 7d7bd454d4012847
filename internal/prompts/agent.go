package prompts

// EmptyResponseNudge is sent once when the model runs tools and then
// answers with no text, asking it to reply to the student.
const EmptyResponseNudge = "You ran tools but did not reply to the student. Reply now, using the tool results above."

// EmptyResponseFallback is shown to the student when the model still
// produces no text after being nudged.
const EmptyResponseFallback = "I finished working on that but couldn't put together a reply. Could you ask again?"
