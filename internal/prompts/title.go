package prompts

import "fmt"

// sessionTitleTemplate asks for a short session title. The single format
// verb is the session's first user message.
const sessionTitleTemplate = `Write a short title (at most 6 words) for a conversation that begins with the message below. Reply with the title only: no quotes, no punctuation at the end, no explanation.

Message:
%s

Title:`

// SessionTitle returns the title-generation prompt for a session's first
// message.
func SessionTitle(firstMessage string) string {
	return fmt.Sprintf(sessionTitleTemplate, firstMessage)
}
