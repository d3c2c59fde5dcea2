package llm

import "errors"

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoCredential is returned by providers that need an API key when
// none is configured.
var ErrNoCredential = errors.New("generation credential not configured")

// ErrEmptyResponse is returned when the provider answered but produced
// no text.
var ErrEmptyResponse = errors.New("model returned no text")

// Message is one prior turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an inline image attached to a request.
type Image struct {
	MIME string
	Data []byte
}

// Request is a single generation request. History is replayed before
// Prompt; Images ride along with Prompt as additional parts of the same
// user message.
type Request struct {
	Model   string
	History []Message
	Prompt  string
	Images  []Image
}

// Response is the result of a generation request.
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// NormalizeRole maps any stored sender to a history role. Only the exact
// string "user" is the user; everything else is the assistant.
func NormalizeRole(sender string) string {
	if sender == RoleUser {
		return RoleUser
	}
	return RoleAssistant
}
