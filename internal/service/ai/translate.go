package ai

import (
	"strings"

	"chatstream/internal/apperr"
	"chatstream/internal/models"

	"google.golang.org/genai"
)

// TranslateForGemini maps a transcript onto Gemini's two-role chat model.
//
// assistant becomes model and user stays user. System messages have no slot:
// their contents, joined by newlines and followed by a blank line, are
// prepended to the first remaining message, and the system entries are
// dropped. The last remaining message becomes the live prompt and the rest
// the chat history.
func TranslateForGemini(messages []*models.Message) ([]*genai.Content, string, error) {
	var (
		system []string
		rest   []*models.Message
	)
	for _, m := range messages {
		if m == nil {
			continue
		}
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	if len(rest) == 0 {
		return nil, "", apperr.Validation("no user or assistant message to send")
	}

	texts := make([]string, len(rest))
	for i, m := range rest {
		texts[i] = m.Content
	}
	if len(system) > 0 {
		texts[0] = strings.Join(system, "\n") + "\n\n" + texts[0]
	}

	last := len(rest) - 1
	prompt := texts[last]
	if prompt == "" {
		return nil, "", apperr.Validation("empty prompt")
	}
	history := make([]*genai.Content, 0, last)
	for i, m := range rest[:last] {
		var role genai.Role = genai.RoleUser
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		history = append(history, genai.NewContentFromText(texts[i], role))
	}
	return history, prompt, nil
}
