package chat

import (
	"strings"

	"github.com/sportsphere/sportchat/internal/models"
)

// Clipboard receives exported transcripts.
type Clipboard interface {
	WriteAll(text string) error
}

// ClipboardFunc adapts a function to the Clipboard interface.
type ClipboardFunc func(string) error

func (f ClipboardFunc) WriteAll(text string) error { return f(text) }

// FormatTranscript renders a conversation as Markdown: the title as a heading, then
// each message labelled by its author.
func FormatTranscript(title string, messages []models.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		label := "AI"
		if m.Role == models.RoleUser {
			label = "User"
		}
		parts = append(parts, "**"+label+"**: "+m.Content)
	}
	return "# " + title + "\n\n" + strings.Join(parts, "\n\n")
}
