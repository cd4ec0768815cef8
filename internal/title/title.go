// Package title holds the conversation-title contract shared by every title source:
// the prompt sent to the model, cleanup of its answer, and the truncation fallback.
package title

import (
	"regexp"
	"strings"

	"github.com/sportsphere/sportchat/internal/models"
)

const (
	// FallbackLength is the rune limit of the title written immediately after the
	// first exchange.
	FallbackLength = 30
	// GeneratedFallbackLength is used when a generated title is unusable.
	GeneratedFallbackLength = 50
	// MaxLength is the longest generated title accepted.
	MaxLength = 60
)

const systemPrompt = `You are responsible ONLY for generating conversation titles for a sports analysis chat application.

Rules:
- Base the title on the user's FIRST message
- Summarize the intent in 2-6 words
- Be specific, not generic
- Do NOT use timestamps, greetings or emojis
- Do NOT repeat existing titles verbatim

Forbidden titles: "New Chat", "Conversation", "Untitled Chat", "Chat <date>".

If a title you would generate already exists, rephrase it slightly or add a short
parenthetical disambiguator such as "(Stats)", "(Tactics)" or "(Transfers)".

Format:
- Plain text, no quotes
- No punctuation at the end
- Capitalize the first letter of each word

Return ONLY the title text.`

// Prompt returns the system prompt for title generation. Existing non-default titles
// are listed so the model can avoid duplicating them.
func Prompt(existing []string) string {
	existing = Existing(existing)
	if len(existing) == 0 {
		return systemPrompt
	}
	return systemPrompt + "\n\nExisting titles to avoid duplicating:\n" + strings.Join(existing, "\n")
}

// Existing filters out placeholder titles and duplicates, keeping order.
func Existing(titles []string) []string {
	seen := make(map[string]struct{}, len(titles))
	var out []string
	for _, t := range titles {
		t = strings.TrimSpace(t)
		if t == "" || t == models.NewChatTitle || t == models.PendingTitle {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Truncate cuts s to n runes, appending "..." when anything was removed.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Fallback is the title derived locally from the first user message.
func Fallback(firstMessage string) string {
	return Truncate(firstMessage, FallbackLength)
}

var (
	surroundingQuotes = regexp.MustCompile(`^["']|["']$`)
	trailingPeriod    = regexp.MustCompile(`\.$`)
)

// Clean normalizes a model-generated title. Empty or over-long answers are replaced by
// a truncation of the first message.
func Clean(raw, firstMessage string) string {
	t := strings.TrimSpace(raw)
	t = surroundingQuotes.ReplaceAllString(t, "")
	t = trailingPeriod.ReplaceAllString(t, "")
	t = strings.TrimSpace(t)
	if t == "" || len([]rune(t)) > MaxLength {
		return Truncate(firstMessage, GeneratedFallbackLength)
	}
	return t
}
