package chat

import "strings"

// titleMaxRunes is the longest title stored without truncation.
const titleMaxRunes = 50

// DeriveTitle builds a session title from the first user message. Long
// messages are cut at a word boundary within the budget and suffixed
// with "...", so the result never exceeds 53 runes.
func DeriveTitle(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	runes := []rune(message)
	if len(runes) <= titleMaxRunes {
		return message
	}

	cut := string(runes[:titleMaxRunes])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " .,;:!?") + "..."
}
