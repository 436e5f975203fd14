package session

const (
	titleMaxRunes = 50
	titleEllipsis = "..."
)

// deriveTitle cuts content at 50 characters, ignoring word boundaries.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return string(runes[:titleMaxRunes]) + titleEllipsis
}
