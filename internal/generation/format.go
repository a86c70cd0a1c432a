package generation

import (
	"regexp"
	"strings"

	"github.com/social-autopilot/internal/models"
)

// MaxShortPostLength is the hard cap for normal-format posts, in characters
const MaxShortPostLength = 280

var paragraphBreakRe = regexp.MustCompile(`\n\s*\n`)

// FormatContent shapes generated text for its format. Normal posts become a single
// line of at most 280 characters; long-form posts keep their paragraphs, trimmed,
// with empty ones dropped.
func FormatContent(content string, format models.PostFormat) string {
	switch format {
	case models.FormatLongForm:
		parts := paragraphBreakRe.Split(strings.ReplaceAll(content, "\r\n", "\n"), -1)
		paragraphs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				paragraphs = append(paragraphs, p)
			}
		}
		return strings.Join(paragraphs, "\n\n")
	default:
		single := strings.Join(strings.Fields(content), " ")
		return truncateRunes(single, MaxShortPostLength)
	}
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}

// StripControl removes C0 (0x00-0x1F) and C1 (0x7F-0x9F) control characters
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		return r
	}, s)
}

// SanitizeContent strips control characters but keeps newlines and tabs
func SanitizeContent(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if isControl(r) {
			return -1
		}
		return r
	}, s)
}

func isControl(r rune) bool {
	return r <= 0x1F || (r >= 0x7F && r <= 0x9F)
}
