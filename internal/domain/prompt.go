package domain

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxPromptLength bounds prompts when configuration does not override it.
const DefaultMaxPromptLength = 1000

// SanitizePrompt normalizes raw caller text into a prompt suitable for
// admission. Control characters are removed (line breaks and tabs become
// spaces), runs of whitespace collapse, and the result must be non-empty and
// at most maxLen runes.
func SanitizePrompt(raw string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxPromptLength
	}
	text := norm.NFC.String(raw)
	var sb strings.Builder
	sb.Grow(len(text))
	lastSpace := true
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r' || r == '\t' || unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsControl(r) || r == utf8.RuneError || unicode.Is(unicode.Cf, r):
			continue
		default:
			sb.WriteRune(r)
			lastSpace = false
		}
	}
	cleaned := strings.TrimSpace(sb.String())
	if cleaned == "" {
		return "", &Error{Kind: KindValidation, Message: "prompt is empty", Err: ErrEmptyPrompt}
	}
	if n := utf8.RuneCountInString(cleaned); n > maxLen {
		return "", &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("prompt has %d characters, limit is %d", n, maxLen),
			Err:     ErrPromptTooLong,
		}
	}
	return cleaned, nil
}

// TruncateAtWord shortens text to at most limit runes, preferring the last
// whitespace boundary. An ellipsis is not appended.
func TruncateAtWord(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := runes[:limit]
	for i := len(cut) - 1; i > limit/2; i-- {
		if unicode.IsSpace(cut[i]) {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimSpace(string(cut))
}

// Caption renders text for a delivery channel with a hard caption limit,
// marking truncation with an ellipsis.
func Caption(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	if limit == 1 {
		return "…"
	}
	return TruncateAtWord(text, limit-1) + "…"
}
