package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	openAIProviderName    = "openai"
	anthropicProviderName = "anthropic"
)

var preamblePrefixes = []string{
	"here is",
	"here's",
	"here are",
	"sure",
	"certainly",
	"of course",
	"okay",
	"ok,",
	"absolutely",
	"enhanced prompt",
	"improved prompt",
	"rewritten prompt",
}

var epiloguePrefixes = []string{
	"let me know",
	"i hope",
	"feel free",
	"this prompt",
}

var promptLabels = []string{
	"enhanced prompt:",
	"improved prompt:",
	"image prompt:",
	"prompt:",
}

// cleanEnhancement strips the chatter models wrap around the prompt they
// were asked for.
func cleanEnhancement(raw string) string {
	text := trimCodeFence(raw)
	if text == "" {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	for len(lines) > 1 && isPreamble(lines[0]) {
		lines = lines[1:]
	}
	for len(lines) > 1 && hasPrefixFold(lines[len(lines)-1], epiloguePrefixes) {
		lines = lines[:len(lines)-1]
	}

	text = strings.Join(lines, " ")
	text = stripLabel(text)
	text = stripQuotes(text)
	return strings.TrimSpace(text)
}

func isPreamble(line string) bool {
	if strings.HasSuffix(line, ":") {
		return true
	}
	return hasPrefixFold(line, preamblePrefixes)
}

func hasPrefixFold(line string, prefixes []string) bool {
	lower := strings.ToLower(line)
	for _, p := range prefixes {
		if !strings.HasPrefix(lower, p) {
			continue
		}
		rest := lower[len(p):]
		if rest == "" {
			return true
		}
		if r, _ := utf8.DecodeRuneInString(rest); !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func stripLabel(text string) string {
	lower := strings.ToLower(text)
	for _, label := range promptLabels {
		if strings.HasPrefix(lower, label) {
			return strings.TrimSpace(text[len(label):])
		}
	}
	return text
}

var quotePairs = [][2]string{
	{`"`, `"`},
	{"'", "'"},
	{"`", "`"},
	{"“", "”"},
	{"«", "»"},
}

func stripQuotes(text string) string {
	for {
		trimmed := strings.TrimSpace(text)
		stripped := false
		for _, q := range quotePairs {
			if len(trimmed) >= len(q[0])+len(q[1]) && strings.HasPrefix(trimmed, q[0]) && strings.HasSuffix(trimmed, q[1]) {
				trimmed = trimmed[len(q[0]) : len(trimmed)-len(q[1])]
				stripped = true
				break
			}
		}
		if !stripped {
			return trimmed
		}
		text = trimmed
	}
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop an info string such as "text" or "markdown".
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 && !strings.ContainsAny(trimmed[:nl], " \t") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}
