package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizePrompt(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain", raw: "a red fox", want: "a red fox"},
		{name: "trims", raw: "   cat  ", want: "cat"},
		{name: "newlines become spaces", raw: "cat\non\ta mat", want: "cat on a mat"},
		{name: "control chars dropped", raw: "ca\x00t\x07", want: "cat"},
		{name: "collapses runs", raw: "a    b \r\n  c", want: "a b c"},
		{name: "zero width dropped", raw: "fo\u200bx", want: "fox"},
		{name: "nfc", raw: "cafe\u0301", want: "caf\u00e9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SanitizePrompt(tc.raw, 100)
			if err != nil {
				t.Fatalf("SanitizePrompt(%q) error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("SanitizePrompt(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestSanitizePromptRejectsEmpty(t *testing.T) {
	_, err := SanitizePrompt(" \n\t\x01 ", 100)
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %q, want %q", KindOf(err), KindValidation)
	}
}

func TestSanitizePromptLengthBoundary(t *testing.T) {
	exact := strings.Repeat("a", 1000)
	if _, err := SanitizePrompt(exact, 1000); err != nil {
		t.Fatalf("1000 chars should be accepted: %v", err)
	}
	_, err := SanitizePrompt(exact+"a", 1000)
	if !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong, got %v", err)
	}
}

func TestSanitizePromptCountsRunes(t *testing.T) {
	prompt := strings.Repeat("é", 10)
	if _, err := SanitizePrompt(prompt, 10); err != nil {
		t.Fatalf("10 runes should fit a limit of 10: %v", err)
	}
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend(" Quality ")
	if err != nil {
		t.Fatalf("ParseBackend error: %v", err)
	}
	if b != BackendQuality {
		t.Fatalf("backend = %q, want %q", b, BackendQuality)
	}
	if !b.RequiresCredential() {
		t.Fatal("quality backend should require a credential")
	}
	if _, err := ParseBackend("turbo"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestCaption(t *testing.T) {
	text := "one two three four five"
	if got := Caption(text, 100); got != text {
		t.Fatalf("Caption should keep short text, got %q", got)
	}
	got := Caption(text, 12)
	if utf8.RuneCountInString(got) > 12 {
		t.Fatalf("Caption exceeded limit: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("Caption should mark truncation: %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	err := &Error{Kind: KindBackendServer, StatusCode: 503}
	if !IsRetryable(err) {
		t.Fatal("backend server errors are retryable")
	}
	if IsRetryable(&Error{Kind: KindBackendRateLimited}) {
		t.Fatal("backend 429 is not retried by the client")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("unclassified errors default to internal")
	}
}
