package image

import (
	"context"
	"strings"

	"imagegen/internal/domain"
)

// RequestStyle describes how a backend expects the prompt to be delivered.
type RequestStyle string

const (
	// StyleQuery sends GET <url>?prompt=<text>.
	StyleQuery RequestStyle = "query"
	// StyleJSON sends POST <url> with {"prompt": "<text>"}.
	StyleJSON RequestStyle = "json"
)

// BackendConfig is the wire contract of one backend.
type BackendConfig struct {
	URL           string
	Style         RequestStyle
	RequiresToken bool
}

// Artifact is a persisted generation result.
type Artifact struct {
	Path        string
	ContentType string
	Size        int
	Backend     domain.Backend
	Attempts    int
}

// Generator is the contract implemented by the single-attempt client and the
// retry decorator.
type Generator interface {
	Generate(ctx context.Context, backend domain.Backend, prompt string) (Artifact, error)
}

// ArtifactWriter persists image bytes and returns the stored path.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, backend, contentType string, data []byte) (string, error)
}

// AttemptObserver is told about every backend HTTP attempt.
type AttemptObserver interface {
	Attempt(backend domain.Backend, outcome string)
}

// DefaultBackends returns the built-in backend contracts.
func DefaultBackends(fastURL, qualityURL string) map[domain.Backend]BackendConfig {
	return map[domain.Backend]BackendConfig{
		domain.BackendFast: {
			URL:   strings.TrimSpace(fastURL),
			Style: StyleQuery,
		},
		domain.BackendQuality: {
			URL:           strings.TrimSpace(qualityURL),
			Style:         StyleJSON,
			RequiresToken: true,
		},
	}
}

func isImageType(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}
