package domain

import "time"

// Status enumerates the lifecycle of a generation request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// GenerationRequest is a single admitted request for one backend. ArtifactPath
// and ErrorDetail stay empty until a terminal status is reached and never
// coexist.
type GenerationRequest struct {
	ID             string
	Backend        Backend
	OriginalPrompt string
	EnhancedPrompt string
	CallerID       string
	Status         Status
	ArtifactPath   string
	ErrorDetail    string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

// PromptUsed returns the enhanced prompt when present, otherwise the original.
func (r GenerationRequest) PromptUsed() string {
	if r.EnhancedPrompt != "" {
		return r.EnhancedPrompt
	}
	return r.OriginalPrompt
}

// Duration reports how long the request took from admission to completion.
func (r GenerationRequest) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.CreatedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}
