package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"imagegen/internal/audit"
	"imagegen/internal/domain"
	"imagegen/internal/infra"
	"imagegen/internal/middleware"
	"imagegen/internal/orchestrator"
	"imagegen/internal/queue"
)

// Submitter starts a generation and streams its events.
type Submitter interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (<-chan orchestrator.Event, error)
}

// StatsSource reports queue occupancy per backend.
type StatsSource interface {
	Stats() []queue.BackendStats
}

// ArtifactStore reads a finished artifact once and deletes it.
type ArtifactStore interface {
	Read(path string) ([]byte, error)
	Remove(path string) error
}

// HistorySource lists a caller's recent finished requests.
type HistorySource interface {
	Recent(ctx context.Context, callerID string, limit int) ([]audit.Record, error)
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Orchestrator Submitter
	Queue        StatsSource
	Artifacts    ArtifactStore
	History      HistorySource
	DB           Pinger
	CaptionLimit int
	Logger       *infra.Logger
	// Origins gates browser WebSocket upgrades; NewRouter fills it from the
	// CORS origin list.
	Origins middleware.OriginPolicy
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errCode, Message: message})
}

func (a *App) logger() *infra.Logger {
	if a.Logger == nil {
		return infra.NopLogger()
	}
	return a.Logger
}

// statusFor maps pre-admission rejections to HTTP statuses.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
