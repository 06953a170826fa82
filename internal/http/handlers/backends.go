package handlers

import (
	"net/http"
	"strconv"
	"time"

	"imagegen/internal/domain"
	"imagegen/internal/middleware"
)

type backendDTO struct {
	Name          string `json:"name"`
	RequiresToken bool   `json:"requires_token"`
	Pending       int    `json:"pending"`
	Processing    bool   `json:"processing"`
}

func (a *App) Backends(w http.ResponseWriter, r *http.Request) {
	items := make([]backendDTO, 0, len(domain.Backends()))
	for _, s := range a.Queue.Stats() {
		items = append(items, backendDTO{
			Name:          s.Backend.String(),
			RequiresToken: s.Backend.RequiresCredential(),
			Pending:       s.Pending,
			Processing:    s.Processing,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

type historyDTO struct {
	RequestID      string `json:"request_id"`
	Backend        string `json:"backend"`
	Status         string `json:"status"`
	Prompt         string `json:"prompt"`
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`
	Error          string `json:"error,omitempty"`
	QueueWaitMS    int64  `json:"queue_wait_ms"`
	DurationMS     int64  `json:"duration_ms"`
	FinishedAt     string `json:"finished_at"`
}

// ListHistory lists the calling principal's recent finished requests.
func (a *App) ListHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.error(w, http.StatusNotFound, "not_found", "history is not enabled")
		return
	}
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "caller identity missing")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	records, err := a.History.Recent(r.Context(), caller.ID, limit)
	if err != nil {
		a.logger().Error().Err(err).Str("caller_id", caller.ID).Msg("load history")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}
	items := make([]historyDTO, 0, len(records))
	for _, rec := range records {
		items = append(items, historyDTO{
			RequestID:      rec.RequestID,
			Backend:        rec.Backend.String(),
			Status:         string(rec.Status),
			Prompt:         rec.OriginalPrompt,
			EnhancedPrompt: rec.EnhancedPrompt,
			Error:          string(rec.ErrorKind),
			QueueWaitMS:    rec.QueueWait.Milliseconds(),
			DurationMS:     rec.Duration.Milliseconds(),
			FinishedAt:     rec.FinishedAt.UTC().Format(time.RFC3339),
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
