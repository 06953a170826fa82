package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"imagegen/internal/domain"
	"imagegen/internal/middleware"
	"imagegen/internal/orchestrator"
)

const maxRequestBody = 64 << 10

type generationRequest struct {
	Backend string `json:"backend"`
	Prompt  string `json:"prompt"`
}

func (req generationRequest) submission(c middleware.Caller) orchestrator.Submission {
	return orchestrator.Submission{
		Backend:  req.Backend,
		Prompt:   req.Prompt,
		CallerID: c.ID,
		ClientIP: c.IP,
		Country:  c.Country,
	}
}

// Generate admits a request and streams its progress as NDJSON. Rejections
// before admission are plain JSON errors.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "caller identity missing")
		return
	}
	var req generationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	events, err := a.Orchestrator.Submit(r.Context(), req.submission(caller))
	if err != nil {
		kind := domain.KindOf(err)
		if secs := retryAfterSeconds(domain.RetryAfterOf(err)); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		if kind != domain.KindValidation && kind != domain.KindRateLimited {
			a.logger().Error().Err(err).Str("caller_id", caller.ID).Msg("submit generation")
		}
		a.error(w, statusFor(kind), string(kind), orchestrator.CallerMessage(err))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(a.toDTO(ev)); err != nil {
			a.logger().Debug().Err(err).Str("request_id", ev.RequestID).Msg("client stream closed")
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
