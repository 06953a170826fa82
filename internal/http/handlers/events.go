package handlers

import (
	"encoding/base64"
	"math"
	"time"

	"imagegen/internal/domain"
	"imagegen/internal/orchestrator"
)

// eventDTO is the wire form of an orchestrator event on both the NDJSON and
// WebSocket transports.
type eventDTO struct {
	Type              string    `json:"type"`
	RequestID         string    `json:"request_id,omitempty"`
	Backend           string    `json:"backend,omitempty"`
	Position          int       `json:"position,omitempty"`
	Message           string    `json:"message"`
	Caption           string    `json:"caption,omitempty"`
	ContentType       string    `json:"content_type,omitempty"`
	Image             string    `json:"image,omitempty"`
	Error             string    `json:"error,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	At                time.Time `json:"at"`
}

// toDTO renders ev. A completed event embeds the artifact, which is deleted
// once read; if it cannot be read the event turns into a failure.
func (a *App) toDTO(ev orchestrator.Event) eventDTO {
	dto := eventDTO{
		Type:      string(ev.Kind),
		RequestID: ev.RequestID,
		Backend:   ev.Backend.String(),
		Position:  ev.Position,
		Message:   ev.Message,
		At:        ev.At,
	}
	switch ev.Kind {
	case orchestrator.EventFailed:
		dto.Error = string(ev.ErrorKind)
		dto.RetryAfterSeconds = retryAfterSeconds(ev.RetryAfter)
	case orchestrator.EventCompleted:
		if ev.Artifact == nil {
			return a.deliveryFailed(dto)
		}
		data, err := a.Artifacts.Read(ev.Artifact.Path)
		if rmErr := a.Artifacts.Remove(ev.Artifact.Path); rmErr != nil {
			a.logger().Warn().Err(rmErr).Str("request_id", ev.RequestID).Msg("remove delivered artifact")
		}
		if err != nil {
			a.logger().Error().Err(err).Str("request_id", ev.RequestID).Msg("read artifact")
			return a.deliveryFailed(dto)
		}
		dto.ContentType = ev.Artifact.ContentType
		dto.Image = base64.StdEncoding.EncodeToString(data)
		dto.Caption = domain.Caption(ev.Prompt, a.CaptionLimit)
	}
	return dto
}

func (a *App) deliveryFailed(dto eventDTO) eventDTO {
	dto.Type = string(orchestrator.EventFailed)
	dto.Error = string(domain.KindInternal)
	dto.Message = orchestrator.CallerMessage(&domain.Error{Kind: domain.KindInternal})
	return dto
}

func rejectionDTO(err error) eventDTO {
	return eventDTO{
		Type:              string(orchestrator.EventFailed),
		Message:           orchestrator.CallerMessage(err),
		Error:             string(domain.KindOf(err)),
		RetryAfterSeconds: retryAfterSeconds(domain.RetryAfterOf(err)),
		At:                time.Now(),
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
