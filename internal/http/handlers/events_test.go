package handlers

import (
	"errors"
	"testing"
	"time"

	"imagegen/internal/domain"
	"imagegen/internal/orchestrator"
	"imagegen/internal/providers/image"
)

type memoryArtifacts struct {
	files   map[string][]byte
	removed []string
}

func (m *memoryArtifacts) Read(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func (m *memoryArtifacts) Remove(path string) error {
	m.removed = append(m.removed, path)
	delete(m.files, path)
	return nil
}

func TestToDTOCompletedEmbedsAndRemovesArtifact(t *testing.T) {
	store := &memoryArtifacts{files: map[string][]byte{"/tmp/a.png": []byte("png")}}
	app := &App{Artifacts: store, CaptionLimit: 1024}

	dto := app.toDTO(orchestrator.Event{
		Kind:     orchestrator.EventCompleted,
		Backend:  domain.BackendFast,
		Prompt:   "a cat, oil painting",
		Artifact: &image.Artifact{Path: "/tmp/a.png", ContentType: "image/png"},
	})
	if dto.Type != "completed" || dto.Image != "cG5n" || dto.Caption != "a cat, oil painting" {
		t.Fatalf("unexpected dto: %+v", dto)
	}
	if len(store.removed) != 1 || store.removed[0] != "/tmp/a.png" {
		t.Fatalf("artifact not removed: %v", store.removed)
	}
}

func TestToDTOUnreadableArtifactBecomesFailure(t *testing.T) {
	store := &memoryArtifacts{files: map[string][]byte{}}
	app := &App{Artifacts: store, CaptionLimit: 1024}

	dto := app.toDTO(orchestrator.Event{
		Kind:     orchestrator.EventCompleted,
		Artifact: &image.Artifact{Path: "/tmp/gone.png"},
	})
	if dto.Type != "failed" || dto.Error != string(domain.KindInternal) || dto.Image != "" {
		t.Fatalf("unexpected dto: %+v", dto)
	}
}

func TestToDTOFailureCarriesRetryHint(t *testing.T) {
	app := &App{}
	dto := app.toDTO(orchestrator.Event{
		Kind:       orchestrator.EventFailed,
		ErrorKind:  domain.KindBackendRateLimited,
		RetryAfter: 2500 * time.Millisecond,
		Message:    "busy",
	})
	if dto.Error != "backend_rate_limited" || dto.RetryAfterSeconds != 3 {
		t.Fatalf("unexpected dto: %+v", dto)
	}
}

func TestStatusFor(t *testing.T) {
	if statusFor(domain.KindValidation) != 400 || statusFor(domain.KindRateLimited) != 429 || statusFor(domain.KindInternal) != 500 {
		t.Fatal("unexpected status mapping")
	}
}
