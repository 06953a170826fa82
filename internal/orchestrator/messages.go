package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"imagegen/internal/domain"
)

// CallerMessage maps a classified error to text that can be shown to the
// caller. Internal details never pass through.
func CallerMessage(err error) string {
	if err == nil {
		return ""
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		switch {
		case errors.Is(err, domain.ErrUnknownBackend):
			return "Unknown backend. Choose one of: " + backendList() + "."
		case errors.Is(err, domain.ErrEmptyPrompt):
			return "Please describe the image you want."
		case errors.Is(err, domain.ErrPromptTooLong):
			return "Your prompt is too long. Please shorten it and try again."
		default:
			return "The request is invalid."
		}
	case domain.KindRateLimited:
		return "You are sending requests too quickly." + retryHint(domain.RetryAfterOf(err))
	case domain.KindAuthentication:
		return "The image service rejected our credentials. Please contact the operator."
	case domain.KindInvalidRequest:
		return "The image service rejected this prompt. Try rephrasing it."
	case domain.KindUnsupportedMethod:
		return "The image service does not accept this kind of request."
	case domain.KindBackendRateLimited:
		return "The image service is busy right now. Please wait a moment." + retryHint(domain.RetryAfterOf(err))
	case domain.KindTransientNetwork:
		return "Could not reach the image service. Please try again later."
	case domain.KindBackendServer:
		return "The image service is temporarily unavailable. Please try again later."
	case domain.KindInvalidResponse:
		return "The image service returned something that is not an image."
	case domain.KindCanceled:
		return "The request was canceled."
	default:
		return "Something went wrong while generating your image."
	}
}

func retryHint(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs == 1 {
		return " Try again in 1 second."
	}
	return fmt.Sprintf(" Try again in %d seconds.", secs)
}

func backendList() string {
	names := make([]string, 0, len(domain.Backends()))
	for _, b := range domain.Backends() {
		names = append(names, b.String())
	}
	return strings.Join(names, ", ")
}

func positionMessage(pos int) string {
	if pos <= 1 {
		return "You are next in line."
	}
	return fmt.Sprintf("Position in queue: %d.", pos)
}
