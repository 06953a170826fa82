package domain

import "strings"

// Backend identifies one of the image synthesis services requests can be routed to.
type Backend string

const (
	BackendFast    Backend = "fast"
	BackendQuality Backend = "quality"
)

var knownBackends = []Backend{BackendFast, BackendQuality}

// Backends returns the closed set of supported backends in a stable order.
func Backends() []Backend {
	out := make([]Backend, len(knownBackends))
	copy(out, knownBackends)
	return out
}

// ParseBackend normalizes a caller-supplied backend token.
func ParseBackend(raw string) (Backend, error) {
	name := Backend(strings.ToLower(strings.TrimSpace(raw)))
	for _, b := range knownBackends {
		if b == name {
			return b, nil
		}
	}
	return "", &Error{Kind: KindValidation, Message: "unsupported backend " + quoteShort(raw), Err: ErrUnknownBackend}
}

// Valid reports whether b is part of the supported set.
func (b Backend) Valid() bool {
	for _, known := range knownBackends {
		if known == b {
			return true
		}
	}
	return false
}

// RequiresCredential reports whether calls to b must carry a bearer token.
func (b Backend) RequiresCredential() bool {
	return b == BackendQuality
}

func (b Backend) String() string {
	return string(b)
}

func quoteShort(s string) string {
	const max = 32
	r := []rune(s)
	if len(r) > max {
		r = append(r[:max], '…')
	}
	return "\"" + string(r) + "\""
}
