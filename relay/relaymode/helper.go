package relaymode

import "strings"

// GetByPath maps a public route onto the capability it serves. Chat
// completions may still turn into image or video work once the model is known.
func GetByPath(path string) Capability {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return Chat
	case strings.HasPrefix(path, "/v1/images/generations"):
		return ImageGenerate
	case strings.HasPrefix(path, "/v1/images/edits"):
		return ImageEdit
	default:
		return Unknown
	}
}

// Parse is the inverse of Capability.String.
func Parse(name string) Capability {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range names {
		if n == name {
			return c
		}
	}
	return Unknown
}
