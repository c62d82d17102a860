package relaymode

// Capability is what a request asks the upstream to do. It decides which
// tokens may serve the request and which per-capability limits apply.
type Capability int

const (
	Unknown Capability = iota
	Chat
	ImageGenerate
	ImageEdit
	VideoGenerate
	VideoUpscale
)

var names = map[Capability]string{
	Unknown:       "unknown",
	Chat:          "chat",
	ImageGenerate: "image-generate",
	ImageEdit:     "image-edit",
	VideoGenerate: "video-generate",
	VideoUpscale:  "video-upscale",
}

func (c Capability) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return names[Unknown]
}

// All lists every concrete capability in declaration order.
func All() []Capability {
	return []Capability{Chat, ImageGenerate, ImageEdit, VideoGenerate, VideoUpscale}
}
