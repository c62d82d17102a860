package model

// ImageConfig tunes images produced from the chat endpoint.
type ImageConfig struct {
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// VideoConfig tunes video generation from the chat endpoint.
type VideoConfig struct {
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	VideoLength    int    `json:"video_length,omitempty"`
	ResolutionName string `json:"resolution_name,omitempty"`
	Preset         string `json:"preset,omitempty"`
}

const (
	DefaultVideoAspectRatio = "3:2"
	DefaultVideoLength      = 6
	DefaultVideoResolution  = "480p"
	DefaultVideoPreset      = "normal"
)

// WithDefaults fills every unset field.
func (v *VideoConfig) WithDefaults() VideoConfig {
	out := VideoConfig{}
	if v != nil {
		out = *v
	}
	if out.AspectRatio == "" {
		out.AspectRatio = DefaultVideoAspectRatio
	}
	if out.VideoLength <= 0 {
		out.VideoLength = DefaultVideoLength
	}
	if out.ResolutionName == "" {
		out.ResolutionName = DefaultVideoResolution
	}
	if out.Preset == "" {
		out.Preset = DefaultVideoPreset
	}
	return out
}

// ModeFlag maps a preset onto the upstream --mode switch.
func (v VideoConfig) ModeFlag() string {
	switch v.Preset {
	case "fun":
		return "--mode=extremely-crazy"
	case "normal":
		return "--mode=normal"
	case "spicy":
		return "--mode=extremely-spicy-or-crazy"
	default:
		return "--mode=custom"
	}
}

// GeneralOpenAIRequest is the chat completions request body. Unknown fields are ignored.
type GeneralOpenAIRequest struct {
	Model           string       `json:"model" binding:"required"`
	Messages        []Message    `json:"messages" binding:"required"`
	Stream          *bool        `json:"stream,omitempty"`
	ReasoningEffort *string      `json:"reasoning_effort,omitempty"`
	Temperature     *float64     `json:"temperature,omitempty"`
	TopP            *float64     `json:"top_p,omitempty"`
	ImageConfig     *ImageConfig `json:"image_config,omitempty"`
	VideoConfig     *VideoConfig `json:"video_config,omitempty"`
}

// IsStream resolves the stream flag against the configured default.
func (r *GeneralOpenAIRequest) IsStream(def bool) bool {
	if r.Stream == nil {
		return def
	}
	return *r.Stream
}

// ShowReasoning resolves reasoning_effort against the configured default.
// "none" disables the reasoning channel.
func (r *GeneralOpenAIRequest) ShowReasoning(def bool) bool {
	if r.ReasoningEffort == nil {
		return def
	}
	return *r.ReasoningEffort != "none"
}

type TextResponseChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type TextResponse struct {
	Id      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []TextResponseChoice `json:"choices"`
	Usage   Usage                `json:"usage"`
}

type ChatCompletionsStreamResponseChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type ChatCompletionsStreamResponse struct {
	Id      string                                `json:"id"`
	Object  string                                `json:"object"`
	Created int64                                 `json:"created"`
	Model   string                                `json:"model"`
	Choices []ChatCompletionsStreamResponseChoice `json:"choices"`
	Usage   *Usage                                `json:"usage,omitempty"`
}

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	FinishReasonStop          = "stop"
)

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	Id          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
