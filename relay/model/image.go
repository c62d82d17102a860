package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	ImageGenerationModel = "grok-imagine-1.0"
	ImageEditModel       = "grok-imagine-1.0-edit"

	DefaultImageSize   = "1024x1024"
	DefaultAspectRatio = "2:3"

	MaxImagesPerRequest = 10
	MaxEditImages       = 16

	ResponseFormatURL     = "url"
	ResponseFormatB64JSON = "b64_json"
	ResponseFormatBase64  = "base64"
)

var sizeToAspect = map[string]string{
	"1280x720":  "16:9",
	"720x1280":  "9:16",
	"1792x1024": "3:2",
	"1024x1792": "2:3",
	"1024x1024": "1:1",
}

var allowedAspectRatios = map[string]struct{}{
	"1:1":  {},
	"2:3":  {},
	"3:2":  {},
	"9:16": {},
	"16:9": {},
}

// ImageRequest is the body of /v1/images/generations, and the form of /v1/images/edits.
type ImageRequest struct {
	Model          string `json:"model" form:"model"`
	Prompt         string `json:"prompt" form:"prompt"`
	N              int    `json:"n,omitempty" form:"n"`
	Size           string `json:"size,omitempty" form:"size"`
	Quality        string `json:"quality,omitempty" form:"quality"`
	ResponseFormat string `json:"response_format,omitempty" form:"response_format"`
	Style          string `json:"style,omitempty" form:"style"`
	Stream         bool   `json:"stream,omitempty" form:"stream"`
}

type ImageUsageInputTokensDetails struct {
	TextTokens  int `json:"text_tokens"`
	ImageTokens int `json:"image_tokens"`
}

// ImageUsage is always zero; the upstream does not meter images in tokens.
type ImageUsage struct {
	TotalTokens        int                          `json:"total_tokens"`
	InputTokens        int                          `json:"input_tokens"`
	OutputTokens       int                          `json:"output_tokens"`
	InputTokensDetails ImageUsageInputTokensDetails `json:"input_tokens_details"`
}

// ImageData holds either a url or a base64 payload, depending on response_format.
type ImageData struct {
	Url     string `json:"url,omitempty"`
	B64Json string `json:"b64_json,omitempty"`
}

type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Usage   ImageUsage  `json:"usage"`
}

// NewImageData places value into the field selected by format.
func NewImageData(format, value string) ImageData {
	if format == ResponseFormatURL {
		return ImageData{Url: value}
	}
	return ImageData{B64Json: value}
}

// ImagePartialEvent is the image_generation.partial_image SSE payload.
type ImagePartialEvent struct {
	Type              string `json:"type"`
	Url               string `json:"url,omitempty"`
	B64Json           string `json:"b64_json,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	Size              string `json:"size,omitempty"`
	Index             int    `json:"index"`
	PartialImageIndex int    `json:"partial_image_index"`
	ImageId           string `json:"image_id,omitempty"`
	Stage             string `json:"stage,omitempty"`
}

// ImageCompletedEvent is the image_generation.completed SSE payload.
type ImageCompletedEvent struct {
	Type      string     `json:"type"`
	Url       string     `json:"url,omitempty"`
	B64Json   string     `json:"b64_json,omitempty"`
	CreatedAt int64      `json:"created_at"`
	Size      string     `json:"size,omitempty"`
	Index     int        `json:"index"`
	ImageId   string     `json:"image_id,omitempty"`
	Stage     string     `json:"stage"`
	Usage     ImageUsage `json:"usage"`
}

const (
	EventImagePartial   = "image_generation.partial_image"
	EventImageCompleted = "image_generation.completed"
	EventError          = "error"
)

// ResolveAspectRatio maps an OpenAI size, or an explicit ratio such as "16:9",
// onto one of the ratios the upstream accepts. Anything else yields 2:3.
func ResolveAspectRatio(size string) string {
	value := strings.TrimSpace(size)
	if value == "" {
		return DefaultAspectRatio
	}
	if ratio, ok := sizeToAspect[value]; ok {
		return ratio
	}
	left, right, ok := strings.Cut(value, ":")
	if !ok {
		return DefaultAspectRatio
	}
	l, lerr := strconv.Atoi(strings.TrimSpace(left))
	r, rerr := strconv.Atoi(strings.TrimSpace(right))
	if lerr != nil || rerr != nil || l <= 0 || r <= 0 {
		return DefaultAspectRatio
	}
	ratio := fmt.Sprintf("%d:%d", l, r)
	if _, ok := allowedAspectRatios[ratio]; ok {
		return ratio
	}
	return DefaultAspectRatio
}

// DefaultImageFormat maps app.image_format onto an images API format.
// markdown only applies to chat answers and falls back to url here.
func DefaultImageFormat(appFormat string) string {
	if strings.EqualFold(strings.TrimSpace(appFormat), "markdown") {
		return ResponseFormatURL
	}
	return appFormat
}

// ResolveResponseFormat picks the request format or the configured default,
// folding base64 into b64_json.
func ResolveResponseFormat(requested, def string) (string, *ErrorWithStatusCode) {
	format := strings.ToLower(strings.TrimSpace(requested))
	if format == "" {
		format = strings.ToLower(strings.TrimSpace(def))
	}
	switch format {
	case ResponseFormatURL, ResponseFormatB64JSON:
		return format, nil
	case ResponseFormatBase64:
		return ResponseFormatB64JSON, nil
	}
	return "", ValidationError("response_format", "invalid_response_format",
		"response_format must be one of b64_json, base64, url")
}

func allowedSizes() []string {
	sizes := make([]string, 0, len(sizeToAspect))
	for s := range sizeToAspect {
		sizes = append(sizes, s)
	}
	sort.Strings(sizes)
	return sizes
}

// ApplyDefaults fills the fields OpenAI clients usually omit.
func (r *ImageRequest) ApplyDefaults(defaultModel string) {
	if r.Model == "" {
		r.Model = defaultModel
	}
	if r.N == 0 {
		r.N = 1
	}
	if r.Size == "" {
		r.Size = DefaultImageSize
	}
}

// Validate checks the rules shared by generations and edits. requiredModel is
// the only model accepted on the endpoint.
func (r *ImageRequest) Validate(requiredModel string) *ErrorWithStatusCode {
	if r.Model != requiredModel {
		return ValidationError("model", "model_not_supported",
			fmt.Sprintf("The model `%s` is required for this endpoint.", requiredModel))
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return ValidationError("prompt", "empty_prompt", "Prompt cannot be empty")
	}
	if r.N < 1 || r.N > MaxImagesPerRequest {
		return ValidationError("n", "invalid_n", "n must be between 1 and 10")
	}
	if r.Stream && r.N != 1 && r.N != 2 {
		return ValidationError("stream", "invalid_stream_n", "Streaming is only supported when n=1 or n=2")
	}
	if r.ResponseFormat != "" {
		switch r.ResponseFormat {
		case ResponseFormatURL, ResponseFormatB64JSON, ResponseFormatBase64:
		default:
			return ValidationError("response_format", "invalid_response_format",
				"response_format must be one of [b64_json base64 url]")
		}
	}
	if r.Size != "" {
		if _, ok := sizeToAspect[r.Size]; !ok {
			return ValidationError("size", "invalid_size",
				fmt.Sprintf("size must be one of %v", allowedSizes()))
		}
	}
	return nil
}
