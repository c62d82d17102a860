package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAspectRatio(t *testing.T) {
	cases := map[string]string{
		"":          "2:3",
		"1280x720":  "16:9",
		"720x1280":  "9:16",
		"1792x1024": "3:2",
		"1024x1792": "2:3",
		"1024x1024": "1:1",
		"16:9":      "16:9",
		" 9 : 16 ":  "9:16",
		"4:3":       "2:3",
		"0:1":       "2:3",
		"512x512":   "2:3",
		"garbage":   "2:3",
	}
	for in, want := range cases {
		require.Equal(t, want, ResolveAspectRatio(in), "size %q", in)
	}
}

func TestResolveResponseFormat(t *testing.T) {
	got, err := ResolveResponseFormat("", "url")
	require.Nil(t, err)
	require.Equal(t, ResponseFormatURL, got)

	got, err = ResolveResponseFormat("base64", "url")
	require.Nil(t, err)
	require.Equal(t, ResponseFormatB64JSON, got)

	_, err = ResolveResponseFormat("", "markdown")
	require.NotNil(t, err)
	require.Equal(t, "invalid_response_format", err.Code)
	require.Equal(t, 400, err.StatusCode)
}

func TestImageRequestValidate(t *testing.T) {
	valid := func() *ImageRequest {
		r := &ImageRequest{Prompt: "a cat"}
		r.ApplyDefaults(ImageGenerationModel)
		return r
	}

	tests := []struct {
		name   string
		mutate func(r *ImageRequest)
		code   string
	}{
		{"ok", func(r *ImageRequest) {}, ""},
		{"wrong model", func(r *ImageRequest) { r.Model = "grok-4" }, "model_not_supported"},
		{"blank prompt", func(r *ImageRequest) { r.Prompt = "  " }, "empty_prompt"},
		{"n too big", func(r *ImageRequest) { r.N = 11 }, "invalid_n"},
		{"n negative", func(r *ImageRequest) { r.N = -1 }, "invalid_n"},
		{"stream n=3", func(r *ImageRequest) { r.Stream = true; r.N = 3 }, "invalid_stream_n"},
		{"stream n=2", func(r *ImageRequest) { r.Stream = true; r.N = 2 }, ""},
		{"bad format", func(r *ImageRequest) { r.ResponseFormat = "png" }, "invalid_response_format"},
		{"bad size", func(r *ImageRequest) { r.Size = "10x10" }, "invalid_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := r.Validate(ImageGenerationModel)
			if tt.code == "" {
				require.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			require.Equal(t, tt.code, err.Code)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	r := &ImageRequest{}
	r.ApplyDefaults(ImageEditModel)
	require.Equal(t, ImageEditModel, r.Model)
	require.Equal(t, 1, r.N)
	require.Equal(t, DefaultImageSize, r.Size)
}

func TestNewImageData(t *testing.T) {
	require.Equal(t, ImageData{Url: "u"}, NewImageData(ResponseFormatURL, "u"))
	require.Equal(t, ImageData{B64Json: "b"}, NewImageData(ResponseFormatB64JSON, "b"))
}

func TestDefaultImageFormat(t *testing.T) {
	require.Equal(t, ResponseFormatURL, DefaultImageFormat("markdown"))
	require.Equal(t, ResponseFormatBase64, DefaultImageFormat("base64"))
	format, err := ResolveResponseFormat("", DefaultImageFormat("base64"))
	require.Nil(t, err)
	require.Equal(t, ResponseFormatB64JSON, format)
}
