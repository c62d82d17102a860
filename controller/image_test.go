package controller

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/asset"
	"github.com/chenyme/grok2api/relay/dispatcher"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/streaming"
)

func imagineUpstream() *fakeUpstream {
	return &fakeUpstream{imagine: func(_ *model.Token, req grok.ImagineRequest) ([]streaming.Event, error) {
		return imageFinals(req.N), nil
	}}
}

func TestImageGenerationsBase64(t *testing.T) {
	f := newFixture(t, imagineUpstream(), "tok-a")

	w := f.doJSON(http.MethodPost, "/v1/images/generations", map[string]any{
		"prompt":          "a cat",
		"n":               2,
		"response_format": "base64",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp relaymodel.ImageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	for _, d := range resp.Data {
		assert.NotEmpty(t, d.B64Json)
		assert.Empty(t, d.Url)
	}
	assert.NotZero(t, resp.Created)
}

func TestImageGenerationsURLIsCached(t *testing.T) {
	f := newFixture(t, imagineUpstream(), "tok-a")

	w := f.doJSON(http.MethodPost, "/v1/images/generations", map[string]any{
		"prompt":          "a cat",
		"response_format": "url",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp relaymodel.ImageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Contains(t, resp.Data[0].Url, "http://grok2api.test/v1/files/image/")
	assert.Equal(t, 1, f.cache.Stats().ByKind[asset.KindImage])

	path := resp.Data[0].Url[len("http://grok2api.test"):]
	w = f.doJSON(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestImageGenerationsStream(t *testing.T) {
	f := newFixture(t, imagineUpstream(), "tok-a")

	w := f.doJSON(http.MethodPost, "/v1/images/generations", map[string]any{
		"prompt":          "a cat",
		"stream":          true,
		"response_format": "b64_json",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: "+relaymodel.EventImageCompleted)
}

func TestImageGenerationsValidation(t *testing.T) {
	f := newFixture(t, imagineUpstream(), "tok-a")

	for _, tc := range []struct {
		name  string
		body  map[string]any
		param string
	}{
		{"wrong model", map[string]any{"prompt": "x", "model": "grok-4"}, "model"},
		{"empty prompt", map[string]any{"prompt": " "}, "prompt"},
		{"too many", map[string]any{"prompt": "x", "n": 11}, "n"},
		{"stream n", map[string]any{"prompt": "x", "n": 3, "stream": true}, "stream"},
		{"bad size", map[string]any{"prompt": "x", "size": "3x3"}, "size"},
		{"bad format", map[string]any{"prompt": "x", "response_format": "gif"}, "response_format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := f.doJSON(http.MethodPost, "/v1/images/generations", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.param, decodeError(t, w).Param)
		})
	}
}

func TestImageGenerationsBlocked(t *testing.T) {
	up := &fakeUpstream{imagine: func(*model.Token, grok.ImagineRequest) ([]streaming.Event, error) {
		return []streaming.Event{{Type: streaming.EventImageBlob, ImageId: "x", Blob: "tiny"}}, nil
	}}
	f := newFixture(t, up, "tok-a")

	w := f.doJSON(http.MethodPost, "/v1/images/generations", map[string]any{"prompt": "x", "response_format": "b64_json"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, grok.CodeBlocked, decodeError(t, w).Code)
}

type formFile struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestImageEdits(t *testing.T) {
	up := &fakeUpstream{edit: func(*model.Token, grok.EditRequest) (dispatcher.Stream, error) {
		return stream(
			streaming.Event{Type: streaming.EventImageProgress, Index: 0, Progress: 50},
			streaming.Event{Type: streaming.EventImageURL, Index: 0, URL: "https://assets.grok.com/users/u/generated/a.png"},
		), nil
	}}
	f := newFixture(t, up, "tok-a")

	img := pngBytes(t)
	body, ct := multipartBody(t, map[string]string{
		"prompt":          "make it blue",
		"model":           relaymodel.ImageEditModel,
		"response_format": "url",
	}, formFile{"image", "cat.png", img}, formFile{"image[]", "blob", img})

	w := f.do(http.MethodPost, "/v1/images/edits", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp relaymodel.ImageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Contains(t, resp.Data[0].Url, "a.png")

	require.Len(t, up.edits, 1)
	images := up.edits[0].Images
	require.Len(t, images, 2)
	assert.Equal(t, "cat.png", images[0].Name)
	assert.Equal(t, "image-2.png", images[1].Name)
	for _, im := range images {
		assert.Equal(t, "image/png", im.MimeType)
	}
}

func TestImageEditsRejectsInput(t *testing.T) {
	up := &fakeUpstream{}
	f := newFixture(t, up, "tok-a")
	fields := map[string]string{"prompt": "edit", "model": relaymodel.ImageEditModel}

	body, ct := multipartBody(t, fields)
	w := f.do(http.MethodPost, "/v1/images/edits", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_image", decodeError(t, w).Code)

	body, ct = multipartBody(t, fields, formFile{"image", "a.gif", []byte("GIF89a not really")})
	w = f.do(http.MethodPost, "/v1/images/edits", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_image", decodeError(t, w).Code)

	files := make([]formFile, 0, relaymodel.MaxEditImages+1)
	for range relaymodel.MaxEditImages + 1 {
		files = append(files, formFile{"image[]", "a.png", pngBytes(t)})
	}
	body, ct = multipartBody(t, fields, files...)
	w = f.do(http.MethodPost, "/v1/images/edits", body, ct)
	assert.Equal(t, "too_many_images", decodeError(t, w).Code)

	w = f.doJSON(http.MethodPost, "/v1/images/edits", map[string]any{"prompt": "edit", "model": relaymodel.ImageEditModel})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, up.edits)
}

func TestServeFileMiss(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})

	for _, path := range []string{"/v1/files/image/nope.png", "/v1/files/audio/x.mp3", "/v1/files/image/..%2Fsecret"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
