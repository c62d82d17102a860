package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/asset"
	"github.com/chenyme/grok2api/relay/dispatcher"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/streaming"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopStream struct {
	streaming.Source
}

func (nopStream) Close() error { return nil }

func stream(events ...streaming.Event) dispatcher.Stream {
	return nopStream{Source: streaming.SliceSource(events...)}
}

var errUnexpectedCall = errors.New("unexpected upstream call")

type fakeUpstream struct {
	mu    sync.Mutex
	edits []grok.EditRequest

	chat    func(tok *model.Token, req grok.ChatRequest) (dispatcher.Stream, error)
	imagine func(tok *model.Token, req grok.ImagineRequest) ([]streaming.Event, error)
	edit    func(tok *model.Token, req grok.EditRequest) (dispatcher.Stream, error)
}

func (f *fakeUpstream) Chat(_ context.Context, tok *model.Token, req grok.ChatRequest) (dispatcher.Stream, error) {
	if f.chat == nil {
		return nil, errUnexpectedCall
	}
	return f.chat(tok, req)
}

func (f *fakeUpstream) Video(context.Context, *model.Token, grok.VideoRequest) (dispatcher.Stream, error) {
	return nil, errUnexpectedCall
}

func (f *fakeUpstream) Edit(_ context.Context, tok *model.Token, req grok.EditRequest) (dispatcher.Stream, error) {
	f.mu.Lock()
	f.edits = append(f.edits, req)
	f.mu.Unlock()
	if f.edit == nil {
		return nil, errUnexpectedCall
	}
	return f.edit(tok, req)
}

func (f *fakeUpstream) Imagine(_ context.Context, tok *model.Token, req grok.ImagineRequest) ([]streaming.Event, error) {
	if f.imagine == nil {
		return nil, errUnexpectedCall
	}
	return f.imagine(tok, req)
}

func (f *fakeUpstream) ImagineStream(ctx context.Context, tok *model.Token, req grok.ImagineRequest) (dispatcher.Stream, error) {
	events, err := f.Imagine(ctx, tok, req)
	if err != nil {
		return nil, err
	}
	return stream(events...), nil
}

func (f *fakeUpstream) Attach(context.Context, *model.Token, []grok.UploadFile) ([]string, error) {
	return nil, nil
}

func (f *fakeUpstream) UpscaleVideo(context.Context, *model.Token, string) (string, error) {
	return "", errUnexpectedCall
}

func (f *fakeUpstream) LoadImage(context.Context, string) (grok.UploadFile, error) {
	return grok.UploadFile{}, errUnexpectedCall
}

func (f *fakeUpstream) ResetSession() {}

func (f *fakeUpstream) FetchAsset(context.Context, *model.Token, string) (io.ReadCloser, string, error) {
	return io.NopCloser(bytes.NewReader([]byte("asset-bytes"))), "image/png", nil
}

func testCtx() context.Context {
	return gmw.SetLogger(context.Background(), logger.Logger)
}

type fixture struct {
	h       *Handlers
	pool    *pool.Pool
	cache   *asset.Cache
	storage model.Storage
	engine  *gin.Engine
}

// newFixture installs test settings, a local storage pool seeded with basic
// tokens and an engine carrying every controller route.
func newFixture(t *testing.T, up *fakeUpstream, secrets ...string) *fixture {
	t.Helper()

	orig := config.Get()
	s := config.DefaultSettings()
	s.App.AppURL = "http://grok2api.test"
	s.App.Stream = false
	s.Token.SaveDelayMs = int(time.Hour / time.Millisecond)
	s.Image.FinalMinBytes = 100
	s.Image.MediumMinBytes = 10
	s.Image.BlockedParallelAttempts = 0
	config.Set(s)
	t.Cleanup(func() { config.Set(orig) })

	dir := t.TempDir()
	storage, err := model.NewLocalStorage(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	p := pool.New(storage, pool.WithSettings(config.Get))
	require.NoError(t, p.Load(testCtx()))
	if len(secrets) > 0 {
		inputs := make([]pool.TokenInput, 0, len(secrets))
		for _, secret := range secrets {
			inputs = append(inputs, pool.TokenInput{Kind: model.TokenKindBasic, Secret: secret})
		}
		_, err = p.Add(testCtx(), inputs)
		require.NoError(t, err)
	}

	cache, err := asset.OpenCache(filepath.Join(dir, "cache"), func() (int64, bool) { return 1 << 30, true })
	require.NoError(t, err)
	assets := asset.NewService(cache, up, config.Get)
	d := dispatcher.New(p, up, dispatcher.WithAssets(assets))
	h := New(p, d, assets)

	engine := gin.New()
	engine.Use(func(c *gin.Context) {
		gmw.SetLogger(c, logger.Logger)
		c.Next()
	})
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.POST("/v1/images/generations", h.ImageGenerations)
	engine.POST("/v1/images/edits", h.ImageEdits)
	engine.GET("/v1/models", ListModels)
	engine.GET("/v1/models/:model", RetrieveModel)
	engine.GET("/v1/files/:kind/*name", h.ServeFile)
	engine.GET("/health", Health)
	engine.GET("/api/status", h.GetStatus)

	admin := engine.Group("/v1/admin")
	admin.GET("/tokens", h.ListTokens)
	admin.POST("/tokens", h.UpdateTokens)
	admin.DELETE("/tokens", h.DeleteTokens)
	admin.POST("/tokens/refresh", h.RefreshTokens)
	admin.POST("/tokens/enable", h.EnableTokens)
	admin.POST("/tokens/prune", h.PruneTokens)
	admin.GET("/tokens/export", h.ExportTokens)
	admin.POST("/tokens/nsfw/enable", h.EnableNSFW)
	admin.GET("/config", h.GetConfig)
	admin.POST("/config", h.UpdateConfig)
	admin.GET("/storage", h.GetStorage)
	admin.GET("/cache", h.GetCache)
	admin.POST("/cache/clear", h.ClearCache)

	return &fixture{h: h, pool: p, cache: cache, storage: storage, engine: engine}
}

func (f *fixture) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) doJSON(method, path string, body any) *httptest.ResponseRecorder {
	if body == nil {
		return f.do(method, path, nil, "")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return f.do(method, path, bytes.NewReader(raw), "application/json")
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) relaymodel.Error {
	t.Helper()
	var body relaymodel.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

// adminData unwraps the {success, message, data} envelope.
func adminData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Success)
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func imageFinals(n int) []streaming.Event {
	events := make([]streaming.Event, 0, n)
	for i := range n {
		events = append(events, streaming.Event{
			Type:    streaming.EventImageBlob,
			ImageId: fmt.Sprintf("img-%d", i),
			Blob:    base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{byte(i + 1)}, 200)),
		})
	}
	return events
}
