package asset

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/image"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/streaming"
)

// AssetsBaseURL serves upstream media.
const AssetsBaseURL = "https://assets.grok.com"

// maxInlineBytes bounds payloads converted to data URIs.
const maxInlineBytes = 64 << 20

// ErrInvalidPath rejects references that are not upstream asset paths.
var ErrInvalidPath = errors.New("invalid asset path")

// Fetcher downloads one upstream asset with a token's session.
type Fetcher interface {
	FetchAsset(ctx context.Context, tok *model.Token, path string) (body io.ReadCloser, mimeType string, err error)
}

// Service downloads upstream media into the Cache and renders it for clients.
type Service struct {
	cache    *Cache
	fetcher  Fetcher
	settings func() *config.Settings
	sem      *semaphore.Weighted
	group    singleflight.Group
	// resolved maps an upstream reference to the client URL already served for it.
	resolved *gocache.Cache
}

func NewService(cache *Cache, fetcher Fetcher, settings func() *config.Settings) *Service {
	if settings == nil {
		settings = config.Get
	}
	return &Service{
		cache:    cache,
		fetcher:  fetcher,
		settings: settings,
		sem:      semaphore.NewWeighted(int64(max(settings().Asset.DownloadConcurrent, 1))),
		resolved: gocache.New(30*time.Minute, time.Hour),
	}
}

func (s *Service) Cache() *Cache {
	return s.cache
}

// NormalizePath reduces an upstream URL or path to an absolute asset path.
func NormalizePath(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.HasPrefix(value, "data:") {
		return "", errors.Wrapf(ErrInvalidPath, "%q", raw)
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidPath, "%q: %v", raw, err)
	}
	path := value
	if u.Scheme != "" || u.Host != "" {
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", errors.Wrapf(ErrInvalidPath, "%q", raw)
		}
		path = u.Path
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
	}
	if path == "" {
		return "", errors.Wrapf(ErrInvalidPath, "%q", raw)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, nil
}

// FileName flattens an asset path into a cache file name.
func FileName(path string) string {
	path, _, _ = strings.Cut(path, "?")
	return sanitizeName(strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "-"))
}

func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	out := strings.Trim(sb.String(), ".")
	if out == "" {
		return "asset"
	}
	return out
}

// FileURL is where the files endpoint serves a cached entry.
func (s *Service) FileURL(kind, name string) string {
	base := strings.TrimRight(s.settings().App.AppURL, "/")
	return base + "/v1/files/" + kind + "/" + name
}

// Download caches an upstream asset, sharing one fetch between concurrent
// callers of the same key.
func (s *Service) Download(ctx context.Context, tok *model.Token, kind, raw string) (string, error) {
	path, err := NormalizePath(raw)
	if err != nil {
		return "", err
	}
	key := Key(kind, FileName(path))
	if s.cache.Has(key) {
		return key, nil
	}

	_, err, _ = s.group.Do(key, func() (any, error) {
		if s.cache.Has(key) {
			return nil, nil
		}
		body, _, err := s.fetch(ctx, tok, path)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		if _, err = s.cache.Put(ctx, key, body); err != nil {
			return nil, err
		}
		gmw.GetLogger(ctx).Info("asset downloaded", zap.String("key", key))
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// fetch runs one upstream download under the download semaphore. The
// returned body releases the slot when closed.
func (s *Service) fetch(ctx context.Context, tok *model.Token, path string) (io.ReadCloser, string, error) {
	if s.fetcher == nil {
		return nil, "", errors.New("asset fetcher not configured")
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, "", errors.WithStack(err)
	}
	timeout := s.settings().Asset.DownloadTimeoutDuration()
	fctx, cancel := context.WithTimeout(ctx, timeout)
	body, mimeType, err := s.fetcher.FetchAsset(fctx, tok, path)
	if err != nil {
		cancel()
		s.sem.Release(1)
		return nil, "", errors.Wrapf(err, "fetch asset %s", path)
	}
	return &releasingBody{ReadCloser: body, release: func() {
		cancel()
		s.sem.Release(1)
	}}, mimeType, nil
}

type releasingBody struct {
	io.ReadCloser
	release  func()
	released bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.released {
		b.released = true
		b.release()
	}
	return err
}

// ResolveURL returns the client URL of an upstream asset. Without app_url the
// upstream URL is returned as is and nothing is downloaded.
func (s *Service) ResolveURL(ctx context.Context, tok *model.Token, raw, kind string) (string, error) {
	path, err := NormalizePath(raw)
	if err != nil {
		return "", err
	}
	if s.settings().App.AppURL == "" {
		return AssetsBaseURL + path, nil
	}

	memoKey := kind + "|" + path
	if v, ok := s.resolved.Get(memoKey); ok {
		if s.cache.Has(Key(kind, FileName(path))) {
			return v.(string), nil
		}
		s.resolved.Delete(memoKey)
	}

	if _, err = s.Download(ctx, tok, kind, path); err != nil {
		if errors.Is(err, ErrTooLarge) {
			gmw.GetLogger(ctx).Warn("asset exceeds cache limit, linking upstream", zap.String("path", path))
			return AssetsBaseURL + path, nil
		}
		return "", err
	}
	out := s.FileURL(kind, FileName(path))
	s.resolved.SetDefault(memoKey, out)
	return out, nil
}

// DataURI downloads an asset, preferring the cached copy, and returns it as
// a base64 data URI.
func (s *Service) DataURI(ctx context.Context, tok *model.Token, raw, kind string) (string, error) {
	path, err := NormalizePath(raw)
	if err != nil {
		return "", err
	}

	if f, _, err := s.cache.Get(Key(kind, FileName(path))); err == nil {
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxInlineBytes))
		if err != nil {
			return "", errors.Wrapf(err, "read cached asset %s", path)
		}
		return image.EncodeDataURL(http.DetectContentType(data), data), nil
	}

	body, mimeType, err := s.fetch(ctx, tok, path)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxInlineBytes))
	if err != nil {
		return "", errors.Wrapf(err, "read asset %s", path)
	}
	mimeType, _, _ = strings.Cut(mimeType, ";")
	if mimeType = strings.TrimSpace(mimeType); mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return image.EncodeDataURL(mimeType, data), nil
}

// SaveBlob caches a base64 image produced by the imagine stream and returns
// its file URL.
func (s *Service) SaveBlob(ctx context.Context, imageId, b64 string) (string, error) {
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(b64); err != nil {
			return "", errors.Wrap(err, "decode image blob")
		}
	}

	ext := "jpg"
	switch http.DetectContentType(data) {
	case "image/png":
		ext = "png"
	case "image/webp":
		ext = "webp"
	}
	name := sanitizeName(imageId) + "." + ext
	if _, err = s.cache.PutBytes(ctx, Key(KindImage, name), data); err != nil {
		return "", err
	}
	return s.FileURL(KindImage, name), nil
}

// RenderImage renders an upstream image as a markdown image in app.image_format.
func (s *Service) RenderImage(ctx context.Context, tok *model.Token, raw string) (string, error) {
	format := strings.ToLower(s.settings().App.ImageFormat)
	if format == "base64" || format == "b64_json" {
		uri, err := s.DataURI(ctx, tok, raw, KindImage)
		if err == nil {
			return "![image](" + uri + ")", nil
		}
		gmw.GetLogger(ctx).Warn("inline image failed, falling back to url", zap.Error(err))
	}
	out, err := s.ResolveURL(ctx, tok, raw, KindImage)
	if err != nil {
		return "", err
	}
	return "![image](" + out + ")", nil
}

// RenderVideo renders a finished video in app.video_format.
func (s *Service) RenderVideo(ctx context.Context, tok *model.Token, video, thumbnail string) (string, error) {
	videoURL, err := s.ResolveURL(ctx, tok, video, KindVideo)
	if err != nil {
		return "", err
	}
	var thumbURL string
	if thumbnail != "" {
		if thumbURL, err = s.ResolveURL(ctx, tok, thumbnail, KindImage); err != nil {
			gmw.GetLogger(ctx).Warn("resolve video thumbnail", zap.Error(err))
			thumbURL = ""
		}
	}

	switch strings.ToLower(s.settings().App.VideoFormat) {
	case "markdown":
		return "[video](" + videoURL + ")", nil
	case "html":
		poster := ""
		if thumbURL != "" {
			poster = fmt.Sprintf(` poster="%s"`, html.EscapeString(thumbURL))
		}
		return fmt.Sprintf("<video id=\"video\" controls=\"\" preload=\"none\"%s>\n"+
			"  <source id=\"mp4\" src=\"%s\" type=\"video/mp4\">\n</video>",
			poster, html.EscapeString(videoURL)), nil
	default:
		return videoURL + "\n", nil
	}
}

// ClearCache removes cached files of kind, or all when kind is empty.
func (s *Service) ClearCache(kind string) (int, int64) {
	files, freed := s.cache.Clear(kind)
	s.resolved.Flush()
	return files, freed
}

// Bind returns a resolver that downloads with tok's session.
func (s *Service) Bind(tok *model.Token) *TokenMedia {
	return &TokenMedia{svc: s, tok: tok}
}

var _ streaming.MediaResolver = (*TokenMedia)(nil)

// TokenMedia is a Service bound to one token.
type TokenMedia struct {
	svc *Service
	tok *model.Token
}

func (m *TokenMedia) RenderImage(ctx context.Context, upstream string) (string, error) {
	return m.svc.RenderImage(ctx, m.tok, upstream)
}

func (m *TokenMedia) ImageURL(ctx context.Context, upstream string) (string, error) {
	return m.svc.ResolveURL(ctx, m.tok, upstream, KindImage)
}

func (m *TokenMedia) ImageBase64(ctx context.Context, upstream string) (string, error) {
	return m.svc.DataURI(ctx, m.tok, upstream, KindImage)
}

func (m *TokenMedia) SaveImageBlob(ctx context.Context, imageId, blob string) (string, error) {
	return m.svc.SaveBlob(ctx, imageId, blob)
}

func (m *TokenMedia) RenderVideo(ctx context.Context, video, thumbnail string) (string, error) {
	return m.svc.RenderVideo(ctx, m.tok, video, thumbnail)
}
