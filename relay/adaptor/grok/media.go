package grok

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/image"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/retry"
)

const (
	MediaPostVideo = "MEDIA_POST_TYPE_VIDEO"
	MediaPostImage = "MEDIA_POST_TYPE_IMAGE"
)

// UploadFile is one attachment ready for upload.
type UploadFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Uploaded is what the upstream returns for an attachment.
type Uploaded struct {
	FileMetadataId string `json:"fileMetadataId"`
	FileURI        string `json:"fileUri"`
}

// AssetURL is the absolute URL of the uploaded file.
func (u Uploaded) AssetURL(assetsBase string) string {
	if strings.HasPrefix(u.FileURI, "http") {
		return u.FileURI
	}
	return strings.TrimRight(assetsBase, "/") + "/" + strings.TrimLeft(u.FileURI, "/")
}

// Upload attaches one file to the token's account.
func (c *Client) Upload(ctx context.Context, tok *model.Token, f UploadFile) (Uploaded, error) {
	resp, err := c.postJSON(ctx, tok, pathUploadFile, map[string]any{
		"fileName":     f.Name,
		"fileMimeType": f.MimeType,
		"content":      base64.StdEncoding.EncodeToString(f.Data),
	})
	if err != nil {
		return Uploaded{}, errors.Wrap(err, "upload file")
	}
	var out Uploaded
	if err = decodeJSON(resp, &out); err != nil {
		return Uploaded{}, err
	}
	if out.FileURI == "" && out.FileMetadataId == "" {
		return Uploaded{}, retry.NewUpstreamError(0, "upload_failed", "upload returned no file")
	}
	gmw.GetLogger(ctx).Debug("file uploaded", zap.String("file_id", out.FileMetadataId))
	return out, nil
}

// UploadAll uploads files in order and returns their asset URLs.
func (c *Client) UploadAll(ctx context.Context, tok *model.Token, files []UploadFile) ([]string, error) {
	urls := make([]string, 0, len(files))
	for _, f := range files {
		up, err := c.Upload(ctx, tok, f)
		if err != nil {
			return nil, err
		}
		urls = append(urls, up.AssetURL(c.endpoints.Assets))
	}
	if len(urls) == 0 {
		return nil, retry.NewUpstreamError(0, "upload_failed", "image upload failed")
	}
	return urls, nil
}

// CreatePost creates a media post and returns its id. Image posts need
// mediaURL; video posts carry the prompt.
func (c *Client) CreatePost(ctx context.Context, tok *model.Token, mediaType, mediaURL, prompt string) (string, error) {
	if mediaType == MediaPostImage && mediaURL == "" {
		return "", errors.New("media url is required for image posts")
	}
	if mediaType != MediaPostVideo {
		prompt = ""
	}
	resp, err := c.postJSON(ctx, tok, pathMediaPost, map[string]any{
		"mediaType": mediaType,
		"mediaUrl":  mediaURL,
		"prompt":    prompt,
	})
	if err != nil {
		return "", errors.Wrap(err, "create media post")
	}
	var out struct {
		Post struct {
			Id string `json:"id"`
		} `json:"post"`
	}
	if err = decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if out.Post.Id == "" {
		return "", retry.NewUpstreamError(0, "invalid_response", "no post id in response")
	}
	gmw.GetLogger(ctx).Info("media post created",
		zap.String("post_id", out.Post.Id), zap.String("type", mediaType))
	return out.Post.Id, nil
}

var (
	videoIdRes = []*regexp.Regexp{
		regexp.MustCompile(`/generated/([0-9a-fA-F-]{32,36})/`),
		regexp.MustCompile(`/([0-9a-fA-F-]{32,36})/generated_video`),
	}
	parentPostRes = []*regexp.Regexp{
		regexp.MustCompile(`/generated/([a-f0-9-]+)/`),
		regexp.MustCompile(`/users/[^/]+/([a-f0-9-]+)/content`),
	}
)

// VideoId extracts the generation id from a rendered video URL.
func VideoId(videoURL string) string {
	return firstMatch(videoIdRes, videoURL)
}

// ParentPostId guesses the post id from an uploaded or generated asset URL.
func ParentPostId(urls ...string) string {
	for _, u := range urls {
		if id := firstMatch(parentPostRes, u); id != "" {
			return id
		}
	}
	return ""
}

func firstMatch(res []*regexp.Regexp, s string) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

// UpscaleVideo asks for the HD rendition of a finished video and returns its
// URL.
func (c *Client) UpscaleVideo(ctx context.Context, tok *model.Token, videoURL string) (string, error) {
	videoId := VideoId(videoURL)
	if videoId == "" {
		return "", errors.Errorf("no video id in %q", videoURL)
	}
	resp, err := c.postJSON(ctx, tok, pathUpscale, map[string]any{"videoId": videoId})
	if err != nil {
		return "", errors.Wrap(err, "upscale video")
	}
	var out struct {
		HDMediaURL string `json:"hdMediaUrl"`
	}
	if err = decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if out.HDMediaURL == "" {
		return "", retry.NewUpstreamError(0, "invalid_response", "no hd media url in response")
	}
	return out.HDMediaURL, nil
}

func (c *Client) assetProxy() string {
	s := c.settings()
	if s.Proxy.AssetProxyURL != "" {
		return s.Proxy.AssetProxyURL
	}
	return s.Proxy.BaseProxyURL
}

// FetchAsset downloads path from the assets host with the token's cookie.
// The caller closes the body.
func (c *Client) FetchAsset(ctx context.Context, tok *model.Token, path string) (io.ReadCloser, string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.Assets+path, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build asset request")
	}
	contentType := "image/jpeg"
	if strings.Contains(path, ".mp4") {
		contentType = "video/mp4"
	} else if strings.HasSuffix(strings.SplitN(path, "?", 2)[0], ".png") {
		contentType = "image/png"
	}
	BuildHeaders(req.Header, c.settings(), tok, contentType, "", "")
	// a GET carries no body
	req.Header.Del("Content-Type")

	resp, err := c.do(req, c.assetProxy())
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// LoadImage resolves an image reference from a request into an upload: data
// URLs are decoded in place and http(s) URLs are downloaded.
func (c *Client) LoadImage(ctx context.Context, ref string) (UploadFile, error) {
	var data []byte
	var err error
	if image.IsDataURL(ref) {
		if _, data, err = image.DecodeDataURL(ref); err != nil {
			return UploadFile{}, err
		}
	} else {
		if data, err = c.download(ctx, ref); err != nil {
			return UploadFile{}, err
		}
	}

	info, err := image.Inspect(data)
	if err != nil {
		return UploadFile{}, err
	}
	return UploadFile{Name: "image." + info.Ext, MimeType: info.MIME, Data: data}, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, errors.Errorf("unsupported image reference %q", truncate(rawURL, 64))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build image request")
	}
	req.Header.Set("User-Agent", c.settings().Proxy.UserAgent)
	resp, err := c.do(req, c.assetProxy())
	if err != nil {
		return nil, errors.Wrapf(err, "download image %s", truncate(rawURL, 64))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, image.MaxEditImageBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
