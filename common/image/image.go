package image

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	_ "golang.org/x/image/webp"
)

// MaxEditImageBytes is the per-file upload ceiling for image edits.
const MaxEditImageBytes = 50 << 20

// ErrUnsupportedFormat is returned for anything other than png, jpeg or webp.
var ErrUnsupportedFormat = errors.New("unsupported image format, expected png, jpeg or webp")

var dataURLPattern = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,(.*)$`)

// Info describes an uploaded image after its header has been decoded.
type Info struct {
	MIME   string
	Ext    string
	Width  int
	Height int
	Size   int
}

var readerPool = sync.Pool{
	New: func() any {
		return &bytes.Reader{}
	},
}

// Inspect decodes only the image header and reports the real format.
// The declared content type of an upload is never trusted.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, errors.New("empty image")
	}
	if len(data) > MaxEditImageBytes {
		return Info{}, errors.Errorf("image size %d exceeds %dMB", len(data), MaxEditImageBytes>>20)
	}

	reader := readerPool.Get().(*bytes.Reader)
	defer readerPool.Put(reader)
	reader.Reset(data)

	cfg, format, err := image.DecodeConfig(reader)
	if err != nil {
		return Info{}, errors.Wrap(ErrUnsupportedFormat, err.Error())
	}

	info := Info{Width: cfg.Width, Height: cfg.Height, Size: len(data)}
	switch format {
	case "png":
		info.MIME, info.Ext = "image/png", "png"
	case "jpeg":
		info.MIME, info.Ext = "image/jpeg", "jpg"
	case "webp":
		info.MIME, info.Ext = "image/webp", "webp"
	default:
		return Info{}, errors.Wrapf(ErrUnsupportedFormat, "got %s", format)
	}
	return info, nil
}

// DecodeDataURL splits a data:image/...;base64 URL into its mime type and payload.
func DecodeDataURL(raw string) (mimeType string, data []byte, err error) {
	matches := dataURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if len(matches) != 3 {
		return "", nil, errors.New("not an image data url")
	}
	data, err = base64.StdEncoding.DecodeString(matches[2])
	if err != nil {
		return "", nil, errors.Wrap(err, "decode data url payload")
	}
	return matches[1], data, nil
}

// IsDataURL reports whether raw looks like an inline base64 image.
func IsDataURL(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "data:image/")
}

// EncodeDataURL is the inverse of DecodeDataURL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
