package image_test

import (
	"bytes"
	stdimage "image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	img "github.com/chenyme/grok2api/common/image"
)

func solid(w, h int) stdimage.Image {
	m := stdimage.NewRGBA(stdimage.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			m.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return m
}

func TestInspectPNGAndJPEG(t *testing.T) {
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, solid(12, 7)))

	info, err := img.Inspect(pngBuf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "image/png", info.MIME)
	require.Equal(t, "png", info.Ext)
	require.Equal(t, 12, info.Width)
	require.Equal(t, 7, info.Height)

	var jpgBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpgBuf, solid(5, 9), nil))

	info, err = img.Inspect(jpgBuf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", info.MIME)
	require.Equal(t, "jpg", info.Ext)
	require.Equal(t, 9, info.Height)
}

func TestInspectRejectsOtherFormats(t *testing.T) {
	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, solid(3, 3), nil))

	_, err := img.Inspect(gifBuf.Bytes())
	require.ErrorIs(t, err, img.ErrUnsupportedFormat)

	_, err = img.Inspect([]byte("definitely not an image"))
	require.ErrorIs(t, err, img.ErrUnsupportedFormat)

	_, err = img.Inspect(nil)
	require.Error(t, err)
}

func TestDataURLRoundTrip(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	encoded := img.EncodeDataURL("image/png", payload)
	require.True(t, img.IsDataURL(encoded))

	mimeType, data, err := img.DecodeDataURL(encoded)
	require.NoError(t, err)
	require.Equal(t, "image/png", mimeType)
	require.Equal(t, payload, data)

	_, _, err = img.DecodeDataURL("https://example.com/a.png")
	require.Error(t, err)
	require.False(t, img.IsDataURL("https://example.com/a.png"))
}
