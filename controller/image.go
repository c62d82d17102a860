package controller

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/ctxkey"
	"github.com/chenyme/grok2api/common/helper"
	imageutil "github.com/chenyme/grok2api/common/image"
	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/dispatcher"
	"github.com/chenyme/grok2api/relay/meta"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/streaming"
)

// https://platform.openai.com/docs/api-reference/images

// multipart bodies may carry 16 images of 50MB each plus form fields
const maxEditBodyBytes = relaymodel.MaxEditImages*imageutil.MaxEditImageBytes + 1<<20

func (h *Handlers) ImageGenerations(c *gin.Context) {
	req := &relaymodel.ImageRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.AbortWithRelayError(c, relaymodel.ValidationError("", "invalid_request", err.Error()))
		return
	}
	h.serveImages(c, req, relaymodel.ImageGenerationModel, nil)
}

func (h *Handlers) ImageEdits(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEditBodyBytes)

	req := &relaymodel.ImageRequest{}
	if err := c.ShouldBind(req); err != nil {
		middleware.AbortWithRelayError(c, relaymodel.ValidationError("", "invalid_request", err.Error()))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		middleware.AbortWithRelayError(c, relaymodel.ValidationError("image", "invalid_multipart",
			"image edits require a multipart/form-data body"))
		return
	}
	images, rerr := readEditImages(form)
	if rerr != nil {
		middleware.AbortWithRelayError(c, rerr)
		return
	}
	h.serveImages(c, req, relaymodel.ImageEditModel, images)
}

// readEditImages collects the image and image[] fields in submission order.
func readEditImages(form *multipart.Form) ([]grok.UploadFile, *relaymodel.ErrorWithStatusCode) {
	var headers []*multipart.FileHeader
	headers = append(headers, form.File["image"]...)
	headers = append(headers, form.File["image[]"]...)

	switch {
	case len(headers) == 0:
		return nil, relaymodel.ValidationError("image", "missing_image", "image is required")
	case len(headers) > relaymodel.MaxEditImages:
		return nil, relaymodel.ValidationError("image", "too_many_images",
			fmt.Sprintf("at most %d images are allowed", relaymodel.MaxEditImages))
	}

	files := make([]grok.UploadFile, 0, len(headers))
	for i, fh := range headers {
		if fh.Size > imageutil.MaxEditImageBytes {
			return nil, relaymodel.ValidationError("image", "image_too_large",
				fmt.Sprintf("image %d exceeds %dMB", i+1, imageutil.MaxEditImageBytes>>20))
		}
		data, err := readFormFile(fh)
		if err != nil {
			return nil, relaymodel.ValidationError("image", "invalid_image", err.Error())
		}
		info, err := imageutil.Inspect(data)
		if err != nil {
			return nil, relaymodel.ValidationError("image", "invalid_image",
				fmt.Sprintf("image %d: %s", i+1, err.Error()))
		}
		name := fh.Filename
		if name == "" || !strings.Contains(name, ".") {
			name = fmt.Sprintf("image-%d.%s", i+1, info.Ext)
		}
		files = append(files, grok.UploadFile{Name: name, MimeType: info.MIME, Data: data})
	}
	return files, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open upload %s", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, imageutil.MaxEditImageBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read upload %s", fh.Filename)
	}
	return data, nil
}

// serveImages validates a generation or edit request and runs it. images is
// nil for generations.
func (h *Handlers) serveImages(c *gin.Context, req *relaymodel.ImageRequest, requiredModel string, images []grok.UploadFile) {
	ctx := gmw.Ctx(c)
	lg := gmw.GetLogger(c)

	req.ApplyDefaults(requiredModel)
	if rerr := req.Validate(requiredModel); rerr != nil {
		middleware.AbortWithRelayError(c, rerr)
		return
	}
	format, rerr := relaymodel.ResolveResponseFormat(req.ResponseFormat,
		relaymodel.DefaultImageFormat(config.Get().App.ImageFormat))
	if rerr != nil {
		middleware.AbortWithRelayError(c, rerr)
		return
	}

	c.Set(ctxkey.RequestModel, req.Model)
	m := meta.GetByContext(c)
	if m.Model == nil {
		middleware.AbortWithRelayError(c, modelNotFound(req.Model))
		return
	}
	m.IsStream = req.Stream

	params := dispatcher.ImageParams{
		Model:          m.Model,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		ResponseFormat: format,
		Images:         images,
	}
	lg.Debug("incoming image request",
		zap.String("model", req.Model),
		zap.Int("n", req.N),
		zap.String("size", req.Size),
		zap.String("response_format", format),
		zap.Int("images", len(images)),
		zap.Bool("stream", req.Stream))

	edit := images != nil
	if req.Stream {
		sink := streaming.NewSSESink(c)
		var err error
		if edit {
			err = h.dispatcher.StreamEdit(ctx, params, sink)
		} else {
			err = h.dispatcher.StreamImages(ctx, params, sink)
		}
		if err != nil {
			relayFailed(c, sink, err)
		}
		return
	}

	var (
		data []relaymodel.ImageData
		err  error
	)
	if edit {
		data, err = h.dispatcher.EditImages(ctx, params)
	} else {
		data, err = h.dispatcher.GenerateImages(ctx, params)
	}
	if err != nil {
		relayFailed(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, relaymodel.ImageResponse{
		Created: helper.GetTimestamp(),
		Data:    data,
	})
}
