package grok

import (
	"context"
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/model"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// videoModel is the app-chat model that drives video generation.
const videoModel = "grok-3"

// Attach uploads chat images and returns their file ids for fileAttachments.
func (c *Client) Attach(ctx context.Context, tok *model.Token, files []UploadFile) ([]string, error) {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		up, err := c.Upload(ctx, tok, f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, up.FileMetadataId)
	}
	return ids, nil
}

// VideoRequest generates one video, optionally animating a reference image.
type VideoRequest struct {
	Prompt string
	Config relaymodel.VideoConfig
	Image  *UploadFile
}

// Video creates the media post and opens the generation stream.
func (c *Client) Video(ctx context.Context, tok *model.Token, req VideoRequest) (*ChatStream, error) {
	cfg := req.Config.WithDefaults()
	lg := gmw.GetLogger(ctx)

	var postId string
	var err error
	if req.Image != nil {
		up, err := c.Upload(ctx, tok, *req.Image)
		if err != nil {
			return nil, err
		}
		imageURL := up.AssetURL(c.endpoints.Assets)
		lg.Info("image uploaded for video", zap.String("url", imageURL))
		if postId, err = c.CreatePost(ctx, tok, MediaPostImage, imageURL, ""); err != nil {
			return nil, err
		}
	} else if postId, err = c.CreatePost(ctx, tok, MediaPostVideo, "", req.Prompt); err != nil {
		return nil, err
	}

	lg.Info("video generation started",
		zap.String("post_id", postId),
		zap.String("aspect_ratio", cfg.AspectRatio),
		zap.Int("length", cfg.VideoLength),
		zap.String("resolution", cfg.ResolutionName))
	return c.Chat(ctx, tok, ChatRequest{
		Message:       strings.TrimSpace(req.Prompt + " " + cfg.ModeFlag()),
		Model:         videoModel,
		ToolOverrides: map[string]any{"videoGen": true},
		ModelConfigOverride: map[string]any{
			"modelMap": map[string]any{
				"videoGenModelConfig": map[string]any{
					"aspectRatio":    cfg.AspectRatio,
					"parentPostId":   postId,
					"resolutionName": cfg.ResolutionName,
					"videoLength":    cfg.VideoLength,
				},
			},
		},
	})
}

// EditRequest edits one or more reference images with a prompt.
type EditRequest struct {
	Prompt string
	Model  string
	Images []UploadFile
}

// Edit uploads the references, links them to a parent post and opens the
// edit stream. Results arrive as image URL events.
func (c *Client) Edit(ctx context.Context, tok *model.Token, req EditRequest) (*ChatStream, error) {
	urls, err := c.UploadAll(ctx, tok, req.Images)
	if err != nil {
		return nil, err
	}

	lg := gmw.GetLogger(ctx)
	parentPostId, err := c.CreatePost(ctx, tok, MediaPostImage, urls[0], "")
	if err != nil {
		lg.Warn("create image post failed, guessing parent from url", zap.Error(err))
		parentPostId = ParentPostId(urls...)
	}

	editConfig := map[string]any{"imageReferences": urls}
	if parentPostId != "" {
		editConfig["parentPostId"] = parentPostId
	}
	return c.Chat(ctx, tok, ChatRequest{
		Message:       req.Prompt,
		Model:         req.Model,
		ToolOverrides: map[string]any{"imageGen": true},
		ModelConfigOverride: map[string]any{
			"modelMap": map[string]any{
				"imageEditModel":       "imagine",
				"imageEditModelConfig": editConfig,
			},
		},
		ImageEdit: true,
	})
}
