package model

import (
	"strings"
)

const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
	ContentTypeInputImg = "input_image"
)

type Message struct {
	Role string `json:"role,omitempty"`
	// Content is either a plain string or a list of content parts.
	Content any    `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	// ReasoningContent carries the thinking channel in responses.
	ReasoningContent *string `json:"reasoning_content,omitempty"`
}

type ImageURL struct {
	Url    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type MessageContent struct {
	Type     string    `json:"type,omitempty"`
	Text     *string   `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// IsStringContent reports whether Content is a bare string.
func (m Message) IsStringContent() bool {
	_, ok := m.Content.(string)
	return ok
}

// StringContent joins every text part of the message.
func (m Message) StringContent() string {
	if s, ok := m.Content.(string); ok {
		return s
	}
	var sb strings.Builder
	for _, part := range m.ParseContent() {
		if part.Type == ContentTypeText && part.Text != nil {
			sb.WriteString(*part.Text)
		}
	}
	return sb.String()
}

// ParseContent normalizes Content into typed parts. Unknown part types are dropped.
func (m Message) ParseContent() []MessageContent {
	var parts []MessageContent
	if s, ok := m.Content.(string); ok {
		text := s
		return append(parts, MessageContent{Type: ContentTypeText, Text: &text})
	}

	items, ok := m.Content.([]any)
	if !ok {
		return parts
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch obj["type"] {
		case ContentTypeText, "input_text":
			if text, ok := obj["text"].(string); ok {
				parts = append(parts, MessageContent{Type: ContentTypeText, Text: &text})
			}
		case ContentTypeImageURL, ContentTypeInputImg:
			img := &ImageURL{}
			switch v := obj["image_url"].(type) {
			case string:
				img.Url = v
			case map[string]any:
				img.Url, _ = v["url"].(string)
				img.Detail, _ = v["detail"].(string)
			}
			if img.Url == "" {
				continue
			}
			parts = append(parts, MessageContent{Type: ContentTypeImageURL, ImageURL: img})
		}
	}
	return parts
}

// ExtractPrompt flattens a conversation into the single prompt the upstream
// web client accepts, collecting image attachments along the way. A lone user
// message is passed through verbatim; longer conversations are prefixed with
// their roles.
func ExtractPrompt(messages []Message) (prompt string, images []string) {
	type line struct {
		role string
		text string
	}
	var lines []line
	for _, msg := range messages {
		var sb strings.Builder
		for _, part := range msg.ParseContent() {
			switch part.Type {
			case ContentTypeText:
				if part.Text == nil || strings.TrimSpace(*part.Text) == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(*part.Text)
			case ContentTypeImageURL:
				images = append(images, part.ImageURL.Url)
			}
		}
		if sb.Len() > 0 {
			lines = append(lines, line{role: msg.Role, text: sb.String()})
		}
	}

	if len(lines) == 1 && (lines[0].role == "user" || lines[0].role == "") {
		return lines[0].text, images
	}
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		role := l.role
		if role == "" {
			role = "user"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(l.text)
	}
	return sb.String(), images
}
