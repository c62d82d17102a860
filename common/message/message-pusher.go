package message

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/chenyme/grok2api/common/config"
)

// ErrPusherDisabled is returned when no pusher address is configured.
var ErrPusherDisabled = errors.New("message pusher address is not set")

type request struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Token       string `json:"token,omitempty"`
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Enabled reports whether notifications are configured.
func Enabled() bool {
	return config.MessagePusherAddress != ""
}

// SendMessage posts one notification to the message pusher service.
func SendMessage(ctx context.Context, title, description, content string) error {
	return send(ctx, config.MessagePusherAddress, config.MessagePusherToken, request{
		Title:       title,
		Description: description,
		Content:     content,
	})
}

func send(ctx context.Context, address, token string, req request) error {
	if address == "" {
		return ErrPusherDisabled
	}
	req.Token = token
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var res response
	if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if !res.Success {
		return errors.Errorf("message pusher rejected: %s", res.Message)
	}
	return nil
}
