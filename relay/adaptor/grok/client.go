// Package grok speaks the upstream web protocol: the app-chat NDJSON stream,
// the media endpoints, the imagine WebSocket and the rate-limit probe.
package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/retry"
)

const (
	DefaultBaseURL   = "https://grok.com"
	DefaultAssetsURL = "https://assets.grok.com"
	DefaultWSURL     = "wss://grok.com/ws/imagine/listen"

	pathAppChat     = "/rest/app-chat/conversations/new"
	pathUploadFile  = "/rest/app-chat/upload-file"
	pathMediaPost   = "/rest/media/post/create"
	pathUpscale     = "/rest/media/video/upscale"
	pathRateLimits  = "/rest/rate-limits"
	maxErrorBodyLen = 2048
)

// Endpoints are the upstream origins. Tests point them at local servers.
type Endpoints struct {
	Base   string
	Assets string
	WS     string
}

// Client is safe for concurrent use. HTTP clients are cached per proxy URL
// and rebuilt when the configured proxy changes.
type Client struct {
	endpoints Endpoints
	settings  func() *config.Settings

	imaginePoll   time.Duration
	imagineSettle time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

type Option func(*Client)

func WithEndpoints(ep Endpoints) Option {
	return func(c *Client) {
		if ep.Base != "" {
			c.endpoints.Base = strings.TrimRight(ep.Base, "/")
		}
		if ep.Assets != "" {
			c.endpoints.Assets = strings.TrimRight(ep.Assets, "/")
		}
		if ep.WS != "" {
			c.endpoints.WS = ep.WS
		}
	}
}

func WithSettings(settings func() *config.Settings) Option {
	return func(c *Client) { c.settings = settings }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoints: Endpoints{Base: DefaultBaseURL, Assets: DefaultAssetsURL, WS: DefaultWSURL},
		settings:  config.Get,
		clients:   map[string]*http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// proxyDialer returns a dial function for socks5 proxies, or an http.Transport
// proxy func for http(s) proxies. Both are nil for a direct connection.
func proxyDialer(raw string) (func(ctx context.Context, network, addr string) (net.Conn, error), func(*http.Request) (*url.URL, error), error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil
	}
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parse proxy url %q", raw)
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create socks5 dialer")
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext, nil, nil
		}
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}, nil, nil
	case "http", "https":
		return nil, http.ProxyURL(proxyURL), nil
	default:
		return nil, nil, errors.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
}

// httpClient returns the shared client for a proxy URL. Timeouts are per
// request through the context; the client itself has none so streams can
// run as long as they stay active.
func (c *Client) httpClient(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[proxyURL]; ok {
		return hc, nil
	}

	dial, proxyFunc, err := proxyDialer(proxyURL)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:                 proxyFunc,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if dial == nil {
		transport.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}
	hc := &http.Client{Transport: transport}
	c.clients[proxyURL] = hc
	return hc, nil
}

// ResetSession drops pooled connections so the next request opens a fresh
// session, e.g. after the upstream answered with a session-reset status.
func (c *Client) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, hc := range c.clients {
		hc.CloseIdleConnections()
		delete(c.clients, key)
	}
}

// wsDialer mirrors the HTTP proxy settings for the imagine socket.
func (c *Client) wsDialer() (*websocket.Dialer, error) {
	dial, proxyFunc, err := proxyDialer(c.settings().Proxy.BaseProxyURL)
	if err != nil {
		return nil, err
	}
	return &websocket.Dialer{
		HandshakeTimeout:  15 * time.Second,
		Proxy:             proxyFunc,
		NetDialContext:    dial,
		EnableCompression: true,
	}, nil
}

// postJSON sends body to path with the token's session and returns the open
// response. Non-2xx responses are closed and returned as *retry.UpstreamError.
func (c *Client) postJSON(ctx context.Context, tok *model.Token, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.Base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	BuildHeaders(req.Header, c.settings(), tok, "application/json", "", "")
	return c.do(req, c.settings().Proxy.BaseProxyURL)
}

func (c *Client) do(req *http.Request, proxyURL string) (*http.Response, error) {
	hc, err := c.httpClient(proxyURL)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, errors.WithStack(ctxErr)
		}
		return nil, &retry.UpstreamError{Code: "connection_failed", Err: errors.WithStack(err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// decodeJSON reads a small JSON reply into out.
func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &retry.UpstreamError{StatusCode: 0, Code: "invalid_response", Err: errors.Wrap(err, "decode upstream reply")}
	}
	return nil
}

// statusError converts a failed response, keeping the upstream error code
// when the body carries one.
func statusError(resp *http.Response) *retry.UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	ue := &retry.UpstreamError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	var parsed struct {
		Error struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Code    any    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Error.Message != "":
			ue.Message = parsed.Error.Message
			ue.Code = codeString(parsed.Error.Code)
		case parsed.Message != "":
			ue.Message = parsed.Message
			ue.Code = codeString(parsed.Code)
		}
	}
	if ue.Code == "" && resp.StatusCode == http.StatusTooManyRequests {
		ue.Code = "rate_limit_exceeded"
	}
	if ue.Message == "" {
		ue.Message = http.StatusText(resp.StatusCode)
	}
	return ue
}

func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		if c == 0 {
			return ""
		}
		return strconv.FormatFloat(c, 'f', -1, 64)
	default:
		return ""
	}
}
