package config

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Settings is the runtime configuration document. It is persisted as TOML through
// the storage backend and can be patched by the admin API while the server runs.
type Settings struct {
	App   AppSettings   `toml:"app" json:"app"`
	Proxy ProxySettings `toml:"proxy" json:"proxy"`
	Retry RetrySettings `toml:"retry" json:"retry"`
	Token TokenSettings `toml:"token" json:"token"`
	Chat  ChatSettings  `toml:"chat" json:"chat"`
	Image ImageSettings `toml:"image" json:"image"`
	Video VideoSettings `toml:"video" json:"video"`
	Cache CacheSettings `toml:"cache" json:"cache"`
	Asset AssetSettings `toml:"asset" json:"asset"`
	Usage UsageSettings `toml:"usage" json:"usage"`
}

type AppSettings struct {
	// AppKey protects the admin API.
	AppKey string `toml:"app_key" json:"app_key"`
	// APIKey protects the public /v1 API. Empty disables the check.
	APIKey string `toml:"api_key" json:"api_key"`
	// AppURL is the externally reachable base URL used to build cached file links.
	AppURL      string   `toml:"app_url" json:"app_url"`
	Thinking    bool     `toml:"thinking" json:"thinking"`
	Stream      bool     `toml:"stream" json:"stream"`
	FilterTags  []string `toml:"filter_tags" json:"filter_tags"`
	ImageFormat string   `toml:"image_format" json:"image_format" validate:"oneof=url base64 b64_json markdown"`
	VideoFormat string   `toml:"video_format" json:"video_format" validate:"oneof=url markdown html"`
}

type ProxySettings struct {
	BaseProxyURL  string `toml:"base_proxy_url" json:"base_proxy_url"`
	AssetProxyURL string `toml:"asset_proxy_url" json:"asset_proxy_url"`
	CFClearance   string `toml:"cf_clearance" json:"cf_clearance"`
	UserAgent     string `toml:"user_agent" json:"user_agent"`
	Browser       string `toml:"browser" json:"browser"`
}

type RetrySettings struct {
	MaxRetry                int     `toml:"max_retry" json:"max_retry" validate:"gte=0,lte=20"`
	RetryStatusCodes        []int   `toml:"retry_status_codes" json:"retry_status_codes"`
	ResetSessionStatusCodes []int   `toml:"reset_session_status_codes" json:"reset_session_status_codes"`
	RetryBackoffBase        float64 `toml:"retry_backoff_base" json:"retry_backoff_base" validate:"gte=0"`
	RetryBackoffFactor      float64 `toml:"retry_backoff_factor" json:"retry_backoff_factor" validate:"gte=1"`
	RetryBackoffMax         float64 `toml:"retry_backoff_max" json:"retry_backoff_max" validate:"gte=0"`
	RetryBudget             float64 `toml:"retry_budget" json:"retry_budget" validate:"gte=0"`
}

type TokenSettings struct {
	AutoRefresh               bool    `toml:"auto_refresh" json:"auto_refresh"`
	RefreshIntervalHours      float64 `toml:"refresh_interval_hours" json:"refresh_interval_hours" validate:"gt=0"`
	SuperRefreshIntervalHours float64 `toml:"super_refresh_interval_hours" json:"super_refresh_interval_hours" validate:"gt=0"`
	FailThreshold             int     `toml:"fail_threshold" json:"fail_threshold" validate:"gte=1"`
	SaveDelayMs               int     `toml:"save_delay_ms" json:"save_delay_ms" validate:"gte=0"`
	UsageFlushIntervalSec     int     `toml:"usage_flush_interval_sec" json:"usage_flush_interval_sec" validate:"gte=1"`
	ReloadIntervalSec         int     `toml:"reload_interval_sec" json:"reload_interval_sec" validate:"gte=1"`
	BasicConcurrency          int     `toml:"basic_concurrency" json:"basic_concurrency" validate:"gte=1"`
	SuperConcurrency          int     `toml:"super_concurrency" json:"super_concurrency" validate:"gte=1"`
	BasicQuota                int     `toml:"basic_quota" json:"basic_quota" validate:"gte=1"`
	BasicWindowHours          float64 `toml:"basic_window_hours" json:"basic_window_hours" validate:"gt=0"`
	SuperQuota                int     `toml:"super_quota" json:"super_quota" validate:"gte=1"`
	SuperWindowHours          float64 `toml:"super_window_hours" json:"super_window_hours" validate:"gt=0"`
	RefreshRatePerSec         float64 `toml:"refresh_rate_per_sec" json:"refresh_rate_per_sec" validate:"gt=0"`
}

type ChatSettings struct {
	Concurrent    int     `toml:"concurrent" json:"concurrent" validate:"gte=1"`
	Timeout       float64 `toml:"timeout" json:"timeout" validate:"gt=0"`
	StreamTimeout float64 `toml:"stream_timeout" json:"stream_timeout" validate:"gt=0"`
}

type ImageSettings struct {
	Concurrent              int     `toml:"concurrent" json:"concurrent" validate:"gte=1"`
	Timeout                 float64 `toml:"timeout" json:"timeout" validate:"gt=0"`
	StreamTimeout           float64 `toml:"stream_timeout" json:"stream_timeout" validate:"gt=0"`
	FinalTimeout            float64 `toml:"final_timeout" json:"final_timeout" validate:"gt=0"`
	BlockedGraceSeconds     float64 `toml:"blocked_grace_seconds" json:"blocked_grace_seconds" validate:"gte=0"`
	FinalMinBytes           int     `toml:"final_min_bytes" json:"final_min_bytes" validate:"gte=0"`
	MediumMinBytes          int     `toml:"medium_min_bytes" json:"medium_min_bytes" validate:"gte=0"`
	NSFW                    bool    `toml:"nsfw" json:"nsfw"`
	BlockedParallelEnabled  bool    `toml:"blocked_parallel_enabled" json:"blocked_parallel_enabled"`
	BlockedParallelAttempts int     `toml:"blocked_parallel_attempts" json:"blocked_parallel_attempts" validate:"gte=0,lte=10"`
}

type VideoSettings struct {
	Concurrent    int     `toml:"concurrent" json:"concurrent" validate:"gte=1"`
	Timeout       float64 `toml:"timeout" json:"timeout" validate:"gt=0"`
	StreamTimeout float64 `toml:"stream_timeout" json:"stream_timeout" validate:"gt=0"`
}

type CacheSettings struct {
	EnableAutoClean bool `toml:"enable_auto_clean" json:"enable_auto_clean"`
	LimitMB         int  `toml:"limit_mb" json:"limit_mb" validate:"gte=1"`
}

type AssetSettings struct {
	DownloadTimeout    float64 `toml:"download_timeout" json:"download_timeout" validate:"gt=0"`
	DownloadConcurrent int     `toml:"download_concurrent" json:"download_concurrent" validate:"gte=1"`
	UploadConcurrent   int     `toml:"upload_concurrent" json:"upload_concurrent" validate:"gte=1"`
}

type UsageSettings struct {
	Concurrent int `toml:"concurrent" json:"concurrent" validate:"gte=1"`
	BatchSize  int `toml:"batch_size" json:"batch_size" validate:"gte=1"`
}

// DefaultSettings returns a fresh copy of the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		App: AppSettings{
			AppKey:      "grok2api",
			Thinking:    true,
			Stream:      true,
			FilterTags:  []string{"xaiartifact", "xai:tool_usage_card", "grok:render"},
			ImageFormat: "url",
			VideoFormat: "html",
		},
		Proxy: ProxySettings{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36",
			Browser:   "chrome136",
		},
		Retry: RetrySettings{
			MaxRetry:                3,
			RetryStatusCodes:        []int{401, 403, 408, 429, 500, 502, 503, 504},
			ResetSessionStatusCodes: []int{403},
			RetryBackoffBase:        0.5,
			RetryBackoffFactor:      2.0,
			RetryBackoffMax:         20.0,
			RetryBudget:             90.0,
		},
		Token: TokenSettings{
			AutoRefresh:               true,
			RefreshIntervalHours:      8,
			SuperRefreshIntervalHours: 2,
			FailThreshold:             5,
			SaveDelayMs:               500,
			UsageFlushIntervalSec:     5,
			ReloadIntervalSec:         30,
			BasicConcurrency:          2,
			SuperConcurrency:          4,
			BasicQuota:                80,
			BasicWindowHours:          20,
			SuperQuota:                140,
			SuperWindowHours:          2,
			RefreshRatePerSec:         2,
		},
		Chat: ChatSettings{Concurrent: 50, Timeout: 60, StreamTimeout: 60},
		Image: ImageSettings{
			Concurrent:              20,
			Timeout:                 120,
			StreamTimeout:           60,
			FinalTimeout:            15,
			BlockedGraceSeconds:     10,
			FinalMinBytes:           100000,
			MediumMinBytes:          30000,
			NSFW:                    true,
			BlockedParallelEnabled:  true,
			BlockedParallelAttempts: 3,
		},
		Video: VideoSettings{Concurrent: 10, Timeout: 60, StreamTimeout: 60},
		Cache: CacheSettings{EnableAutoClean: true, LimitMB: 1024},
		Asset: AssetSettings{DownloadTimeout: 60, DownloadConcurrent: 10, UploadConcurrent: 10},
		Usage: UsageSettings{Concurrent: 10, BatchSize: 50},
	}
}

var (
	current  atomic.Pointer[Settings]
	validate = validator.New()
)

func init() {
	current.Store(DefaultSettings())
}

// Get returns the active settings. Callers must treat the value as read-only.
func Get() *Settings {
	return current.Load()
}

// Set swaps the active settings.
func Set(s *Settings) {
	if s == nil {
		return
	}
	current.Store(s)
}

// Validate checks field constraints.
func Validate(s *Settings) error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(err, "invalid settings")
	}
	return nil
}

// DecodeTOML parses a TOML document on top of the defaults, so missing keys keep
// their default values.
func DecodeTOML(data []byte) (*Settings, error) {
	s := DefaultSettings()
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "decode settings toml")
	}
	if err := Validate(s); err != nil {
		return nil, errors.WithStack(err)
	}
	return s, nil
}

// EncodeTOML renders settings as a TOML document.
func EncodeTOML(s *Settings) ([]byte, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode settings toml")
	}
	return data, nil
}

// Merge deep-merges a partial document (as decoded from JSON) into base and returns
// the validated result. base is not modified.
func Merge(base *Settings, patch map[string]any) (*Settings, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, errors.Wrap(err, "marshal base settings")
	}
	doc := map[string]any{}
	if err = json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal base settings")
	}

	merged, err := json.Marshal(deepMerge(doc, patch))
	if err != nil {
		return nil, errors.Wrap(err, "marshal merged settings")
	}

	out := &Settings{}
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err = dec.Decode(out); err != nil {
		return nil, errors.Wrap(err, "decode merged settings")
	}
	if err = Validate(out); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func deepMerge(base, override map[string]any) map[string]any {
	for k, v := range override {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := base[k].(map[string]any); ok {
				base[k] = deepMerge(existing, sub)
				continue
			}
		}
		base[k] = v
	}
	return base
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (r RetrySettings) BackoffBase() time.Duration { return seconds(r.RetryBackoffBase) }

func (r RetrySettings) BackoffMax() time.Duration { return seconds(r.RetryBackoffMax) }

func (r RetrySettings) Budget() time.Duration { return seconds(r.RetryBudget) }

func (c ChatSettings) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

func (c ChatSettings) IdleTimeout() time.Duration { return seconds(c.StreamTimeout) }

func (i ImageSettings) TimeoutDuration() time.Duration { return seconds(i.Timeout) }

func (i ImageSettings) IdleTimeout() time.Duration { return seconds(i.StreamTimeout) }

func (i ImageSettings) FinalWait() time.Duration { return seconds(i.FinalTimeout) }

func (v VideoSettings) TimeoutDuration() time.Duration { return seconds(v.Timeout) }

func (v VideoSettings) IdleTimeout() time.Duration { return seconds(v.StreamTimeout) }

func (a AssetSettings) DownloadTimeoutDuration() time.Duration { return seconds(a.DownloadTimeout) }

// BlockedGrace clamps the grace window to [1s, final_timeout].
func (i ImageSettings) BlockedGrace() time.Duration {
	grace := i.BlockedGraceSeconds
	if grace <= 0 {
		grace = 10
	}
	if grace > i.FinalTimeout {
		grace = i.FinalTimeout
	}
	if grace < 1 {
		grace = 1
	}
	return seconds(grace)
}

func (t TokenSettings) SaveDelay() time.Duration {
	return time.Duration(t.SaveDelayMs) * time.Millisecond
}

func (t TokenSettings) UsageFlushInterval() time.Duration {
	return time.Duration(t.UsageFlushIntervalSec) * time.Second
}

func (t TokenSettings) ReloadInterval() time.Duration {
	return time.Duration(t.ReloadIntervalSec) * time.Second
}

// LimitBytes is the cache budget in bytes.
func (c CacheSettings) LimitBytes() int64 {
	return int64(c.LimitMB) * 1024 * 1024
}
