package model

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/helper"
)

type TokenKind string

const (
	TokenKindBasic TokenKind = "basic"
	TokenKindSuper TokenKind = "super"
)

// ParseTokenKind accepts the pool names used by older exports as well.
func ParseTokenKind(raw string) (TokenKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "basic", "ssobasic", "":
		return TokenKindBasic, nil
	case "super", "ssosuper":
		return TokenKindSuper, nil
	default:
		return "", errors.Errorf("unknown token kind %q", raw)
	}
}

type TokenStatus string

const (
	TokenStatusActive   TokenStatus = "active"
	TokenStatusLimited  TokenStatus = "limited"
	TokenStatusExpired  TokenStatus = "expired"
	TokenStatusDisabled TokenStatus = "disabled"
)

// Token is one upstream session credential. Timestamps are unix milliseconds.
//
// InFlight, UsageDirty and LastFlushedAt are process-local and never stored.
type Token struct {
	Id                  string      `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Kind                TokenKind   `json:"kind" gorm:"type:varchar(16);index"`
	Secret              string      `json:"token" gorm:"type:varchar(512);uniqueIndex"`
	NSFW                bool        `json:"nsfw" gorm:"default:false"`
	CFClearance         string      `json:"cf_clearance,omitempty" gorm:"type:text"`
	Status              TokenStatus `json:"status" gorm:"type:varchar(16);index;default:'active'"`
	ConsecutiveFailures int         `json:"consecutive_failures" gorm:"default:0"`
	LastError           string      `json:"last_error,omitempty" gorm:"type:text"`
	ConcurrencyLimit    int         `json:"concurrency_limit"`
	WindowStartedAt     int64       `json:"window_started_at" gorm:"bigint"`
	RequestsUsed        int         `json:"requests_used" gorm:"default:0"`
	QuotaMax            int         `json:"quota_max"`
	QuotaWindowMs       int64       `json:"quota_window_ms" gorm:"bigint"`
	RemainingQueries    int         `json:"remaining_queries" gorm:"default:-1"`
	TotalRequests       int64       `json:"total_requests" gorm:"bigint;default:0"`
	TotalFailures       int64       `json:"total_failures" gorm:"bigint;default:0"`
	LastUsedAt          int64       `json:"last_used_at" gorm:"bigint"`
	LastRefreshedAt     int64       `json:"last_refreshed_at" gorm:"bigint"`
	Note                string      `json:"note,omitempty" gorm:"type:text"`
	CreatedAt           int64       `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt           int64       `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`

	InFlight      int   `json:"-" gorm:"-"`
	UsageDirty    bool  `json:"-" gorm:"-"`
	LastFlushedAt int64 `json:"-" gorm:"-"`
}

func (Token) TableName() string {
	return "tokens"
}

// NormalizeSecret strips whitespace and a pasted "sso=" cookie prefix.
func NormalizeSecret(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "sso=")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// TokenID derives a stable identifier from the secret so ids never leak it.
func TokenID(secret string) string {
	sum := blake2b.Sum256([]byte(NormalizeSecret(secret)))
	return hex.EncodeToString(sum[:16])
}

// NewToken builds an active token with kind-specific limits from the current settings.
func NewToken(secret string, kind TokenKind) (*Token, error) {
	secret = NormalizeSecret(secret)
	if secret == "" {
		return nil, errors.New("empty token")
	}
	if kind == "" {
		kind = TokenKindBasic
	}

	now := helper.NowMilli()
	t := &Token{
		Id:               TokenID(secret),
		Kind:             kind,
		Secret:           secret,
		Status:           TokenStatusActive,
		WindowStartedAt:  now,
		RemainingQueries: -1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	t.ApplyLimits(config.Get().Token)
	return t, nil
}

// ApplyLimits resets concurrency and quota limits from settings.
func (t *Token) ApplyLimits(s config.TokenSettings) {
	switch t.Kind {
	case TokenKindSuper:
		t.ConcurrencyLimit = s.SuperConcurrency
		t.QuotaMax = s.SuperQuota
		t.QuotaWindowMs = hoursToMilli(s.SuperWindowHours)
	default:
		t.ConcurrencyLimit = s.BasicConcurrency
		t.QuotaMax = s.BasicQuota
		t.QuotaWindowMs = hoursToMilli(s.BasicWindowHours)
	}
}

func hoursToMilli(h float64) int64 {
	return int64(h * float64(time.Hour/time.Millisecond))
}

// RollWindow starts a new quota window once the current one has elapsed.
// A token limited only by quota becomes active again. Reports whether anything changed.
func (t *Token) RollWindow(now int64) bool {
	if t.QuotaWindowMs <= 0 || now-t.WindowStartedAt < t.QuotaWindowMs {
		return false
	}
	t.WindowStartedAt = now
	t.RequestsUsed = 0
	if t.Status == TokenStatusLimited {
		t.Status = TokenStatusActive
	}
	return true
}

// Eligible must be called after RollWindow.
func (t *Token) Eligible() bool {
	return t.Status == TokenStatusActive &&
		t.InFlight < t.ConcurrencyLimit &&
		(t.QuotaMax <= 0 || t.RequestsUsed < t.QuotaMax)
}

// CookieHeader is the value sent upstream in the Cookie header.
func (t *Token) CookieHeader(globalClearance string) string {
	cookie := "sso=" + t.Secret + "; sso-rw=" + t.Secret
	clearance := t.CFClearance
	if clearance == "" {
		clearance = globalClearance
	}
	if clearance != "" {
		cookie += "; cf_clearance=" + clearance
	}
	return cookie
}

// Masked shortens the secret for logs and admin listings.
func (t *Token) Masked() string {
	if len(t.Secret) <= 12 {
		return "***"
	}
	return t.Secret[:6] + "..." + t.Secret[len(t.Secret)-6:]
}

// Clone returns a detached copy safe to hand out as a snapshot.
func (t *Token) Clone() *Token {
	c := *t
	return &c
}

// UsageDelta is what the pool accumulated for one token since its last flush.
// Requests and Failures are increments; the remaining fields are absolute.
type UsageDelta struct {
	Requests            int64
	Failures            int64
	RequestsUsed        int
	WindowStartedAt     int64
	ConsecutiveFailures int
	LastUsedAt          int64
	LastError           string
}

// Merge folds a newer delta into d.
func (d *UsageDelta) Merge(next UsageDelta) {
	d.Requests += next.Requests
	d.Failures += next.Failures
	d.RequestsUsed = next.RequestsUsed
	d.WindowStartedAt = next.WindowStartedAt
	d.ConsecutiveFailures = next.ConsecutiveFailures
	if next.LastUsedAt > d.LastUsedAt {
		d.LastUsedAt = next.LastUsedAt
	}
	if next.LastError != "" {
		d.LastError = next.LastError
	}
}

// Apply writes the delta onto t, used by backends without partial updates.
func (d UsageDelta) Apply(t *Token) {
	t.TotalRequests += d.Requests
	t.TotalFailures += d.Failures
	t.RequestsUsed = d.RequestsUsed
	t.WindowStartedAt = d.WindowStartedAt
	t.ConsecutiveFailures = d.ConsecutiveFailures
	if d.LastUsedAt > t.LastUsedAt {
		t.LastUsedAt = d.LastUsedAt
	}
	if d.LastError != "" {
		t.LastError = d.LastError
	}
	t.UpdatedAt = helper.NowMilli()
}
