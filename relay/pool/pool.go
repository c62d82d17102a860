// Package pool keeps the in-memory registry of upstream session tokens.
//
// The pool is the only writer of token fields. Selection, release accounting,
// usage flushing, storage reconciliation and quota refresh all go through it
// under one mutex; storage and upstream calls are always made outside of it.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/helper"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
)

// ErrNoEligibleToken means every candidate is busy, limited or unhealthy.
// It is a normal result, callers turn it into a retry-later response.
var ErrNoEligibleToken = errors.New("no eligible token")

// Outcome is how a request finished from the token's point of view.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts towards fail_threshold.
	OutcomeFailure
	OutcomeRateLimited
	// OutcomeUnauthorized expires the token.
	OutcomeUnauthorized
	// OutcomeCanceled only gives the slot back.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// StatusChange is reported to hooks whenever a token changes status.
type StatusChange struct {
	TokenId string
	Kind    model.TokenKind
	From    model.TokenStatus
	To      model.TokenStatus
	Reason  string
}

type StatusHook func(StatusChange)

// Selector narrows Acquire to the tokens a request may use.
type Selector struct {
	// Kinds in preference order; an earlier kind with any eligible token wins.
	Kinds []model.TokenKind
	// Exclude holds ids already tried by this request.
	Exclude map[string]struct{}
	// PreferNSFW ranks NSFW-enabled tokens first.
	PreferNSFW bool
}

// Pool is safe for concurrent use.
type Pool struct {
	mu           sync.Mutex
	tokens       map[string]*model.Token
	pending      map[string]*model.UsageDelta
	dirty        map[string]struct{}
	generation   int64
	lastReloadAt int64
	saveTimer    *time.Timer

	storage   model.Storage
	refresher Refresher
	hooks     []StatusHook
	settings  func() *config.Settings
	now       func() int64

	reloadGroup  singleflight.Group
	refreshGroup singleflight.Group
}

type Option func(*Pool)

// WithRefresher injects the upstream quota source used by refresh cycles.
func WithRefresher(r Refresher) Option {
	return func(p *Pool) { p.refresher = r }
}

// WithStatusHook registers a status change observer.
func WithStatusHook(h StatusHook) Option {
	return func(p *Pool) { p.hooks = append(p.hooks, h) }
}

// WithSettings overrides the settings source, for tests.
func WithSettings(fn func() *config.Settings) Option {
	return func(p *Pool) { p.settings = fn }
}

// WithClock overrides the millisecond clock, for tests.
func WithClock(now func() int64) Option {
	return func(p *Pool) { p.now = now }
}

func New(storage model.Storage, opts ...Option) *Pool {
	p := &Pool{
		tokens:   map[string]*model.Token{},
		pending:  map[string]*model.UsageDelta{},
		dirty:    map[string]struct{}{},
		storage:  storage,
		settings: config.Get,
		now:      helper.NowMilli,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Storage returns the backend the pool persists to.
func (p *Pool) Storage() model.Storage {
	return p.storage
}

// Generation is the storage generation the local state is based on.
func (p *Pool) Generation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Load replaces the local state with the stored snapshot, keeping in-flight counts.
func (p *Pool) Load(ctx context.Context) error {
	snap, err := p.storage.LoadAll(ctx)
	if err != nil {
		return errors.Wrap(err, "load tokens")
	}

	limits := p.settings().Token
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*model.Token, len(snap.Tokens))
	for _, tok := range snap.Tokens {
		tok.ApplyLimits(limits)
		if old, ok := p.tokens[tok.Id]; ok {
			tok.InFlight = old.InFlight
		}
		next[tok.Id] = tok
	}
	p.tokens = next
	p.pending = map[string]*model.UsageDelta{}
	p.dirty = map[string]struct{}{}
	p.generation = snap.Generation
	p.lastReloadAt = p.now()

	logger.Logger.Info("token pool loaded",
		zap.Int("tokens", len(next)),
		zap.Int64("generation", snap.Generation))
	return nil
}

// Handle is an acquired concurrency slot on one token.
type Handle struct {
	pool     *Pool
	token    *model.Token
	released atomic.Bool
}

// Token is a snapshot taken at acquire time.
func (h *Handle) Token() *model.Token {
	return h.token
}

func (h *Handle) TokenId() string {
	return h.token.Id
}

// Release returns the slot with the given outcome. Only the first call counts.
func (h *Handle) Release(outcome Outcome, cause error) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pool.release(h.token.Id, outcome, cause)
}

// Acquire picks the least loaded eligible token and takes one of its slots.
// Among equally loaded tokens the one used longest ago wins.
func (p *Pool) Acquire(sel Selector) (*Handle, error) {
	p.mu.Lock()
	now := p.now()

	var (
		best    *model.Token
		changes []StatusChange
	)
	for _, kind := range sel.Kinds {
		for _, tok := range p.tokens {
			if tok.Kind != kind {
				continue
			}
			if _, skip := sel.Exclude[tok.Id]; skip {
				continue
			}
			prev := tok.Status
			if tok.RollWindow(now) {
				p.recordDeltaLocked(tok, 0, 0)
				if prev != tok.Status {
					p.markDirtyLocked(tok.Id)
					changes = append(changes, StatusChange{tok.Id, tok.Kind, prev, tok.Status, "quota window rolled"})
				}
			}
			if !tok.Eligible() {
				continue
			}
			if best == nil || betterCandidate(tok, best, sel.PreferNSFW) {
				best = tok
			}
		}
		if best != nil {
			break
		}
	}

	if best == nil {
		p.mu.Unlock()
		p.notify(changes)
		return nil, ErrNoEligibleToken
	}

	best.InFlight++
	best.LastUsedAt = now
	h := &Handle{pool: p, token: best.Clone()}
	p.mu.Unlock()

	p.notify(changes)
	return h, nil
}

func betterCandidate(a, b *model.Token, preferNSFW bool) bool {
	if preferNSFW && a.NSFW != b.NSFW {
		return a.NSFW
	}
	if a.InFlight != b.InFlight {
		return a.InFlight < b.InFlight
	}
	if a.LastUsedAt != b.LastUsedAt {
		return a.LastUsedAt < b.LastUsedAt
	}
	return a.Id < b.Id
}

func (p *Pool) release(id string, outcome Outcome, cause error) {
	var (
		persist *model.Token
		change  *StatusChange
	)

	p.mu.Lock()
	tok, ok := p.tokens[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if tok.InFlight > 0 {
		tok.InFlight--
	}

	setStatus := func(to model.TokenStatus, reason string) {
		if tok.Status == to {
			return
		}
		change = &StatusChange{tok.Id, tok.Kind, tok.Status, to, reason}
		tok.Status = to
	}
	lastError := func() {
		if cause != nil {
			tok.LastError = cause.Error()
		}
	}

	switch outcome {
	case OutcomeSuccess:
		tok.ConsecutiveFailures = 0
		tok.RequestsUsed++
		tok.TotalRequests++
		p.recordDeltaLocked(tok, 1, 0)
	case OutcomeFailure:
		lastError()
		tok.ConsecutiveFailures++
		tok.TotalRequests++
		tok.TotalFailures++
		threshold := p.settings().Token.FailThreshold
		if threshold > 0 && tok.ConsecutiveFailures >= threshold {
			setStatus(model.TokenStatusDisabled, "fail threshold reached")
			persist = p.takeForPersistLocked(tok)
		} else {
			p.recordDeltaLocked(tok, 1, 1)
		}
	case OutcomeRateLimited:
		lastError()
		tok.TotalRequests++
		setStatus(model.TokenStatusLimited, "rate limited")
		p.recordDeltaLocked(tok, 1, 0)
		p.markDirtyLocked(tok.Id)
	case OutcomeUnauthorized:
		lastError()
		tok.TotalRequests++
		tok.TotalFailures++
		setStatus(model.TokenStatusExpired, "unauthorized")
		persist = p.takeForPersistLocked(tok)
	case OutcomeCanceled:
	}
	p.mu.Unlock()

	if change != nil {
		p.notify([]StatusChange{*change})
	}
	if persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.persistTokens(ctx, []*model.Token{persist}); err != nil {
			logger.Logger.Error("persist token state",
				zap.String("token_id", id),
				zap.String("outcome", outcome.String()),
				zap.Error(err))
			p.mu.Lock()
			p.markDirtyLocked(id)
			p.mu.Unlock()
		}
	}
}

func (p *Pool) notify(changes []StatusChange) {
	for _, c := range changes {
		logger.Logger.Info("token status changed",
			zap.String("token_id", c.TokenId),
			zap.String("kind", string(c.Kind)),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
			zap.String("reason", c.Reason))
		for _, h := range p.hooks {
			h(c)
		}
	}
}

// TokenStats counts tokens by kind and status.
type TokenStats struct {
	Total    int                                           `json:"total"`
	InFlight int                                           `json:"in_flight"`
	ByStatus map[model.TokenKind]map[model.TokenStatus]int `json:"by_status"`
}

func (p *Pool) Stats() TokenStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := TokenStats{ByStatus: map[model.TokenKind]map[model.TokenStatus]int{}}
	for _, tok := range p.tokens {
		stats.Total++
		stats.InFlight += tok.InFlight
		byStatus := stats.ByStatus[tok.Kind]
		if byStatus == nil {
			byStatus = map[model.TokenStatus]int{}
			stats.ByStatus[tok.Kind] = byStatus
		}
		byStatus[tok.Status]++
	}
	return stats
}
