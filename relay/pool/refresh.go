package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
)

// Quota is what the upstream reports for one token.
type Quota struct {
	// Remaining is the number of queries left in the current window, -1 when unknown.
	Remaining int
}

// Refresher fetches the current quota of a token from the upstream.
type Refresher interface {
	FetchQuota(ctx context.Context, tok *model.Token) (Quota, error)
}

// RefreshResult is the outcome for one token.
type RefreshResult struct {
	TokenId   string `json:"token_id"`
	OK        bool   `json:"ok"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

func refreshInterval(s config.TokenSettings, kind model.TokenKind) time.Duration {
	hours := s.RefreshIntervalHours
	if kind == model.TokenKindSuper {
		hours = s.SuperRefreshIntervalHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// dueForRefresh lists ids of non-disabled tokens whose kind interval elapsed.
func (p *Pool) dueForRefresh() []string {
	s := p.settings().Token
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var ids []string
	for id, tok := range p.tokens {
		if tok.Status == model.TokenStatusDisabled {
			continue
		}
		if now-tok.LastRefreshedAt >= refreshInterval(s, tok.Kind).Milliseconds() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RefreshDue refreshes every token that is due. Concurrent calls share one run.
func (p *Pool) RefreshDue(ctx context.Context) ([]RefreshResult, error) {
	v, err, _ := p.refreshGroup.Do("due", func() (any, error) {
		return p.Refresh(ctx, p.dueForRefresh())
	})
	if err != nil {
		return nil, err
	}
	return v.([]RefreshResult), nil
}

// Refresh queries the upstream quota of the given tokens, paced by
// token.refresh_rate_per_sec and bounded by usage.concurrent, in batches of
// usage.batch_size. A successful query makes the token active again, or
// limited when nothing remains; a failed one only records the error.
func (p *Pool) Refresh(ctx context.Context, ids []string) ([]RefreshResult, error) {
	if p.refresher == nil {
		return nil, errors.New("no refresher configured")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	s := p.settings()
	limiter := rate.NewLimiter(rate.Limit(s.Token.RefreshRatePerSec), 1)
	batchSize := s.Usage.BatchSize
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	results := make([]RefreshResult, 0, len(ids))
	var resultsMu sync.Mutex
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(s.Usage.Concurrent, 1))
		for _, id := range ids[start:end] {
			tok, ok := p.snapshot(id)
			if !ok {
				continue
			}
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return errors.Wrap(err, "wait refresh limiter")
				}
				quota, err := p.refresher.FetchQuota(gctx, tok)
				res := p.applyRefresh(tok.Id, quota, err)
				resultsMu.Lock()
				results = append(results, res)
				resultsMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
	}

	if err := p.SaveDirty(ctx); err != nil {
		logger.Logger.Error("persist refreshed tokens", zap.Error(err))
	}

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	logger.Logger.Info("token refresh finished",
		zap.Int("total", len(results)),
		zap.Int("ok", ok),
		zap.Int("failed", len(results)-ok))
	sort.Slice(results, func(i, j int) bool { return results[i].TokenId < results[j].TokenId })
	return results, nil
}

func (p *Pool) snapshot(id string) (*model.Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.tokens[id]
	if !ok {
		return nil, false
	}
	return tok.Clone(), true
}

func (p *Pool) applyRefresh(id string, quota Quota, fetchErr error) RefreshResult {
	res := RefreshResult{TokenId: id, Remaining: quota.Remaining}
	var change *StatusChange

	p.mu.Lock()
	tok, ok := p.tokens[id]
	if !ok {
		p.mu.Unlock()
		res.Error = "token removed"
		return res
	}
	if fetchErr != nil {
		tok.LastError = fetchErr.Error()
		p.mu.Unlock()
		res.Error = fetchErr.Error()
		logger.Logger.Warn("token refresh failed",
			zap.String("token_id", id),
			zap.Error(fetchErr))
		return res
	}

	res.OK = true
	tok.RemainingQueries = quota.Remaining
	tok.LastRefreshedAt = p.now()
	if tok.Status == model.TokenStatusDisabled {
		// only an admin enable brings a disabled token back
		p.dirty[id] = struct{}{}
		p.mu.Unlock()
		return res
	}
	to := model.TokenStatusActive
	if quota.Remaining == 0 {
		to = model.TokenStatusLimited
	}
	if tok.Status != to {
		change = &StatusChange{tok.Id, tok.Kind, tok.Status, to, "quota refreshed"}
		tok.Status = to
	}
	if to == model.TokenStatusActive {
		tok.ConsecutiveFailures = 0
	}
	p.dirty[id] = struct{}{}
	p.mu.Unlock()

	if change != nil {
		p.notify([]StatusChange{*change})
	}
	return res
}
