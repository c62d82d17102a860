package pool

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
)

// recordDeltaLocked queues the token's counters for the next usage flush.
func (p *Pool) recordDeltaLocked(tok *model.Token, requests, failures int64) {
	next := model.UsageDelta{
		Requests:            requests,
		Failures:            failures,
		RequestsUsed:        tok.RequestsUsed,
		WindowStartedAt:     tok.WindowStartedAt,
		ConsecutiveFailures: tok.ConsecutiveFailures,
		LastUsedAt:          tok.LastUsedAt,
		LastError:           tok.LastError,
	}
	if d, ok := p.pending[tok.Id]; ok {
		d.Merge(next)
	} else {
		p.pending[tok.Id] = &next
	}
	tok.UsageDirty = true
}

// markDirtyLocked schedules a full write of the token after save_delay.
func (p *Pool) markDirtyLocked(id string) {
	p.dirty[id] = struct{}{}
	if p.saveTimer != nil {
		return
	}
	p.saveTimer = time.AfterFunc(p.settings().Token.SaveDelay(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.SaveDirty(ctx); err != nil {
			logger.Logger.Error("debounced token save", zap.Error(err))
		}
	})
}

// takeForPersistLocked snapshots tok for an immediate full write. The full
// record already carries every counter, so queued deltas are dropped.
func (p *Pool) takeForPersistLocked(tok *model.Token) *model.Token {
	delete(p.pending, tok.Id)
	delete(p.dirty, tok.Id)
	tok.UsageDirty = false
	tok.LastFlushedAt = p.now()
	return tok.Clone()
}

// persistTokens writes full records and bumps the storage generation once.
func (p *Pool) persistTokens(ctx context.Context, toks []*model.Token) error {
	if len(toks) == 0 {
		return nil
	}
	for _, tok := range toks {
		if err := p.storage.UpsertToken(ctx, tok); err != nil {
			return errors.Wrapf(err, "upsert token %s", tok.Id)
		}
	}
	gen, err := p.storage.MarkGeneration(ctx)
	if err != nil {
		return errors.Wrap(err, "mark generation")
	}

	// our own write must not look like a foreign change on the next reload
	p.mu.Lock()
	if gen > p.generation {
		p.generation = gen
	}
	p.mu.Unlock()
	return nil
}

// SaveDirty writes every token whose status changed since the last save.
func (p *Pool) SaveDirty(ctx context.Context) error {
	p.mu.Lock()
	if p.saveTimer != nil {
		p.saveTimer.Stop()
		p.saveTimer = nil
	}
	toks := make([]*model.Token, 0, len(p.dirty))
	for id := range p.dirty {
		if tok, ok := p.tokens[id]; ok {
			toks = append(toks, p.takeForPersistLocked(tok))
		}
	}
	p.dirty = map[string]struct{}{}
	p.mu.Unlock()

	if err := p.persistTokens(ctx, toks); err != nil {
		p.mu.Lock()
		for _, tok := range toks {
			if _, ok := p.tokens[tok.Id]; ok {
				p.dirty[tok.Id] = struct{}{}
			}
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// FlushUsage writes queued usage deltas. A failed delta is merged back in
// front of anything recorded meanwhile and retried on the next flush.
func (p *Pool) FlushUsage(ctx context.Context) (flushed int, err error) {
	p.mu.Lock()
	batch := p.pending
	p.pending = map[string]*model.UsageDelta{}
	p.mu.Unlock()

	var failed map[string]*model.UsageDelta
	for id, delta := range batch {
		ferr := p.storage.FlushUsage(ctx, id, *delta)
		switch {
		case ferr == nil:
			flushed++
		case errors.Is(ferr, model.ErrTokenNotFound):
			logger.Logger.Debug("drop usage for unknown token", zap.String("token_id", id))
		default:
			if failed == nil {
				failed = map[string]*model.UsageDelta{}
			}
			failed[id] = delta
			err = errors.Wrapf(ferr, "flush usage for token %s", id)
		}
	}

	now := p.now()
	p.mu.Lock()
	for id, delta := range failed {
		if newer, ok := p.pending[id]; ok {
			delta.Merge(*newer)
		}
		p.pending[id] = delta
	}
	for id := range batch {
		tok, ok := p.tokens[id]
		if !ok {
			continue
		}
		if _, still := p.pending[id]; still {
			continue
		}
		tok.UsageDirty = false
		tok.LastFlushedAt = now
	}
	p.mu.Unlock()

	if len(failed) > 0 {
		logger.Logger.Warn("usage flush incomplete",
			zap.Int("flushed", flushed),
			zap.Int("failed", len(failed)),
			zap.Error(err))
	}
	return flushed, err
}

// Flush writes both dirty tokens and queued usage. Used on shutdown.
func (p *Pool) Flush(ctx context.Context) error {
	saveErr := p.SaveDirty(ctx)
	_, flushErr := p.FlushUsage(ctx)
	if saveErr != nil {
		return saveErr
	}
	return flushErr
}

// Reload merges the stored state when another writer bumped the generation.
// Concurrent callers share one storage read.
func (p *Pool) Reload(ctx context.Context) (bool, error) {
	v, err, _ := p.reloadGroup.Do("reload", func() (any, error) {
		return p.reload(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (p *Pool) reload(ctx context.Context) (bool, error) {
	snap, err := p.storage.LoadAll(ctx)
	if err != nil {
		return false, errors.Wrap(err, "reload tokens")
	}

	limits := p.settings().Token
	p.mu.Lock()
	p.lastReloadAt = p.now()
	if snap.Generation <= p.generation {
		p.mu.Unlock()
		return false, nil
	}

	next := make(map[string]*model.Token, len(snap.Tokens))
	for _, stored := range snap.Tokens {
		stored.ApplyLimits(limits)
		if local, ok := p.tokens[stored.Id]; ok {
			mergeLocal(stored, local, p.pending[stored.Id] != nil, hasKey(p.dirty, stored.Id))
		}
		next[stored.Id] = stored
	}
	for id := range p.pending {
		if _, ok := next[id]; !ok {
			delete(p.pending, id)
		}
	}
	for id := range p.dirty {
		if _, ok := next[id]; !ok {
			delete(p.dirty, id)
		}
	}
	prev := p.generation
	p.tokens = next
	p.generation = snap.Generation
	p.mu.Unlock()

	logger.Logger.Info("token pool reloaded",
		zap.Int64("from_generation", prev),
		zap.Int64("to_generation", snap.Generation),
		zap.Int("tokens", len(next)))
	return true, nil
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// mergeLocal carries process-local knowledge onto a freshly loaded record.
//
// In-flight counts are never stored. Counters with an unflushed delta are newer
// locally. A newer local refresh wins over the stored status and quota unless
// the stored record was disabled; a status change still waiting for its
// debounced save wins as well.
func mergeLocal(stored, local *model.Token, pendingUsage, pendingSave bool) {
	stored.InFlight = local.InFlight
	stored.LastFlushedAt = local.LastFlushedAt

	if pendingUsage {
		stored.UsageDirty = true
		stored.RequestsUsed = local.RequestsUsed
		stored.WindowStartedAt = local.WindowStartedAt
		stored.ConsecutiveFailures = local.ConsecutiveFailures
		stored.TotalRequests = local.TotalRequests
		stored.TotalFailures = local.TotalFailures
		if local.LastUsedAt > stored.LastUsedAt {
			stored.LastUsedAt = local.LastUsedAt
		}
		if local.LastError != "" {
			stored.LastError = local.LastError
		}
	}

	if local.LastRefreshedAt > stored.LastRefreshedAt && stored.Status != model.TokenStatusDisabled {
		stored.LastRefreshedAt = local.LastRefreshedAt
		stored.RemainingQueries = local.RemainingQueries
		stored.Status = local.Status
	}
	if pendingSave {
		stored.Status = local.Status
	}
}
