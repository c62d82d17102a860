package pool

import (
	"context"
	"sort"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
)

// TokenInput is one token as submitted through the admin API.
type TokenInput struct {
	Kind        model.TokenKind
	Secret      string
	NSFW        *bool
	CFClearance *string
	Note        *string
	Status      *model.TokenStatus
}

func (in TokenInput) applyTo(tok *model.Token) {
	if in.NSFW != nil {
		tok.NSFW = *in.NSFW
	}
	if in.CFClearance != nil {
		tok.CFClearance = *in.CFClearance
	}
	if in.Note != nil {
		tok.Note = *in.Note
	}
	if in.Status != nil {
		tok.Status = *in.Status
		if tok.Status == model.TokenStatusActive {
			tok.ConsecutiveFailures = 0
		}
	}
}

// List returns snapshots of every token ordered by kind then id.
func (p *Pool) List() []*model.Token {
	p.mu.Lock()
	out := make([]*model.Token, 0, len(p.tokens))
	for _, tok := range p.tokens {
		out = append(out, tok.Clone())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// Get returns a snapshot of one token.
func (p *Pool) Get(id string) (*model.Token, bool) {
	return p.snapshot(id)
}

// ResolveIds maps ids or raw secrets onto known token ids, dropping unknown entries.
func (p *Pool) ResolveIds(refs []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := map[string]struct{}{}
	var ids []string
	for _, ref := range refs {
		id := ref
		if _, ok := p.tokens[id]; !ok {
			id = model.TokenID(ref)
			if _, ok := p.tokens[id]; !ok {
				continue
			}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Add merges inputs into the pool. Known tokens keep their state and only take
// the submitted fields; new ones start active.
func (p *Pool) Add(ctx context.Context, inputs []TokenInput) (added int, err error) {
	toks, added, err := p.mergeInputs(inputs)
	if err != nil {
		return 0, err
	}
	if err := p.persistTokens(ctx, toks); err != nil {
		return 0, err
	}
	logger.Logger.Info("tokens added", zap.Int("submitted", len(inputs)), zap.Int("new", added))
	return added, nil
}

// Replace makes inputs the complete token set. Tokens not listed are deleted.
func (p *Pool) Replace(ctx context.Context, inputs []TokenInput) error {
	toks, _, err := p.mergeInputs(inputs)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(toks))
	for _, tok := range toks {
		keep[tok.Id] = struct{}{}
	}
	var drop []string
	p.mu.Lock()
	for id := range p.tokens {
		if _, ok := keep[id]; !ok {
			drop = append(drop, id)
		}
	}
	p.mu.Unlock()

	if len(drop) > 0 {
		if err := p.Delete(ctx, drop); err != nil {
			return err
		}
	}
	return p.persistTokens(ctx, toks)
}

func (p *Pool) mergeInputs(inputs []TokenInput) ([]*model.Token, int, error) {
	fresh := make([]*model.Token, 0, len(inputs))
	for _, in := range inputs {
		tok, err := model.NewToken(in.Secret, in.Kind)
		if err != nil {
			return nil, 0, errors.Wrap(err, "invalid token input")
		}
		tok.ApplyLimits(p.settings().Token)
		in.applyTo(tok)
		fresh = append(fresh, tok)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	out := make([]*model.Token, 0, len(fresh))
	for i, tok := range fresh {
		existing, ok := p.tokens[tok.Id]
		if !ok {
			p.tokens[tok.Id] = tok
			added++
			out = append(out, p.takeForPersistLocked(tok))
			continue
		}
		if existing.Kind != tok.Kind {
			existing.Kind = tok.Kind
			existing.ApplyLimits(p.settings().Token)
		}
		inputs[i].applyTo(existing)
		out = append(out, p.takeForPersistLocked(existing))
	}
	return out, added, nil
}

// Delete removes tokens from the pool and the backend. Slots still held on a
// deleted token are simply forgotten on release.
func (p *Pool) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	p.mu.Lock()
	for _, id := range ids {
		delete(p.tokens, id)
		delete(p.pending, id)
		delete(p.dirty, id)
	}
	p.mu.Unlock()

	if err := p.storage.DeleteTokens(ctx, ids); err != nil {
		return errors.Wrap(err, "delete tokens")
	}
	gen, err := p.storage.MarkGeneration(ctx)
	if err != nil {
		return errors.Wrap(err, "mark generation")
	}
	p.mu.Lock()
	if gen > p.generation {
		p.generation = gen
	}
	p.mu.Unlock()
	return nil
}

// SetStatus forces a status, e.g. re-enabling disabled tokens.
func (p *Pool) SetStatus(ctx context.Context, ids []string, status model.TokenStatus) (int, error) {
	return p.update(ctx, ids, "admin", func(tok *model.Token) {
		tok.Status = status
		if status == model.TokenStatusActive {
			tok.ConsecutiveFailures = 0
			tok.LastError = ""
		}
	})
}

// SetNSFW flips the NSFW marker.
func (p *Pool) SetNSFW(ctx context.Context, ids []string, enabled bool) (int, error) {
	return p.update(ctx, ids, "nsfw", func(tok *model.Token) {
		tok.NSFW = enabled
	})
}

func (p *Pool) update(ctx context.Context, ids []string, reason string, fn func(*model.Token)) (int, error) {
	var (
		toks    []*model.Token
		changes []StatusChange
	)
	p.mu.Lock()
	for _, id := range ids {
		tok, ok := p.tokens[id]
		if !ok {
			continue
		}
		prev := tok.Status
		fn(tok)
		if prev != tok.Status {
			changes = append(changes, StatusChange{tok.Id, tok.Kind, prev, tok.Status, reason})
		}
		toks = append(toks, p.takeForPersistLocked(tok))
	}
	p.mu.Unlock()

	p.notify(changes)
	if err := p.persistTokens(ctx, toks); err != nil {
		return 0, err
	}
	return len(toks), nil
}

// Prune deletes every expired or disabled token and returns their ids.
func (p *Pool) Prune(ctx context.Context) ([]string, error) {
	var ids []string
	p.mu.Lock()
	for id, tok := range p.tokens {
		if tok.Status == model.TokenStatusExpired || tok.Status == model.TokenStatusDisabled {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	sort.Strings(ids)
	if err := p.Delete(ctx, ids); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		logger.Logger.Info("pruned tokens", zap.Int("count", len(ids)))
	}
	return ids, nil
}

// ApplyLimits re-derives concurrency and quota limits after a settings change.
func (p *Pool) ApplyLimits() {
	limits := p.settings().Token
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tok := range p.tokens {
		tok.ApplyLimits(limits)
	}
}
