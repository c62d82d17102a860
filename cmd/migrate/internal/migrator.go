package internal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
)

// Migrator copies the token pool and the config document between storage backends.
type Migrator struct {
	Source  Backend
	Target  Backend
	DryRun  bool
	Verbose bool
	Workers int // concurrent token writes
	// Replace deletes target tokens that the source does not have.
	Replace bool
}

// MigrationStats holds statistics about one run.
type MigrationStats struct {
	StartTime     time.Time
	EndTime       time.Time
	TokensTotal   int
	TokensDone    int64
	TokensRemoved int
	ConfigCopied  bool
	Generation    int64
}

// Migrate performs the complete migration and returns its statistics.
func (m *Migrator) Migrate(ctx context.Context) (*MigrationStats, error) {
	stats := &MigrationStats{StartTime: time.Now()}
	if m.Source.same(m.Target) {
		return nil, errors.New("source and target storage cannot be the same")
	}

	logger.Logger.Info("starting storage migration",
		zap.Stringer("source", m.Source),
		zap.Stringer("target", m.Target),
		zap.Bool("dry_run", m.DryRun))

	src, err := m.Source.Open(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open source storage")
	}
	defer closeStorage("source", src)
	dst, err := m.Target.Open(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open target storage")
	}
	defer closeStorage("target", dst)

	snap, err := src.LoadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load source tokens")
	}
	doc, err := src.LoadConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load source config")
	}
	if doc != nil {
		if _, err = config.DecodeTOML(doc); err != nil {
			return nil, errors.Wrap(err, "source config is invalid")
		}
	}
	stats.TokensTotal = len(snap.Tokens)
	logger.Logger.Info("source analyzed",
		zap.Int("tokens", len(snap.Tokens)),
		zap.Bool("has_config", doc != nil))

	var stale []string
	if m.Replace {
		existing, err := dst.LoadAll(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load target tokens")
		}
		keep := make(map[string]struct{}, len(snap.Tokens))
		for _, tok := range snap.Tokens {
			keep[tok.Id] = struct{}{}
		}
		for _, tok := range existing.Tokens {
			if _, ok := keep[tok.Id]; !ok {
				stale = append(stale, tok.Id)
			}
		}
	}

	if m.DryRun {
		logger.Logger.Info("dry run, target left untouched",
			zap.Int("would_copy", len(snap.Tokens)),
			zap.Int("would_remove", len(stale)))
		stats.EndTime = time.Now()
		return stats, nil
	}

	if err = m.copyTokens(ctx, dst, snap.Tokens, stats); err != nil {
		return stats, err
	}
	if len(stale) > 0 {
		if err = dst.DeleteTokens(ctx, stale); err != nil {
			return stats, errors.Wrap(err, "delete stale target tokens")
		}
		stats.TokensRemoved = len(stale)
	}
	if doc != nil {
		if err = dst.SaveConfig(ctx, doc); err != nil {
			return stats, errors.Wrap(err, "save target config")
		}
		stats.ConfigCopied = true
	}
	if stats.Generation, err = dst.MarkGeneration(ctx); err != nil {
		return stats, errors.Wrap(err, "bump target generation")
	}

	stats.EndTime = time.Now()
	m.printStats(stats)
	return stats, nil
}

func (m *Migrator) copyTokens(ctx context.Context, dst model.Storage, toks []*model.Token, stats *MigrationStats) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.Workers, 1))
	for _, tok := range toks {
		g.Go(func() error {
			if err := dst.UpsertToken(gctx, tok); err != nil {
				return errors.Wrapf(err, "copy token %s", tok.Id)
			}
			done := atomic.AddInt64(&stats.TokensDone, 1)
			if m.Verbose {
				logger.Logger.Info("token copied",
					zap.String("id", tok.Id),
					zap.String("kind", string(tok.Kind)),
					zap.Int64("done", done))
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Migrator) printStats(stats *MigrationStats) {
	logger.Logger.Info("migration finished",
		zap.Duration("elapsed", stats.EndTime.Sub(stats.StartTime)),
		zap.Int("tokens_total", stats.TokensTotal),
		zap.Int64("tokens_copied", stats.TokensDone),
		zap.Int("tokens_removed", stats.TokensRemoved),
		zap.Bool("config_copied", stats.ConfigCopied),
		zap.Int64("target_generation", stats.Generation))
}

func closeStorage(name string, s model.Storage) {
	if err := s.Close(); err != nil {
		logger.Logger.Error("failed to close storage", zap.String("side", name), zap.Error(err))
	}
}
