package pool

import (
	"context"
	"time"

	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/logger"
)

const refreshCheckInterval = time.Minute

// Run drives the usage flush, storage reload and quota refresh loops until
// ctx is done, then flushes one last time.
func (p *Pool) Run(ctx context.Context) {
	go p.loop(ctx, "usage flush", func() time.Duration {
		return p.settings().Token.UsageFlushInterval()
	}, func(ctx context.Context) {
		if _, err := p.FlushUsage(ctx); err != nil {
			logger.Logger.Warn("usage flush", zap.Error(err))
		}
	})

	go p.loop(ctx, "storage reload", func() time.Duration {
		return p.settings().Token.ReloadInterval()
	}, func(ctx context.Context) {
		if _, err := p.Reload(ctx); err != nil {
			logger.Logger.Warn("storage reload", zap.Error(err))
		}
	})

	if p.refresher != nil {
		go p.loop(ctx, "quota refresh", func() time.Duration {
			return refreshCheckInterval
		}, func(ctx context.Context) {
			if !p.settings().Token.AutoRefresh {
				return
			}
			if _, err := p.RefreshDue(ctx); err != nil {
				logger.Logger.Warn("quota refresh", zap.Error(err))
			}
		})
	}

	<-ctx.Done()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(flushCtx); err != nil {
		logger.Logger.Error("final token flush", zap.Error(err))
		return
	}
	logger.Logger.Info("token pool flushed on shutdown")
}

// loop re-reads its interval every round so config updates apply without restart.
func (p *Pool) loop(ctx context.Context, name string, interval func() time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(interval())
	defer timer.Stop()
	logger.Logger.Debug("pool loop started", zap.String("loop", name))
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(interval())
		}
	}
}
