package graceful

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/logger"
)

var (
	inFlightRequests atomic.Int64
	draining         atomic.Bool

	wg sync.WaitGroup
)

// BeginRequest increments the in-flight request counter and returns a function
// to decrement it.
func BeginRequest() func() {
	inFlightRequests.Add(1)
	return func() {
		inFlightRequests.Add(-1)
	}
}

// InFlight reports the number of tracked requests.
func InFlight() int64 {
	return inFlightRequests.Load()
}

// GoCritical runs fn in a tracked goroutine. Drain waits for it on shutdown.
// Used for post-response persistence such as token state writes.
func GoCritical(ctx context.Context, name string, fn func(context.Context)) {
	wg.Go(func() {
		start := time.Now()
		logger.Logger.Debug("critical task start", zap.String("name", name))
		fn(ctx)
		logger.Logger.Debug("critical task done", zap.String("name", name), zap.Duration("elapsed", time.Since(start)))
	})
}

// Drain waits for all critical tasks and in-flight requests, bounded by ctx.
func Drain(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	tasksDone := false
	for {
		if tasksDone && inFlightRequests.Load() == 0 {
			logger.Logger.Info("graceful drain complete")
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Logger.Error("graceful drain timeout",
				zap.Bool("critical_tasks_done", tasksDone),
				zap.Int64("in_flight_requests", inFlightRequests.Load()))
			return ctx.Err()
		case <-done:
			tasksDone = true
			done = nil
		case <-ticker.C:
			logger.Logger.Debug("draining...",
				zap.Int64("in_flight_requests", inFlightRequests.Load()))
		}
	}
}

// SetDraining flips the draining flag to true.
func SetDraining() { draining.Store(true) }

// IsDraining returns whether the server is currently draining.
func IsDraining() bool { return draining.Load() }

// GinRequestTracker counts requests so Drain can wait for long-running SSE handlers.
func GinRequestTracker() gin.HandlerFunc {
	return func(c *gin.Context) {
		end := BeginRequest()
		defer end()
		c.Next()
	}
}
