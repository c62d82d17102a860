package model

import (
	"context"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
)

const (
	busyRetryFirstDelay = 10 * time.Millisecond
	busyRetryMaxDelay   = 200 * time.Millisecond
)

// busyRetry re-runs op while sqlite reports a locked database, doubling the
// pause between attempts, for at most budget. Other dialects run op once.
func busyRetry(ctx context.Context, dialect sqlDialect, budget time.Duration, op func() error) error {
	err := op()
	if dialect != dialectSQLite || !isSQLiteBusy(err) {
		return err
	}

	deadline := time.Now().Add(budget)
	delay := busyRetryFirstDelay
	for isSQLiteBusy(err) {
		if time.Now().Add(delay).After(deadline) {
			return errors.Wrap(err, "sqlite still busy")
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "waiting for sqlite lock")
		case <-timer.C:
		}
		delay = min(delay*2, busyRetryMaxDelay)
		err = op()
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is busy")
}
