package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// staleReaper finalizes sessions the store believes are live but that no
// in-process runtime state is tracking, which happens after a crash or an
// unclean restart.
type staleReaper interface {
	ReapStale(ctx context.Context) ([]string, error)
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reapTicker

func startReapWorker(ctx context.Context, logger *slog.Logger, reaper staleReaper, interval time.Duration) func() {
	return startReapWorkerWithTicker(ctx, logger, reaper, interval, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReapWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reaper staleReaper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if reaper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				reaped, err := reaper.ReapStale(workerCtx)
				if err != nil {
					if logger != nil {
						logger.Error("failed to reap stale sessions", "error", err)
					}
					continue
				}
				if len(reaped) > 0 && logger != nil {
					logger.Info("reaped orphaned live sessions", "count", len(reaped))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
